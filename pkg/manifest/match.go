package manifest

import "github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"

// MatchesRepo reports whether any selector of the matcher accepts the repo:
// explicit name, anchored glob pattern, topic overlap, or visibility.
func MatchesRepo(m contracts.RepoMatcher, repoName string, meta contracts.RepoMeta) bool {
	for _, name := range m.Repos {
		if name == repoName {
			return true
		}
	}
	for _, pattern := range m.Patterns {
		if GlobMatch(pattern, repoName) {
			return true
		}
	}
	if len(m.Topics) > 0 {
		topicSet := make(map[string]bool, len(meta.Topics))
		for _, t := range meta.Topics {
			topicSet[t] = true
		}
		for _, t := range m.Topics {
			if topicSet[t] {
				return true
			}
		}
	}
	if m.Visibility != "" && m.Visibility == meta.Visibility {
		return true
	}
	return false
}

// globNameByte is the character class a '*' or '?' may consume. Patterns are
// case-sensitive and match whole names only.
func globNameByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '.' || b == '_' || b == '-':
		return true
	}
	return false
}

// GlobMatch matches an anchored glob supporting only '*' (zero or more name
// characters) and '?' (exactly one name character). Any other pattern byte
// matches itself.
func GlobMatch(pattern, name string) bool {
	// Iterative two-pointer match with single-star backtracking.
	var pi, ni int
	starPi, starNi := -1, 0
	for ni < len(name) {
		switch {
		case pi < len(pattern) && pattern[pi] == '*':
			starPi, starNi = pi, ni
			pi++
		case pi < len(pattern) && pattern[pi] == '?' && globNameByte(name[ni]):
			pi++
			ni++
		case pi < len(pattern) && pattern[pi] != '*' && pattern[pi] != '?' && pattern[pi] == name[ni]:
			pi++
			ni++
		case starPi >= 0 && globNameByte(name[starNi]):
			// Let the last star absorb one more character.
			starNi++
			pi, ni = starPi+1, starNi
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
