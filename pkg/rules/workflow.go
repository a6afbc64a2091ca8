package rules

import (
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// workflowFile is the subset of a CI workflow document the rules inspect.
// Parsing is permissive: unknown keys are ignored, malformed documents are
// skipped per-file.
type workflowFile struct {
	Name string                 `yaml:"name"`
	Jobs map[string]workflowJob `yaml:"jobs"`
}

type workflowJob struct {
	Name  string         `yaml:"name"`
	Steps []workflowStep `yaml:"steps"`
}

type workflowStep struct {
	Name string `yaml:"name"`
	Uses string `yaml:"uses"`
	Run  string `yaml:"run"`
}

// parsedWorkflow pairs a workflow document with its repo-relative path.
type parsedWorkflow struct {
	Path string
	File workflowFile
}

const workflowDir = ".github/workflows/"

func isWorkflowPath(path string) bool {
	if !strings.HasPrefix(path, workflowDir) {
		return false
	}
	return strings.HasSuffix(path, ".yml") || strings.HasSuffix(path, ".yaml")
}

// parseWorkflows decodes every workflow file in the context. Files that fail
// to decode are dropped; the caller still sees the rest.
func parseWorkflows(files map[string]string) []parsedWorkflow {
	paths := make([]string, 0, len(files))
	for path := range files {
		if isWorkflowPath(path) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	out := make([]parsedWorkflow, 0, len(paths))
	for _, path := range paths {
		var wf workflowFile
		if err := yaml.Unmarshal([]byte(files[path]), &wf); err != nil {
			continue
		}
		if len(wf.Jobs) == 0 {
			continue
		}
		out = append(out, parsedWorkflow{Path: path, File: wf})
	}
	return out
}

// checkoutOnly reports whether the job does nothing besides checking out
// sources. Such jobs carry no semantic intent worth checking.
func checkoutOnly(job workflowJob) bool {
	if len(job.Steps) == 0 {
		return true
	}
	for _, step := range job.Steps {
		if step.Run != "" {
			return false
		}
		if step.Uses != "" && !strings.HasPrefix(step.Uses, "actions/checkout") {
			return false
		}
	}
	return true
}
