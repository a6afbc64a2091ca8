package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

// FileSecretStore keeps nonce versions as individual files named
// "redaction_nonce_v<N>" under a directory. Dev and test use only.
type FileSecretStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileSecretStore opens (or creates) the secret directory.
func NewFileSecretStore(dir string) (*FileSecretStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &FileSecretStore{dir: dir}, nil
}

func (s *FileSecretStore) load() ([]contracts.NonceConfig, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretUnavailable, err)
	}
	var nonces []contracts.NonceConfig
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), NonceParamName) {
			continue
		}
		version, ok := ParseVersionSuffix(e.Name())
		if !ok {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSecretUnavailable, err)
		}
		value := strings.TrimSpace(string(raw))
		if err := ValidateNonceValue(value); err != nil {
			return nil, err
		}
		info, _ := e.Info()
		loadedAt := time.Now()
		if info != nil {
			loadedAt = info.ModTime()
		}
		nonces = append(nonces, contracts.NonceConfig{
			Value:    value,
			LoadedAt: loadedAt,
			Source:   "file",
			Version:  version,
		})
	}
	if len(nonces) == 0 {
		return nil, ErrSecretUnavailable
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i].Version > nonces[j].Version })
	return nonces, nil
}

// GetNonce returns the highest-version nonce.
func (s *FileSecretStore) GetNonce(ctx context.Context) (contracts.NonceConfig, error) {
	nonces, err := s.GetNonces(ctx)
	if err != nil {
		return contracts.NonceConfig{}, err
	}
	return nonces[0], nil
}

// GetNonces returns all versions, newest first.
func (s *FileSecretStore) GetNonces(_ context.Context) ([]contracts.NonceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// RotateNonce writes newValue as the next version file.
func (s *FileSecretStore) RotateNonce(_ context.Context, newValue string) error {
	if err := ValidateNonceValue(newValue); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := 1
	if nonces, err := s.load(); err == nil {
		if nonces[0].Value == newValue {
			return nil // idempotent retry
		}
		next = nonces[0].Version + 1
	}
	name := fmt.Sprintf("%s_v%d", NonceParamName, next)
	tmp := filepath.Join(s.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, []byte(newValue), 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrRotationFailed, err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrRotationFailed, err)
	}
	return nil
}

// DeleteVersion removes one nonce version, ending its grace period.
func (s *FileSecretStore) DeleteVersion(version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := fmt.Sprintf("%s_v%d", NonceParamName, version)
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("delete nonce version %d: %w", version, err)
	}
	return nil
}

var _ Store = (*FileSecretStore)(nil)
