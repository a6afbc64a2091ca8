package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileObjectStore is the local versioned object store. Each logical key maps
// to a directory holding one file per version; the version id is a
// zero-padded monotonic counter so lexical order equals creation order.
type FileObjectStore struct {
	root  string
	clock Clock
	mu    sync.Mutex
}

// NewFileObjectStore creates a versioned object store rooted at dir.
func NewFileObjectStore(dir string, clock Clock) (*FileObjectStore, error) {
	if clock == nil {
		clock = WallClock()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &FileObjectStore{root: dir, clock: clock}, nil
}

func (s *FileObjectStore) keyDir(key string) string {
	// Flatten the logical key ("baselines/repo.json") into one directory
	// name so versions of a key sit together.
	return filepath.Join(s.root, strings.ReplaceAll(key, "/", "__"))
}

// PutBaseline writes a new version of the object.
func (s *FileObjectStore) PutBaseline(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.keyDir(key)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	next := len(s.versionFiles(dir)) + 1
	name := fmt.Sprintf("v%08d.json", next)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// GetBaseline returns the newest version's bytes.
func (s *FileObjectStore) GetBaseline(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.keyDir(key)
	files := s.versionFiles(dir)
	if len(files) == 0 {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(dir, files[len(files)-1]))
	if err != nil {
		return nil, fmt.Errorf("read baseline %s: %w", key, err)
	}
	return data, nil
}

// ListBaselineVersions returns versions newest first.
func (s *FileObjectStore) ListBaselineVersions(_ context.Context, key string) ([]ObjectVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.keyDir(key)
	files := s.versionFiles(dir)
	out := make([]ObjectVersion, 0, len(files))
	for i := len(files) - 1; i >= 0; i-- {
		info, err := os.Stat(filepath.Join(dir, files[i]))
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", files[i], err)
		}
		out = append(out, ObjectVersion{
			VersionID:    strings.TrimSuffix(files[i], ".json"),
			LastModified: info.ModTime(),
		})
	}
	return out, nil
}

func (s *FileObjectStore) versionFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "v") && strings.HasSuffix(e.Name(), ".json") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files
}

var _ ObjectStore = (*FileObjectStore)(nil)
