package store

import (
	"context"
	"path/filepath"
	"sync"
	"time"
)

type counterEntry struct {
	Count     int64     `json:"count"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FileBlockCounter is the local TTL counter backing the circuit breaker.
type FileBlockCounter struct {
	path  string
	clock Clock

	mu      sync.Mutex
	entries map[string]counterEntry
}

// NewFileBlockCounter opens (or creates) the counter file under dir.
func NewFileBlockCounter(dir string, clock Clock) (*FileBlockCounter, error) {
	if clock == nil {
		clock = WallClock()
	}
	c := &FileBlockCounter{
		path:    filepath.Join(dir, "block_counter.json"),
		clock:   clock,
		entries: make(map[string]counterEntry),
	}
	if err := loadJSON(c.path, &c.entries); err != nil {
		return nil, err
	}
	return c, nil
}

// Increment bumps the key's counter, starting a fresh TTL window when the
// previous one expired.
func (c *FileBlockCounter) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	e, ok := c.entries[key]
	if !ok || !now.Before(e.ExpiresAt) {
		e = counterEntry{Count: 0, ExpiresAt: now.Add(ttl)}
	}
	e.Count++
	c.entries[key] = e
	if err := atomicWriteJSON(c.path, c.entries); err != nil {
		return 0, err
	}
	return e.Count, nil
}

// Get returns the live count; expired entries read as zero.
func (c *FileBlockCounter) Get(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !c.clock.Now().Before(e.ExpiresAt) {
		return 0, nil
	}
	return e.Count, nil
}

var _ BlockCounter = (*FileBlockCounter)(nil)
