// Package remotecache shares cache archives between machines. The executor
// consults it after a local miss and uploads to it after a successful run.
package remotecache

import (
	"context"
	"sync"
)

// RemoteCache stores opaque cache archives keyed by fingerprint.
type RemoteCache interface {
	// Fetch returns the archive for fp. ok is false on a miss.
	Fetch(ctx context.Context, fp string) (data []byte, ok bool, err error)
	// Put uploads the archive for fp.
	Put(ctx context.Context, fp string, data []byte) error
}

// Memory is an in-process RemoteCache, used by tests and as a stand-in when
// sharing a cache between executors in one process.
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

var _ RemoteCache = (*Memory)(nil)

// NewMemory returns an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]byte)}
}

// Fetch implements RemoteCache.
func (m *Memory) Fetch(_ context.Context, fp string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.entries[fp]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

// Put implements RemoteCache.
func (m *Memory) Put(_ context.Context, fp string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[fp] = append([]byte(nil), data...)
	return nil
}

// Len returns the number of stored archives.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
