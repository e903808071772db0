// Package locks provides a keyed mutex pool with deterministic multi-key
// acquisition, serializing writes that touch the same entity while letting
// unrelated entities proceed in parallel.
package locks

import (
	"sort"
	"strings"
	"sync"
)

const (
	// DefaultKey is the lock taken when a write names no entity.
	DefaultKey = "__default__"

	// AllKey is the sentinel for whole-store operations (restore, full delete).
	AllKey = "__all__"
)

// Manager holds the lock pool. Locks are created on first use and never
// discarded; the key space is small (one per entity).
type Manager struct {
	guard sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates an empty lock pool.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]*sync.Mutex)}
}

// SourceKey derives the entity key for a memory source.
func SourceKey(source string) string {
	source = strings.TrimSpace(source)
	if source == "" {
		return DefaultKey
	}
	return "default:" + source
}

// Normalize strips whitespace, discards empties, deduplicates, and sorts the
// keys lexicographically. An empty result becomes [DefaultKey]. Sorted
// acquisition order makes deadlock between any two callers impossible.
func Normalize(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	if len(out) == 0 {
		return []string{DefaultKey}
	}
	sort.Strings(out)
	return out
}

// AcquireMany locks the normalized keys in sorted order and returns a release
// function that unlocks in reverse order. The release function must be called
// exactly once, typically via defer.
func (m *Manager) AcquireMany(keys ...string) (release func()) {
	normalized := Normalize(keys)
	held := make([]*sync.Mutex, 0, len(normalized))
	for _, key := range normalized {
		l := m.lockFor(key)
		l.Lock()
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func (m *Manager) lockFor(key string) *sync.Mutex {
	m.guard.Lock()
	defer m.guard.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}
