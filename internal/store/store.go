// Package store provides the key-value persistence used by the blacklist
// and metrics components. Values are JSON documents keyed by strings like
// "blacklist:7203" or "priority:current"; the managed NoSQL table the
// production deployment uses is represented here by a file-backed store
// with the same get/put/delete contract.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Store is the persistence contract the core depends on: get-by-key, put,
// delete and prefix listing. Implementations must be safe for concurrent
// use.
type Store interface {
	// Get unmarshals the value at key into out. It returns false when the
	// key does not exist.
	Get(key string, out any) (bool, error)
	Put(key string, v any) error
	Delete(key string) error
	// Keys returns all keys with the given prefix, sorted.
	Keys(prefix string) ([]string, error)
}

// MemoryStore is the in-process Store used by tests and the one-shot CLI.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]json.RawMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]json.RawMessage)}
}

func (m *MemoryStore) Get(key string, out any) (bool, error) {
	m.mu.RLock()
	raw, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (m *MemoryStore) Put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	m.mu.Lock()
	m.items[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// snapshot returns a copy of the current contents for persistence.
func (m *MemoryStore) snapshot() map[string]json.RawMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(m.items))
	for k, v := range m.items {
		out[k] = v
	}
	return out
}

// replace swaps in loaded contents.
func (m *MemoryStore) replace(items map[string]json.RawMessage) {
	m.mu.Lock()
	m.items = items
	m.mu.Unlock()
}
