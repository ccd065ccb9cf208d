// Package mock provides a mock implementation of storage.KV for testing.
package mock

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/giantswarm/tokensync/storage"
)

// KV is a mock storage.KV. Each method delegates to a replaceable func
// field; the defaults keep values in a map. Calls are counted per method.
type KV struct {
	mu     sync.RWMutex
	values map[string]string

	GetFunc    func(key string) (string, error)
	SetFunc    func(key, value string, ttl time.Duration) error
	DeleteFunc func(key string) error
	KeysFunc   func(prefix string) ([]string, error)

	countsMu   sync.Mutex
	CallCounts map[string]int
}

var _ storage.KV = (*KV)(nil)

// NewKV creates a new mock KV backed by a map
func NewKV() *KV {
	m := &KV{
		values:     make(map[string]string),
		CallCounts: make(map[string]int),
	}

	m.GetFunc = func(key string) (string, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		v, ok := m.values[key]
		if !ok {
			return "", storage.ErrNotFound
		}
		return v, nil
	}

	m.SetFunc = func(key, value string, _ time.Duration) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.values[key] = value
		return nil
	}

	m.DeleteFunc = func(key string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.values, key)
		return nil
	}

	m.KeysFunc = func(prefix string) ([]string, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		var keys []string
		for k := range m.values {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		return keys, nil
	}

	return m
}

func (m *KV) count(method string) {
	m.countsMu.Lock()
	defer m.countsMu.Unlock()
	m.CallCounts[method]++
}

// Calls returns how many times method was called
func (m *KV) Calls(method string) int {
	m.countsMu.Lock()
	defer m.countsMu.Unlock()
	return m.CallCounts[method]
}

// Get delegates to GetFunc
func (m *KV) Get(_ context.Context, key string) (string, error) {
	m.count("Get")
	return m.GetFunc(key)
}

// Set delegates to SetFunc
func (m *KV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.count("Set")
	return m.SetFunc(key, value, ttl)
}

// Delete delegates to DeleteFunc
func (m *KV) Delete(_ context.Context, key string) error {
	m.count("Delete")
	return m.DeleteFunc(key)
}

// Keys delegates to KeysFunc
func (m *KV) Keys(_ context.Context, prefix string) ([]string, error) {
	m.count("Keys")
	return m.KeysFunc(prefix)
}

// Raw returns the value held by the default map, bypassing GetFunc.
func (m *KV) Raw(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// Put writes directly into the default map, bypassing SetFunc.
func (m *KV) Put(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}
