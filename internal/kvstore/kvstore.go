// Package kvstore is the persistence collaborator: a key-value store of JSON
// documents. The in-memory collections are authoritative for the lifetime of
// the process; the store is only read at startup and written after mutations.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
)

// Well-known document keys.
const (
	KeyStudents    = "students"
	KeyTeachers    = "teachers"
	KeyAttendance  = "attendance"
	KeyCurrentUser = "currentUser"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a flat key-value store of JSON documents.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, doc []byte) error
	Delete(ctx context.Context, key string) error
	// Keys returns all keys with the given prefix, sorted ascending.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// GetJSON reads key and unmarshals it into v. Missing keys leave v untouched
// and return ErrNotFound.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	doc, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(doc, v)
}

// SetJSON marshals v and writes it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, doc)
}

// Memory is a map-backed Store for tests and throwaway runs.
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(doc))
	copy(out, doc)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(doc))
	copy(cp, doc)
	m.docs[key] = cp
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, key)
	return nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.docs {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
