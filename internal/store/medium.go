package store

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrKeyNotFound is returned by a Medium when a key has no value
var ErrKeyNotFound = errors.New("store: key not found")

// Op is a single write in an atomic batch. A nil Value deletes the key.
type Op struct {
	Key   string
	Value []byte
}

// KV is a stored key/value pair
type KV struct {
	Key   string
	Value []byte
}

// Medium is the persistence layer the Store writes through. Implementations
// must keep List results ordered by key and apply batches atomically.
type Medium interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	List(prefix string) ([]KV, error)
	Apply(ops []Op) error
}

// MemoryMedium is a Medium held entirely in memory
type MemoryMedium struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryMedium creates an empty in-memory medium
func NewMemoryMedium() *MemoryMedium {
	return &MemoryMedium{data: make(map[string][]byte)}
}

func (m *MemoryMedium) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryMedium) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryMedium) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryMedium) List(prefix string) ([]KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []KV
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, KV{Key: k, Value: append([]byte(nil), v...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryMedium) Apply(ops []Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		if op.Value == nil {
			delete(m.data, op.Key)
		} else {
			m.data[op.Key] = append([]byte(nil), op.Value...)
		}
	}
	return nil
}
