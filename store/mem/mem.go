package mem

import (
	"sort"
	"sync"

	"github.com/knadh/qrshare/store"
	"github.com/pkg/errors"
)

// Config represents the InMemory store config structure.
type Config struct{}

// InMemory represents the in-memory implementation of the Store interface.
type InMemory struct {
	cfg  *Config
	data map[string][]byte
	mu   sync.RWMutex
}

// New returns a new in-memory store.
func New(cfg Config) (*InMemory, error) {
	return &InMemory{
		cfg:  &cfg,
		data: map[string][]byte{},
	}, nil
}

// Put stores a copy of data under name, replacing any previous blob.
func (m *InMemory) Put(name string, data []byte) error {
	if err := store.ValidateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b := make([]byte, len(data))
	copy(b, data)
	m.data[name] = b
	return nil
}

// Get a blob by name.
func (m *InMemory) Get(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.data[name]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "%q", name)
	}
	out := make([]byte, len(d))
	copy(out, d)
	return out, nil
}

// List returns the sorted blob names.
func (m *InMemory) List() ([]string, error) {
	m.mu.RLock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		out = append(out, k)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

// Delete a blob. It reports whether the blob existed.
func (m *InMemory) Delete(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[name]; !ok {
		return false, nil
	}
	delete(m.data, name)
	return true, nil
}
