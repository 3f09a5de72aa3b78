// Package settings holds persisted per-device integer settings, such as the
// preferred SCO connection method for a headset.
package settings

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/cornelk/hashmap"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Lookup for an absent key.
var ErrNotFound = errors.New("setting not found")

// Store is a read-only integer settings source.
type Store interface {
	GetInt(key string) (int, bool)
}

// Memory is a concurrent in-memory Store.
type Memory struct {
	values *hashmap.Map[string, int]
}

func NewMemory() *Memory {
	return &Memory{values: hashmap.New[string, int]()}
}

func (m *Memory) GetInt(key string) (int, bool) {
	return m.values.Get(key)
}

// Lookup is GetInt with an error for absent keys.
func (m *Memory) Lookup(key string) (int, error) {
	v, ok := m.values.Get(key)
	if !ok {
		return 0, fmt.Errorf("%q: %w", key, ErrNotFound)
	}
	return v, nil
}

func (m *Memory) Set(key string, value int) {
	m.values.Set(key, value)
}

func (m *Memory) Delete(key string) bool {
	return m.values.Del(key)
}

func (m *Memory) Len() int {
	return m.values.Len()
}

// Keys returns all keys in sorted order.
func (m *Memory) Keys() []string {
	keys := make([]string, 0, m.values.Len())
	m.values.Range(func(k string, _ int) bool {
		keys = append(keys, k)
		return true
	})
	sort.Strings(keys)
	return keys
}

// Load merges a YAML mapping of key: integer into the store.
func (m *Memory) Load(r io.Reader) error {
	var raw map[string]int
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to decode settings: %w", err)
	}
	for k, v := range raw {
		m.values.Set(k, v)
	}
	return nil
}

// LoadFile reads a YAML settings file into a new Memory store.
func LoadFile(path string) (*Memory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings file: %w", err)
	}
	defer f.Close()

	m := NewMemory()
	if err := m.Load(f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}
