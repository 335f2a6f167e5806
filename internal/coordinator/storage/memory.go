package storage

import (
	"context"
	"slices"
	"sync"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
)

type InMemoryBackend struct {
	mu      sync.RWMutex
	records map[string]map[string][]byte // kind -> id -> value
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		records: make(map[string]map[string][]byte),
	}
}

func (s *InMemoryBackend) Save(ctx context.Context, kind, id string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, exists := s.records[kind]
	if !exists {
		records = make(map[string][]byte)
		s.records[kind] = records
	}
	records[id] = slices.Clone(value)
	return nil
}

func (s *InMemoryBackend) Load(ctx context.Context, kind, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, exists := s.records[kind][id]
	if !exists {
		return nil, core.ErrNotFound
	}
	return slices.Clone(value), nil
}

func (s *InMemoryBackend) Delete(ctx context.Context, kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records[kind], id)
	return nil
}

func (s *InMemoryBackend) Scan(ctx context.Context, kind string, fn func(id string, value []byte) error) error {
	s.mu.RLock()
	snapshot := make(map[string][]byte, len(s.records[kind]))
	for id, value := range s.records[kind] {
		snapshot[id] = value
	}
	s.mu.RUnlock()

	for id, value := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(id, slices.Clone(value)); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemoryBackend) Close() error {
	return nil
}
