package storage

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
)

const (
	KindRegistration = "registration"
	KindHost         = "host"
	KindJob          = "job"
	KindWorkflow     = "workflow"
)

// Collection stores values of one type under a single kind of a persistence backend.
// Values are JSON encoded, so every Load and Query returns fresh copies.
type Collection[T any] struct {
	backend core.Persistence
	kind    string
}

func NewCollection[T any](backend core.Persistence, kind string) *Collection[T] {
	return &Collection[T]{backend: backend, kind: kind}
}

func (c *Collection[T]) Save(ctx context.Context, id string, value *T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", c.kind, id, err)
	}
	if err := c.backend.Save(ctx, c.kind, id, data); err != nil {
		return fmt.Errorf("save %s %s: %w", c.kind, id, err)
	}
	return nil
}

// Load returns core.ErrNotFound when the record does not exist.
func (c *Collection[T]) Load(ctx context.Context, id string) (*T, error) {
	data, err := c.backend.Load(ctx, c.kind, id)
	if err != nil {
		return nil, err
	}
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", c.kind, id, err)
	}
	return &value, nil
}

func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	if err := c.backend.Delete(ctx, c.kind, id); err != nil {
		return fmt.Errorf("delete %s %s: %w", c.kind, id, err)
	}
	return nil
}

// Query returns every value for which match returns true. A nil match selects all values.
func (c *Collection[T]) Query(ctx context.Context, match func(*T) bool) ([]*T, error) {
	var out []*T
	err := c.backend.Scan(ctx, c.kind, func(id string, data []byte) error {
		var value T
		if err := json.Unmarshal(data, &value); err != nil {
			return fmt.Errorf("decode %s %s: %w", c.kind, id, err)
		}
		if match == nil || match(&value) {
			out = append(out, &value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
