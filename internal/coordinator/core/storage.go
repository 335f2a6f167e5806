package core

import "context"

// Persistence is the storage collaborator behind the service directory, the job store
// and the workflow engine. Records are opaque byte values grouped by kind.
// Implementations must be safe for concurrent use.
type Persistence interface {
	Save(ctx context.Context, kind, id string, value []byte) error
	// Load returns ErrNotFound when no record exists.
	Load(ctx context.Context, kind, id string) ([]byte, error)
	Delete(ctx context.Context, kind, id string) error
	// Scan calls fn for every record of kind. Iteration order is unspecified.
	Scan(ctx context.Context, kind string, fn func(id string, value []byte) error) error
	Close() error
}
