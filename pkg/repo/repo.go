// Package repo defines the generic Repository interface and list options.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no entity matches the requested id.
var ErrNotFound = errors.New("repo: not found")

// Repository is a generic keyed store.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	// Upsert creates the entity or replaces the stored one with the same id.
	Upsert(ctx context.Context, entity T) (T, error)
	Delete(ctx context.Context, id ID) error
}

// ListOpts controls pagination and filtering for List operations.
// Filter entries are exact-match property constraints.
type ListOpts struct {
	Offset int
	Limit  int
	Filter map[string]any
}

// DefaultLimit applies when ListOpts.Limit is not positive.
const DefaultLimit = 100
