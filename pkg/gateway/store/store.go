// Package store persists session records.
package store

import (
	"context"
	"errors"

	"github.com/voicegate/voicegate/pkg/core/session"
)

// ErrNotFound is returned when no session exists for the given ID.
var ErrNotFound = errors.New("session not found")

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	UserID string
	State  session.State
}

// Store is the session persistence boundary. Update applies the mutation
// under a per-session write lock so concurrent REST and live-session
// writers cannot interleave.
type Store interface {
	Create(ctx context.Context, rec *session.Record) error
	Get(ctx context.Context, id string) (*session.Record, error)
	List(ctx context.Context, filter ListFilter) ([]*session.Record, error)

	// Update loads the record, applies mutate, and persists the result
	// atomically. Returning an error from mutate aborts the update.
	Update(ctx context.Context, id string, mutate func(*session.Record) error) (*session.Record, error)

	Delete(ctx context.Context, id string) error
}
