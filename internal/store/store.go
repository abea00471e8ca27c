// Package store defines the persistence interface for the synthetic engine.
// Implementations include PostgreSQL (source of truth), SQLite (embedded),
// Redis (read-through account cache), and in-memory (for testing).
//
// The store is an audit log plus a projection: every committed engine
// operation appends its events and overwrites the snapshots of the accounts
// it touched, in one transaction.
package store

import (
	"context"
	"errors"

	"github.com/atmx/synth-engine/internal/model"
)

// ErrNotFound is returned when an account has never been recorded.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. It satisfies engine.Recorder.
type Store interface {
	// Apply persists a committed operation atomically.
	Apply(ctx context.Context, batch model.Batch) error

	// GetEventsByUser returns every event whose subject is user, oldest first.
	GetEventsByUser(ctx context.Context, user string) ([]model.Event, error)

	// GetEventsByKind returns every event of a kind, oldest first.
	GetEventsByKind(ctx context.Context, kind string) ([]model.Event, error)

	// GetAccount returns the latest snapshot of user's position.
	GetAccount(ctx context.Context, user string) (*model.AccountSnapshot, error)
}
