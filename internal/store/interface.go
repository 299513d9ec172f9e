package store

import (
	"context"

	"github.com/maloquacious/todomigrate/internal/migration"
	"github.com/maloquacious/todomigrate/internal/schema"
)

// StoreState represents the initialization state of the datastore.
type StoreState int

const (
	StateMissing         StoreState = iota // File doesn't exist
	StateUninitialized                     // File exists but no schema
	StateVersionMismatch                   // Some known migration is not in the ledger
	StateReady                             // Initialized and fully migrated
)

func (s StoreState) String() string {
	switch s {
	case StateMissing:
		return "missing"
	case StateUninitialized:
		return "uninitialized"
	case StateVersionMismatch:
		return "version mismatch"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

// Store defines the durable datastore contract: the applied ledger, the
// committed schema snapshot and the cross-process migration lock.
// Implementations must be safe for concurrent use.
type Store interface {
	migration.Ledger
	migration.SchemaSink

	// Open opens the datastore connection
	Open() error

	// Close closes the datastore connection
	Close() error

	// InitSchema creates the ledger, snapshot and lock tables
	InitSchema() error

	// CheckState returns the current state of the datastore
	CheckState() (StoreState, error)

	// GetSchemaVersion returns the key of the newest applied migration
	GetSchemaVersion() (string, error)

	// LoadSchema returns the committed collections in creation order
	LoadSchema(ctx context.Context) ([]schema.Collection, error)

	// AcquireLock takes the migration lock for owner. The returned func
	// releases it.
	AcquireLock(ctx context.Context, owner string) (func() error, error)

	// ForceUnlock clears the migration lock regardless of owner
	ForceUnlock(ctx context.Context) error
}
