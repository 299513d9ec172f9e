package migration

import (
	"context"
	"sort"
	"sync"
	"time"

	migerr "github.com/maloquacious/todomigrate/internal/errors"
	"github.com/maloquacious/todomigrate/internal/schema"
)

// LedgerEntry records that a migration has been applied.
type LedgerEntry struct {
	ID        int64
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// Key returns "<id>_<name>".
func (e LedgerEntry) Key() string {
	return FormatKey(e.ID, e.Name)
}

// Ledger is the durable record of applied migrations.
type Ledger interface {
	// Entries returns every applied entry, in any order.
	Entries(ctx context.Context) ([]LedgerEntry, error)

	// Insert records an applied migration.
	Insert(ctx context.Context, e LedgerEntry) error

	// Delete forgets an applied migration.
	Delete(ctx context.Context, id int64) error
}

// SchemaSink persists the committed schema after each migration.
type SchemaSink interface {
	SaveSchema(ctx context.Context, collections []schema.Collection) error
}

// MemoryLedger is a Ledger kept in process memory.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[int64]LedgerEntry
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[int64]LedgerEntry)}
}

func (l *MemoryLedger) Entries(ctx context.Context) ([]LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LedgerEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *MemoryLedger) Insert(ctx context.Context, e LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[e.ID]; ok {
		return migerr.New(migerr.KindMigrationConflict, "migration %s is already in the ledger", e.Key())
	}
	l.entries[e.ID] = e
	return nil
}

func (l *MemoryLedger) Delete(ctx context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[id]; !ok {
		return migerr.NotFound("ledger entry", FormatKey(id, "*"))
	}
	delete(l.entries, id)
	return nil
}
