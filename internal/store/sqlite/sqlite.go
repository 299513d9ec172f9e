package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	migerr "github.com/maloquacious/todomigrate/internal/errors"
	"github.com/maloquacious/todomigrate/internal/migration"
	"github.com/maloquacious/todomigrate/internal/schema"
	"github.com/maloquacious/todomigrate/internal/store"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using modernc.org/sqlite.
type SQLiteStore struct {
	dbPath   string
	db       *sql.DB
	expected []int64
}

var _ store.Store = (*SQLiteStore)(nil)

// New creates a new SQLiteStore. expected holds the ids of every known
// migration; CheckState reports a mismatch until all of them are applied.
func New(dbPath string, expected ...int64) *SQLiteStore {
	return &SQLiteStore{
		dbPath:   dbPath,
		expected: expected,
	}
}

// Open opens the SQLite database with safe defaults.
func (s *SQLiteStore) Open() error {
	db, err := sql.Open("sqlite", s.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Apply safe defaults
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// InitSchema creates the ledger, snapshot and lock tables.
func (s *SQLiteStore) InitSchema() error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(initialSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// CheckState returns the current state of the datastore.
func (s *SQLiteStore) CheckState() (store.StoreState, error) {
	if s.db == nil {
		return store.StateMissing, fmt.Errorf("database not opened")
	}

	// Check if schema_migrations table exists
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'`).Scan(&count)
	if err != nil {
		return store.StateUninitialized, fmt.Errorf("failed to check schema_migrations table: %w", err)
	}

	if count == 0 {
		return store.StateUninitialized, nil
	}

	applied, err := s.appliedIDs()
	if err != nil {
		return store.StateUninitialized, fmt.Errorf("failed to read applied migrations: %w", err)
	}

	// an older migration can still be pending behind a newer ledger head
	for _, id := range s.expected {
		if _, ok := applied[id]; !ok {
			return store.StateVersionMismatch, nil
		}
	}

	return store.StateReady, nil
}

func (s *SQLiteStore) appliedIDs() (map[int64]struct{}, error) {
	rows, err := s.db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		applied[id] = struct{}{}
	}
	return applied, rows.Err()
}

// GetSchemaVersion returns the key of the newest applied migration, or ""
// if none has been applied.
func (s *SQLiteStore) GetSchemaVersion() (string, error) {
	if s.db == nil {
		return "", fmt.Errorf("database not opened")
	}

	var version int64
	var name string
	err := s.db.QueryRow(`SELECT version, name FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&version, &name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query schema version: %w", err)
	}

	return migration.FormatKey(version, name), nil
}

// Entries returns all ledger entries ordered by version.
func (s *SQLiteStore) Entries(ctx context.Context) ([]migration.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, name, checksum, applied_at FROM schema_migrations ORDER BY version ASC`)
	if err != nil {
		return nil, migerr.Wrap(migerr.KindIO, err, "query ledger")
	}
	defer rows.Close()

	var entries []migration.LedgerEntry
	for rows.Next() {
		var e migration.LedgerEntry
		var appliedAt int64
		if err := rows.Scan(&e.ID, &e.Name, &e.Checksum, &appliedAt); err != nil {
			return nil, migerr.Wrap(migerr.KindIO, err, "scan ledger entry")
		}
		e.AppliedAt = time.UnixMilli(appliedAt).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, migerr.Wrap(migerr.KindIO, err, "iterate ledger")
	}
	return entries, nil
}

// Insert records an applied migration.
func (s *SQLiteStore) Insert(ctx context.Context, e migration.LedgerEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
		e.ID, e.Name, e.Checksum, e.AppliedAt.UnixMilli())
	if err != nil {
		return migerr.Wrap(migerr.KindIO, err, "insert ledger entry %s", e.Key())
	}
	return nil
}

// Delete removes a ledger entry.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, id)
	if err != nil {
		return migerr.Wrap(migerr.KindIO, err, "delete ledger entry %d", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return migerr.NotFound("ledger entry", fmt.Sprint(id))
	}
	return nil
}

// SaveSchema replaces the committed snapshot with collections in one transaction.
func (s *SQLiteStore) SaveSchema(ctx context.Context, collections []schema.Collection) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return migerr.Wrap(migerr.KindIO, err, "begin snapshot")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM collections`); err != nil {
		return migerr.Wrap(migerr.KindIO, err, "clear snapshot")
	}
	for i, c := range collections {
		def, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode collection %s: %w", c.Name, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO collections (id, name, position, definition) VALUES (?, ?, ?, ?)`,
			c.ID, c.Name, i, string(def))
		if err != nil {
			return migerr.Wrap(migerr.KindIO, err, "save collection %s", c.Name)
		}
	}

	if err := tx.Commit(); err != nil {
		return migerr.Wrap(migerr.KindIO, err, "commit snapshot")
	}
	return nil
}

// LoadSchema returns the committed collections in creation order.
func (s *SQLiteStore) LoadSchema(ctx context.Context) ([]schema.Collection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM collections ORDER BY position ASC`)
	if err != nil {
		return nil, migerr.Wrap(migerr.KindIO, err, "query snapshot")
	}
	defer rows.Close()

	var out []schema.Collection
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, migerr.Wrap(migerr.KindIO, err, "scan collection")
		}
		var c schema.Collection
		if err := json.Unmarshal([]byte(def), &c); err != nil {
			return nil, migerr.Wrap(migerr.KindIntegrity, err, "decode collection snapshot")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, migerr.Wrap(migerr.KindIO, err, "iterate snapshot")
	}
	return out, nil
}

// AcquireLock takes the single migration lock row for owner.
func (s *SQLiteStore) AcquireLock(ctx context.Context, owner string) (func() error, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO migration_lock (id, owner, acquired_at) VALUES (1, ?, ?)`,
		owner, time.Now().UnixMilli())
	if err != nil {
		return nil, migerr.Wrap(migerr.KindIO, err, "acquire migration lock")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, migerr.Wrap(migerr.KindIO, err, "acquire migration lock")
	}
	if n == 0 {
		var holder string
		var since int64
		err := s.db.QueryRowContext(ctx, `SELECT owner, acquired_at FROM migration_lock WHERE id = 1`).Scan(&holder, &since)
		if err != nil {
			return nil, migerr.Wrap(migerr.KindIO, err, "read migration lock")
		}
		return nil, migerr.New(migerr.KindLocked, "migration lock held by %s since %s",
			holder, time.UnixMilli(since).UTC().Format(time.RFC3339)).
			WithDetails(map[string]any{"owner": holder})
	}

	release := func() error {
		// released with a fresh context so a cancelled run still unlocks
		_, err := s.db.ExecContext(context.Background(),
			`DELETE FROM migration_lock WHERE id = 1 AND owner = ?`, owner)
		if err != nil {
			return migerr.Wrap(migerr.KindIO, err, "release migration lock")
		}
		return nil
	}
	return release, nil
}

// ForceUnlock clears the migration lock regardless of owner.
func (s *SQLiteStore) ForceUnlock(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM migration_lock`); err != nil {
		return migerr.Wrap(migerr.KindIO, err, "clear migration lock")
	}
	return nil
}
