package migration

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	migerr "github.com/maloquacious/todomigrate/internal/errors"
	"github.com/maloquacious/todomigrate/internal/logger"
	"github.com/maloquacious/todomigrate/internal/schema"
)

// RunError reports which record failed and in which direction. The
// underlying store or ledger error is kept intact for errors.Is and KindOf.
type RunError struct {
	Key       string
	Direction Direction
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("migration %s (%s): %v", e.Key, e.Direction, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Options configures a Runner.
type Options struct {
	// Logger receives progress messages. Defaults to logger.Default.
	Logger logger.Logger

	// Sink persists the schema after each successful up or down.
	// Nil keeps the schema in memory only.
	Sink SchemaSink

	// VerifyInverses checks each record's down against its up on a copy of
	// the store before running it for real.
	VerifyInverses bool

	// Now stamps ledger entries. Defaults to time.Now in UTC.
	Now func() time.Time
}

// StatusEntry is one line of Runner.Status.
type StatusEntry struct {
	Record    *Record
	Applied   bool
	AppliedAt time.Time
}

// Runner applies and rolls back records against a store and ledger.
//
// One Runner runs at most one ApplyPending or RollbackLast at a time. It does
// not coordinate with other processes: callers sharing a durable store must
// hold an external lock (see sqlite.SQLiteStore.AcquireLock) for the run.
type Runner struct {
	store   *schema.Store
	ledger  Ledger
	records []*Record
	opts    Options
	sem     *semaphore.Weighted
}

// NewRunner returns a Runner over a sorted copy of records.
func NewRunner(store *schema.Store, ledger Ledger, records []*Record, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = logger.Default
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	sorted := append([]*Record(nil), records...)
	sortRecords(sorted)
	return &Runner{
		store:   store,
		ledger:  ledger,
		records: sorted,
		opts:    opts,
		sem:     semaphore.NewWeighted(1),
	}
}

// Records returns the runner's records in id order.
func (r *Runner) Records() []*Record {
	return append([]*Record(nil), r.records...)
}

// ApplyPending runs up for every record not in the ledger, oldest first. It
// stops at the first failure; records applied before it stay applied.
// It returns the keys of the records it applied.
func (r *Runner) ApplyPending(ctx context.Context) ([]string, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	applied, err := r.load(ctx)
	if err != nil {
		return nil, err
	}

	var last int64
	for id := range applied {
		last = max(last, id)
	}

	var done []string
	for _, rec := range r.records {
		if _, ok := applied[rec.ID]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if rec.ID < last {
			r.opts.Logger.Warn("migration %s is older than the last applied migration %d; applying out of order", rec.Key(), last)
		}
		if err := r.up(ctx, rec); err != nil {
			r.opts.Logger.Error("%v", err)
			return done, err
		}
		r.opts.Logger.Info("applied %s", rec.Key())
		done = append(done, rec.Key())
	}
	if len(done) == 0 {
		r.opts.Logger.Debug("no pending migrations")
	}
	return done, nil
}

// RollbackLast runs down for the n most recently applied records, newest
// first. It stops at the first failure. It returns the keys it reverted.
func (r *Runner) RollbackLast(ctx context.Context, n int) ([]string, error) {
	if n < 1 {
		return nil, migerr.Invalid("rollback count must be at least 1, got %d", n)
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	applied, err := r.load(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]LedgerEntry, 0, len(applied))
	for _, e := range applied {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].AppliedAt.Equal(entries[j].AppliedAt) {
			return entries[i].AppliedAt.After(entries[j].AppliedAt)
		}
		return entries[i].ID > entries[j].ID
	})
	if n < len(entries) {
		entries = entries[:n]
	}

	byID := r.byID()
	var done []string
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		rec := byID[e.ID]
		if err := r.down(ctx, rec); err != nil {
			r.opts.Logger.Error("%v", err)
			return done, err
		}
		r.opts.Logger.Info("reverted %s", rec.Key())
		done = append(done, rec.Key())
	}
	return done, nil
}

// Status reads the ledger and returns every record with its applied state,
// oldest first. The sequence can be iterated any number of times; call
// Status again to observe later ledger changes.
func (r *Runner) Status(ctx context.Context) (iter.Seq[StatusEntry], error) {
	entries, err := r.ledger.Entries(ctx)
	if err != nil {
		return nil, migerr.Wrap(migerr.KindIO, err, "read ledger")
	}
	applied := make(map[int64]LedgerEntry, len(entries))
	for _, e := range entries {
		applied[e.ID] = e
	}
	records := r.records
	return func(yield func(StatusEntry) bool) {
		for _, rec := range records {
			e, ok := applied[rec.ID]
			if !yield(StatusEntry{Record: rec, Applied: ok, AppliedAt: e.AppliedAt}) {
				return
			}
		}
	}, nil
}

// Pending returns the number of records not yet applied.
func (r *Runner) Pending(ctx context.Context) (int, error) {
	seq, err := r.Status(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for e := range seq {
		if !e.Applied {
			n++
		}
	}
	return n, nil
}

// Check validates records against each other and the ledger without
// running anything.
func (r *Runner) Check(ctx context.Context) error {
	_, err := r.load(ctx)
	return err
}

// load checks for id conflicts and orphan ledger entries and returns the
// applied set keyed by id.
func (r *Runner) load(ctx context.Context) (map[int64]LedgerEntry, error) {
	if err := checkConflicts(r.records); err != nil {
		return nil, err
	}
	entries, err := r.ledger.Entries(ctx)
	if err != nil {
		return nil, migerr.Wrap(migerr.KindIO, err, "read ledger")
	}

	byID := r.byID()
	applied := make(map[int64]LedgerEntry, len(entries))
	var orphans []string
	for _, e := range entries {
		rec, ok := byID[e.ID]
		if !ok {
			orphans = append(orphans, e.Key())
			continue
		}
		if e.Checksum != "" && e.Checksum != rec.Checksum() {
			r.opts.Logger.Warn("migration %s changed after it was applied (checksum %s, now %s)", rec.Key(), e.Checksum, rec.Checksum())
		}
		applied[e.ID] = e
	}
	if len(orphans) > 0 {
		return nil, migerr.New(migerr.KindIntegrity,
			"ledger references migrations that no longer exist: %s", strings.Join(orphans, ", ")).
			WithDetails(map[string]any{"migrations": orphans})
	}
	return applied, nil
}

func (r *Runner) byID() map[int64]*Record {
	m := make(map[int64]*Record, len(r.records))
	for _, rec := range r.records {
		m[rec.ID] = rec
	}
	return m
}

func (r *Runner) up(ctx context.Context, rec *Record) error {
	fail := func(err error) error { return &RunError{Key: rec.Key(), Direction: Up, Err: err} }

	if r.opts.VerifyInverses {
		if err := VerifyInverse(rec, r.store); err != nil {
			return err
		}
	}
	if err := r.commit(ctx, rec.ApplyUp); err != nil {
		return fail(err)
	}

	entry := LedgerEntry{ID: rec.ID, Name: rec.Name, Checksum: rec.Checksum(), AppliedAt: r.opts.Now()}
	if err := r.ledger.Insert(ctx, entry); err != nil {
		return fail(migerr.Wrap(migerr.KindLedgerWrite, err,
			"schema change committed but not recorded; run status to reconcile before retrying"))
	}
	return nil
}

func (r *Runner) down(ctx context.Context, rec *Record) error {
	fail := func(err error) error { return &RunError{Key: rec.Key(), Direction: Down, Err: err} }

	if err := r.commit(ctx, rec.ApplyDown); err != nil {
		return fail(err)
	}
	if err := r.ledger.Delete(ctx, rec.ID); err != nil {
		return fail(migerr.Wrap(migerr.KindLedgerWrite, err,
			"schema change committed but ledger entry not removed; run status to reconcile before retrying"))
	}
	return nil
}

// commit applies one direction of a record and persists the result. If the
// snapshot cannot be saved the in-memory store is put back as it was.
func (r *Runner) commit(ctx context.Context, apply func(*schema.Store) error) error {
	var before []schema.Collection
	if r.opts.Sink != nil {
		before = r.store.Collections()
	}
	if err := apply(r.store); err != nil {
		return err
	}
	if r.opts.Sink == nil {
		return nil
	}
	if err := r.opts.Sink.SaveSchema(ctx, r.store.Collections()); err != nil {
		if rerr := r.store.Restore(before); rerr != nil {
			r.opts.Logger.Error("restoring schema after failed save: %v", rerr)
		}
		return migerr.Wrap(migerr.KindIO, err, "persist schema")
	}
	return nil
}

func checkConflicts(records []*Record) error {
	seen := make(map[int64]*Record, len(records))
	for _, rec := range records {
		if prev, ok := seen[rec.ID]; ok {
			return migerr.New(migerr.KindMigrationConflict,
				"migrations %s and %s share id %d", prev.Key(), rec.Key(), rec.ID).
				WithDetails(map[string]any{"id": rec.ID})
		}
		seen[rec.ID] = rec
	}
	return nil
}
