package migration

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"

	migerr "github.com/maloquacious/todomigrate/internal/errors"
	"github.com/maloquacious/todomigrate/internal/logger"
	"github.com/maloquacious/todomigrate/internal/schema"
)

const todosID = "lad3e15d50ci63z"

func recordA(t *testing.T) *Record {
	t.Helper()
	rec, err := NewRecord("1726791807_created_todos.go", []Op{
		CreateCollection{Collection: schema.Collection{
			ID:   todosID,
			Name: "todos",
			Fields: []schema.Field{
				{ID: "zmaoaxyn", Name: "text", Kind: schema.KindText},
				{ID: "8edr7pd8", Name: "completed", Kind: schema.KindBool},
			},
		}},
	}, []Op{
		DeleteCollection{Collection: todosID},
	})
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func recordB(t *testing.T) *Record {
	t.Helper()
	rec, err := NewRecord("1727131556_updated_todos.go", []Op{
		AddField{Collection: todosID, Field: schema.Field{ID: "wx0kbkjl", Name: "isDeleted", Kind: schema.KindBool}},
	}, []Op{
		RemoveField{Collection: todosID, FieldID: "wx0kbkjl"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

// clock hands out strictly increasing times so rollback order is deterministic.
func clock() func() time.Time {
	t := time.Date(2024, 9, 20, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newRunner(store *schema.Store, ledger Ledger, records []*Record, opts Options) *Runner {
	opts.Logger = logger.Discard
	if opts.Now == nil {
		opts.Now = clock()
	}
	return NewRunner(store, ledger, records, opts)
}

func fieldNames(t *testing.T, s *schema.Store, collection string) []string {
	t.Helper()
	c, err := s.FindCollection(collection)
	if err != nil {
		t.Fatalf("find %s: %v", collection, err)
	}
	return c.FieldNames()
}

func TestTodosScenario(t *testing.T) {
	ctx := context.Background()
	store := schema.NewStore()
	ledger := NewMemoryLedger()
	a, b := recordA(t), recordB(t)

	// apply A only
	done, err := newRunner(store, ledger, []*Record{a}, Options{}).ApplyPending(ctx)
	if err != nil {
		t.Fatalf("apply A: %v", err)
	}
	if !slices.Equal(done, []string{"1726791807_created_todos"}) {
		t.Errorf("got applied %v", done)
	}
	if got := fieldNames(t, store, "todos"); !slices.Equal(got, []string{"text", "completed"}) {
		t.Errorf("after A: got fields %v", got)
	}

	// B becomes known and is applied
	r := newRunner(store, ledger, []*Record{a, b}, Options{})
	if _, err := r.ApplyPending(ctx); err != nil {
		t.Fatalf("apply B: %v", err)
	}
	if got := fieldNames(t, store, "todos"); !slices.Equal(got, []string{"text", "completed", "isDeleted"}) {
		t.Errorf("after B: got fields %v", got)
	}

	if _, err := r.RollbackLast(ctx, 1); err != nil {
		t.Fatalf("rollback B: %v", err)
	}
	if got := fieldNames(t, store, "todos"); !slices.Equal(got, []string{"text", "completed"}) {
		t.Errorf("after rollback B: got fields %v", got)
	}

	if _, err := r.RollbackLast(ctx, 1); err != nil {
		t.Fatalf("rollback A: %v", err)
	}
	if _, err := store.FindCollection("todos"); !errors.Is(err, migerr.ErrNotFound) {
		t.Errorf("after rollback A: got %v, want not found", err)
	}
	if entries, _ := ledger.Entries(ctx); len(entries) != 0 {
		t.Errorf("ledger not empty: %s", spew.Sdump(entries))
	}
}

func TestApplyPendingTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	store := schema.NewStore()
	r := newRunner(store, NewMemoryLedger(), []*Record{recordB(t), recordA(t)}, Options{})

	done, err := r.ApplyPending(ctx)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if len(done) != 2 {
		t.Fatalf("got %d applied, want 2", len(done))
	}
	snapshot := store.Clone()

	done, err = r.ApplyPending(ctx)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if len(done) != 0 {
		t.Errorf("second apply ran %v", done)
	}
	if !store.Equal(snapshot) {
		t.Error("second apply changed the store")
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	r := newRunner(schema.NewStore(), NewMemoryLedger(), []*Record{recordB(t), recordA(t)}, Options{})

	seq, err := r.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for e := range seq {
		if e.Applied {
			t.Errorf("%s reported applied before any run", e.Record.Key())
		}
		keys = append(keys, e.Record.Key())
	}
	if !slices.Equal(keys, []string{"1726791807_created_todos", "1727131556_updated_todos"}) {
		t.Errorf("got order %v", keys)
	}

	if _, err := r.ApplyPending(ctx); err != nil {
		t.Fatal(err)
	}

	// the old sequence reflects the ledger at the time Status was called
	for e := range seq {
		if e.Applied {
			t.Errorf("stale sequence reports %s applied", e.Record.Key())
		}
	}

	seq, err = r.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for range 2 {
		n := 0
		for e := range seq {
			n++
			if !e.Applied || e.AppliedAt.IsZero() {
				t.Errorf("%s: got applied=%v at %v", e.Record.Key(), e.Applied, e.AppliedAt)
			}
		}
		if n != 2 {
			t.Errorf("got %d entries, want 2", n)
		}
	}

	pending, err := r.Pending(ctx)
	if err != nil || pending != 0 {
		t.Errorf("got pending=%d err=%v", pending, err)
	}
}

func TestConflictingIDsLeaveStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	store := schema.NewStore()
	dup, err := NewRecord("1726791807_other", []Op{
		CreateCollection{Collection: schema.Collection{ID: "other", Name: "other"}},
	}, []Op{DeleteCollection{Collection: "other"}})
	if err != nil {
		t.Fatal(err)
	}

	r := newRunner(store, NewMemoryLedger(), []*Record{recordA(t), dup}, Options{})
	done, err := r.ApplyPending(ctx)
	if !errors.Is(err, migerr.ErrMigrationConflict) {
		t.Fatalf("got %v, want migration conflict", err)
	}
	if len(done) != 0 || store.Len() != 0 {
		t.Errorf("store changed: applied=%v collections=%d", done, store.Len())
	}
	if err := r.Check(ctx); !errors.Is(err, migerr.ErrMigrationConflict) {
		t.Errorf("check: got %v", err)
	}
}

func TestOrphanLedgerEntryIsIntegrityError(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	if err := ledger.Insert(ctx, LedgerEntry{ID: 1600000000, Name: "deleted_out_of_band"}); err != nil {
		t.Fatal(err)
	}
	r := newRunner(schema.NewStore(), ledger, []*Record{recordA(t)}, Options{})

	_, err := r.ApplyPending(ctx)
	if !errors.Is(err, migerr.ErrIntegrity) {
		t.Fatalf("apply: got %v, want integrity", err)
	}
	if _, err := r.RollbackLast(ctx, 1); !errors.Is(err, migerr.ErrIntegrity) {
		t.Errorf("rollback: got %v, want integrity", err)
	}

	// not auto-healed
	entries, _ := ledger.Entries(ctx)
	if len(entries) != 1 {
		t.Errorf("ledger was modified: %s", spew.Sdump(entries))
	}
}

func TestFailureStopsBatchAndKeepsEarlierWork(t *testing.T) {
	ctx := context.Background()
	store := schema.NewStore()
	ledger := NewMemoryLedger()

	bad, err := NewRecord("1727000000_broken", []Op{
		RemoveField{Collection: todosID, FieldID: "missing"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	r := newRunner(store, ledger, []*Record{recordA(t), bad, recordB(t)}, Options{})
	done, err := r.ApplyPending(ctx)

	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("got %v, want *RunError", err)
	}
	if runErr.Key != "1727000000_broken" || runErr.Direction != Up {
		t.Errorf("got %s (%s)", runErr.Key, runErr.Direction)
	}
	if migerr.KindOf(err) != migerr.KindNotFound {
		t.Errorf("got kind %q, want NOT_FOUND", migerr.KindOf(err))
	}
	if !slices.Equal(done, []string{"1726791807_created_todos"}) {
		t.Errorf("got applied %v", done)
	}
	if got := fieldNames(t, store, "todos"); !slices.Equal(got, []string{"text", "completed"}) {
		t.Errorf("got fields %v", got)
	}
	if entries, _ := ledger.Entries(ctx); len(entries) != 1 {
		t.Errorf("got %d ledger entries, want 1", len(entries))
	}
}

func TestRollbackLast(t *testing.T) {
	ctx := context.Background()
	store := schema.NewStore()
	r := newRunner(store, NewMemoryLedger(), []*Record{recordA(t), recordB(t)}, Options{})

	if _, err := r.RollbackLast(ctx, 0); !errors.Is(err, migerr.ErrInvalid) {
		t.Errorf("n=0: got %v, want invalid", err)
	}

	if _, err := r.ApplyPending(ctx); err != nil {
		t.Fatal(err)
	}
	done, err := r.RollbackLast(ctx, 5)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	want := []string{"1727131556_updated_todos", "1726791807_created_todos"}
	if !slices.Equal(done, want) {
		t.Errorf("got %v, want %v", done, want)
	}
	if store.Len() != 0 {
		t.Errorf("got %d collections after full rollback", store.Len())
	}

	done, err = r.RollbackLast(ctx, 1)
	if err != nil || len(done) != 0 {
		t.Errorf("rollback on empty ledger: got %v, %v", done, err)
	}
}

func TestRollbackFailureKeepsRecordApplied(t *testing.T) {
	ctx := context.Background()
	store := schema.NewStore()
	ledger := NewMemoryLedger()

	sticky, err := NewRecord("1727200000_sticky", []Op{
		AddField{Collection: todosID, Field: schema.Field{ID: "s1", Name: "note", Kind: schema.KindText}},
	}, []Op{
		RemoveField{Collection: todosID, FieldID: "wrong"},
	})
	if err != nil {
		t.Fatal(err)
	}

	r := newRunner(store, ledger, []*Record{recordA(t), sticky}, Options{})
	if _, err := r.ApplyPending(ctx); err != nil {
		t.Fatal(err)
	}
	before := store.Clone()

	done, err := r.RollbackLast(ctx, 2)
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Direction != Down || runErr.Key != "1727200000_sticky" {
		t.Fatalf("got %v", err)
	}
	if len(done) != 0 {
		t.Errorf("got reverted %v", done)
	}
	if !store.Equal(before) {
		t.Error("failed down changed the store")
	}
	if entries, _ := ledger.Entries(ctx); len(entries) != 2 {
		t.Errorf("got %d ledger entries, want 2", len(entries))
	}
}

type failingSink struct {
	err   error
	saved [][]schema.Collection
}

func (s *failingSink) SaveSchema(ctx context.Context, cols []schema.Collection) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, cols)
	return nil
}

func TestSinkFailureRestoresStore(t *testing.T) {
	ctx := context.Background()
	store := schema.NewStore()
	ledger := NewMemoryLedger()
	sink := &failingSink{err: fmt.Errorf("disk full")}

	r := newRunner(store, ledger, []*Record{recordA(t)}, Options{Sink: sink})
	_, err := r.ApplyPending(ctx)
	if !errors.Is(err, migerr.ErrIO) {
		t.Fatalf("got %v, want IO", err)
	}
	if store.Len() != 0 {
		t.Error("in-memory store kept a change that was never persisted")
	}
	if entries, _ := ledger.Entries(ctx); len(entries) != 0 {
		t.Error("ledger recorded a migration whose schema was not persisted")
	}

	sink.err = nil
	if _, err := r.ApplyPending(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(sink.saved) != 1 || len(sink.saved[0]) != 1 {
		t.Errorf("got saved snapshots %s", spew.Sdump(sink.saved))
	}
}

type brokenLedger struct {
	*MemoryLedger
}

func (l brokenLedger) Insert(ctx context.Context, e LedgerEntry) error {
	return fmt.Errorf("database is locked")
}

func TestLedgerWriteFailureIsReportedDistinctly(t *testing.T) {
	ctx := context.Background()
	store := schema.NewStore()

	r := newRunner(store, brokenLedger{NewMemoryLedger()}, []*Record{recordA(t), recordB(t)}, Options{})
	done, err := r.ApplyPending(ctx)
	if !errors.Is(err, migerr.ErrLedgerWrite) {
		t.Fatalf("got %v, want ledger write", err)
	}
	if len(done) != 0 {
		t.Errorf("got applied %v", done)
	}
	// the schema change itself went through
	if _, err := store.FindCollection("todos"); err != nil {
		t.Errorf("expected todos to exist: %v", err)
	}
}

func TestVerifyInversesOption(t *testing.T) {
	ctx := context.Background()
	store := schema.NewStore()

	lossy, err := NewRecord("1727300000_lossy", []Op{
		AddField{Collection: todosID, Field: schema.Field{ID: "p1", Name: "priority", Kind: schema.KindNumber}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	r := newRunner(store, NewMemoryLedger(), []*Record{recordA(t), lossy}, Options{VerifyInverses: true})
	done, err := r.ApplyPending(ctx)
	if !errors.Is(err, migerr.ErrInverseMismatch) {
		t.Fatalf("got %v, want inverse mismatch", err)
	}
	if len(done) != 1 {
		t.Errorf("got applied %v", done)
	}
	if got := fieldNames(t, store, "todos"); slices.Contains(got, "priority") {
		t.Error("record with a bad inverse was applied")
	}
}

func TestLockHonorsCancellation(t *testing.T) {
	r := newRunner(schema.NewStore(), NewMemoryLedger(), []*Record{recordA(t)}, Options{})

	if !r.sem.TryAcquire(1) {
		t.Fatal("could not take the runner lock")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := r.ApplyPending(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("apply while locked: got %v", err)
	}
	if _, err := r.RollbackLast(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("rollback while locked: got %v", err)
	}

	r.sem.Release(1)
	if _, err := r.ApplyPending(context.Background()); err != nil {
		t.Errorf("apply after release: %v", err)
	}
}

func TestCancelledContextStopsBeforeNextRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := schema.NewStore()
	r := newRunner(store, NewMemoryLedger(), []*Record{recordA(t)}, Options{})
	if _, err := r.ApplyPending(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want canceled", err)
	}
	if store.Len() != 0 {
		t.Error("cancelled run changed the store")
	}
}
