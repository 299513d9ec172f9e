package migrations

import (
	"context"
	"errors"
	"slices"
	"testing"

	migerr "github.com/maloquacious/todomigrate/internal/errors"
	"github.com/maloquacious/todomigrate/internal/logger"
	"github.com/maloquacious/todomigrate/internal/migration"
	"github.com/maloquacious/todomigrate/internal/schema"
)

func TestRegistered(t *testing.T) {
	records := migration.Default.Records()

	var keys []string
	for _, rec := range records {
		keys = append(keys, rec.Key())
	}
	want := []string{"1726791807_created_todos", "1727131556_updated_todos"}
	if !slices.Equal(keys, want) {
		t.Errorf("got %v, want %v", keys, want)
	}
}

func TestInverses(t *testing.T) {
	if err := migration.VerifySequence(migration.Default.Records(), schema.NewStore()); err != nil {
		t.Error(err)
	}
}

func TestTodosHistory(t *testing.T) {
	ctx := context.Background()
	store := schema.NewStore()
	r := migration.NewRunner(store, migration.NewMemoryLedger(), migration.Default.Records(),
		migration.Options{Logger: logger.Discard})

	if _, err := r.ApplyPending(ctx); err != nil {
		t.Fatalf("apply: %v", err)
	}

	c, err := store.FindCollection(TodosID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "todos" {
		t.Errorf("got name %q", c.Name)
	}
	if got := c.FieldNames(); !slices.Equal(got, []string{"text", "completed", "isDeleted"}) {
		t.Errorf("got fields %v", got)
	}
	isDeleted, ok := c.Field("isDeleted")
	if !ok || isDeleted.Kind != schema.KindBool || isDeleted.Required {
		t.Errorf("got isDeleted %+v", isDeleted)
	}
	for _, kind := range schema.RuleKinds {
		if c.Rules[kind] != nil {
			t.Errorf("%s rule should be superuser only, got %q", kind, *c.Rules[kind])
		}
	}

	if _, err := r.RollbackLast(ctx, 2); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, err := store.FindCollection("todos"); !errors.Is(err, migerr.ErrNotFound) {
		t.Errorf("got %v, want not found", err)
	}
}
