package schema

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"
	"time"

	migerr "github.com/maloquacious/todomigrate/internal/errors"
)

// Store holds the current set of collections.
// Readers may run concurrently; every mutation is all-or-nothing.
type Store struct {
	mu          sync.RWMutex
	collections []Collection
	now         func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Update runs fn against a private copy of the store state and installs the
// copy only if fn returns nil. Edits made through tx are invisible to other
// readers until then.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{collections: cloneAll(s.collections), now: s.now()}
	if err := fn(tx); err != nil {
		return err
	}
	s.collections = tx.collections
	return nil
}

// CreateCollection inserts c and returns the stored copy.
func (s *Store) CreateCollection(c Collection) (Collection, error) {
	var out Collection
	err := s.Update(func(tx *Tx) error {
		created, err := tx.CreateCollection(c)
		out = created
		return err
	})
	return out, err
}

// FindCollection returns a copy of the collection with the given id or name.
func (s *Store) FindCollection(idOrName string) (Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := indexOf(s.collections, idOrName)
	if i < 0 {
		return Collection{}, migerr.NotFound("collection", idOrName)
	}
	return s.collections[i].Clone(), nil
}

// DeleteCollection removes the collection with the given id or name.
func (s *Store) DeleteCollection(idOrName string) error {
	return s.Update(func(tx *Tx) error { return tx.DeleteCollection(idOrName) })
}

// AddField appends f to the collection.
func (s *Store) AddField(collection string, f Field) error {
	return s.Update(func(tx *Tx) error { return tx.AddField(collection, f) })
}

// RemoveField removes a field by id.
func (s *Store) RemoveField(collection, fieldID string) error {
	return s.Update(func(tx *Tx) error { return tx.RemoveField(collection, fieldID) })
}

// UpdateField replaces the field with the same id, keeping its position.
func (s *Store) UpdateField(collection string, f Field) error {
	return s.Update(func(tx *Tx) error { return tx.UpdateField(collection, f) })
}

// SetRule sets (or, with a nil rule, clears) an access rule.
func (s *Store) SetRule(collection string, kind RuleKind, rule *string) error {
	return s.Update(func(tx *Tx) error { return tx.SetRule(collection, kind, rule) })
}

// AddIndex adds an index to the collection.
func (s *Store) AddIndex(collection string, idx IndexSpec) error {
	return s.Update(func(tx *Tx) error { return tx.AddIndex(collection, idx) })
}

// DropIndex removes an index by name.
func (s *Store) DropIndex(collection, name string) error {
	return s.Update(func(tx *Tx) error { return tx.DropIndex(collection, name) })
}

// Collections returns copies of all collections in creation order.
func (s *Store) Collections() []Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.collections)
}

// Len returns the number of collections.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections)
}

// Restore replaces the whole store content, e.g. from a durable snapshot.
// The snapshot is validated as if each collection were created in order.
func (s *Store) Restore(collections []Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{now: s.now()}
	for _, c := range collections {
		if err := tx.insert(c.Clone(), true); err != nil {
			return err
		}
	}
	s.collections = tx.collections
	return nil
}

// Clone returns an independent store with the same content.
func (s *Store) Clone() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Store{collections: cloneAll(s.collections), now: s.now}
}

// Equal reports structural equality: collections compare as a set keyed by
// id, fields compare in order, created/updated timestamps are ignored.
func (s *Store) Equal(other *Store) bool {
	a, err := s.fingerprint()
	if err != nil {
		return false
	}
	b, err := other.fingerprint()
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

func (s *Store) fingerprint() ([]byte, error) {
	cols := s.Collections()
	sort.Slice(cols, func(i, j int) bool { return cols[i].ID < cols[j].ID })
	for i := range cols {
		cols[i].Created = time.Time{}
		cols[i].Updated = time.Time{}
	}
	return json.Marshal(cols)
}

func cloneAll(in []Collection) []Collection {
	out := make([]Collection, len(in))
	for i, c := range in {
		out[i] = c.Clone()
	}
	return out
}

func indexOf(cols []Collection, idOrName string) int {
	for i := range cols {
		if cols[i].ID == idOrName {
			return i
		}
	}
	for i := range cols {
		if cols[i].Name == idOrName {
			return i
		}
	}
	return -1
}
