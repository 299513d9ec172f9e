package schema

import (
	"fmt"
	"slices"
	"time"

	migerr "github.com/maloquacious/todomigrate/internal/errors"
)

// Tx is a pending set of edits against a private copy of the store.
// It is only valid inside the Store.Update callback that created it.
type Tx struct {
	collections []Collection
	now         time.Time
}

// FindCollection returns a copy of the collection with the given id or name.
func (tx *Tx) FindCollection(idOrName string) (Collection, error) {
	i := indexOf(tx.collections, idOrName)
	if i < 0 {
		return Collection{}, migerr.NotFound("collection", idOrName)
	}
	return tx.collections[i].Clone(), nil
}

// CreateCollection validates and inserts c. Missing ids are generated.
func (tx *Tx) CreateCollection(c Collection) (Collection, error) {
	c = c.Clone()
	if c.ID == "" {
		c.ID = NewCollectionID()
	}
	for i := range c.Fields {
		if c.Fields[i].ID == "" {
			c.Fields[i].ID = NewFieldID()
		}
	}
	c.Created = tx.now
	c.Updated = tx.now
	if err := tx.insert(c, false); err != nil {
		return Collection{}, err
	}
	return tx.collections[len(tx.collections)-1].Clone(), nil
}

// insert validates c against the current state and appends it.
// Restoring skips relation target checks since snapshots may hold
// collections that reference each other.
func (tx *Tx) insert(c Collection, restoring bool) error {
	if c.ID == "" || c.Name == "" {
		return migerr.Invalid("collection id and name are required")
	}
	if c.Type == "" {
		c.Type = TypeBase
	}
	for _, other := range tx.collections {
		if other.ID == c.ID {
			return migerr.DuplicateCollection(c.ID)
		}
		if other.Name == c.Name {
			return migerr.DuplicateCollection(c.Name)
		}
	}
	normalize(&c)

	seen := make(map[string]bool, len(c.Fields)*2)
	for _, f := range c.Fields {
		if err := validateField(f); err != nil {
			return err
		}
		if seen["id:"+f.ID] {
			return migerr.DuplicateField(c.Name, f.ID)
		}
		if seen["name:"+f.Name] {
			return migerr.DuplicateField(c.Name, f.Name)
		}
		seen["id:"+f.ID] = true
		seen["name:"+f.Name] = true
		if !restoring {
			if err := tx.checkRelation(c.ID, f); err != nil {
				return err
			}
		}
	}
	for _, idx := range c.Indexes {
		if err := checkIndex(&c, idx); err != nil {
			return err
		}
	}
	for kind := range c.Rules {
		if !kind.Valid() {
			return migerr.Invalid("unknown rule %q on collection %q", kind, c.Name)
		}
	}

	tx.collections = append(tx.collections, c)
	return nil
}

// DeleteCollection removes the collection unless another collection has a
// relation field pointing at it.
func (tx *Tx) DeleteCollection(idOrName string) error {
	i := indexOf(tx.collections, idOrName)
	if i < 0 {
		return migerr.NotFound("collection", idOrName)
	}
	target := tx.collections[i]
	for _, other := range tx.collections {
		if other.ID == target.ID {
			continue
		}
		for _, f := range other.Fields {
			if id, ok := f.RelationTarget(); ok && id == target.ID {
				return migerr.New(migerr.KindDependency,
					"collection %q is referenced by %s.%s", target.Name, other.Name, f.Name).
					WithDetails(map[string]any{"collection": other.ID, "field": f.ID})
			}
		}
	}
	tx.collections = slices.Delete(tx.collections, i, i+1)
	return nil
}

// AddField appends f to the collection's field list.
func (tx *Tx) AddField(collection string, f Field) error {
	c, err := tx.get(collection)
	if err != nil {
		return err
	}
	f = f.Clone()
	if f.ID == "" {
		f.ID = NewFieldID()
	}
	if f.Options == nil {
		f.Options = map[string]any{}
	}
	if err := validateField(f); err != nil {
		return err
	}
	for _, existing := range c.Fields {
		if existing.ID == f.ID {
			return migerr.DuplicateField(c.Name, f.ID)
		}
		if existing.Name == f.Name {
			return migerr.DuplicateField(c.Name, f.Name)
		}
	}
	if err := tx.checkRelation(c.ID, f); err != nil {
		return err
	}
	c.Fields = append(c.Fields, f)
	c.Updated = tx.now
	return nil
}

// RemoveField removes the field with the given id. Fields still named by an
// index cannot be removed.
func (tx *Tx) RemoveField(collection, fieldID string) error {
	c, err := tx.get(collection)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(c.Fields, func(f Field) bool { return f.ID == fieldID })
	if i < 0 {
		return migerr.NotFound("field", fieldID)
	}
	name := c.Fields[i].Name
	for _, idx := range c.Indexes {
		if slices.Contains(idx.Columns, name) {
			return migerr.New(migerr.KindDependency,
				"field %q is used by index %q", name, idx.Name)
		}
	}
	c.Fields = slices.Delete(c.Fields, i, i+1)
	c.Updated = tx.now
	return nil
}

// UpdateField replaces the field that has f.ID, keeping its position.
func (tx *Tx) UpdateField(collection string, f Field) error {
	c, err := tx.get(collection)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(c.Fields, func(x Field) bool { return x.ID == f.ID })
	if i < 0 {
		return migerr.NotFound("field", f.ID)
	}
	f = f.Clone()
	if f.Options == nil {
		f.Options = map[string]any{}
	}
	if err := validateField(f); err != nil {
		return err
	}
	for j, existing := range c.Fields {
		if j != i && existing.Name == f.Name {
			return migerr.DuplicateField(c.Name, f.Name)
		}
	}
	old := c.Fields[i].Name
	if old != f.Name {
		for _, idx := range c.Indexes {
			if slices.Contains(idx.Columns, old) {
				return migerr.New(migerr.KindDependency,
					"field %q is used by index %q", old, idx.Name)
			}
		}
	}
	if err := tx.checkRelation(c.ID, f); err != nil {
		return err
	}
	c.Fields[i] = f
	c.Updated = tx.now
	return nil
}

// SetRule sets an access rule; nil clears it.
func (tx *Tx) SetRule(collection string, kind RuleKind, rule *string) error {
	if !kind.Valid() {
		return migerr.Invalid("unknown rule %q", kind)
	}
	c, err := tx.get(collection)
	if err != nil {
		return err
	}
	if rule == nil {
		delete(c.Rules, kind)
	} else {
		r := *rule
		c.Rules[kind] = &r
	}
	c.Updated = tx.now
	return nil
}

// AddIndex adds idx; its name must be unique within the collection.
func (tx *Tx) AddIndex(collection string, idx IndexSpec) error {
	c, err := tx.get(collection)
	if err != nil {
		return err
	}
	if slices.ContainsFunc(c.Indexes, func(x IndexSpec) bool { return x.Name == idx.Name }) {
		return migerr.New(migerr.KindDuplicateField,
			"index %q already exists in collection %q", idx.Name, c.Name)
	}
	if err := checkIndex(c, idx); err != nil {
		return err
	}
	idx.Columns = slices.Clone(idx.Columns)
	c.Indexes = append(c.Indexes, idx)
	c.Updated = tx.now
	return nil
}

// DropIndex removes the named index.
func (tx *Tx) DropIndex(collection, name string) error {
	c, err := tx.get(collection)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(c.Indexes, func(x IndexSpec) bool { return x.Name == name })
	if i < 0 {
		return migerr.NotFound("index", name)
	}
	c.Indexes = slices.Delete(c.Indexes, i, i+1)
	c.Updated = tx.now
	return nil
}

func (tx *Tx) get(idOrName string) (*Collection, error) {
	i := indexOf(tx.collections, idOrName)
	if i < 0 {
		return nil, migerr.NotFound("collection", idOrName)
	}
	return &tx.collections[i], nil
}

func (tx *Tx) checkRelation(self string, f Field) error {
	id, ok := f.RelationTarget()
	if !ok {
		if f.Kind == KindRelation {
			return migerr.Invalid("relation field %q has no %s option", f.Name, OptCollectionID)
		}
		return nil
	}
	if id == self || indexOf(tx.collections, id) >= 0 {
		return nil
	}
	return migerr.NotFound("relation target collection", id)
}

func validateField(f Field) error {
	if f.ID == "" || f.Name == "" {
		return migerr.Invalid("field id and name are required")
	}
	if !f.Kind.Valid() {
		return migerr.Invalid("field %q has unknown type %q", f.Name, f.Kind)
	}
	return nil
}

func checkIndex(c *Collection, idx IndexSpec) error {
	if idx.Name == "" || len(idx.Columns) == 0 {
		return migerr.Invalid("index on %q needs a name and at least one column", c.Name)
	}
	for _, col := range idx.Columns {
		if !slices.ContainsFunc(c.Fields, func(f Field) bool { return f.Name == col }) {
			return migerr.NotFound("index column", fmt.Sprintf("%s.%s", c.Name, col))
		}
	}
	return nil
}

// normalize gives empty containers a single representation so structural
// comparison does not depend on how a collection was authored.
func normalize(c *Collection) {
	if c.Fields == nil {
		c.Fields = []Field{}
	}
	for i := range c.Fields {
		if c.Fields[i].Options == nil {
			c.Fields[i].Options = map[string]any{}
		}
	}
	if c.Indexes == nil {
		c.Indexes = []IndexSpec{}
	}
	if c.Options == nil {
		c.Options = map[string]any{}
	}
	rules := make(map[RuleKind]*string, len(c.Rules))
	for k, v := range c.Rules {
		if v != nil {
			rules[k] = v
		}
	}
	c.Rules = rules
}
