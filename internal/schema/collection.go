// Package schema holds the live representation of collections and their
// fields, and the structural edits migrations are allowed to make to it.
package schema

import (
	"time"
)

// FieldKind is the value type of a field.
type FieldKind string

const (
	KindText     FieldKind = "text"
	KindBool     FieldKind = "bool"
	KindNumber   FieldKind = "number"
	KindEmail    FieldKind = "email"
	KindURL      FieldKind = "url"
	KindDate     FieldKind = "date"
	KindSelect   FieldKind = "select"
	KindJSON     FieldKind = "json"
	KindFile     FieldKind = "file"
	KindRelation FieldKind = "relation"
	KindEditor   FieldKind = "editor"
	KindAutodate FieldKind = "autodate"
)

// Valid reports whether k is a known field kind.
func (k FieldKind) Valid() bool {
	switch k {
	case KindText, KindBool, KindNumber, KindEmail, KindURL, KindDate,
		KindSelect, KindJSON, KindFile, KindRelation, KindEditor, KindAutodate:
		return true
	}
	return false
}

// CollectionType distinguishes plain collections from auth and view collections.
type CollectionType string

const (
	TypeBase CollectionType = "base"
	TypeAuth CollectionType = "auth"
	TypeView CollectionType = "view"
)

// RuleKind names an access rule slot on a collection.
type RuleKind string

const (
	RuleList   RuleKind = "list"
	RuleView   RuleKind = "view"
	RuleCreate RuleKind = "create"
	RuleUpdate RuleKind = "update"
	RuleDelete RuleKind = "delete"
)

// RuleKinds lists every rule slot in display order.
var RuleKinds = []RuleKind{RuleList, RuleView, RuleCreate, RuleUpdate, RuleDelete}

// Valid reports whether r is a known rule slot.
func (r RuleKind) Valid() bool {
	switch r {
	case RuleList, RuleView, RuleCreate, RuleUpdate, RuleDelete:
		return true
	}
	return false
}

// OptCollectionID is the relation field option naming the target collection.
const OptCollectionID = "collectionId"

// Field is a typed column of a collection.
type Field struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Kind        FieldKind      `json:"type" yaml:"type"`
	System      bool           `json:"system" yaml:"system,omitempty"`
	Required    bool           `json:"required" yaml:"required,omitempty"`
	Unique      bool           `json:"unique" yaml:"unique,omitempty"`
	Presentable bool           `json:"presentable" yaml:"presentable,omitempty"`
	Options     map[string]any `json:"options" yaml:"options,omitempty"`
}

// RelationTarget returns the collection id a relation field points at.
func (f Field) RelationTarget() (string, bool) {
	if f.Kind != KindRelation {
		return "", false
	}
	id, ok := f.Options[OptCollectionID].(string)
	return id, ok && id != ""
}

// Clone returns a deep copy of the field.
func (f Field) Clone() Field {
	f.Options = cloneMap(f.Options)
	return f
}

// IndexSpec describes an index over one or more fields of a collection.
type IndexSpec struct {
	Name    string   `json:"name" yaml:"name"`
	Columns []string `json:"columns" yaml:"columns"`
	Unique  bool     `json:"unique" yaml:"unique,omitempty"`
}

// Collection is a named, table-like schema unit with an ordered field list.
type Collection struct {
	ID      string               `json:"id" yaml:"id"`
	Name    string               `json:"name" yaml:"name"`
	Type    CollectionType       `json:"type" yaml:"type,omitempty"`
	System  bool                 `json:"system" yaml:"system,omitempty"`
	Fields  []Field              `json:"fields" yaml:"fields"`
	Indexes []IndexSpec          `json:"indexes" yaml:"indexes,omitempty"`
	Rules   map[RuleKind]*string `json:"rules" yaml:"rules,omitempty"`
	Options map[string]any       `json:"options" yaml:"options,omitempty"`
	Created time.Time            `json:"created" yaml:"-"`
	Updated time.Time            `json:"updated" yaml:"-"`
}

// Field returns the field with the given id or name.
func (c *Collection) Field(idOrName string) (Field, bool) {
	if i := c.fieldIndex(idOrName); i >= 0 {
		return c.Fields[i], true
	}
	return Field{}, false
}

// FieldNames returns the field names in order.
func (c *Collection) FieldNames() []string {
	names := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		names[i] = f.Name
	}
	return names
}

func (c *Collection) fieldIndex(idOrName string) int {
	for i, f := range c.Fields {
		if f.ID == idOrName {
			return i
		}
	}
	for i, f := range c.Fields {
		if f.Name == idOrName {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the collection.
func (c Collection) Clone() Collection {
	if c.Fields != nil {
		fields := make([]Field, len(c.Fields))
		for i, f := range c.Fields {
			fields[i] = f.Clone()
		}
		c.Fields = fields
	}
	if c.Indexes != nil {
		indexes := make([]IndexSpec, len(c.Indexes))
		for i, idx := range c.Indexes {
			idx.Columns = append([]string(nil), idx.Columns...)
			indexes[i] = idx
		}
		c.Indexes = indexes
	}
	if c.Rules != nil {
		rules := make(map[RuleKind]*string, len(c.Rules))
		for k, v := range c.Rules {
			if v != nil {
				s := *v
				v = &s
			}
			rules[k] = v
		}
		c.Rules = rules
	}
	c.Options = cloneMap(c.Options)
	return c
}

// Rule returns a pointer to s, for building rule maps.
func Rule(s string) *string {
	return &s
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
