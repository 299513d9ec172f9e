package migration

import (
	"fmt"

	migerr "github.com/maloquacious/todomigrate/internal/errors"
	"github.com/maloquacious/todomigrate/internal/schema"
)

// Op is one structural instruction. Migrations are lists of Ops rather than
// arbitrary code so that their effect on a store can be replayed on a copy
// and checked.
type Op interface {
	Apply(tx *schema.Tx) error
	String() string
}

// CreateCollection adds a new collection.
type CreateCollection struct {
	Collection schema.Collection `json:"collection" yaml:"collection"`
}

func (o CreateCollection) Apply(tx *schema.Tx) error {
	_, err := tx.CreateCollection(o.Collection)
	return err
}

func (o CreateCollection) String() string {
	return fmt.Sprintf("create collection %s", o.Collection.Name)
}

// DeleteCollection removes a collection by id or name.
type DeleteCollection struct {
	Collection string `json:"collection" yaml:"collection"`
}

func (o DeleteCollection) Apply(tx *schema.Tx) error {
	return tx.DeleteCollection(o.Collection)
}

func (o DeleteCollection) String() string {
	return fmt.Sprintf("delete collection %s", o.Collection)
}

// AddField appends a field.
type AddField struct {
	Collection string       `json:"collection" yaml:"collection"`
	Field      schema.Field `json:"field" yaml:"field"`
}

func (o AddField) Apply(tx *schema.Tx) error {
	return tx.AddField(o.Collection, o.Field)
}

func (o AddField) String() string {
	return fmt.Sprintf("add field %s.%s", o.Collection, o.Field.Name)
}

// RemoveField removes a field by id.
type RemoveField struct {
	Collection string `json:"collection" yaml:"collection"`
	FieldID    string `json:"fieldId" yaml:"fieldId"`
}

func (o RemoveField) Apply(tx *schema.Tx) error {
	return tx.RemoveField(o.Collection, o.FieldID)
}

func (o RemoveField) String() string {
	return fmt.Sprintf("remove field %s.%s", o.Collection, o.FieldID)
}

// UpdateField replaces the field with the same id.
type UpdateField struct {
	Collection string       `json:"collection" yaml:"collection"`
	Field      schema.Field `json:"field" yaml:"field"`
}

func (o UpdateField) Apply(tx *schema.Tx) error {
	return tx.UpdateField(o.Collection, o.Field)
}

func (o UpdateField) String() string {
	return fmt.Sprintf("update field %s.%s", o.Collection, o.Field.ID)
}

// SetRule sets or clears one access rule.
type SetRule struct {
	Collection string          `json:"collection" yaml:"collection"`
	Rule       schema.RuleKind `json:"rule" yaml:"rule"`
	Expr       *string         `json:"expr" yaml:"expr"`
}

func (o SetRule) Apply(tx *schema.Tx) error {
	return tx.SetRule(o.Collection, o.Rule, o.Expr)
}

func (o SetRule) String() string {
	return fmt.Sprintf("set %s rule on %s", o.Rule, o.Collection)
}

// AddIndex adds an index.
type AddIndex struct {
	Collection string           `json:"collection" yaml:"collection"`
	Index      schema.IndexSpec `json:"index" yaml:"index"`
}

func (o AddIndex) Apply(tx *schema.Tx) error {
	return tx.AddIndex(o.Collection, o.Index)
}

func (o AddIndex) String() string {
	return fmt.Sprintf("add index %s on %s", o.Index.Name, o.Collection)
}

// DropIndex removes an index by name.
type DropIndex struct {
	Collection string `json:"collection" yaml:"collection"`
	Index      string `json:"index" yaml:"index"`
}

func (o DropIndex) Apply(tx *schema.Tx) error {
	return tx.DropIndex(o.Collection, o.Index)
}

func (o DropIndex) String() string {
	return fmt.Sprintf("drop index %s on %s", o.Index, o.Collection)
}

// opEnvelope is the tagged encoding of an Op in migration files and
// checksums. Exactly one member is set.
type opEnvelope struct {
	CreateCollection *CreateCollection `json:"createCollection,omitempty" yaml:"createCollection,omitempty"`
	DeleteCollection *DeleteCollection `json:"deleteCollection,omitempty" yaml:"deleteCollection,omitempty"`
	AddField         *AddField         `json:"addField,omitempty" yaml:"addField,omitempty"`
	RemoveField      *RemoveField      `json:"removeField,omitempty" yaml:"removeField,omitempty"`
	UpdateField      *UpdateField      `json:"updateField,omitempty" yaml:"updateField,omitempty"`
	SetRule          *SetRule          `json:"setRule,omitempty" yaml:"setRule,omitempty"`
	AddIndex         *AddIndex         `json:"addIndex,omitempty" yaml:"addIndex,omitempty"`
	DropIndex        *DropIndex        `json:"dropIndex,omitempty" yaml:"dropIndex,omitempty"`
}

func wrapOp(op Op) (opEnvelope, error) {
	var env opEnvelope
	switch o := op.(type) {
	case CreateCollection:
		env.CreateCollection = &o
	case *CreateCollection:
		env.CreateCollection = o
	case DeleteCollection:
		env.DeleteCollection = &o
	case *DeleteCollection:
		env.DeleteCollection = o
	case AddField:
		env.AddField = &o
	case *AddField:
		env.AddField = o
	case RemoveField:
		env.RemoveField = &o
	case *RemoveField:
		env.RemoveField = o
	case UpdateField:
		env.UpdateField = &o
	case *UpdateField:
		env.UpdateField = o
	case SetRule:
		env.SetRule = &o
	case *SetRule:
		env.SetRule = o
	case AddIndex:
		env.AddIndex = &o
	case *AddIndex:
		env.AddIndex = o
	case DropIndex:
		env.DropIndex = &o
	case *DropIndex:
		env.DropIndex = o
	default:
		return env, migerr.Invalid("unsupported op %T", op)
	}
	return env, nil
}

func (env opEnvelope) unwrap() (Op, error) {
	var ops []Op
	if env.CreateCollection != nil {
		ops = append(ops, *env.CreateCollection)
	}
	if env.DeleteCollection != nil {
		ops = append(ops, *env.DeleteCollection)
	}
	if env.AddField != nil {
		ops = append(ops, *env.AddField)
	}
	if env.RemoveField != nil {
		ops = append(ops, *env.RemoveField)
	}
	if env.UpdateField != nil {
		ops = append(ops, *env.UpdateField)
	}
	if env.SetRule != nil {
		ops = append(ops, *env.SetRule)
	}
	if env.AddIndex != nil {
		ops = append(ops, *env.AddIndex)
	}
	if env.DropIndex != nil {
		ops = append(ops, *env.DropIndex)
	}
	if len(ops) != 1 {
		return nil, migerr.Invalid("each op entry must hold exactly one instruction, got %d", len(ops))
	}
	return ops[0], nil
}

func wrapOps(ops []Op) ([]opEnvelope, error) {
	out := make([]opEnvelope, 0, len(ops))
	for _, op := range ops {
		env, err := wrapOp(op)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

func unwrapOps(envs []opEnvelope) ([]Op, error) {
	out := make([]Op, 0, len(envs))
	for i, env := range envs {
		op, err := env.unwrap()
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		out = append(out, op)
	}
	return out, nil
}
