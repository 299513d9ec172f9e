package migrations

import (
	m "github.com/maloquacious/todomigrate/internal/migration"
	"github.com/maloquacious/todomigrate/internal/schema"
)

func init() {
	m.Register([]m.Op{
		m.AddField{Collection: TodosID, Field: schema.Field{
			ID:   "wx0kbkjl",
			Name: "isDeleted",
			Kind: schema.KindBool,
		}},
	}, []m.Op{
		m.RemoveField{Collection: TodosID, FieldID: "wx0kbkjl"},
	})
}
