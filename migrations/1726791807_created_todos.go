package migrations

import (
	m "github.com/maloquacious/todomigrate/internal/migration"
	"github.com/maloquacious/todomigrate/internal/schema"
)

func init() {
	m.Register([]m.Op{
		m.CreateCollection{Collection: schema.Collection{
			ID:   TodosID,
			Name: "todos",
			Type: schema.TypeBase,
			Fields: []schema.Field{
				{
					ID:   "zmaoaxyn",
					Name: "text",
					Kind: schema.KindText,
					Options: map[string]any{
						"min":     nil,
						"max":     nil,
						"pattern": "",
					},
				},
				{
					ID:   "8edr7pd8",
					Name: "completed",
					Kind: schema.KindBool,
				},
			},
		}},
	}, []m.Op{
		m.DeleteCollection{Collection: TodosID},
	})
}
