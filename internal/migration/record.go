// Package migration sequences ordered, reversible schema changes against a
// schema.Store and records which of them have run in a Ledger.
package migration

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spaolacci/murmur3"

	migerr "github.com/maloquacious/todomigrate/internal/errors"
	"github.com/maloquacious/todomigrate/internal/schema"
)

// Direction is the way a record is being run.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Record pairs a forward op list with its inverse. The ID is the unix
// timestamp prefix of the record's file name and fixes its order.
type Record struct {
	ID        int64
	Name      string
	CreatedAt time.Time
	Up        []Op
	Down      []Op

	// Source is the file the record was registered or loaded from.
	Source string
}

// NewRecord builds a record from a "<unixts>_<description>" key, with or
// without a file extension.
func NewRecord(key string, up, down []Op) (*Record, error) {
	id, name, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:        id,
		Name:      name,
		CreatedAt: time.Unix(id, 0).UTC(),
		Up:        up,
		Down:      down,
		Source:    key,
	}, nil
}

// Key returns "<id>_<name>".
func (r *Record) Key() string {
	return FormatKey(r.ID, r.Name)
}

// ApplyUp runs the forward ops as a single store transaction.
func (r *Record) ApplyUp(s *schema.Store) error {
	return apply(s, r.Up)
}

// ApplyDown runs the inverse ops as a single store transaction.
func (r *Record) ApplyDown(s *schema.Store) error {
	return apply(s, r.Down)
}

func apply(s *schema.Store, ops []Op) error {
	return s.Update(func(tx *schema.Tx) error {
		for _, op := range ops {
			if err := op.Apply(tx); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
		return nil
	})
}

// Checksum fingerprints both op lists (murmur3 128, hex). A ledger entry
// whose checksum differs from its record means the record was edited after
// it was applied.
func (r *Record) Checksum() string {
	up, err := wrapOps(r.Up)
	if err != nil {
		return ""
	}
	down, err := wrapOps(r.Down)
	if err != nil {
		return ""
	}
	data, err := json.Marshal(struct {
		Up   []opEnvelope `json:"up"`
		Down []opEnvelope `json:"down"`
	}{up, down})
	if err != nil {
		return ""
	}
	h1, h2 := murmur3.Sum128(data)
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// FormatKey joins an id and description into a record key.
func FormatKey(id int64, name string) string {
	return strconv.FormatInt(id, 10) + "_" + name
}

// ParseKey splits "<unixts>_<description>[.ext]" into its parts.
func ParseKey(key string) (int64, string, error) {
	base := filepath.Base(key)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return 0, "", migerr.Invalid("migration name %q is not <unixtimestamp>_<description>", key)
	}
	id, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil || id <= 0 {
		return 0, "", migerr.Invalid("migration name %q has no numeric timestamp prefix", key)
	}
	// Key() must reproduce the file name
	if strconv.FormatInt(id, 10) != prefix {
		return 0, "", migerr.Invalid("migration name %q has a non-canonical timestamp prefix, want %d", key, id)
	}
	return id, name, nil
}
