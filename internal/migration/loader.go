package migration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	migerr "github.com/maloquacious/todomigrate/internal/errors"
)

// fileRecord is the on-disk shape of a migration file.
type fileRecord struct {
	Up   []opEnvelope `json:"up" yaml:"up"`
	Down []opEnvelope `json:"down" yaml:"down"`
}

// LoadDir reads every .yaml, .yml and .json migration file in dir. A missing
// directory yields no records.
func LoadDir(dir string) ([]*Record, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, migerr.Wrap(migerr.KindIO, err, "read migrations dir %s", dir)
	}

	var records []*Record
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		rec, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sortRecords(records)
	return records, nil
}

// LoadFile reads one YAML or JSON migration file.
func LoadFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, migerr.Wrap(migerr.KindIO, err, "read migration %s", path)
	}

	var fr fileRecord
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fr)
	case ".json":
		err = json.Unmarshal(data, &fr)
	default:
		return nil, migerr.Invalid("unsupported migration file format: %s", path)
	}
	if err != nil {
		return nil, migerr.Wrap(migerr.KindInvalid, err, "parse migration %s", path)
	}

	up, err := unwrapOps(fr.Up)
	if err != nil {
		return nil, migerr.Wrap(migerr.KindInvalid, err, "%s: up", path)
	}
	down, err := unwrapOps(fr.Down)
	if err != nil {
		return nil, migerr.Wrap(migerr.KindInvalid, err, "%s: down", path)
	}

	rec, err := NewRecord(filepath.Base(path), up, down)
	if err != nil {
		return nil, err
	}
	rec.Source = path
	return rec, nil
}

// WriteFile encodes rec as YAML into dir and returns the file path.
func WriteFile(dir string, rec *Record) (string, error) {
	up, err := wrapOps(rec.Up)
	if err != nil {
		return "", err
	}
	down, err := wrapOps(rec.Down)
	if err != nil {
		return "", err
	}
	data, err := yaml.Marshal(fileRecord{Up: up, Down: down})
	if err != nil {
		return "", fmt.Errorf("encode migration: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", migerr.Wrap(migerr.KindIO, err, "create %s", dir)
	}
	path := filepath.Join(dir, rec.Key()+".yaml")
	if _, err := os.Stat(path); err == nil {
		return "", migerr.New(migerr.KindMigrationConflict, "migration file %s already exists", path)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", migerr.Wrap(migerr.KindIO, err, "write %s", path)
	}
	return path, nil
}

// Blank returns an empty record named after description, stamped with now.
func Blank(description string, now time.Time) (*Record, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, migerr.Invalid("migration description is required")
	}
	description = strings.ReplaceAll(strings.ToLower(description), " ", "_")
	return NewRecord(FormatKey(now.Unix(), description), nil, nil)
}
