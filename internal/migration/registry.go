package migration

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
)

// Registry collects records. It does not reject duplicate ids; the Runner
// reports those as conflicts before touching the store.
type Registry struct {
	mu      sync.Mutex
	records []*Record
}

// Add appends records to the registry.
func (r *Registry) Add(records ...*Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, records...)
}

// Register builds a record from a file name and adds it.
func (r *Registry) Register(filename string, up, down []Op) error {
	rec, err := NewRecord(filename, up, down)
	if err != nil {
		return err
	}
	r.Add(rec)
	return nil
}

// Records returns the registered records sorted by id. Records sharing an
// id keep registration order.
func (r *Registry) Records() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]*Record(nil), r.records...)
	sortRecords(out)
	return out
}

// Default is the registry that migration files add themselves to from init().
var Default = &Registry{}

// Register adds a record to the Default registry. The record id and name are
// taken from the calling file's name (<unixts>_<description>.go) unless
// optFilename is given. It panics on a malformed name, as it is meant to be
// called from init().
func Register(up, down []Op, optFilename ...string) {
	var filename string
	if len(optFilename) > 0 {
		filename = optFilename[0]
	} else {
		_, file, _, ok := runtime.Caller(1)
		if !ok {
			panic("migration: cannot determine caller file name")
		}
		filename = file
	}
	if err := Default.Register(filename, up, down); err != nil {
		panic(fmt.Sprintf("migration: %v", err))
	}
}

func sortRecords(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool { return records[i].ID < records[j].ID })
}
