package migration

import (
	migerr "github.com/maloquacious/todomigrate/internal/errors"
	"github.com/maloquacious/todomigrate/internal/schema"
)

// VerifyInverse checks, on a copy of s, that running rec up then down
// returns the store to its starting shape. s is not modified.
func VerifyInverse(rec *Record, s *schema.Store) error {
	scratch := s.Clone()
	if err := rec.ApplyUp(scratch); err != nil {
		return &RunError{Key: rec.Key(), Direction: Up, Err: err}
	}
	if err := rec.ApplyDown(scratch); err != nil {
		return &RunError{Key: rec.Key(), Direction: Down,
			Err: migerr.Wrap(migerr.KindInverseMismatch, err, "down fails right after up")}
	}
	if !scratch.Equal(s) {
		return &RunError{Key: rec.Key(), Direction: Down,
			Err: migerr.New(migerr.KindInverseMismatch, "down does not restore the schema that up started from")}
	}
	return nil
}

// VerifySequence checks every record's inverse in order, starting from a
// copy of start and applying each record's up before moving to the next.
func VerifySequence(records []*Record, start *schema.Store) error {
	if err := checkConflicts(records); err != nil {
		return err
	}
	s := start.Clone()
	for _, rec := range records {
		if err := VerifyInverse(rec, s); err != nil {
			return err
		}
		if err := rec.ApplyUp(s); err != nil {
			return &RunError{Key: rec.Key(), Direction: Up, Err: err}
		}
	}
	return nil
}
