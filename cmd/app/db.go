package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	migerr "github.com/maloquacious/todomigrate/internal/errors"
	"github.com/maloquacious/todomigrate/internal/store"
)

func newDBCmd() *cobra.Command {
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	dbCreateCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and initialize the datastore",
		Args:  cobra.NoArgs,
		RunE:  runDBCreate,
	}
	dbVerifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify schema integrity and version",
		Args:  cobra.NoArgs,
		RunE:  runDBVerify,
	}
	dbUnlockCmd := &cobra.Command{
		Use:   "unlock",
		Short: "Clear a migration lock left behind by a crashed run",
		Args:  cobra.NoArgs,
		RunE:  runDBUnlock,
	}

	dbCmd.AddCommand(dbCreateCmd, dbVerifyCmd, dbUnlockCmd)
	return dbCmd
}

func runDBCreate(cmd *cobra.Command, args []string) error {
	storePath := store.GetStorePath(cfg.DataDir)
	exists, err := store.CheckExists(storePath)
	if err != nil {
		return err
	}
	if exists {
		return migerr.New(migerr.KindInvalid, "datastore already exists at %s", store.GetDBPath(storePath))
	}

	records, err := loadRecords()
	if err != nil {
		return err
	}
	s, err := openStore(records)
	if err != nil {
		return err
	}
	defer s.Close()

	log.Info("created datastore %s", store.GetDBPath(storePath))
	fmt.Fprintln(cmd.OutOrStdout(), "run 'app migrate up' to apply migrations")
	return nil
}

// verifySummary is the JSON report printed by db verify.
type verifySummary struct {
	Path            string `json:"path"`
	State           string `json:"state"`
	SchemaVersion   string `json:"schemaVersion"`
	ExpectedVersion string `json:"expectedVersion"`
	Pending         int    `json:"pending"`
	Error           string `json:"error,omitempty"`
}

func runDBVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	storePath := store.GetStorePath(cfg.DataDir)
	summary := verifySummary{Path: store.GetDBPath(storePath), State: store.StateMissing.String()}

	exists, err := store.CheckExists(storePath)
	if err != nil {
		return err
	}
	if !exists {
		_ = writeJSON(cmd, summary)
		return migerr.NotFound("datastore", summary.Path)
	}

	records, err := loadRecords()
	if err != nil {
		return err
	}
	summary.ExpectedVersion = latestKey(records)

	s, err := openStore(records)
	if err != nil {
		return err
	}
	defer s.Close()

	state, err := s.CheckState()
	if err != nil {
		return err
	}
	summary.State = state.String()
	if summary.SchemaVersion, err = s.GetSchemaVersion(); err != nil {
		return err
	}

	r, err := newRunner(ctx, s, records)
	if err != nil {
		return err
	}
	if summary.Pending, err = r.Pending(ctx); err != nil {
		return err
	}
	checkErr := r.Check(ctx)
	if checkErr != nil {
		summary.Error = checkErr.Error()
	}
	if err := writeJSON(cmd, summary); err != nil {
		return err
	}
	if checkErr != nil {
		return checkErr
	}
	if state != store.StateReady {
		return migerr.New(migerr.KindIntegrity, "datastore is %s: %d pending migrations", state, summary.Pending)
	}
	return nil
}

func runDBUnlock(cmd *cobra.Command, args []string) error {
	records, err := loadRecords()
	if err != nil {
		return err
	}
	s, err := openStore(records)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.ForceUnlock(cmd.Context()); err != nil {
		return err
	}
	log.Warn("migration lock cleared")
	return nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
