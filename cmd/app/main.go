package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/maloquacious/semver"
	"github.com/spf13/cobra"

	"github.com/maloquacious/todomigrate/internal/config"
	migerr "github.com/maloquacious/todomigrate/internal/errors"
	"github.com/maloquacious/todomigrate/internal/logger"
	"github.com/maloquacious/todomigrate/internal/migration"
	"github.com/maloquacious/todomigrate/internal/schema"
	"github.com/maloquacious/todomigrate/internal/store"
	"github.com/maloquacious/todomigrate/internal/store/sqlite"
	_ "github.com/maloquacious/todomigrate/migrations"
)

var (
	version   = semver.Version{Minor: 1, PreRelease: "alpha", Build: semver.Commit()}
	buildDate = ""
)

var (
	configFile string
	dataDir    string
	logLevel   string
	useColor   bool

	cfg *config.Config
	log logger.Logger = logger.Default
)

func main() {
	rootCmd := &cobra.Command{
		Use:               "app",
		Short:             "Todo schema migrator and schema server",
		Version:           version.String(),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML or JSON config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory holding the database (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&useColor, "color", false, "colorize log levels and status output")

	rootCmd.AddCommand(newMigrateCmd(), newDBCmd(), newServeCmd())

	if err := rootCmd.Execute(); err != nil {
		reportError(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the effective configuration and applies command line overrides.
func setup(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	c, err := config.Load(configFile, func(c *config.Config) {
		if flags.Changed("data-dir") {
			c.DataDir = dataDir
		}
		if flags.Changed("log-level") {
			c.LogLevel = logLevel
		}
		if flags.Changed("color") {
			c.Color = useColor
		}
	})
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	color.NoColor = !c.Color
	cfg, log = c, logger.New(os.Stderr, level, c.Color)
	return nil
}

// reportError prints err with the failing record key, when known. Structured
// errors already carry their [KIND] tag in the message.
func reportError(w io.Writer, err error) {
	prefix := color.New(color.FgRed, color.Bold).Sprint("error:")

	var runErr *migration.RunError
	if errors.As(err, &runErr) {
		fmt.Fprintf(w, "%s migration %s (%s) failed: %v\n", prefix, runErr.Key, runErr.Direction, runErr.Err)
		return
	}
	fmt.Fprintf(w, "%s %v\n", prefix, err)
}

// loadRecords returns the compiled-in migrations plus any file migrations
// found in the configured directory.
func loadRecords() ([]*migration.Record, error) {
	records := migration.Default.Records()
	files, err := migration.LoadDir(cfg.MigrationsDir)
	if err != nil {
		return nil, err
	}
	return append(records, files...), nil
}

func latestKey(records []*migration.Record) string {
	var latest *migration.Record
	for _, rec := range records {
		if latest == nil || rec.ID > latest.ID {
			latest = rec
		}
	}
	if latest == nil {
		return ""
	}
	return latest.Key()
}

func recordIDs(records []*migration.Record) []int64 {
	ids := make([]int64, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	return ids
}

// openStore opens (creating if needed) the datastore and its tables.
func openStore(records []*migration.Record) (*sqlite.SQLiteStore, error) {
	storePath := store.GetStorePath(cfg.DataDir)
	if err := os.MkdirAll(storePath, 0755); err != nil {
		return nil, migerr.Wrap(migerr.KindIO, err, "create data dir %s", storePath)
	}
	s := sqlite.New(store.GetDBPath(storePath), recordIDs(records)...)
	if err := s.Open(); err != nil {
		return nil, migerr.Wrap(migerr.KindIO, err, "open datastore")
	}
	if err := s.InitSchema(); err != nil {
		s.Close()
		return nil, migerr.Wrap(migerr.KindIO, err, "initialize datastore")
	}
	return s, nil
}

// newRunner rebuilds the in-memory schema from the committed snapshot and
// returns a runner that persists through s.
func newRunner(ctx context.Context, s *sqlite.SQLiteStore, records []*migration.Record) (*migration.Runner, error) {
	cols, err := s.LoadSchema(ctx)
	if err != nil {
		return nil, err
	}
	mem := schema.NewStore()
	if err := mem.Restore(cols); err != nil {
		return nil, migerr.Wrap(migerr.KindIntegrity, err, "restore committed schema")
	}
	return migration.NewRunner(mem, s, records, migration.Options{
		Logger:         log,
		Sink:           s,
		VerifyInverses: cfg.VerifyInverses,
	}), nil
}

// withLock runs fn while holding the datastore migration lock, retrying a
// held lock until cfg.LockTimeout expires. A zero timeout fails immediately.
func withLock(ctx context.Context, s store.Store, fn func(context.Context) error) error {
	host, _ := os.Hostname()
	owner := fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString())
	deadline := time.Now().Add(cfg.LockTimeout)

	var release func() error
	for {
		var err error
		release, err = s.AcquireLock(ctx, owner)
		if err == nil {
			break
		}
		if !errors.Is(err, migerr.ErrLocked) || !time.Now().Before(deadline) {
			return err
		}
		log.Debug("waiting for migration lock: %v", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(min(250*time.Millisecond, time.Until(deadline))):
		}
	}
	defer func() {
		if err := release(); err != nil {
			log.Error("release migration lock: %v", err)
		}
	}()
	return fn(ctx)
}
