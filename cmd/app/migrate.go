package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	migerr "github.com/maloquacious/todomigrate/internal/errors"
	"github.com/maloquacious/todomigrate/internal/migration"
	"github.com/maloquacious/todomigrate/internal/schema"
)

func newMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, roll back and inspect schema migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE:  runMigrateUp,
	}
	downCmd := &cobra.Command{
		Use:   "down [n]",
		Short: "Roll back the last n applied migrations (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runMigrateDown,
	}
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "List migrations with their applied state",
		Args:  cobra.NoArgs,
		RunE:  runMigrateStatus,
	}
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay every migration on an empty schema and check each down reverses its up",
		Args:  cobra.NoArgs,
		RunE:  runMigrateVerify,
	}
	createCmd := &cobra.Command{
		Use:   "create <description>",
		Short: "Write a blank migration file",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runMigrateCreate,
	}

	migrateCmd.AddCommand(upCmd, downCmd, statusCmd, verifyCmd, createCmd)
	return migrateCmd
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	records, err := loadRecords()
	if err != nil {
		return err
	}
	s, err := openStore(records)
	if err != nil {
		return err
	}
	defer s.Close()

	return withLock(ctx, s, func(ctx context.Context) error {
		r, err := newRunner(ctx, s, records)
		if err != nil {
			return err
		}
		applied, err := r.ApplyPending(ctx)
		for _, key := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", key)
		}
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no pending migrations")
		}
		return nil
	})
}

func runMigrateDown(cmd *cobra.Command, args []string) error {
	n := 1
	if len(args) == 1 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 1 {
			return migerr.Invalid("rollback count must be a positive integer, got %q", args[0])
		}
		n = v
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	records, err := loadRecords()
	if err != nil {
		return err
	}
	s, err := openStore(records)
	if err != nil {
		return err
	}
	defer s.Close()

	return withLock(ctx, s, func(ctx context.Context) error {
		r, err := newRunner(ctx, s, records)
		if err != nil {
			return err
		}
		reverted, err := r.RollbackLast(ctx, n)
		for _, key := range reverted {
			fmt.Fprintf(cmd.OutOrStdout(), "reverted %s\n", key)
		}
		if err != nil {
			return err
		}
		if len(reverted) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
		}
		return nil
	})
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	records, err := loadRecords()
	if err != nil {
		return err
	}
	s, err := openStore(records)
	if err != nil {
		return err
	}
	defer s.Close()

	r, err := newRunner(ctx, s, records)
	if err != nil {
		return err
	}
	if err := writeStatus(ctx, cmd.OutOrStdout(), r, time.Now()); err != nil {
		return err
	}
	// integrity problems still fail the command after the table is printed
	return r.Check(ctx)
}

// writeStatus prints one row per known migration.
func writeStatus(ctx context.Context, w io.Writer, r *migration.Runner, now time.Time) error {
	seq, err := r.Status(ctx)
	if err != nil {
		return err
	}
	applied := color.New(color.FgGreen).SprintFunc()
	pending := color.New(color.FgYellow).SprintFunc()

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MIGRATION\tSTATE\tAPPLIED")
	total, waiting := 0, 0
	for e := range seq {
		total++
		if e.Applied {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Record.Key(), applied("applied"), humanize.RelTime(e.AppliedAt, now, "ago", "from now"))
			continue
		}
		waiting++
		fmt.Fprintf(tw, "%s\t%s\t-\n", e.Record.Key(), pending("pending"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d migrations, %d pending\n", total, waiting)
	return nil
}

func runMigrateVerify(cmd *cobra.Command, args []string) error {
	records, err := loadRecords()
	if err != nil {
		return err
	}
	if err := migration.VerifySequence(records, schema.NewStore()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ok: %d migrations replay and reverse cleanly\n", len(records))
	return nil
}

func runMigrateCreate(cmd *cobra.Command, args []string) error {
	description := args[0]
	for _, a := range args[1:] {
		description += " " + a
	}
	rec, err := migration.Blank(description, time.Now())
	if err != nil {
		return err
	}
	path, err := migration.WriteFile(cfg.MigrationsDir, rec)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", path)
	return nil
}
