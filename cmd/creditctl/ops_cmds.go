package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/spf13/cobra"

	"github.com/genforge/credits/internal/store"
)

var sweepMaxAge time.Duration

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the service schema and River's queue tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		applied, err := store.Migrate(ctx, pool)
		if err != nil {
			return err
		}
		for _, name := range applied {
			fmt.Fprintf(os.Stdout, "  %s %s\n", goodColor.Sprint("applied"), name)
		}

		migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
		if err != nil {
			return err
		}
		res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
		if err != nil {
			return fmt.Errorf("river migrate: %w", err)
		}
		for _, v := range res.Versions {
			fmt.Fprintf(os.Stdout, "  %s river v%d\n", goodColor.Sprint("applied"), v.Version)
		}
		headerColor.Fprintln(os.Stdout, "Schema up to date")
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail and refund jobs whose worker went silent",
	Long: `Finds pending and processing jobs with no activity past their deadline and
fails them with a refund. Without --max-age each job kind uses its own threshold.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openServices(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer s.Close()

		n, err := s.engine.SweepStaleJobs(cmd.Context(), sweepMaxAge)
		printSweep(os.Stdout, n, err)
		return err
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <container-id>",
	Short: "Correct a container's claimed artifacts against the object store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid container id %q: %w", args[0], err)
		}
		s, err := openServices(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer s.Close()

		report, err := s.engine.ReconcileArtifacts(cmd.Context(), id)
		if err != nil {
			return err
		}
		printReport(os.Stdout, report)
		return nil
	},
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepMaxAge, "max-age", 0, "override the per-kind inactivity threshold")
	rootCmd.AddCommand(migrateCmd, sweepCmd, reconcileCmd)
}
