package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/app"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// COMMAND TREE
// ══════════════════════════════════════════════════════════════════════════════

var (
	outputJSON bool
	maxBatches int

	rootCmd = &cobra.Command{
		Use:           "enginectl",
		Short:         "Operate the progress engine: migrations, projections and audits",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	migrateUpCmd = &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE:  runMigrateUp,
	}
	migrateDownCmd = &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE:  runMigrateDown,
	}
	migrateStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		RunE:  runMigrateStatus,
	}

	rebuildCmd = &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute every enrollment projection from the activity ledger",
		Long: `Rebuild resets each enrollment's progress and replays the ledger in
canonical order. Milestones already awarded are kept; missing ones are added.`,
		RunE: runRebuild,
	}

	verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Check that curriculum and portfolio version chains have no gaps",
		RunE:  runVerify,
	}

	dispatchCmd = &cobra.Command{
		Use:   "dispatch",
		Short: "Drain the side-effect outbox once and exit",
		RunE:  runDispatch,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print results as JSON")
	dispatchCmd.Flags().IntVar(&maxBatches, "max-batches", 10, "stop after this many batches")

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd, rebuildCmd, verifyCmd, dispatchCmd)
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATIONS
// ══════════════════════════════════════════════════════════════════════════════

func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *postgres.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Database.Driver != config.StoragePostgres {
		return fmt.Errorf("migrations need STORAGE_DRIVER=%s", config.StoragePostgres)
	}
	ctx := cmd.Context()
	conn, err := postgres.NewConnection(ctx, app.PostgresConfig(cfg.Database))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, postgres.NewMigrator(conn))
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	return withMigrator(cmd, func(ctx context.Context, m *postgres.Migrator) error {
		applied, err := m.Migrate(ctx)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), map[string]any{"applied": applied})
		}
		if len(applied) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		}
		for _, v := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "applied %03d\n", v)
		}
		return nil
	})
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	return withMigrator(cmd, func(ctx context.Context, m *postgres.Migrator) error {
		v, err := m.Rollback(ctx)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), map[string]any{"rolled_back": v})
		}
		if v == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rolled back %03d\n", v)
		return nil
	})
}

func runMigrateStatus(cmd *cobra.Command, _ []string) error {
	return withMigrator(cmd, func(ctx context.Context, m *postgres.Migrator) error {
		status, err := m.Status(ctx)
		if err != nil {
			return err
		}
		if outputJSON {
			rows := make([]map[string]any, 0, len(status))
			for _, s := range status {
				row := map[string]any{"version": s.Version, "name": s.Name, "applied": s.IsApplied}
				if s.IsApplied {
					row["applied_at"] = s.AppliedAt.UTC()
				}
				rows = append(rows, row)
			}
			return printJSON(cmd.OutOrStdout(), rows)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED")
		for _, s := range status {
			applied := "pending"
			if s.IsApplied {
				applied = s.AppliedAt.UTC().Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%03d\t%s\t%s\n", s.Version, s.Name, applied)
		}
		return w.Flush()
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// ENGINE COMMANDS
// ══════════════════════════════════════════════════════════════════════════════

// withContainer builds the engine with logging on stderr at warn level so
// command output stays readable.
func withContainer(cmd *cobra.Command, fn func(ctx context.Context, c *app.Container) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(logger.Options{
		Output: cmd.ErrOrStderr(),
		Level:  logger.LevelWarn,
	}).Named("enginectl")
	defer func() { _ = log.Sync() }()

	ctx := cmd.Context()
	c, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func runRebuild(cmd *cobra.Command, _ []string) error {
	return withContainer(cmd, func(ctx context.Context, c *app.Container) error {
		rep, err := c.Aggregator.Rebuild(ctx)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), map[string]int{
				"enrollments": rep.Enrollments,
				"events":      rep.Events,
				"milestones":  rep.Milestones,
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rebuilt %d enrollments from %d events, %d milestones added\n",
			rep.Enrollments, rep.Events, rep.Milestones)
		return nil
	})
}

func runVerify(cmd *cobra.Command, _ []string) error {
	return withContainer(cmd, func(ctx context.Context, c *app.Container) error {
		rep, err := c.VerifyChains(ctx)
		if err != nil {
			return err
		}
		if outputJSON {
			broken := make([]string, 0, len(rep.Broken))
			for _, b := range rep.Broken {
				broken = append(broken, b.Error())
			}
			if err := printJSON(cmd.OutOrStdout(), map[string]any{
				"paths":      rep.Paths,
				"portfolios": rep.Portfolios,
				"broken":     broken,
			}); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "checked %d curriculum chains and %d portfolio chains\n",
				rep.Paths, rep.Portfolios)
			for _, b := range rep.Broken {
				fmt.Fprintf(cmd.OutOrStdout(), "BROKEN: %v\n", b)
			}
		}
		return rep.Err()
	})
}

func runDispatch(cmd *cobra.Command, _ []string) error {
	return withContainer(cmd, func(ctx context.Context, c *app.Container) error {
		var total struct {
			Batches, Claimed, Delivered, Retried, Rejected, Dead int
		}
		for total.Batches < maxBatches {
			rep, err := c.Dispatcher.DispatchOnce(ctx)
			if err != nil {
				return err
			}
			total.Batches++
			total.Claimed += rep.Claimed
			total.Delivered += rep.Delivered
			total.Retried += rep.Retried
			total.Rejected += rep.Rejected
			total.Dead += rep.Dead
			if rep.Claimed == 0 {
				break
			}
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), total)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "claimed %d: delivered %d, retried %d, rejected %d, dead %d\n",
			total.Claimed, total.Delivered, total.Retried, total.Rejected, total.Dead)
		return nil
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func isInconsistent(err error) bool {
	return errors.Is(err, shared.ErrConsistencyViolation)
}
