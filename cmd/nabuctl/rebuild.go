package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nabulines/nabulines/internal/index"
	"github.com/nabulines/nabulines/internal/rebuildlog"
)

// errDrift makes verify exit non-zero when any index disagrees with the
// records, so it can gate a cron job or a deploy.
var errDrift = errors.New("index drift detected")

func rebuildCmd(a *app) *cobra.Command {
	var all, dryRun, noHistory bool
	cmd := &cobra.Command{
		Use:   "rebuild [type]",
		Short: "Recompute secondary indexes from the records",
		Long: `Recompute the secondary indexes of an entity type from its records and
overwrite every index key that disagrees. Index keys no record maps to are
dropped. With --dry-run nothing is written and only drift is reported.

Examples:
  nabuctl rebuild user
  nabuctl rebuild --all
  nabuctl rebuild campaign --dry-run`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("give either an entity type or --all")
			}
			entityType := ""
			if len(args) == 1 {
				entityType = args[0]
			}
			_, err := a.runRebuild(cmd.Context(), entityType, dryRun, !noHistory)
			return err
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "rebuild every entity type")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report drift without writing")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "do not record the run in PostgreSQL")
	return cmd
}

func verifyCmd(a *app) *cobra.Command {
	var noHistory bool
	cmd := &cobra.Command{
		Use:   "verify [type]",
		Short: "Report index drift without writing; exits 1 on drift",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityType := ""
			if len(args) == 1 {
				entityType = args[0]
			}
			reports, err := a.runRebuild(cmd.Context(), entityType, true, !noHistory)
			if err != nil {
				return err
			}
			for _, r := range reports {
				if r.Drift() > 0 {
					return errDrift
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "do not record the run in PostgreSQL")
	return cmd
}

// runRebuild rebuilds or verifies entityType, or every type when it is
// empty, prints the reports, and stores them when history is on.
func (a *app) runRebuild(ctx context.Context, entityType string, dryRun, history bool) ([]*index.RebuildReport, error) {
	mgr, err := a.manager(ctx)
	if err != nil {
		return nil, err
	}

	var reports []*index.RebuildReport
	switch {
	case entityType == "" && dryRun:
		reports, err = mgr.VerifyAll(ctx)
	case entityType == "":
		reports, err = mgr.RebuildAll(ctx)
	default:
		var r *index.RebuildReport
		if dryRun {
			r, err = mgr.Verify(ctx, entityType)
		} else {
			r, err = mgr.Rebuild(ctx, entityType)
		}
		reports = []*index.RebuildReport{r}
	}
	if err != nil {
		return nil, err
	}

	for _, r := range reports {
		a.printReport(r)
	}
	if history {
		a.saveHistory(ctx, reports)
	}
	return reports, nil
}

func (a *app) saveHistory(ctx context.Context, reports []*index.RebuildReport) {
	db, err := a.postgres(ctx)
	if err != nil {
		slog.Warn("rebuild history not recorded", "error", err)
		return
	}
	store := rebuildlog.NewStore(db)
	for _, r := range reports {
		if _, err := store.Save(ctx, r); err != nil {
			slog.Warn("rebuild history not recorded", "entity_type", r.EntityType, "error", err)
		}
	}
}

func (a *app) printReport(r *index.RebuildReport) {
	status := color.New(color.FgGreen).Sprint("CLEAN")
	if r.Drift() > 0 {
		status = color.New(color.FgYellow).Sprintf("DRIFT %d", r.Drift())
		if !r.DryRun {
			status = color.New(color.FgCyan).Sprintf("REPAIRED %d", r.Drift())
		}
	}
	fmt.Fprintf(a.out, "%-10s %-8s %s\n", r.EntityType, modeLabel(r.DryRun), status)
	fmt.Fprintf(a.out, "    records:     %d scanned, %d unreadable\n", r.RecordsScanned, len(r.CorruptRecords))
	fmt.Fprintf(a.out, "    memberships: %d missing, %d stale, %d score mismatches\n",
		r.MissingMemberships, r.StaleMemberships, r.ScoreMismatches)
	fmt.Fprintf(a.out, "    keys:        %d written, %d unchanged, %d dropped\n",
		r.IndexesWritten, r.IndexesUnchanged, r.StaleKeysDropped)
	fmt.Fprintf(a.out, "    took:        %s\n", r.Duration().Round(time.Millisecond))
	for _, id := range r.CorruptRecords {
		fmt.Fprintf(a.out, "    %s %s:%s\n", color.New(color.FgRed).Sprint("unreadable"), r.EntityType, id)
	}
}

func modeLabel(dryRun bool) string {
	if dryRun {
		return "verify"
	}
	return "rebuild"
}

func historyCmd(a *app) *cobra.Command {
	var limit int
	var entityType string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent rebuild and verify runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.postgres(cmd.Context())
			if err != nil {
				return err
			}
			store := rebuildlog.NewStore(db)

			if entityType != "" {
				run, err := store.Latest(cmd.Context(), entityType)
				if err != nil {
					return err
				}
				if run == nil {
					fmt.Fprintf(a.out, "no runs recorded for %s\n", entityType)
					return nil
				}
				a.printReport(run.Report)
				return nil
			}

			runs, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, run := range runs {
				r := run.Report
				drift := color.New(color.FgGreen).Sprint("0")
				if r.Drift() > 0 {
					drift = color.New(color.FgYellow).Sprint(r.Drift())
				}
				fmt.Fprintf(a.out, "#%-5d %s  %-10s %-8s drift %s  records %d\n",
					run.ID, r.FinishedAt.Local().Format(time.DateTime), r.EntityType, modeLabel(r.DryRun), drift, r.RecordsScanned)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	cmd.Flags().StringVar(&entityType, "type", "", "show the full report of the latest run for this type")
	return cmd
}
