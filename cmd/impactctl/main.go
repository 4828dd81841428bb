package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/branchops/impact/internal/api"
	"github.com/branchops/impact/internal/app"
	"github.com/branchops/impact/internal/config"
	"github.com/branchops/impact/internal/engine"
	"github.com/branchops/impact/internal/snapshot"
)

var (
	// Global flags
	jsonOutput bool
	backend    string

	// analyze flags
	branchIDs  []string
	modeFlag   string
	noProgress bool

	// snapshots copy flags
	targetBackend string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "impactctl",
		Short: "Measure the effect of events, campaigns and operational changes on branch performance",
		Long: `impactctl runs branch performance analyses against the metrics warehouse
and inspects the persisted snapshots. Connection settings come from the same
environment variables as the server (METRICS_SOURCE_DSN, SNAPSHOT_BACKEND, ...).`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of a table")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "Snapshot backend override (memory|redis|postgres)")

	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(snapshotsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() config.Config {
	cfg := config.Load()
	if backend != "" {
		cfg.SnapshotBackend = backend
	}
	return cfg
}

// analyzeCmd runs an analysis and persists per-branch snapshots
func analyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <intervention-id>",
		Short: "Analyze an intervention across its branches",
		Long: `Resolves a comparison baseline per branch (YOY, MOM or FORECAST), scores the
change and upserts one snapshot per branch. Branches default to the
intervention's own branch list.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			override, err := api.ParseComparisonMode(modeFlag)
			if err != nil {
				return err
			}

			cfg := loadConfig()
			ctx, cancel := context.WithTimeout(ctx, cfg.AnalyzeTimeout)
			defer cancel()

			var opts []engine.Option
			if !noProgress && !jsonOutput {
				opts = append(opts, engine.WithProgress(newProgress("analyzing branches")))
			}
			a, err := app.Open(ctx, cfg, prometheus.NewRegistry(), opts...)
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			defer a.Close()

			report, err := a.Engine.Analyze(ctx, args[0], branchIDs, override)
			if err != nil && !errors.Is(err, engine.ErrSourceUnavailable) {
				return err
			}

			if jsonOutput {
				if encErr := writeJSON(os.Stdout, report); encErr != nil {
					return encErr
				}
			} else {
				printReport(os.Stdout, report)
			}
			return err
		},
	}

	cmd.Flags().StringSliceVar(&branchIDs, "branch", nil, "Branch ID to analyze (repeatable)")
	cmd.Flags().StringVar(&modeFlag, "mode", "", "Force comparison mode (YOY|MOM|FORECAST)")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress bar")

	return cmd
}

// showCmd prints stored snapshots without recomputing them
func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <intervention-id> [branch-id]",
		Short: "Show stored analysis snapshots",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			store, err := app.OpenStore(ctx, loadConfig())
			if err != nil {
				return fmt.Errorf("failed to open snapshot store: %w", err)
			}
			defer store.Close()

			var recs []*snapshot.Record
			if len(args) == 2 {
				rec, err := store.Get(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if rec == nil {
					return fmt.Errorf("no snapshot for %s/%s", args[0], args[1])
				}
				recs = append(recs, rec)
			} else if recs, err = store.List(ctx, args[0]); err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(os.Stdout, recs)
			}
			results := make([]*api.BranchPerformanceResult, len(recs))
			for i, rec := range recs {
				results[i] = rec.Result
			}
			printResults(os.Stdout, results)
			return nil
		},
	}
}

// snapshotsCmd groups snapshot maintenance commands
func snapshotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Snapshot store maintenance",
	}

	copyCmd := &cobra.Command{
		Use:   "copy <intervention-id>",
		Short: "Copy an intervention's snapshots to another backend",
		Long: `Reads every snapshot of the intervention from the configured backend and
upserts it into --to. Safe to re-run: writes replace existing records.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg := loadConfig()
			if targetBackend == cfg.SnapshotBackend {
				return fmt.Errorf("source and target backend are both %s", targetBackend)
			}
			src, err := app.OpenStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to open source store: %w", err)
			}
			defer src.Close()

			dstCfg := cfg
			dstCfg.SnapshotBackend = targetBackend
			dst, err := app.OpenStore(ctx, dstCfg)
			if err != nil {
				return fmt.Errorf("failed to open target store: %w", err)
			}
			defer dst.Close()

			n, err := snapshot.Copy(ctx, src, dst, args[0], newProgress("copying snapshots"))
			if err != nil {
				return fmt.Errorf("copy failed after %d records: %w", n, err)
			}
			fmt.Printf("\nCopied %d snapshots of %s from %s to %s\n", n, args[0], cfg.SnapshotBackend, targetBackend)
			return nil
		},
	}
	copyCmd.Flags().StringVar(&targetBackend, "to", "", "Target backend (memory|redis|postgres)")
	copyCmd.MarkFlagRequired("to")

	cmd.AddCommand(copyCmd)
	return cmd
}

// newProgress returns a callback that lazily creates a bar once the total is known
func newProgress(description string) func(done, total int) {
	var bar *progressbar.ProgressBar
	return func(done, total int) {
		if bar == nil {
			bar = progressbar.Default(int64(total), description)
		}
		_ = bar.Set(done)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReport(w io.Writer, report *api.AnalysisReport) {
	if report == nil {
		return
	}
	fmt.Fprintf(w, "\n=== Intervention %s (run %s) ===\n", report.InterventionID, report.RunID)
	printResults(w, report.PerBranch)

	s := report.Summary
	fmt.Fprintf(w, "\nBranches: %d (failed %d)\n", s.BranchCount, s.FailedCount)
	fmt.Fprintf(w, "Avg revenue growth: %.1f%%  Avg visits growth: %.1f%%  Avg score: %.1f\n", s.AvgRevenueGrowth, s.AvgVisitsGrowth, s.AvgScore)
	fmt.Fprintf(w, "New customers: %d  Returned: %d  Significant: %d\n", s.TotalNewCustomers, s.TotalReturnedCustomers, s.SignificantCount)
}

func printResults(w io.Writer, results []*api.BranchPerformanceResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BRANCH\tMODE\tREVENUE\tNET\tVISITS\tP\tSCORE\tVERDICT\tNOTE")
	for _, r := range results {
		if r.Failed() {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t-\t-\t-\t%s\n", r.BranchID, r.Error)
			continue
		}
		net := "-"
		if r.RevenueGrowthAdjusted != nil {
			net = fmt.Sprintf("%+.1f%%", *r.RevenueGrowthAdjusted)
		}
		fmt.Fprintf(tw, "%s\t%s\t%+.1f%%\t%s\t%+.1f%%\t%.3f\t%.0f\t%s\t%s\n",
			r.BranchID, r.Comparison.Mode, r.RevenueGrowth, net, r.VisitsGrowth,
			r.Significance.PValue, r.Score, r.Verdict, r.NoComparisonDataReason)
	}
	tw.Flush()
}
