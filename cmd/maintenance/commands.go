package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/your-org/platelog/internal/alarmsync"
)

type maintainer interface {
	Rescan(ctx context.Context, opts alarmsync.RescanOptions) (alarmsync.RescanSummary, error)
	ReOCR(ctx context.Context, opts alarmsync.ReOCROptions) (alarmsync.ReOCRSummary, error)
	PruneCrops(ctx context.Context, dryRun bool) (alarmsync.PruneSummary, error)
}

type app struct {
	configPath string
	setup      func(ctx context.Context, configPath string) (maintainer, func(), error)
	out        io.Writer
}

func rootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "maintenance",
		Short:         "Re-process stored alarms and vehicle logs",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "configs/config.yaml", "path to config file")

	root.AddCommand(rescanCommand(a), reocrCommand(a), pruneCommand(a))
	return root
}

func rescanCommand(a *app) *cobra.Command {
	var opts alarmsync.RescanOptions
	cmd := &cobra.Command{
		Use:   "rescan",
		Short: "Re-run detection over stored alarms and upsert their vehicle logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, m maintainer) (any, error) {
				return m.Rescan(ctx, opts)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.FromID, "from", 0, "first alarm id to process")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum alarms to process (0 means all)")
	cmd.Flags().IntVar(&opts.BatchSize, "batch", 100, "alarms loaded per query")
	cmd.Flags().DurationVar(&opts.Delay, "delay", 500*time.Millisecond, "pause between alarms")
	return cmd
}

func reocrCommand(a *app) *cobra.Command {
	var opts alarmsync.ReOCROptions
	cmd := &cobra.Command{
		Use:   "reocr",
		Short: "Re-read plate text for existing vehicle logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, m maintainer) (any, error) {
				return m.ReOCR(ctx, opts)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.FromID, "from", 0, "first vehicle log id to process")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum logs to process (0 means all)")
	cmd.Flags().IntVar(&opts.BatchSize, "batch", 100, "logs loaded per query")
	cmd.Flags().DurationVar(&opts.Delay, "delay", 0, "pause between logs")
	cmd.Flags().BoolVar(&opts.CroppedOnly, "cropped-only", false, "only logs that already have a stored crop")
	return cmd
}

func pruneCommand(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "prune-crops",
		Short: "Delete stored plate crops no vehicle log references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, m maintainer) (any, error) {
				return m.PruneCrops(ctx, dryRun)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report orphaned crops without deleting")
	return cmd
}

// run sets up the maintainer, runs fn and prints its summary as JSON. The
// summary is printed even when fn fails part way.
func (a *app) run(cmd *cobra.Command, fn func(ctx context.Context, m maintainer) (any, error)) error {
	ctx := cmd.Context()
	m, cleanup, err := a.setup(ctx, a.configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	sum, runErr := fn(ctx, m)

	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		return err
	}
	return runErr
}
