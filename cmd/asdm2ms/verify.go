package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/basekick-labs/asdm2ms/internal/config"
	"github.com/basekick-labs/asdm2ms/internal/database"
	"github.com/basekick-labs/asdm2ms/internal/logger"
	"github.com/basekick-labs/asdm2ms/internal/mswriter"
	"github.com/basekick-labs/asdm2ms/internal/selection"
	"github.com/basekick-labs/asdm2ms/internal/shutdown"
	"github.com/basekick-labs/asdm2ms/internal/verify"
)

func verifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the row counts and references of written stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runVerify(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringP("output", "o", "", "Directory, or key prefix for object stores, holding the stores")
	f.StringP("name", "n", "", "Base name of the stores")
	f.String("backend", "", "Backend: local, s3 or azure")
	f.String("wvr-corrected-data", "", "Stores to check: no, yes or both")
	return cmd
}

func runVerify(parent context.Context, cfg *config.Config, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	coord := shutdown.New(10*time.Second, logger.Get("shutdown"))
	ctx, stop := coord.Watch(parent)
	defer stop()
	defer coord.Release()

	filter, err := selection.New(selection.Options{WVRCorrectedData: cfg.Selection.WVRCorrectedData})
	if err != nil {
		return err
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	coord.Register("storage", backend, shutdown.PriorityStorage)

	db, err := database.New(&database.Config{}, logger.Get("duckdb"))
	if err != nil {
		return err
	}
	coord.Register("duckdb", db, shutdown.PriorityDatabase)

	rep, err := verify.New(db, backend, logger.Get("verify")).Verify(ctx, cfg.Output.Name, filter.Variants())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, s := range rep.Stores {
		status := "ok"
		if !s.OK() {
			status = "FAILED"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Prefix, s.Variant, status)
		fmt.Fprintf(tw, "  MAIN\t%d rows in %d parts\n", s.Tables[mswriter.Main], s.MainParts)
		for _, t := range mswriter.DimensionTables {
			fmt.Fprintf(tw, "  %s\t%d rows\n", t, s.Tables[t])
		}
		if s.Lazy {
			fmt.Fprintf(tw, "  %s\t%d entries\n", mswriter.LazyIndex, s.IndexEntries)
		}
		for _, p := range s.Problems {
			fmt.Fprintf(tw, "  problem\t%s\n", p)
		}
	}
	tw.Flush()

	if !rep.OK() {
		return fmt.Errorf("verification failed")
	}
	return nil
}
