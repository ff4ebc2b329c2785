package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/basekick-labs/asdm2ms/internal/asdm"
	"github.com/basekick-labs/asdm2ms/internal/config"
	"github.com/basekick-labs/asdm2ms/internal/convert"
	"github.com/basekick-labs/asdm2ms/internal/expand"
	"github.com/basekick-labs/asdm2ms/internal/ledger"
	"github.com/basekick-labs/asdm2ms/internal/logger"
	"github.com/basekick-labs/asdm2ms/internal/metrics"
	"github.com/basekick-labs/asdm2ms/internal/mswriter"
	"github.com/basekick-labs/asdm2ms/internal/selection"
	"github.com/basekick-labs/asdm2ms/internal/shutdown"
	"github.com/basekick-labs/asdm2ms/internal/storage"
	"github.com/basekick-labs/asdm2ms/internal/uvw"
)

func convertCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert [asdm-dir]",
		Short: "Convert an ASDM dataset to Measurement Set stores",
		Long: `Convert reads the metadata tables and binary data files of an ASDM
dataset and writes <name>.ms and, when requested, <name>-wvr-corrected.ms.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := cmd.Flags().Set("input", args[0]); err != nil {
					return err
				}
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runConvert(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringP("input", "i", "", "ASDM dataset directory")
	f.StringP("output", "o", "", "Output directory, or key prefix for object stores")
	f.StringP("name", "n", "", "Base name of the output stores")
	f.String("backend", "", "Output backend: local, s3 or azure")
	f.String("compression", "", "Parquet compression: snappy, gzip, zstd or none")
	f.Int("max-rows-per-file", 0, "MAIN rows per Parquet part")
	f.String("ocm", "", `Correlation modes to convert, e.g. "ao co ca"`)
	f.String("srt", "", `Spectral resolution types to convert, e.g. "fr ca bw"`)
	f.String("its", "", `Time samplings to convert, e.g. "i si"`)
	f.String("scans", "", `Scan selection "[eb:]scans[;...]", scans as "n" or "a~b"`)
	f.String("wvr-corrected-data", "", "Phase corrected output: no, yes or both")
	f.String("apc", "", "Phase correction variants to read from the binary data")
	f.String("bdf-slice-size", "", `Binary payload per slice, e.g. "512MB"`)
	f.Bool("dry-run", false, "Expand every row without writing output")
	f.Bool("lazy", false, "Write MAIN without DATA and FLAG plus an index into the binary data")
	f.String("uvw-ordering", "", "Baseline ordering: bdf or natural")
	f.String("auto-placement", "", "Autocorrelation placement: trailing or interleaved")
	f.Bool("ledger", false, "Record every Main row outcome in the SQLite ledger")
	f.String("ledger-db", "", "Ledger database path")
	f.String("metrics-textfile", "", "Write run metrics in the Prometheus text format to this file")
	return cmd
}

func runConvert(parent context.Context, cfg *config.Config, out io.Writer) error {
	if cfg.Input.Path == "" {
		return errors.New("no input dataset: pass a directory or set input.path")
	}
	if parent == nil {
		parent = context.Background()
	}

	coord := shutdown.New(30*time.Second, logger.Get("shutdown"))
	ctx, stop := coord.Watch(parent)
	defer stop()
	defer func() {
		if err := coord.Release(); err != nil {
			log.Warn().Err(err).Msg("Cleanup finished with errors")
		}
	}()

	log.Info().Str("version", Version).Str("input", cfg.Input.Path).Msg("Starting conversion")

	scans, err := config.ParseScanSelection(cfg.Selection.Scans)
	if err != nil {
		return err
	}
	ordering, err := uvw.ParseOrdering(cfg.Conversion.UVWOrdering)
	if err != nil {
		return err
	}
	autos, err := uvw.ParseAutoPlacement(cfg.Conversion.AutoPlacement)
	if err != nil {
		return err
	}
	filter, err := selection.New(selection.Options{
		CorrelationModes:    cfg.Selection.CorrelationModes,
		SpectralResolutions: cfg.Selection.SpectralResolutions,
		TimeSamplings:       cfg.Selection.TimeSamplings,
		WVRCorrectedData:    cfg.Selection.WVRCorrectedData,
		InputAPC:            cfg.Selection.InputAPC,
	})
	if err != nil {
		return err
	}

	ds, err := asdm.Load(cfg.Input.Path, logger.Get("asdm"))
	if err != nil {
		return fmt.Errorf("failed to load dataset: %w", err)
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	coord.Register("storage", backend, shutdown.PriorityStorage)

	writer := mswriter.New(backend, mswriter.Config{
		Name:            cfg.Output.Name,
		Compression:     cfg.Output.Compression,
		UseDictionary:   cfg.Output.UseDictionary,
		WriteStatistics: cfg.Output.WriteStatistics,
		DataPageVersion: cfg.Output.DataPageVersion,
		MaxRowsPerFile:  cfg.Output.MaxRowsPerFile,
		Lazy:            cfg.Conversion.Lazy,
	}, logger.Get("ms-writer"))

	m, err := metrics.New(prometheus.NewRegistry(), logger.Get("metrics"))
	if err != nil {
		return err
	}
	if cfg.Metrics.Textfile != "" {
		coord.RegisterHook("metrics-textfile", func(context.Context) error {
			return m.WriteTextfile(cfg.Metrics.Textfile)
		}, shutdown.PriorityMetrics)
	}

	opts := convert.Options{
		RunID:  uuid.NewString(),
		Scans:  scans,
		DryRun: cfg.Conversion.DryRun,
		Lazy:   cfg.Conversion.Lazy,
		Expand: expand.Options{
			SliceBudget: cfg.Conversion.BDFSliceSize,
			Policy:      uvw.Policy{Baselines: ordering, Autos: autos},
		},
	}

	var (
		rec convert.Recorder
		led *ledger.Ledger
	)
	if cfg.Ledger.Enabled {
		led, err = ledger.Open(cfg.Ledger.DBPath, logger.Get("ledger"))
		if err != nil {
			return err
		}
		led.Start()
		coord.Register("ledger", led, shutdown.PriorityLedger)
		if err := led.BeginRun(ctx, ledger.Run{
			ID:        opts.RunID,
			StartedAt: time.Now(),
			Input:     cfg.Input.Path,
			Output:    backend.URI(mswriter.StorePrefix(cfg.Output.Name, selection.Uncorrected)),
			Lazy:      cfg.Conversion.Lazy,
			DryRun:    cfg.Conversion.DryRun,
		}); err != nil {
			return err
		}
		rec = led
	}

	conv := convert.New(ds, filter, writer, rec, m, opts, logger.Get("convert"))
	sum, runErr := conv.Run(ctx)

	if led != nil {
		status := "completed"
		if runErr != nil {
			status = "aborted"
		}
		// ctx may be canceled by now
		if err := led.FinishRun(context.Background(), sum.RunID, status); err != nil {
			log.Warn().Err(err).Msg("Failed to finish ledger run")
		}
	}

	printSummary(out, sum, logger.GetBuffer().Recent(20))
	if runErr != nil {
		if sig := coord.Signal(); sig != nil {
			return fmt.Errorf("conversion interrupted by %s: %w", sig, runErr)
		}
		return fmt.Errorf("conversion aborted: %w", runErr)
	}
	return nil
}

// openBackend creates the output backend. Object stores are wrapped with
// retries.
func openBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	backend, err := storage.New(ctx, storage.Config{
		Backend: cfg.Output.Backend,
		Path:    cfg.Output.Path,
		S3: storage.S3Config{
			Bucket:    cfg.Storage.S3Bucket,
			Region:    cfg.Storage.S3Region,
			Endpoint:  cfg.Storage.S3Endpoint,
			AccessKey: cfg.Storage.S3AccessKey,
			SecretKey: cfg.Storage.S3SecretKey,
			UseSSL:    cfg.Storage.S3UseSSL,
			PathStyle: cfg.Storage.S3PathStyle,
		},
		Azure: storage.AzureBlobConfig{
			ConnectionString:   cfg.Storage.AzureConnectionString,
			AccountName:        cfg.Storage.AzureAccountName,
			AccountKey:         cfg.Storage.AzureAccountKey,
			SASToken:           cfg.Storage.AzureSASToken,
			UseManagedIdentity: cfg.Storage.AzureUseManagedIdentity,
			ContainerName:      cfg.Storage.AzureContainer,
			Endpoint:           cfg.Storage.AzureEndpoint,
		},
	}, logger.Get("storage"))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", cfg.Output.Backend, err)
	}
	if backend.Type() == "local" {
		return backend, nil
	}
	retry := storage.DefaultRetryConfig()
	retry.MaxRetries = cfg.Storage.MaxRetries
	return storage.NewRetryBackend(backend, retry, logger.Get("storage")), nil
}

func printSummary(out io.Writer, sum convert.Summary, warnings []logger.LogEntry) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Run\t%s\n", sum.RunID)
	fmt.Fprintf(tw, "Main rows\t%d\n", sum.Rows)
	fmt.Fprintf(tw, "  converted\t%d\n", sum.Done)
	fmt.Fprintf(tw, "  rejected\t%d\n", sum.Rejected)
	fmt.Fprintf(tw, "  failed\t%d\n", sum.Failed)
	if sum.SkippedDataDescriptions > 0 {
		fmt.Fprintf(tw, "Skipped data descriptions\t%d\n", sum.SkippedDataDescriptions)
	}
	for _, v := range selection.AllVariants {
		if n, ok := sum.FactRows[v]; ok {
			fmt.Fprintf(tw, "MAIN rows (%s)\t%d\n", v, n)
		}
	}
	for _, st := range sum.Stores {
		fmt.Fprintf(tw, "Store %s\t%d rows in %d parts\n", st.Variant, st.MainRows, st.MainParts)
	}
	for _, kind := range slices.Sorted(maps.Keys(sum.FailuresByKind)) {
		fmt.Fprintf(tw, "Failures (%s)\t%d\n", kind, sum.FailuresByKind[kind])
	}
	fmt.Fprintf(tw, "Duration\t%s\n", sum.Duration.Round(time.Millisecond))
	if sum.Aborted {
		fmt.Fprintf(tw, "Status\taborted\n")
	}
	tw.Flush()

	if len(warnings) == 0 {
		return
	}
	fmt.Fprintln(out, "\nRecent warnings:")
	for _, w := range warnings {
		msg := w.Message
		if w.Error != "" {
			msg += ": " + w.Error
		}
		fmt.Fprintf(out, "  %s %-5s %s\n", w.Timestamp.Format(time.TimeOnly), strings.ToUpper(w.Level), msg)
	}
}
