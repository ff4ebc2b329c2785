// Package convert drives a conversion run: it orders the Main rows, expands
// each one into MAIN records and hands the records, together with the
// dimension rows they reference, to the table writer of every selected
// variant.
package convert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/asdm2ms/internal/asdm"
	"github.com/basekick-labs/asdm2ms/internal/config"
	"github.com/basekick-labs/asdm2ms/internal/dimension"
	"github.com/basekick-labs/asdm2ms/internal/expand"
	"github.com/basekick-labs/asdm2ms/internal/ledger"
	"github.com/basekick-labs/asdm2ms/internal/metrics"
	"github.com/basekick-labs/asdm2ms/internal/mswriter"
	"github.com/basekick-labs/asdm2ms/internal/selection"
	"github.com/basekick-labs/asdm2ms/internal/uvw"
)

// Dataset is the metadata a run reads.
type Dataset interface {
	expand.Metadata
	MainRows() []*asdm.MainRow
	ExecBlockIDs() []int
}

// TableWriter receives the output of a run. *mswriter.Writer implements it.
type TableWriter interface {
	BeginRun(ctx context.Context, v selection.Variant) (*mswriter.Handle, error)
	AppendDimensionRow(h *mswriter.Handle, table mswriter.Table, index int, record any) error
	AppendFactRowBatch(ctx context.Context, h *mswriter.Handle, cols *expand.Columns) error
	WriteLazyIndex(ctx context.Context, h *mswriter.Handle, idx *expand.Index) error
	EndRun(ctx context.Context, h *mswriter.Handle) (mswriter.RunStats, error)
}

// Recorder stores row outcomes. *ledger.Ledger implements it.
type Recorder interface {
	Record(o *ledger.RowOutcome) error
}

// Options configure a run.
type Options struct {
	RunID  string
	Scans  config.ScanSelection
	DryRun bool // expand every row but write nothing
	Lazy   bool
	Expand expand.Options
}

// Failure describes a Main row that could not be converted.
type Failure struct {
	MainRow int
	Kind    string
	Reason  string
}

// Summary is the result of a run.
type Summary struct {
	RunID                   string
	Rows                    int
	Done                    int
	Rejected                int
	Failed                  int
	SkippedDataDescriptions int
	Slices                  int
	FactRows                map[selection.Variant]int64
	FailuresByKind          map[string]int
	Failures                []Failure
	Stores                  []mswriter.RunStats
	Duration                time.Duration
	Aborted                 bool
}

// Converter runs one conversion.
type Converter struct {
	dataset  Dataset
	filter   *selection.Filter
	writer   TableWriter
	recorder Recorder
	metrics  *metrics.Metrics
	opts     Options
	logger   zerolog.Logger
}

// New creates a converter. recorder and m may be nil.
func New(ds Dataset, filter *selection.Filter, writer TableWriter, recorder Recorder, m *metrics.Metrics, opts Options, logger zerolog.Logger) *Converter {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	return &Converter{
		dataset:  ds,
		filter:   filter,
		writer:   writer,
		recorder: recorder,
		metrics:  m,
		opts:     opts,
		logger:   logger.With().Str("component", "converter").Str("run_id", opts.RunID).Logger(),
	}
}

// RunID returns the id of the run.
func (c *Converter) RunID() string { return c.opts.RunID }

// store is the output of one variant and how far its dimension tables
// have been handed to the writer.
type store struct {
	handle *mswriter.Handle
	synced [3]int // Polarization, DataDescription, State
}

// Run converts every selected Main row. Row level failures are logged,
// counted and skipped. Cancellation, writer failures and contract
// violations abort the run; the stores of an aborted run are left
// unfinished.
func (c *Converter) Run(ctx context.Context) (sum Summary, err error) {
	start := time.Now()
	sum = Summary{
		RunID:          c.opts.RunID,
		FactRows:       make(map[selection.Variant]int64),
		FailuresByKind: make(map[string]int),
	}
	if c.metrics != nil {
		c.metrics.RunStarted(start)
	}
	defer func() {
		sum.Duration = time.Since(start)
		if c.metrics != nil {
			c.metrics.RunFinished(sum.Duration)
		}
		if err == nil {
			c.logSummary(sum)
		}
	}()

	rows := orderRows(c.dataset.MainRows(), c.dataset.ExecBlockIDs(), c.opts.Scans, c.logger)
	variants := c.filter.Variants()
	names := make([]string, len(variants))
	for i, v := range variants {
		names[i] = v.String()
	}
	c.logger.Info().
		Int("main_rows", len(rows)).
		Strs("variants", names).
		Bool("lazy", c.opts.Lazy).
		Bool("dry_run", c.opts.DryRun).
		Msg("Conversion started")

	tables := dimension.NewTables()
	deps := expand.Deps{
		Metadata:   c.dataset,
		Filter:     c.filter,
		Dimensions: tables,
		UVW:        uvw.NewEngine(c.dataset, c.logger),
		Logger:     c.logger,
	}
	var (
		expander expand.Contract
		lazy     *expand.LazyIndexBuilder
	)
	if c.opts.Lazy {
		lazy = expand.NewLazyIndexBuilder(deps, c.opts.Expand, c.opts.RunID)
		expander = lazy
	} else {
		expander = expand.NewRowExpander(deps, c.opts.Expand)
	}

	stores := make(map[selection.Variant]*store, len(variants))
	if !c.opts.DryRun {
		for _, v := range variants {
			h, err := c.writer.BeginRun(ctx, v)
			if err != nil {
				sum.Aborted = true
				return sum, fmt.Errorf("failed to open %s store: %w", v, err)
			}
			stores[v] = &store{handle: h}
		}
	}

	emit := func(batches map[selection.Variant]*expand.Batch) error {
		if c.opts.DryRun {
			return nil
		}
		for v, b := range batches {
			s, ok := stores[v]
			if !ok {
				return fmt.Errorf("%w: batch for unselected variant %s", expand.ErrState, v)
			}
			if err := c.syncDimensions(s, tables); err != nil {
				return &writeError{err}
			}
			if err := c.writer.AppendFactRowBatch(ctx, s.handle, b.Columns()); err != nil {
				return &writeError{err}
			}
		}
		return nil
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			sum.Aborted = true
			return sum, err
		}
		rowStart := time.Now()
		out, rowErr := expander.ExpandRow(ctx, row, emit)
		kind := Classify(rowErr)
		c.account(&sum, row, out, rowErr, kind, time.Since(rowStart))
		if rowErr != nil && fatal(kind) {
			sum.Aborted = true
			c.logger.Error().Err(rowErr).Str("kind", kind).Int("main_row", row.Index).Msg("Conversion aborted")
			return sum, rowErr
		}
	}

	if c.opts.DryRun {
		return sum, nil
	}

	for _, v := range variants {
		s := stores[v]
		if err := c.syncDimensions(s, tables); err != nil {
			sum.Aborted = true
			return sum, err
		}
		if lazy != nil {
			if err := c.writer.WriteLazyIndex(ctx, s.handle, lazy.Index(v)); err != nil {
				sum.Aborted = true
				return sum, fmt.Errorf("failed to write %s lazy index: %w", v, err)
			}
		}
		stats, err := c.writer.EndRun(ctx, s.handle)
		if err != nil {
			sum.Aborted = true
			return sum, fmt.Errorf("failed to finish %s store: %w", v, err)
		}
		sum.Stores = append(sum.Stores, stats)
	}
	return sum, nil
}

// syncDimensions hands the writer the dimension rows it has not seen yet.
// The tables are shared by both variants; each store tracks its own
// position.
func (c *Converter) syncDimensions(s *store, t *dimension.Tables) error {
	for i := s.synced[0]; i < t.Polarization.Len(); i++ {
		if err := c.writer.AppendDimensionRow(s.handle, mswriter.Polarization, i, t.Polarization.Row(i)); err != nil {
			return err
		}
		s.synced[0] = i + 1
	}
	for i := s.synced[1]; i < t.DataDescription.Len(); i++ {
		if err := c.writer.AppendDimensionRow(s.handle, mswriter.DataDescription, i, t.DataDescription.Row(i)); err != nil {
			return err
		}
		s.synced[1] = i + 1
	}
	for i := s.synced[2]; i < t.State.Len(); i++ {
		if err := c.writer.AppendDimensionRow(s.handle, mswriter.State, i, t.State.Row(i)); err != nil {
			return err
		}
		s.synced[2] = i + 1
	}
	return nil
}

// account folds the outcome of one row into the summary, the metrics and
// the ledger.
func (c *Converter) account(sum *Summary, row *asdm.MainRow, out expand.Outcome, err error, kind string, d time.Duration) {
	sum.Rows++
	sum.Slices += out.Slices
	sum.SkippedDataDescriptions += out.SkippedDataDescriptions
	for v, n := range out.Records {
		sum.FactRows[v] += int64(n)
	}

	state := out.State.String()
	switch {
	case err != nil:
		state = expand.Failed.String()
		sum.Failed++
		sum.FailuresByKind[kind]++
		sum.Failures = append(sum.Failures, Failure{MainRow: row.Index, Kind: kind, Reason: err.Error()})
		if !fatal(kind) {
			c.logger.Error().Err(err).
				Str("kind", kind).
				Int("main_row", row.Index).
				Int("exec_block", row.ExecBlockID).
				Int("scan", row.ScanNumber).
				Int("subscan", row.SubscanNumber).
				Msg("Main row failed")
		}
	case out.State == expand.Rejected:
		sum.Rejected++
	default:
		sum.Done++
	}

	if c.metrics != nil {
		c.metrics.IncMainRows(state)
		if err != nil {
			c.metrics.IncRowErrors(kind)
		}
		for v, n := range out.Records {
			c.metrics.AddFactRows(v.String(), n)
		}
		c.metrics.AddSlices(out.Slices)
		c.metrics.AddSkippedDataDescriptions(out.SkippedDataDescriptions)
		c.metrics.ObserveRow(d)
	}

	if c.recorder == nil {
		return
	}
	reason := out.Reason
	if err != nil {
		reason = err.Error()
	}
	rec := &ledger.RowOutcome{
		RunID:           c.opts.RunID,
		MainRow:         row.Index,
		ExecBlock:       row.ExecBlockID,
		Scan:            row.ScanNumber,
		Subscan:         row.SubscanNumber,
		State:           state,
		Reason:          reason,
		ErrorKind:       kind,
		Slices:          out.Slices,
		UncorrectedRows: out.Records[selection.Uncorrected],
		CorrectedRows:   out.Records[selection.Corrected],
		SkippedDataDesc: out.SkippedDataDescriptions,
		Duration:        d,
		RecordedAt:      time.Now(),
	}
	if rerr := c.recorder.Record(rec); rerr != nil && !errors.Is(rerr, ledger.ErrStopped) {
		c.logger.Warn().Err(rerr).Int("main_row", row.Index).Msg("Failed to record row outcome")
	}
}

func (c *Converter) logSummary(sum Summary) {
	ev := c.logger.Info()
	if sum.Failed > 0 || sum.SkippedDataDescriptions > 0 {
		ev = c.logger.Warn()
	}
	ev.Int("main_rows", sum.Rows).
		Int("done", sum.Done).
		Int("rejected", sum.Rejected).
		Int("failed", sum.Failed).
		Int("skipped_data_descriptions", sum.SkippedDataDescriptions).
		Int64("uncorrected_rows", sum.FactRows[selection.Uncorrected]).
		Int64("corrected_rows", sum.FactRows[selection.Corrected]).
		Dur("duration", sum.Duration).
		Msg("Conversion finished")
}
