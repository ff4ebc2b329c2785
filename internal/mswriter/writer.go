// Package mswriter persists Measurement Set tables as Parquet files on a
// storage backend, one directory per output variant.
package mswriter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/basekick-labs/asdm2ms/internal/dimension"
	"github.com/basekick-labs/asdm2ms/internal/expand"
	"github.com/basekick-labs/asdm2ms/internal/selection"
	"github.com/basekick-labs/asdm2ms/internal/storage"
)

var (
	// ErrClosed is returned for appends to a run that has ended.
	ErrClosed = errors.New("run already ended")
	// ErrDimensionGap is returned when a dimension row skips an index.
	ErrDimensionGap = errors.New("dimension index out of sequence")
)

var allocator = memory.NewGoAllocator()

// Config holds the Parquet and layout settings.
type Config struct {
	Name            string // base name of the output stores
	Compression     string // snappy, gzip, zstd
	UseDictionary   bool
	WriteStatistics bool
	DataPageVersion string // "1.0" or "2.0"
	MaxRowsPerFile  int
	Lazy            bool // MAIN without DATA and FLAG
}

// Handle identifies one open output store.
type Handle struct {
	Variant selection.Variant
	Prefix  string // store directory on the backend, with trailing slash

	mu           sync.Mutex
	pending      []*expand.Columns
	pendingRows  int
	parts        int
	rows         int64
	polarization []dimension.Polarization
	dataDesc     []dimension.DataDescription
	state        []dimension.State
	ended        bool
}

// RunStats reports what EndRun wrote.
type RunStats struct {
	Variant   selection.Variant
	MainRows  int64
	MainParts int
	Dimension map[Table]int
}

// Writer writes Measurement Set tables to a storage backend.
type Writer struct {
	backend        storage.Backend
	cfg            Config
	compression    compress.Compression
	logger         zerolog.Logger
	mainSchema     *arrow.Schema
	maxRowsPerFile int
}

// New creates a writer on backend.
func New(backend storage.Backend, cfg Config, logger zerolog.Logger) *Writer {
	var comp compress.Compression
	switch cfg.Compression {
	case "gzip":
		comp = compress.Codecs.Gzip
	case "zstd":
		comp = compress.Codecs.Zstd
	case "none", "uncompressed":
		comp = compress.Codecs.Uncompressed
	default:
		comp = compress.Codecs.Snappy
	}
	if cfg.Name == "" {
		cfg.Name = "output"
	}
	maxRows := cfg.MaxRowsPerFile
	if maxRows <= 0 {
		maxRows = 1_000_000
	}
	return &Writer{
		backend:        backend,
		cfg:            cfg,
		compression:    comp,
		logger:         logger.With().Str("component", "ms-writer").Logger(),
		mainSchema:     mainSchema(cfg.Lazy),
		maxRowsPerFile: maxRows,
	}
}

// StorePrefix returns the directory of a variant's store.
func StorePrefix(name string, v selection.Variant) string {
	if v == selection.Corrected {
		return name + "-wvr-corrected.ms/"
	}
	return name + ".ms/"
}

// TablePath returns the path of a dimension table or of the lazy index.
func TablePath(prefix string, t Table) string {
	if t == LazyIndex {
		return path.Join(prefix, string(t), "index.bin")
	}
	return path.Join(prefix, string(t), "table.parquet")
}

// MainPartPath returns the path of MAIN part n.
func MainPartPath(prefix string, n int) string {
	return path.Join(prefix, string(Main), fmt.Sprintf("part-%05d.parquet", n))
}

// BeginRun opens the store of variant v.
func (w *Writer) BeginRun(ctx context.Context, v selection.Variant) (*Handle, error) {
	h := &Handle{Variant: v, Prefix: StorePrefix(w.cfg.Name, v)}
	w.logger.Info().Str("variant", v.String()).Str("store", h.Prefix).Msg("Output store opened")
	return h, nil
}

// AppendDimensionRow records row index of table. Indices arrive in order;
// an index already recorded is ignored.
func (w *Writer) AppendDimensionRow(h *Handle, table Table, index int, record any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return fmt.Errorf("%w: %s", ErrClosed, h.Prefix)
	}

	var n int
	switch table {
	case Polarization:
		n = len(h.polarization)
	case DataDescription:
		n = len(h.dataDesc)
	case State:
		n = len(h.state)
	default:
		return fmt.Errorf("unknown dimension table %s", table)
	}
	if index < n {
		return nil
	}
	if index > n {
		return fmt.Errorf("%w: %s row %d after %d rows", ErrDimensionGap, table, index, n)
	}

	switch table {
	case Polarization:
		r, ok := record.(dimension.Polarization)
		if !ok {
			return fmt.Errorf("%s row: unexpected type %T", table, record)
		}
		h.polarization = append(h.polarization, r)
	case DataDescription:
		r, ok := record.(dimension.DataDescription)
		if !ok {
			return fmt.Errorf("%s row: unexpected type %T", table, record)
		}
		h.dataDesc = append(h.dataDesc, r)
	case State:
		r, ok := record.(dimension.State)
		if !ok {
			return fmt.Errorf("%s row: unexpected type %T", table, record)
		}
		h.state = append(h.state, r)
	}
	return nil
}

// AppendFactRowBatch buffers a MAIN batch and writes a part once the
// buffer holds MaxRowsPerFile rows.
func (w *Writer) AppendFactRowBatch(ctx context.Context, h *Handle, cols *expand.Columns) error {
	if err := cols.Validate(); err != nil {
		return err
	}
	if w.cfg.Lazy != (cols.Data == nil) && cols.Len() > 0 {
		return fmt.Errorf("%w: batch lazy=%t, store lazy=%t", expand.ErrShapeMismatch, cols.Data == nil, w.cfg.Lazy)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return fmt.Errorf("%w: %s", ErrClosed, h.Prefix)
	}
	if cols.Len() == 0 {
		return nil
	}
	h.pending = append(h.pending, cols)
	h.pendingRows += cols.Len()
	if h.pendingRows >= w.maxRowsPerFile {
		return w.flushMainLocked(ctx, h)
	}
	return nil
}

// WriteLazyIndex finalizes idx into the store's LAZY_INDEX table.
func (w *Writer) WriteLazyIndex(ctx context.Context, h *Handle, idx *expand.Index) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return fmt.Errorf("%w: %s", ErrClosed, h.Prefix)
	}
	var buf bytes.Buffer
	if err := idx.Finalize(&buf); err != nil {
		return err
	}
	p := TablePath(h.Prefix, LazyIndex)
	if err := w.backend.Write(ctx, p, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	w.logger.Debug().Str("path", p).Int("entries", idx.Len()).Msg("Wrote lazy index")
	return nil
}

// EndRun writes the remaining MAIN rows and the dimension tables. The
// dimension tables are written concurrently. No appends are accepted
// afterwards.
func (w *Writer) EndRun(ctx context.Context, h *Handle) (RunStats, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return RunStats{}, fmt.Errorf("%w: %s", ErrClosed, h.Prefix)
	}
	h.ended = true

	start := time.Now()
	if h.pendingRows > 0 || h.parts == 0 {
		if err := w.flushMainLocked(ctx, h); err != nil {
			return RunStats{}, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range DimensionTables {
		g.Go(func() error {
			schema, arrays, err := w.dimensionArrays(h, t)
			if err != nil {
				return err
			}
			data, err := w.writeRecordToParquet(schema, arrays)
			if err != nil {
				return fmt.Errorf("%s: %w", t, err)
			}
			p := TablePath(h.Prefix, t)
			if err := w.backend.Write(gctx, p, data); err != nil {
				return fmt.Errorf("failed to write %s: %w", p, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RunStats{}, err
	}

	stats := RunStats{
		Variant:   h.Variant,
		MainRows:  h.rows,
		MainParts: h.parts,
		Dimension: map[Table]int{
			Polarization:    len(h.polarization),
			DataDescription: len(h.dataDesc),
			State:           len(h.state),
		},
	}
	w.logger.Info().
		Str("variant", h.Variant.String()).
		Int64("main_rows", stats.MainRows).
		Int("main_parts", stats.MainParts).
		Dur("duration", time.Since(start)).
		Msg("Output store closed")
	return stats, nil
}

func (w *Writer) flushMainLocked(ctx context.Context, h *Handle) error {
	arrays, err := w.mainArrays(h.pending)
	if err != nil {
		return err
	}
	data, err := w.writeRecordToParquet(w.mainSchema, arrays)
	if err != nil {
		return fmt.Errorf("MAIN part %d: %w", h.parts, err)
	}
	p := MainPartPath(h.Prefix, h.parts)
	if err := w.backend.Write(ctx, p, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	w.logger.Debug().Str("path", p).Int("rows", h.pendingRows).Int("size", len(data)).Msg("Wrote MAIN part")
	h.rows += int64(h.pendingRows)
	h.parts++
	h.pending = h.pending[:0]
	h.pendingRows = 0
	return nil
}

// writeRecordToParquet writes Arrow arrays to Parquet bytes and releases them.
func (w *Writer) writeRecordToParquet(schema *arrow.Schema, arrays []arrow.Array) ([]byte, error) {
	defer func() {
		for _, a := range arrays {
			a.Release()
		}
	}()
	record := array.NewRecord(schema, arrays, -1)
	defer record.Release()

	var buf bytes.Buffer
	writerOpts := []parquet.WriterProperty{
		parquet.WithCompression(w.compression),
		parquet.WithDictionaryDefault(w.cfg.UseDictionary),
		parquet.WithStats(w.cfg.WriteStatistics),
	}
	if w.cfg.DataPageVersion == "2.0" {
		writerOpts = append(writerOpts, parquet.WithDataPageVersion(parquet.DataPageV2))
	}
	writerProps := parquet.NewWriterProperties(writerOpts...)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	writer, err := pqarrow.NewFileWriter(schema, &buf, writerProps, arrowProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create Parquet writer: %w", err)
	}
	if err := writer.Write(record); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write record batch: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close Parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}
