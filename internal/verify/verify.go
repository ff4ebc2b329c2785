// Package verify reads written Measurement Set stores back through DuckDB
// and checks them for consistency.
package verify

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/asdm2ms/internal/database"
	"github.com/basekick-labs/asdm2ms/internal/expand"
	"github.com/basekick-labs/asdm2ms/internal/mswriter"
	"github.com/basekick-labs/asdm2ms/internal/selection"
	"github.com/basekick-labs/asdm2ms/internal/storage"
)

// StoreReport is the result of checking one store.
type StoreReport struct {
	Variant      selection.Variant
	Prefix       string
	Tables       map[mswriter.Table]int64
	MainParts    int
	Lazy         bool
	IndexEntries int
	Problems     []string
}

// OK reports whether no problem was found.
func (r StoreReport) OK() bool { return len(r.Problems) == 0 }

func (r *StoreReport) problem(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Report groups the store reports of one output name.
type Report struct {
	Stores []StoreReport
}

// OK reports whether every store is consistent.
func (r Report) OK() bool {
	for _, s := range r.Stores {
		if !s.OK() {
			return false
		}
	}
	return true
}

// Verifier checks stores on a backend.
type Verifier struct {
	db      *database.DuckDB
	backend storage.Backend
	logger  zerolog.Logger
}

// New creates a verifier.
func New(db *database.DuckDB, backend storage.Backend, logger zerolog.Logger) *Verifier {
	return &Verifier{
		db:      db,
		backend: backend,
		logger:  logger.With().Str("component", "verify").Logger(),
	}
}

// Verify checks the stores of name for every variant.
func (v *Verifier) Verify(ctx context.Context, name string, variants []selection.Variant) (Report, error) {
	var rep Report
	for _, variant := range variants {
		sr, err := v.VerifyStore(ctx, mswriter.StorePrefix(name, variant))
		if err != nil {
			return rep, err
		}
		sr.Variant = variant
		rep.Stores = append(rep.Stores, sr)
	}
	return rep, nil
}

// VerifyStore checks the store under prefix: every table must be
// readable, MAIN ids must reference existing dimension rows, and a lazy
// store's index must hold one entry per MAIN row.
func (v *Verifier) VerifyStore(ctx context.Context, prefix string) (StoreReport, error) {
	rep := StoreReport{Prefix: prefix, Tables: make(map[mswriter.Table]int64)}

	files, err := v.backend.List(ctx, prefix)
	if err != nil {
		return rep, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	if len(files) == 0 {
		rep.problem("store %s not found", prefix)
		return rep, nil
	}
	present := make(map[string]bool, len(files))
	var parts []string
	mainDir := path.Join(prefix, string(mswriter.Main)) + "/"
	for _, f := range files {
		present[f] = true
		if strings.HasPrefix(f, mainDir) && strings.HasSuffix(f, ".parquet") {
			parts = append(parts, f)
		}
	}
	sort.Strings(parts)
	rep.MainParts = len(parts)

	local, cleanup, err := v.locate(ctx, files)
	if err != nil {
		return rep, err
	}
	defer cleanup()

	// dimension tables
	for _, t := range mswriter.DimensionTables {
		p := mswriter.TablePath(prefix, t)
		if !present[p] {
			rep.problem("%s table missing", t)
			continue
		}
		n, err := v.count(ctx, []string{local[p]})
		if err != nil {
			return rep, fmt.Errorf("reading %s: %w", p, err)
		}
		rep.Tables[t] = n
	}

	if len(parts) == 0 {
		rep.problem("MAIN table has no parts")
		return rep, nil
	}
	mainFiles := make([]string, len(parts))
	for i, p := range parts {
		mainFiles[i] = local[p]
	}
	mainRows, err := v.count(ctx, mainFiles)
	if err != nil {
		return rep, fmt.Errorf("reading MAIN: %w", err)
	}
	rep.Tables[mswriter.Main] = mainRows

	columns, err := v.columns(ctx, mainFiles)
	if err != nil {
		return rep, fmt.Errorf("reading MAIN schema: %w", err)
	}
	hasData := columns["DATA"] && columns["FLAG"]

	if mainRows > 0 {
		v.checkReferences(ctx, &rep, mainFiles)
	}

	indexPath := mswriter.TablePath(prefix, mswriter.LazyIndex)
	if present[indexPath] {
		rep.Lazy = true
		data, err := v.backend.Read(ctx, indexPath)
		if err != nil {
			return rep, fmt.Errorf("reading %s: %w", indexPath, err)
		}
		idx, err := expand.ReadIndex(bytes.NewReader(data))
		if err != nil {
			rep.problem("lazy index unreadable: %v", err)
		} else {
			rep.IndexEntries = idx.Len()
			if int64(idx.Len()) != mainRows {
				rep.problem("lazy index has %d entries, MAIN has %d rows", idx.Len(), mainRows)
			}
		}
		if hasData {
			rep.problem("lazy store carries DATA/FLAG columns")
		}
	} else if !hasData {
		rep.problem("MAIN has no DATA/FLAG columns and no lazy index")
	}

	var ev *zerolog.Event
	if rep.OK() {
		ev = v.logger.Info()
	} else {
		ev = v.logger.Warn().Strs("problems", rep.Problems)
	}
	ev.Str("store", prefix).
		Int64("main_rows", mainRows).
		Int("main_parts", rep.MainParts).
		Bool("lazy", rep.Lazy).
		Msg("Store verified")
	return rep, nil
}

func (v *Verifier) checkReferences(ctx context.Context, rep *StoreReport, mainFiles []string) {
	var maxDD, maxState, minDD, minState int64
	q := fmt.Sprintf("SELECT MIN(DATA_DESC_ID), MAX(DATA_DESC_ID), MIN(STATE_ID), MAX(STATE_ID) FROM %s",
		database.ParquetSource(mainFiles))
	if err := v.db.QueryRow(ctx, q).Scan(&minDD, &maxDD, &minState, &maxState); err != nil {
		rep.problem("MAIN id columns unreadable: %v", err)
		return
	}
	if n, ok := rep.Tables[mswriter.DataDescription]; ok && (minDD < 0 || maxDD >= n) {
		rep.problem("DATA_DESC_ID range [%d, %d] outside DATA_DESCRIPTION (%d rows)", minDD, maxDD, n)
	}
	if n, ok := rep.Tables[mswriter.State]; ok && (minState < 0 || maxState >= n) {
		rep.problem("STATE_ID range [%d, %d] outside STATE (%d rows)", minState, maxState, n)
	}
}

func (v *Verifier) count(ctx context.Context, files []string) (int64, error) {
	var n int64
	err := v.db.QueryRow(ctx, "SELECT COUNT(*) FROM "+database.ParquetSource(files)).Scan(&n)
	return n, err
}

func (v *Verifier) columns(ctx context.Context, files []string) (map[string]bool, error) {
	rows, err := v.db.Query(ctx, "SELECT * FROM "+database.ParquetSource(files)+" LIMIT 0")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, rows.Err()
}

// locate maps store paths to files DuckDB can open. Local stores are read
// in place; object store files are staged in a temporary directory.
func (v *Verifier) locate(ctx context.Context, files []string) (map[string]string, func(), error) {
	out := make(map[string]string, len(files))
	if v.backend.Type() == "local" {
		for _, f := range files {
			out[f] = v.backend.URI(f)
		}
		return out, func() {}, nil
	}

	dir, err := os.MkdirTemp("", "asdm2ms-verify-*")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }
	for _, f := range files {
		if !strings.HasSuffix(f, ".parquet") {
			continue
		}
		data, err := v.backend.Read(ctx, f)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to stage %s: %w", f, err)
		}
		dst := filepath.Join(dir, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			cleanup()
			return nil, nil, err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			cleanup()
			return nil, nil, err
		}
		out[f] = dst
	}
	v.logger.Debug().Str("backend", v.backend.Type()).Int("files", len(out)).Msg("Staged store for verification")
	return out, cleanup, nil
}
