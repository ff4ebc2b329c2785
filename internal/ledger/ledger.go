// Package ledger records the outcome of every Main row of a conversion run
// in a SQLite database, so a run can be audited or resumed by hand.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrStopped is returned by Record after Stop.
var ErrStopped = errors.New("ledger stopped")

const (
	batchSize     = 100
	flushInterval = time.Second
)

// Run describes one conversion run.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Input      string
	Output     string
	Lazy       bool
	DryRun     bool
	Status     string // running, completed, aborted
}

// RowOutcome is the recorded result of one Main row.
type RowOutcome struct {
	RunID           string
	MainRow         int
	ExecBlock       int
	Scan            int
	Subscan         int
	State           string // done, rejected, failed
	Reason          string
	ErrorKind       string
	Slices          int
	UncorrectedRows int
	CorrectedRows   int
	SkippedDataDesc int
	Duration        time.Duration
	RecordedAt      time.Time
}

// Ledger writes row outcomes asynchronously in batches.
type Ledger struct {
	db     *sql.DB
	logger zerolog.Logger

	outcomeCh chan *RowOutcome
	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	mu      sync.Mutex
	stopped bool
	failed  int64
}

// Open opens (or creates) the ledger database at path.
func Open(path string, logger zerolog.Logger) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	l, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// New creates a ledger on an open database. Close closes db.
func New(db *sql.DB, logger zerolog.Logger) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	l := &Ledger{
		db:        db,
		logger:    logger.With().Str("component", "ledger").Logger(),
		outcomeCh: make(chan *RowOutcome, 1000),
		stopCh:    make(chan struct{}),
	}
	if err := l.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		input TEXT NOT NULL,
		output TEXT NOT NULL,
		lazy BOOLEAN NOT NULL DEFAULT 0,
		dry_run BOOLEAN NOT NULL DEFAULT 0,
		status TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS row_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		main_row INTEGER NOT NULL,
		exec_block INTEGER,
		scan INTEGER,
		subscan INTEGER,
		state TEXT NOT NULL,
		reason TEXT,
		error_kind TEXT,
		slices INTEGER,
		uncorrected_rows INTEGER,
		corrected_rows INTEGER,
		skipped_data_desc INTEGER,
		duration_ms INTEGER,
		recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_outcomes_run ON row_outcomes(run_id, main_row);
	CREATE INDEX IF NOT EXISTS idx_outcomes_state ON row_outcomes(run_id, state);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create ledger tables: %w", err)
	}
	return nil
}

// Start starts the background writer.
func (l *Ledger) Start() {
	l.startOnce.Do(func() {
		l.wg.Add(1)
		go l.writerLoop()
	})
}

// Stop flushes queued outcomes and stops the writer. It is safe to call
// more than once.
func (l *Ledger) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
		close(l.stopCh)
		l.wg.Wait()
	})
}

// Close stops the writer and closes the database.
func (l *Ledger) Close() error {
	l.Stop()
	return l.db.Close()
}

// BeginRun inserts the run row.
func (l *Ledger) BeginRun(ctx context.Context, r Run) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = "running"
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, input, output, lazy, dry_run, status) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.UTC(), r.Input, r.Output, r.Lazy, r.DryRun, r.Status)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", r.ID, err)
	}
	return nil
}

// FinishRun sets the final status of a run.
func (l *Ledger) FinishRun(ctx context.Context, runID, status string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ? WHERE run_id = ?`,
		time.Now().UTC(), status, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown run %s", runID)
	}
	return nil
}

// Record queues an outcome. It blocks while the queue is full so no
// outcome is lost.
func (l *Ledger) Record(o *RowOutcome) error {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}
	select {
	case l.outcomeCh <- o:
		return nil
	case <-l.stopCh:
		return ErrStopped
	}
}

// writerLoop batch-inserts queued outcomes.
func (l *Ledger) writerLoop() {
	defer l.wg.Done()

	batch := make([]*RowOutcome, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case o := <-l.outcomeCh:
			batch = append(batch, o)
			if len(batch) >= batchSize {
				l.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flushBatch(batch)
				batch = batch[:0]
			}
		case <-l.stopCh:
			for {
				select {
				case o := <-l.outcomeCh:
					batch = append(batch, o)
				default:
					l.flushBatch(batch)
					return
				}
			}
		}
	}
}

func (l *Ledger) flushBatch(batch []*RowOutcome) {
	if len(batch) == 0 {
		return
	}

	tx, err := l.db.Begin()
	if err != nil {
		l.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to begin ledger transaction")
		l.addFailed(len(batch))
		return
	}

	stmt, err := tx.Prepare(`
		INSERT INTO row_outcomes (run_id, main_row, exec_block, scan, subscan, state, reason, error_kind, slices, uncorrected_rows, corrected_rows, skipped_data_desc, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		l.logger.Error().Err(err).Msg("Failed to prepare ledger insert statement")
		l.addFailed(len(batch))
		return
	}
	defer stmt.Close()

	for _, o := range batch {
		_, err := stmt.Exec(
			o.RunID, o.MainRow, o.ExecBlock, o.Scan, o.Subscan,
			o.State, o.Reason, o.ErrorKind, o.Slices,
			o.UncorrectedRows, o.CorrectedRows, o.SkippedDataDesc,
			o.Duration.Milliseconds(), o.RecordedAt.UTC(),
		)
		if err != nil {
			l.logger.Error().Err(err).Int("main_row", o.MainRow).Msg("Failed to insert row outcome")
			l.addFailed(1)
		}
	}

	if err := tx.Commit(); err != nil {
		l.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to commit ledger batch")
		l.addFailed(len(batch))
	}
}

func (l *Ledger) addFailed(n int) {
	l.mu.Lock()
	l.failed += int64(n)
	l.mu.Unlock()
}

// Failed returns how many outcomes could not be written.
func (l *Ledger) Failed() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed
}

// Outcomes returns the recorded outcomes of a run in Main row order.
func (l *Ledger) Outcomes(ctx context.Context, runID string) ([]RowOutcome, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, main_row, exec_block, scan, subscan, state, reason, error_kind, slices,
		       uncorrected_rows, corrected_rows, skipped_data_desc, duration_ms, recorded_at
		FROM row_outcomes WHERE run_id = ? ORDER BY main_row, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query row outcomes: %w", err)
	}
	defer rows.Close()

	var out []RowOutcome
	for rows.Next() {
		var o RowOutcome
		var reason, kind sql.NullString
		var durationMs int64
		if err := rows.Scan(&o.RunID, &o.MainRow, &o.ExecBlock, &o.Scan, &o.Subscan, &o.State,
			&reason, &kind, &o.Slices, &o.UncorrectedRows, &o.CorrectedRows, &o.SkippedDataDesc,
			&durationMs, &o.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row outcome: %w", err)
		}
		o.Reason = reason.String
		o.ErrorKind = kind.String
		o.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, o)
	}
	return out, rows.Err()
}

// Stats returns the number of outcomes per state for a run.
func (l *Ledger) Stats(ctx context.Context, runID string) (map[string]int64, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM row_outcomes WHERE run_id = ? GROUP BY state`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan ledger stat: %w", err)
		}
		stats[state] = count
	}
	return stats, rows.Err()
}

// GetRun returns a recorded run.
func (l *Ledger) GetRun(ctx context.Context, runID string) (Run, error) {
	var r Run
	var finished sql.NullTime
	err := l.db.QueryRowContext(ctx,
		`SELECT run_id, started_at, finished_at, input, output, lazy, dry_run, status FROM runs WHERE run_id = ?`, runID).
		Scan(&r.ID, &r.StartedAt, &finished, &r.Input, &r.Output, &r.Lazy, &r.DryRun, &r.Status)
	if err != nil {
		return Run{}, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	r.FinishedAt = finished.Time
	return r, nil
}
