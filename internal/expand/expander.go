package expand

import (
	"context"
	"fmt"

	"github.com/basekick-labs/asdm2ms/internal/asdm"
	"github.com/basekick-labs/asdm2ms/internal/bdf"
)

// RowExpander expands Main rows into fully materialized records.
type RowExpander struct {
	p       *planner
	scratch []complex64
}

var _ Contract = (*RowExpander)(nil)

// NewRowExpander creates an expander sharing deps with the rest of the run.
func NewRowExpander(deps Deps, opts Options) *RowExpander {
	return &RowExpander{p: newPlanner(deps, opts, "row-expander")}
}

// ExpandRow reads the row's blob slice by slice and hands each slice's
// records to emit. A row-scoped failure returns a Failed outcome and the
// error; slices emitted before the failure stay emitted.
func (e *RowExpander) ExpandRow(ctx context.Context, row *asdm.MainRow, emit EmitFunc) (Outcome, error) {
	return e.p.run(ctx, row, e, emit)
}

func (e *RowExpander) lazy() bool { return false }

func (e *RowExpander) fill(p *rowPlan, c cell, v variantPlan, rec *VisibilityRecord) error {
	var err error
	if c.pair.Auto() {
		e.scratch, err = c.subset.AutoSpectrum(c.tim, c.pair.I, c.dd.spw, e.scratch)
	} else {
		e.scratch, err = c.subset.CrossSpectrum(c.tim, bdf.Baseline(c.pair.I, c.pair.J), c.dd.spw, v.apc, e.scratch)
	}
	if err != nil {
		return err
	}

	raw := c.rawCorr()
	if len(e.scratch) != c.dd.numChan*raw {
		return fmt.Errorf("%w: cell has %d values, want %d channels of %d products",
			ErrShapeMismatch, len(e.scratch), c.dd.numChan, raw)
	}
	if raw == 3 && c.dd.outCorr == 4 {
		rec.Data, err = ExpandPolarizations(e.scratch, c.dd.numChan)
		if err != nil {
			return err
		}
	} else {
		rec.Data = append([]complex64(nil), e.scratch...)
	}

	rec.Flag = make([]bool, len(rec.Data))
	if rec.FlagRow {
		for i := range rec.Flag {
			rec.Flag[i] = true
		}
	}
	return nil
}
