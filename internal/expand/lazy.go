package expand

import (
	"context"
	"fmt"
	"io"

	"github.com/basekick-labs/asdm2ms/internal/asdm"
	"github.com/basekick-labs/asdm2ms/internal/bdf"
	"github.com/basekick-labs/asdm2ms/internal/selection"
)

// LazyIndexBuilder expands Main rows like RowExpander but records where
// each row's samples sit in the blob instead of decoding them.
type LazyIndexBuilder struct {
	p       *planner
	indexes map[selection.Variant]*Index
}

var _ Contract = (*LazyIndexBuilder)(nil)

// NewLazyIndexBuilder creates a builder with one index per selected variant.
func NewLazyIndexBuilder(deps Deps, opts Options, runID string) *LazyIndexBuilder {
	b := &LazyIndexBuilder{
		p:       newPlanner(deps, opts, "lazy-index"),
		indexes: make(map[selection.Variant]*Index),
	}
	for _, v := range deps.Filter.Variants() {
		b.indexes[v] = NewIndex(runID, v.String())
	}
	return b
}

// Index returns the index of variant v, nil when v is not selected.
func (b *LazyIndexBuilder) Index(v selection.Variant) *Index {
	return b.indexes[v]
}

// ExpandRow emits records without DATA and FLAG and appends their
// locations to the variant indexes.
func (b *LazyIndexBuilder) ExpandRow(ctx context.Context, row *asdm.MainRow, emit EmitFunc) (Outcome, error) {
	for v, x := range b.indexes {
		if x.Finalized() {
			return Outcome{State: Failed}, fmt.Errorf("%w: %s index finalized before %s", ErrState, v, row)
		}
	}
	return b.p.run(ctx, row, b, func(batches map[selection.Variant]*Batch) error {
		for v, batch := range batches {
			entries := make([]IndexEntry, len(batch.Records))
			for i := range batch.Records {
				entries[i] = *batch.Records[i].Ref
			}
			if err := b.indexes[v].AppendIndex(entries...); err != nil {
				return err
			}
		}
		return emit(batches)
	})
}

// AppendIndex adds entries to the index of variant v.
func (b *LazyIndexBuilder) AppendIndex(v selection.Variant, entries ...IndexEntry) error {
	x, ok := b.indexes[v]
	if !ok {
		return fmt.Errorf("%w: variant %s not selected", ErrState, v)
	}
	return x.AppendIndex(entries...)
}

// Finalize writes the index of variant v to w, once.
func (b *LazyIndexBuilder) Finalize(v selection.Variant, w io.Writer) error {
	x, ok := b.indexes[v]
	if !ok {
		return fmt.Errorf("%w: variant %s not selected", ErrState, v)
	}
	return x.Finalize(w)
}

func (b *LazyIndexBuilder) lazy() bool { return true }

func (b *LazyIndexBuilder) fill(p *rowPlan, c cell, v variantPlan, rec *VisibilityRecord) error {
	var (
		loc bdf.Location
		ok  bool
	)
	if c.pair.Auto() {
		loc, ok = c.subset.AutoRange(c.tim, c.pair.I, c.dd.spw)
	} else {
		loc, ok = c.subset.CrossRange(c.tim, bdf.Baseline(c.pair.I, c.pair.J), c.dd.spw, v.apc)
	}
	if !ok {
		return fmt.Errorf("%w: no payload location for %s in %s", bdf.ErrIO, rec.describe(), c.subset.Blob())
	}

	h := c.subset.Header()
	info := BlobInfo{Path: c.subset.Blob(), ByteOrder: bdf.ByteOrderName(h.ByteOrder)}
	if a, ok := h.Attachments[bdf.AttachCrossData]; ok {
		info.CrossType = string(a.Type)
	}
	blob, err := b.indexes[v.variant].Blob(info)
	if err != nil {
		return err
	}

	rec.Ref = &IndexEntry{
		Blob:       blob,
		Auto:       c.pair.Auto(),
		Offset:     loc.Offset,
		Length:     loc.Length,
		Scale:      h.SpectralWindows[c.dd.spw].ScaleFactor,
		NumChan:    int32(c.dd.numChan),
		RawCorr:    int32(c.rawCorr()),
		OutCorr:    int32(c.dd.outCorr),
		DataDescID: rec.DataDescID,
		FlagRow:    rec.FlagRow,
	}
	return nil
}
