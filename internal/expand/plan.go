// Package expand turns Main rows and their binary data into ordered MAIN
// records, either materialized (RowExpander) or as an index into the
// original blobs (LazyIndexBuilder).
package expand

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/asdm2ms/internal/asdm"
	"github.com/basekick-labs/asdm2ms/internal/bdf"
	"github.com/basekick-labs/asdm2ms/internal/dimension"
	"github.com/basekick-labs/asdm2ms/internal/selection"
	"github.com/basekick-labs/asdm2ms/internal/uvw"
)

const nsPerSecond = 1e9

// Metadata is the part of the dataset the expansion reads.
type Metadata interface {
	ConfigurationDescription(id int) (*asdm.ConfigDescription, error)
	ScanIntent(execBlockID, scanNumber int) ([]string, error)
	SubscanIntent(execBlockID, scanNumber, subscanNumber int) (string, error)
	DataDescription(id int) (*asdm.DataDescription, error)
	SpectralWindow(id int) (*asdm.SpectralWindow, error)
	PolarizationProducts(polID int) ([]string, error)
	ExecBlockIndex(id int) (int, error)
	AntennaStationPosition(antennaID int) ([3]float64, error)
	FieldDirection(fieldID int) ([2]float64, error)
	BDFPath(row *asdm.MainRow) string
}

// EmitFunc receives the batches of one slice, keyed by variant.
type EmitFunc func(batches map[selection.Variant]*Batch) error

// Contract is implemented by both expansion paths so they can be driven
// and tested the same way.
type Contract interface {
	ExpandRow(ctx context.Context, row *asdm.MainRow, emit EmitFunc) (Outcome, error)
}

// Outcome summarizes the processing of one Main row.
type Outcome struct {
	State                   RowState
	Reason                  string
	Records                 map[selection.Variant]int
	Slices                  int
	SkippedDataDescriptions int
}

// Deps are the collaborators shared by both expansion paths.
type Deps struct {
	Metadata   Metadata
	Filter     *selection.Filter
	Dimensions *dimension.Tables
	UVW        *uvw.Engine
	Logger     zerolog.Logger
}

// Options tune the expansion.
type Options struct {
	SliceBudget int64 // bytes of binary payload per slice
	Policy      uvw.Policy
}

// ddPlan is one data description of a row, matched to a spectral window
// of the blob.
type ddPlan struct {
	spw        int
	ddIndex    int32
	numChan    int
	crossCorr  int
	autoCorr   int
	outCorr    int
	bandwidth  float64
	mismatched error
}

type variantPlan struct {
	variant selection.Variant
	apc     int
	cross   bool // cross samples available for this variant
}

type rowPlan struct {
	row      *asdm.MainRow
	cd       *asdm.ConfigDescription
	header   *bdf.Header
	stateID  int32
	obsID    int32
	pairs    []uvw.Pair
	dds      []*ddPlan
	variants []variantPlan
}

// cell is one (integration, baseline, data description) position.
type cell struct {
	subset *bdf.Subset
	tim    int
	pair   uvw.Pair
	dd     *ddPlan
}

// materializer fills the sample part of a record.
type materializer interface {
	lazy() bool
	fill(p *rowPlan, c cell, v variantPlan, rec *VisibilityRecord) error
}

// planner holds the logic shared by RowExpander and LazyIndexBuilder.
type planner struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
}

func newPlanner(d Deps, o Options, component string) *planner {
	if o.SliceBudget <= 0 {
		o.SliceBudget = 512 * 1024 * 1024
	}
	return &planner{deps: d, opts: o, logger: d.Logger.With().Str("component", component).Logger()}
}

func (p *planner) rowLogger(row *asdm.MainRow) zerolog.Logger {
	return p.logger.With().
		Int("main_row", row.Index).
		Int("exec_block", row.ExecBlockID).
		Int("scan", row.ScanNumber).
		Int("subscan", row.SubscanNumber).
		Logger()
}

// run drives one row through the state machine.
func (p *planner) run(ctx context.Context, row *asdm.MainRow, m materializer, emit EmitFunc) (Outcome, error) {
	sm := &rowMachine{}
	out := Outcome{Records: make(map[selection.Variant]int)}
	log := p.rowLogger(row)

	fail := func(err error) (Outcome, error) {
		if sm.state.Terminal() {
			return out, err
		}
		if terr := sm.to(Failed); terr != nil {
			return out, errors.Join(err, terr)
		}
		out.State = sm.state
		out.Reason = err.Error()
		return out, err
	}

	cd, err := p.deps.Metadata.ConfigurationDescription(row.ConfigDescriptionID)
	if err != nil {
		return fail(err)
	}
	reason := p.deps.Filter.ReasonRejected(row, cd)
	if reason == "" && row.NumIntegration <= 0 {
		reason = "row declares no integrations"
	}
	if reason == "" && row.DataSize <= 0 {
		reason = "row declares no binary data"
	}
	if reason == "" && len(p.deps.Filter.Variants()) == 0 {
		reason = "no output variant selected"
	}
	if reason != "" {
		if err := sm.to(Rejected); err != nil {
			return out, err
		}
		log.Info().Str("reason", reason).Msg("Main row rejected")
		out.State, out.Reason = sm.state, reason
		return out, nil
	}
	if err := sm.to(Accepted); err != nil {
		return out, err
	}

	plan := &rowPlan{row: row, cd: cd}
	if err := p.resolveState(plan); err != nil {
		return fail(err)
	}

	reader, err := bdf.Open(p.deps.Metadata.BDFPath(row), p.logger)
	if err != nil {
		return fail(err)
	}
	defer reader.Close()
	plan.header = reader.Header()

	if err := p.planDataDescriptions(plan, log); err != nil {
		return fail(err)
	}
	for _, dd := range plan.dds {
		if dd.mismatched != nil {
			out.SkippedDataDescriptions++
			log.Warn().Err(dd.mismatched).Int("spectral_window", dd.spw).Msg("Skipping data description")
		}
	}
	if out.SkippedDataDescriptions == len(plan.dds) {
		return fail(fmt.Errorf("%w: no usable data description in %s", ErrShapeMismatch, row))
	}
	p.planVariants(plan, log)

	perSlice := reader.IntegrationsPerSlice(p.opts.SliceBudget)
	for reader.HasNext() {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if err := sm.to(Reading); err != nil {
			return out, err
		}
		var subsets []*bdf.Subset
		if m.lazy() {
			subsets, err = reader.NextLazy(perSlice)
		} else {
			subsets, err = reader.Next(perSlice)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fail(err)
		}

		if err := sm.to(Expanding); err != nil {
			return out, err
		}
		batches, err := p.expandSlice(plan, subsets, m)
		if err != nil {
			return fail(err)
		}
		if err := emit(batches); err != nil {
			return fail(fmt.Errorf("emitting slice %d of %s: %w", out.Slices, row, err))
		}
		if err := sm.to(Emitted); err != nil {
			return out, err
		}
		out.Slices++
		for v, b := range batches {
			out.Records[v] += b.Len()
		}
	}

	if err := sm.to(Done); err != nil {
		return out, err
	}
	out.State = sm.state
	log.Debug().Int("slices", out.Slices).Interface("records", out.Records).Msg("Main row expanded")
	return out, nil
}

// resolveState dedups the STATE row of the subscan.
func (p *planner) resolveState(plan *rowPlan) error {
	row := plan.row
	intents, err := p.deps.Metadata.ScanIntent(row.ExecBlockID, row.ScanNumber)
	if err != nil {
		return err
	}
	subIntent, err := p.deps.Metadata.SubscanIntent(row.ExecBlockID, row.ScanNumber, row.SubscanNumber)
	if err != nil {
		return err
	}
	idx, _ := p.deps.Dimensions.State.InsertOrFind(dimension.NewState(intents, subIntent, row.SubscanNumber))
	plan.stateID = int32(idx)

	obs, err := p.deps.Metadata.ExecBlockIndex(row.ExecBlockID)
	if err != nil {
		return err
	}
	plan.obsID = int32(obs)
	return nil
}

// planDataDescriptions pairs the configuration's data descriptions with
// the blob's spectral windows and dedups POLARIZATION and DATA_DESCRIPTION.
func (p *planner) planDataDescriptions(plan *rowPlan, log zerolog.Logger) error {
	h, cd := plan.header, plan.cd
	if h.NumAntenna != len(cd.AntennaIDs) {
		return fmt.Errorf("%w: blob has %d antennas, configuration %d", ErrShapeMismatch, h.NumAntenna, len(cd.AntennaIDs))
	}
	if len(h.SpectralWindows) != len(cd.DataDescriptionIDs) {
		return fmt.Errorf("%w: blob has %d spectral windows, configuration %d data descriptions",
			ErrShapeMismatch, len(h.SpectralWindows), len(cd.DataDescriptionIDs))
	}
	if h.CorrelationMode != cd.CorrelationMode {
		log.Warn().
			Str("blob", string(h.CorrelationMode)).
			Str("configuration", string(cd.CorrelationMode)).
			Msg("Correlation mode differs between blob and configuration, using blob")
	}
	plan.pairs = uvw.Baselines(h.NumAntenna, h.CorrelationMode, p.opts.Policy)

	for i, ddID := range cd.DataDescriptionIDs {
		sw := h.SpectralWindows[i]
		dd, err := p.deps.Metadata.DataDescription(ddID)
		if err != nil {
			return err
		}
		spw, err := p.deps.Metadata.SpectralWindow(dd.SpectralWindowID)
		if err != nil {
			return err
		}
		products, err := p.deps.Metadata.PolarizationProducts(dd.PolarizationID)
		if err != nil {
			return err
		}
		pol, err := dimension.NewPolarization(products)
		if err != nil {
			return fmt.Errorf("%w: polarization %d: %v", ErrShapeMismatch, dd.PolarizationID, err)
		}
		polIdx, _ := p.deps.Dimensions.Polarization.InsertOrFind(pol)
		ddIdx, _ := p.deps.Dimensions.DataDescription.InsertOrFind(dimension.DataDescription{
			SpectralWindowID: int32(spw.Index),
			PolarizationID:   int32(polIdx),
		})

		plan.dds = append(plan.dds, &ddPlan{
			spw:        i,
			ddIndex:    int32(ddIdx),
			numChan:    spw.NumChan,
			crossCorr:  sw.NumCrossPol(),
			autoCorr:   sw.NumAutoPol(),
			outCorr:    pol.NumCorr(),
			bandwidth:  spw.EffectiveBandwidth,
			mismatched: checkShape(h, sw, spw, pol.NumCorr()),
		})
	}
	return nil
}

// checkShape compares a blob spectral window with its metadata.
func checkShape(h *bdf.Header, sw *bdf.SpectralWindow, spw *asdm.SpectralWindow, outCorr int) error {
	if sw.NumSpectralPoint != spw.NumChan {
		return fmt.Errorf("%w: spectral window %d has %d channels in the blob, %d in metadata",
			ErrShapeMismatch, spw.ID, sw.NumSpectralPoint, spw.NumChan)
	}
	fits := func(raw int) bool { return raw == outCorr || (raw == 3 && outCorr == 4) }
	if h.CorrelationMode.HasCross() && !fits(sw.NumCrossPol()) {
		return fmt.Errorf("%w: spectral window %d has %d cross products, polarization has %d",
			ErrShapeMismatch, spw.ID, sw.NumCrossPol(), outCorr)
	}
	if h.CorrelationMode.HasAuto() && !fits(sw.NumAutoPol()) {
		return fmt.Errorf("%w: spectral window %d has %d auto products, polarization has %d",
			ErrShapeMismatch, spw.ID, sw.NumAutoPol(), outCorr)
	}
	return nil
}

// planVariants picks the blob APC entry feeding each output variant.
// Autocorrelations carry no APC axis and are shared by all variants.
func (p *planner) planVariants(plan *rowPlan, log zerolog.Logger) {
	h := plan.header
	available := h.APC[:h.NumAPC()]
	for _, v := range p.deps.Filter.Variants() {
		vp := variantPlan{variant: v}
		if h.CorrelationMode.HasCross() {
			idx, exact, ok := p.deps.Filter.SourceAPC(v, available)
			switch {
			case !ok:
				log.Warn().Str("variant", v.String()).Msg("No selected phase correction in blob, cross data omitted")
			case !exact:
				log.Warn().
					Str("variant", v.String()).
					Str("source", string(available[idx])).
					Msg("Phase correction variant missing from blob, using available data")
				vp.apc, vp.cross = idx, true
			default:
				vp.apc, vp.cross = idx, true
			}
		}
		plan.variants = append(plan.variants, vp)
	}
}

// expandSlice builds the batches of one slice. Records follow
// integration, then baseline (policy order), then data description.
func (p *planner) expandSlice(plan *rowPlan, subsets []*bdf.Subset, m materializer) (map[selection.Variant]*Batch, error) {
	var times []float64
	type integ struct {
		subset        *bdf.Subset
		tim           int
		mid, interval int64
	}
	var integs []integ
	for _, s := range subsets {
		for k := 0; k < s.Integrations(); k++ {
			mid, interval := s.IntegrationTime(k)
			integs = append(integs, integ{s, k, mid, interval})
			times = append(times, float64(mid)/nsPerSecond)
		}
	}

	uvws, err := p.deps.UVW.ComputeBaselineUVW(plan.row, plan.cd, times, plan.header.CorrelationMode, p.opts.Policy)
	if err != nil {
		return nil, err
	}

	batches := make(map[selection.Variant]*Batch, len(plan.variants))
	for _, vp := range plan.variants {
		batches[vp.variant] = &Batch{Variant: vp.variant}
	}

	for ti, it := range integs {
		for pi, pair := range plan.pairs {
			uvwTriple := uvws[ti*len(plan.pairs)+pi]
			for _, dd := range plan.dds {
				if dd.mismatched != nil {
					continue
				}
				c := cell{subset: it.subset, tim: it.tim, pair: pair, dd: dd}
				base := p.baseRecord(plan, c, it.mid, it.interval, uvwTriple)
				for _, vp := range plan.variants {
					if !pair.Auto() && !vp.cross {
						continue
					}
					rec := base
					rec.Weight = append([]float32(nil), base.Weight...)
					rec.Sigma = append([]float32(nil), base.Sigma...)
					if err := m.fill(plan, c, vp, &rec); err != nil {
						return nil, err
					}
					b := batches[vp.variant]
					b.Records = append(b.Records, rec)
				}
			}
		}
	}
	return batches, nil
}

// baseRecord fills everything but the samples.
func (p *planner) baseRecord(plan *rowPlan, c cell, mid, interval int64, triple [3]float64) VisibilityRecord {
	cd, row := plan.cd, plan.row
	s, dd := c.subset, c.dd

	var flag uint32
	var duration, centroid int64
	var okDur, okTime bool
	if c.pair.Auto() {
		flag = s.AutoFlag(c.tim, c.pair.I, dd.spw)
		duration, okDur = s.AutoDuration(c.tim, c.pair.I, dd.spw)
		centroid, okTime = s.AutoTime(c.tim, c.pair.I, dd.spw)
	} else {
		bl := bdf.Baseline(c.pair.I, c.pair.J)
		flag = s.CrossFlag(c.tim, bl, dd.spw)
		duration, okDur = s.CrossDuration(c.tim, bl, dd.spw)
		centroid, okTime = s.CrossTime(c.tim, bl, dd.spw)
	}
	if !okDur || duration <= 0 {
		duration = interval
	}
	if !okTime || centroid <= 0 {
		centroid = mid
	}

	exposure := float64(duration) / nsPerSecond
	w := Weight(exposure, dd.bandwidth, !c.pair.Auto())
	sigma := Sigma(w)
	weights := make([]float32, dd.outCorr)
	sigmas := make([]float32, dd.outCorr)
	for i := range weights {
		weights[i] = float32(w)
		sigmas[i] = float32(sigma)
	}

	return VisibilityRecord{
		Time:          float64(mid) / nsPerSecond,
		Interval:      float64(interval) / nsPerSecond,
		Exposure:      exposure,
		TimeCentroid:  float64(centroid) / nsPerSecond,
		Antenna1:      int32(cd.AntennaIDs[c.pair.I]),
		Antenna2:      int32(cd.AntennaIDs[c.pair.J]),
		Feed1:         int32(cd.FeedFor(c.pair.I)),
		Feed2:         int32(cd.FeedFor(c.pair.J)),
		DataDescID:    dd.ddIndex,
		FieldID:       int32(row.FieldID),
		ScanNumber:    int32(row.ScanNumber),
		ObservationID: plan.obsID,
		StateID:       plan.stateID,
		ProcessorID:   int32(cd.ProcessorID),
		UVW:           triple,
		FlagRow:       flag != 0,
		NumChan:       dd.numChan,
		NumCorr:       dd.outCorr,
		Weight:        weights,
		Sigma:         sigmas,
	}
}

// rawCorr is the number of products stored in the blob for a cell.
func (c cell) rawCorr() int {
	if c.pair.Auto() {
		return c.dd.autoCorr
	}
	return c.dd.crossCorr
}
