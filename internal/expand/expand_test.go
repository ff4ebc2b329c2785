package expand

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/asdm2ms/internal/asdm"
	"github.com/basekick-labs/asdm2ms/internal/asdm/asdmtest"
	"github.com/basekick-labs/asdm2ms/internal/bdf"
	"github.com/basekick-labs/asdm2ms/internal/dimension"
	"github.com/basekick-labs/asdm2ms/internal/selection"
)

func TestExpandPolarizations(t *testing.T) {
	in := []complex64{1 + 2i, 3 + 4i, 5 + 6i, 7 + 8i, 9 + 10i, 11 + 12i}
	out, err := ExpandPolarizations(in, 2)
	require.NoError(t, err)
	assert.Equal(t, []complex64{1 + 2i, 3 + 4i, 3 - 4i, 5 + 6i, 7 + 8i, 9 + 10i, 9 - 10i, 11 + 12i}, out)

	for ch := 0; ch < 2; ch++ {
		c := out[ch*4 : ch*4+4]
		assert.Equal(t, complex(real(c[1]), -imag(c[1])), c[2])
	}

	_, err = ExpandPolarizations(in[:5], 2)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestWeight(t *testing.T) {
	assert.Equal(t, 4e6, Weight(2.0, 1e6, true))
	assert.Equal(t, 2e6, Weight(2.0, 1e6, false))
	assert.Equal(t, 1.0, Weight(0, 1e6, true))
	assert.Equal(t, 1.0, Weight(2.0, 0, false))

	assert.InDelta(t, 1/math.Sqrt(4e6), Sigma(4e6), 1e-12)
	assert.Equal(t, 1.0, Sigma(0))
}

func TestRowStateMachine(t *testing.T) {
	m := &rowMachine{}
	for _, s := range []RowState{Accepted, Reading, Expanding, Emitted, Reading, Expanding, Emitted, Done} {
		require.NoError(t, m.to(s), "to %s", s)
	}
	assert.True(t, m.state.Terminal())
	assert.ErrorIs(t, m.to(Reading), ErrState)

	m = &rowMachine{}
	assert.ErrorIs(t, m.to(Expanding), ErrState)
	assert.Equal(t, Pending, m.state)
	require.NoError(t, m.to(Rejected))
	assert.ErrorIs(t, m.to(Accepted), ErrState)

	assert.Equal(t, "emitted", Emitted.String())
	assert.Equal(t, "state(42)", RowState(42).String())
}

func TestColumnsAlignment(t *testing.T) {
	b := &Batch{Records: []VisibilityRecord{
		{Time: 1, Antenna1: 0, Antenna2: 1, UVW: [3]float64{1, 2, 3}, Data: []complex64{1 + 1i}, Flag: []bool{false}, Weight: []float32{2}, Sigma: []float32{0.5}},
		{Time: 1, Antenna1: 0, Antenna2: 0, Data: []complex64{2}, Flag: []bool{true}, FlagRow: true, Weight: []float32{1}, Sigma: []float32{1}},
	}}
	c := b.Columns()
	require.NoError(t, c.Validate())
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, []int32{1, 0}, c.Antenna2)
	assert.Equal(t, [3]float64{1, 2, 3}, c.UVW[0])
	assert.Equal(t, []float32{1, 1}, c.Data[0])
	assert.Equal(t, []bool{false, true}, c.FlagRow)

	c.Weight = c.Weight[:1]
	assert.ErrorIs(t, c.Validate(), ErrShapeMismatch)

	lazy := (&Batch{Records: []VisibilityRecord{{Ref: &IndexEntry{}}}}).Columns()
	assert.Nil(t, lazy.Data)
	assert.Nil(t, lazy.Flag)
	assert.NoError(t, lazy.Validate())
}

func TestRowExpander_CrossAndAuto(t *testing.T) {
	f := newFixture(t, asdmtest.Standard(testUID), correlatorSpec(), 2)
	deps := f.deps(t, selection.Options{WVRCorrectedData: "both"})
	e := NewRowExpander(deps, Options{SliceBudget: 1})

	got := map[selection.Variant][]VisibilityRecord{}
	out, err := e.ExpandRow(context.Background(), f.ds.MainRows()[0], collect(got))
	require.NoError(t, err)
	assert.Equal(t, Done, out.State)
	assert.Equal(t, 2, out.Slices)
	assert.Equal(t, map[selection.Variant]int{selection.Uncorrected: 6, selection.Corrected: 6}, out.Records)

	h := f.header
	for v, apc := range map[selection.Variant]int{selection.Uncorrected: 0, selection.Corrected: 1} {
		recs := got[v]
		require.Len(t, recs, 6)
		for k := 0; k < 2; k++ {
			cross, a0, a1 := recs[3*k], recs[3*k+1], recs[3*k+2]
			assert.Equal(t, [2]int32{0, 1}, [2]int32{cross.Antenna1, cross.Antenna2})
			assert.Equal(t, [2]int32{0, 0}, [2]int32{a0.Antenna1, a0.Antenna2})
			assert.Equal(t, [2]int32{1, 1}, [2]int32{a1.Antenna1, a1.Antenna2})

			wantTime := float64(asdmtest.StandardTime+int64(k)*1_000_000_000) / 1e9
			for _, r := range []VisibilityRecord{cross, a0, a1} {
				assert.Equal(t, wantTime, r.Time)
				assert.Equal(t, 1.0, r.Interval)
				assert.Equal(t, 1.0, r.Exposure)
				assert.Equal(t, 4, r.NumChan)
				assert.Equal(t, 2, r.NumCorr)
				assert.Len(t, r.Data, 8)
				assert.Len(t, r.Flag, 8)
			}

			data := f.data[k].Cross
			for ch := 0; ch < 4; ch++ {
				for pol := 0; pol < 2; pol++ {
					idx := h.CrossValueIndex(0, 0, 0, apc, ch, pol)
					assert.Equal(t, complex(float32(data[idx]), float32(data[idx+1])), cross.Data[ch*2+pol])
					ai := h.AutoValueIndex(0, 1, 0, ch) + pol
					assert.Equal(t, complex(f.data[k].Auto[ai], 0), a1.Data[ch*2+pol])
				}
			}

			assert.Equal(t, []float32{2e6, 2e6}, cross.Weight)
			assert.Equal(t, []float32{1e6, 1e6}, a0.Weight)
			assert.InDelta(t, 1/math.Sqrt(2e6), float64(cross.Sigma[0]), 1e-9)

			baseline := math.Sqrt(100*100 + 50*50 + 50*50)
			assert.InDelta(t, baseline, math.Sqrt(cross.UVW[0]*cross.UVW[0]+cross.UVW[1]*cross.UVW[1]+cross.UVW[2]*cross.UVW[2]), 1e-6)
			assert.Equal(t, [3]float64{}, a0.UVW)
		}

		// antenna 1 is flagged in the first integration only
		assert.True(t, recs[2].FlagRow)
		assert.Equal(t, []bool{true, true, true, true, true, true, true, true}, recs[2].Flag)
		assert.False(t, recs[5].FlagRow)
		assert.False(t, recs[0].FlagRow)
	}

	// autocorrelations carry no phase correction and are shared
	assert.Equal(t, got[selection.Uncorrected][1].Data, got[selection.Corrected][1].Data)
	assert.NotEqual(t, got[selection.Uncorrected][0].Data, got[selection.Corrected][0].Data)

	assert.Equal(t, 1, deps.Dimensions.Polarization.Len())
	assert.Equal(t, dimension.DataDescription{SpectralWindowID: 0, PolarizationID: 0}, deps.Dimensions.DataDescription.Row(0))
	require.Equal(t, 1, deps.Dimensions.State.Len())
	assert.Equal(t, "CALIBRATE_PHASE#ON_SOURCE", deps.Dimensions.State.Row(0).ObsMode)
}

func TestRowExpander_SliceBudgetDoesNotChangeOutput(t *testing.T) {
	f := newFixture(t, asdmtest.Standard(testUID), correlatorSpec(), 2)

	run := func(budget int64) ([]VisibilityRecord, Outcome) {
		got := map[selection.Variant][]VisibilityRecord{}
		e := NewRowExpander(f.deps(t, selection.Options{}), Options{SliceBudget: budget})
		out, err := e.ExpandRow(context.Background(), f.ds.MainRows()[0], collect(got))
		require.NoError(t, err)
		return got[selection.Uncorrected], out
	}
	small, so := run(1)
	large, lo := run(1 << 30)
	assert.Equal(t, small, large)
	assert.Equal(t, 2, so.Slices)
	assert.Equal(t, 1, lo.Slices)
}

func TestRowExpander_Rejected(t *testing.T) {
	f := newFixture(t, asdmtest.Standard(testUID), correlatorSpec(), 0)
	e := NewRowExpander(f.deps(t, selection.Options{CorrelationModes: "ao"}), Options{})

	called := false
	out, err := e.ExpandRow(context.Background(), f.ds.MainRows()[0], func(map[selection.Variant]*Batch) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Rejected, out.State)
	assert.Contains(t, out.Reason, "correlation mode")
	assert.False(t, called)
}

func TestRowExpander_NoIntegrations(t *testing.T) {
	main := asdmtest.StandardMain(testUID)
	main.NumIntegration = 0
	b := asdmtest.Base().AddConfigDescription(asdmtest.StandardConfig()).AddMain(main)
	f := newFixture(t, b, correlatorSpec(), 0)

	out, err := NewRowExpander(f.deps(t, selection.Options{}), Options{}).
		ExpandRow(context.Background(), f.ds.MainRows()[0], collect(map[selection.Variant][]VisibilityRecord{}))
	require.NoError(t, err)
	assert.Equal(t, Rejected, out.State)
}

func TestRowExpander_MissingBlob(t *testing.T) {
	f := newFixture(t, asdmtest.Standard(testUID), correlatorSpec(), 0)
	e := NewRowExpander(f.deps(t, selection.Options{}), Options{})

	out, err := e.ExpandRow(context.Background(), f.ds.MainRows()[0], collect(map[selection.Variant][]VisibilityRecord{}))
	assert.ErrorIs(t, err, bdf.ErrIO)
	assert.Equal(t, Failed, out.State)
	assert.NotEmpty(t, out.Reason)
}

func TestRowExpander_AntennaMismatch(t *testing.T) {
	spec := correlatorSpec()
	spec.NumAntenna = 3
	f := newFixture(t, asdmtest.Standard(testUID), spec, 1)

	out, err := NewRowExpander(f.deps(t, selection.Options{}), Options{}).
		ExpandRow(context.Background(), f.ds.MainRows()[0], collect(map[selection.Variant][]VisibilityRecord{}))
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.Equal(t, Failed, out.State)
}

func TestRowExpander_ChannelMismatchSkipsAll(t *testing.T) {
	spec := correlatorSpec()
	spec.SpectralWindows[0].NumSpectralPoint = 8
	f := newFixture(t, asdmtest.Standard(testUID), spec, 1)

	out, err := NewRowExpander(f.deps(t, selection.Options{}), Options{}).
		ExpandRow(context.Background(), f.ds.MainRows()[0], collect(map[selection.Variant][]VisibilityRecord{}))
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, 1, out.SkippedDataDescriptions)
}

func TestRowExpander_ChannelMismatchSkipsOnlyThatWindow(t *testing.T) {
	cd := asdmtest.StandardConfig()
	cd.DataDescriptionIDs = []int{0, 1}
	b := asdmtest.Base().
		AddSpectralWindow(asdm.SpectralWindow{ID: 1, NumChan: 4, EffectiveBandwidth: 1e6}).
		AddPolarization(asdm.Polarization{ID: 1, CorrTypes: []string{"XX", "XY", "YX", "YY"}}).
		AddDataDescription(asdm.DataDescription{ID: 1, PolarizationID: 1, SpectralWindowID: 1}).
		AddConfigDescription(cd).
		AddMain(asdmtest.StandardMain(testUID))

	spec := correlatorSpec()
	spec.SpectralWindows = []bdf.SpectralWindowSpec{
		// window 0 has 4 channels in the metadata
		{CrossPolProducts: []string{"XX", "YY"}, SDPolProducts: []string{"XX", "YY"}, ScaleFactor: 1, NumSpectralPoint: 8},
		{CrossPolProducts: []string{"XX", "XY", "YY"}, SDPolProducts: []string{"XX", "XY", "YY"}, ScaleFactor: 1, NumSpectralPoint: 4},
	}
	f := newFixture(t, b, spec, 2)

	deps := f.deps(t, selection.Options{})
	got := map[selection.Variant][]VisibilityRecord{}
	out, err := NewRowExpander(deps, Options{}).
		ExpandRow(context.Background(), f.ds.MainRows()[0], collect(got))
	require.NoError(t, err)
	assert.Equal(t, Done, out.State)
	assert.Equal(t, 1, out.SkippedDataDescriptions)

	recs := got[selection.Uncorrected]
	require.Len(t, recs, 6)
	for _, r := range recs {
		assert.Equal(t, int32(1), deps.Dimensions.DataDescription.Row(int(r.DataDescID)).SpectralWindowID)
		assert.Equal(t, 4, r.NumChan)
		require.Equal(t, 4, r.NumCorr)
		for ch := 0; ch < r.NumChan; ch++ {
			xy := r.Data[ch*4+1]
			assert.Equal(t, complex(real(xy), -imag(xy)), r.Data[ch*4+2])
		}
	}

	lazyGot := map[selection.Variant][]VisibilityRecord{}
	lb := NewLazyIndexBuilder(f.deps(t, selection.Options{}), Options{}, "run")
	lazyOut, err := lb.ExpandRow(context.Background(), f.ds.MainRows()[0], collect(lazyGot))
	require.NoError(t, err)
	assert.Equal(t, Done, lazyOut.State)
	assert.Equal(t, 1, lazyOut.SkippedDataDescriptions)
	assert.Equal(t, out.Records, lazyOut.Records)
	assert.Equal(t, stripSamples(recs), stripSamples(lazyGot[selection.Uncorrected]))
	assert.Equal(t, 6, lb.Index(selection.Uncorrected).Len())
}

func TestRowExpander_EmitErrorFailsRow(t *testing.T) {
	f := newFixture(t, asdmtest.Standard(testUID), correlatorSpec(), 2)
	sink := errors.New("sink full")

	out, err := NewRowExpander(f.deps(t, selection.Options{}), Options{}).
		ExpandRow(context.Background(), f.ds.MainRows()[0], func(map[selection.Variant]*Batch) error { return sink })
	assert.ErrorIs(t, err, sink)
	assert.Equal(t, Failed, out.State)
}

func TestRowExpander_Cancelled(t *testing.T) {
	f := newFixture(t, asdmtest.Standard(testUID), correlatorSpec(), 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := NewRowExpander(f.deps(t, selection.Options{}), Options{}).
		ExpandRow(ctx, f.ds.MainRows()[0], collect(map[selection.Variant][]VisibilityRecord{}))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Failed, out.State)
}

func TestRowExpander_MissingCorrectedFallsBack(t *testing.T) {
	spec := correlatorSpec()
	spec.APC = []asdm.AtmPhaseCorrection{asdm.APUncorrected}
	f := newFixture(t, asdmtest.Standard(testUID), spec, 1)

	got := map[selection.Variant][]VisibilityRecord{}
	_, err := NewRowExpander(f.deps(t, selection.Options{WVRCorrectedData: "both"}), Options{}).
		ExpandRow(context.Background(), f.ds.MainRows()[0], collect(got))
	require.NoError(t, err)
	require.Len(t, got[selection.Corrected], 3)
	assert.Equal(t, got[selection.Uncorrected], got[selection.Corrected])
}

func TestRowExpander_RadiometerDuplicatedIntoCorrected(t *testing.T) {
	cd := asdmtest.StandardConfig()
	cd.CorrelationMode = asdm.AutoOnly
	cd.ProcessorType = asdm.Radiometer
	cd.AtmPhaseCorrection = []asdm.AtmPhaseCorrection{asdm.APUncorrected}
	b := asdmtest.Base().AddConfigDescription(cd).AddMain(asdmtest.StandardMain(testUID))
	f := newFixture(t, b, radiometerSpec(), 1)

	got := map[selection.Variant][]VisibilityRecord{}
	out, err := NewRowExpander(f.deps(t, selection.Options{WVRCorrectedData: "both"}), Options{SliceBudget: 1}).
		ExpandRow(context.Background(), f.ds.MainRows()[0], collect(got))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Slices)

	recs := got[selection.Uncorrected]
	require.Len(t, recs, 4)
	assert.Equal(t, recs, got[selection.Corrected])

	start := float64(asdmtest.StandardTime) / 1e9
	assert.InDelta(t, start+0.5, recs[0].Time, 1e-5)
	assert.InDelta(t, start+0.5, recs[1].Time, 1e-5)
	assert.InDelta(t, start+1.5, recs[2].Time, 1e-5)
	assert.Equal(t, []int32{0, 1, 0, 1}, []int32{recs[0].Antenna1, recs[1].Antenna1, recs[2].Antenna1, recs[3].Antenna1})

	idx := f.header.AutoValueIndex(1, 1, 0, 2)
	assert.Equal(t, complex(f.data[0].Auto[idx], 0), recs[3].Data[2*2])
}
