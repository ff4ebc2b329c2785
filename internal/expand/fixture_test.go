package expand

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/asdm2ms/internal/asdm"
	"github.com/basekick-labs/asdm2ms/internal/asdm/asdmtest"
	"github.com/basekick-labs/asdm2ms/internal/bdf"
	"github.com/basekick-labs/asdm2ms/internal/dimension"
	"github.com/basekick-labs/asdm2ms/internal/selection"
	"github.com/basekick-labs/asdm2ms/internal/uvw"
)

const testUID = "uid://A002/X1/X2"

var quiet = zerolog.New(os.Stderr).Level(zerolog.Disabled)

type fixture struct {
	ds     *asdm.Dataset
	header *bdf.Header
	blob   string
	data   []bdf.SubsetData
}

func correlatorSpec() bdf.HeaderSpec {
	return bdf.HeaderSpec{
		StartTime:       asdmtest.StandardTime,
		DataOID:         testUID,
		NumAntenna:      2,
		CorrelationMode: asdm.CrossAndAuto,
		APC:             []asdm.AtmPhaseCorrection{asdm.APUncorrected, asdm.APCorrected},
		CrossType:       bdf.Int32,
		SpectralWindows: []bdf.SpectralWindowSpec{
			{CrossPolProducts: []string{"XX", "YY"}, SDPolProducts: []string{"XX", "YY"}, ScaleFactor: 1, NumSpectralPoint: 4},
		},
		Flags:           true,
		ActualTimes:     true,
		ActualDurations: true,
	}
}

func radiometerSpec() bdf.HeaderSpec {
	return bdf.HeaderSpec{
		StartTime:       asdmtest.StandardTime,
		DataOID:         testUID,
		NumAntenna:      2,
		NumTime:         2,
		CorrelationMode: asdm.AutoOnly,
		ProcessorType:   asdm.Radiometer,
		SpectralWindows: []bdf.SpectralWindowSpec{
			{SDPolProducts: []string{"XX", "YY"}, NumSpectralPoint: 4},
		},
	}
}

// fillSubset derives every value from its position; the auto slot of
// antenna 1 is flagged in subset 0.
func fillSubset(h *bdf.Header, k int) bdf.SubsetData {
	d := bdf.SubsetData{
		Time:     asdmtest.StandardTime + int64(k)*1_000_000_000,
		Interval: 1_000_000_000,
	}
	if h.NumTime > 0 {
		d.Time = asdmtest.StandardTime + 1_000_000_000
		d.Interval = 2_000_000_000
	}
	if a, ok := h.Attachments[bdf.AttachCrossData]; ok {
		d.Cross = make([]float64, a.Size)
		for i := range d.Cross {
			d.Cross[i] = float64(i + 1000*k)
		}
	}
	if a, ok := h.Attachments[bdf.AttachAutoData]; ok {
		d.Auto = make([]float32, a.Size)
		for i := range d.Auto {
			d.Auto[i] = float32(i) + 0.5 + float32(100*k)
		}
	}
	if a, ok := h.Attachments[bdf.AttachFlags]; ok {
		d.Flags = make([]uint32, a.Size)
		if k == 0 {
			d.Flags[2] = 1
		}
	}
	if a, ok := h.Attachments[bdf.AttachActualDurations]; ok {
		d.ActualDurations = make([]int64, a.Size)
		for i := range d.ActualDurations {
			d.ActualDurations[i] = 1_000_000_000
		}
	}
	if a, ok := h.Attachments[bdf.AttachActualTimes]; ok {
		d.ActualTimes = make([]int64, a.Size)
		for i := range d.ActualTimes {
			d.ActualTimes[i] = d.Time
		}
	}
	return d
}

// newFixture writes the metadata of b and, when subsets > 0, a blob built
// from spec at the path the Main row points to.
func newFixture(t *testing.T, b *asdmtest.Builder, spec bdf.HeaderSpec, subsets int) *fixture {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, b.Write(dir))

	f := &fixture{blob: asdm.BDFPath(dir, testUID)}
	if subsets > 0 {
		var buf bytes.Buffer
		enc, err := bdf.NewEncoder(&buf, spec)
		require.NoError(t, err)
		f.header = enc.Header()
		for k := 0; k < subsets; k++ {
			d := fillSubset(f.header, k)
			require.NoError(t, enc.WriteSubset(d))
			f.data = append(f.data, d)
		}
		require.NoError(t, enc.Close())
		require.NoError(t, os.MkdirAll(filepath.Dir(f.blob), 0o755))
		require.NoError(t, os.WriteFile(f.blob, buf.Bytes(), 0o644))
	}

	ds, err := asdm.Load(dir, quiet)
	require.NoError(t, err)
	f.ds = ds
	return f
}

func (f *fixture) deps(t *testing.T, opts selection.Options) Deps {
	t.Helper()
	filter, err := selection.New(opts)
	require.NoError(t, err)
	return Deps{
		Metadata:   f.ds,
		Filter:     filter,
		Dimensions: dimension.NewTables(),
		UVW:        uvw.NewEngine(f.ds, quiet),
		Logger:     quiet,
	}
}

// collect returns an EmitFunc accumulating records per variant.
func collect(out map[selection.Variant][]VisibilityRecord) EmitFunc {
	return func(batches map[selection.Variant]*Batch) error {
		for v, b := range batches {
			out[v] = append(out[v], b.Records...)
		}
		return nil
	}
}
