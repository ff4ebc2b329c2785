package bdf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/asdm2ms/internal/asdm"
)

const testStart int64 = 59000 * 86400 * 1_000_000_000

func correlatorSpec() HeaderSpec {
	return HeaderSpec{
		StartTime:       testStart,
		DataOID:         "uid://A002/X1/X2",
		ExecBlock:       "uid://A002/X1/X1",
		NumAntenna:      3,
		CorrelationMode: asdm.CrossAndAuto,
		APC:             []asdm.AtmPhaseCorrection{asdm.APUncorrected, asdm.APCorrected},
		CrossType:       Int32,
		SpectralWindows: []SpectralWindowSpec{
			{CrossPolProducts: []string{"XX", "XY", "YX", "YY"}, SDPolProducts: []string{"XX", "XY", "YY"}, ScaleFactor: 2, NumSpectralPoint: 3},
			{Baseband: "BB_2", CrossPolProducts: []string{"XX", "YY"}, SDPolProducts: []string{"XX", "YY"}, ScaleFactor: 1, NumSpectralPoint: 5},
		},
		Flags:           true,
		ActualTimes:     true,
		ActualDurations: true,
	}
}

// subsetData fills every value with a number derived from its position so
// decoded cells can be checked against the layout.
func subsetData(h *Header, k int) SubsetData {
	d := SubsetData{
		Time:     testStart + int64(k)*1_000_000_000,
		Interval: 1_000_000_000,
	}
	if a, ok := h.Attachments[AttachCrossData]; ok {
		d.Cross = make([]float64, a.Size)
		for i := range d.Cross {
			d.Cross[i] = float64(i + 1000*k)
		}
	}
	if a, ok := h.Attachments[AttachAutoData]; ok {
		d.Auto = make([]float32, a.Size)
		for i := range d.Auto {
			d.Auto[i] = float32(i) + 0.5 + float32(100*k)
		}
	}
	if a, ok := h.Attachments[AttachFlags]; ok {
		d.Flags = make([]uint32, a.Size)
		for i := range d.Flags {
			d.Flags[i] = uint32(i + k)
		}
	}
	if a, ok := h.Attachments[AttachActualDurations]; ok {
		d.ActualDurations = make([]int64, a.Size)
		d.ActualTimes = make([]int64, a.Size)
		for i := range d.ActualDurations {
			d.ActualDurations[i] = 900_000_000 + int64(i)
			d.ActualTimes[i] = d.Time + int64(i)
		}
	}
	return d
}

func writeBlob(t *testing.T, spec HeaderSpec, subsets int) (string, *Header) {
	t.Helper()
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf, spec)
	require.NoError(t, err)
	for k := 0; k < subsets; k++ {
		require.NoError(t, enc.WriteSubset(subsetData(enc.Header(), k)))
	}
	require.NoError(t, enc.Close())

	path := filepath.Join(t.TempDir(), "uid___A002_X1_X2")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path, enc.Header()
}

func expectedCross(h *Header, k, bl, spw, apc int) []complex64 {
	s := h.SpectralWindows[spw]
	var out []complex64
	for ch := 0; ch < s.NumSpectralPoint; ch++ {
		for pol := 0; pol < s.NumCrossPol(); pol++ {
			idx := h.CrossValueIndex(0, bl, spw, apc, ch, pol)
			re := float64(idx+1000*k) / s.ScaleFactor
			im := float64(idx+1+1000*k) / s.ScaleFactor
			out = append(out, complex(float32(re), float32(im)))
		}
	}
	return out
}

func TestHeaderLayout(t *testing.T) {
	h, err := NewHeader(correlatorSpec())
	require.NoError(t, err)

	assert.Equal(t, 3, h.NumBaseline())
	assert.Equal(t, 2, h.NumAPC())

	sw0, sw1 := h.SpectralWindows[0], h.SpectralWindows[1]
	assert.Equal(t, 0, sw0.CrossOffset)
	assert.Equal(t, 2*3*4*2, sw0.CrossStride)
	assert.Equal(t, 48, sw1.CrossOffset)
	assert.Equal(t, 2*5*2*2, sw1.CrossStride)
	assert.Equal(t, 0, sw0.AutoOffset)
	assert.Equal(t, 3*4, sw0.AutoStride)
	assert.Equal(t, 12, sw1.AutoOffset)
	assert.Equal(t, 5*2, sw1.AutoStride)

	assert.Equal(t, 3*88, h.Attachments[AttachCrossData].Size)
	assert.Equal(t, 3*22, h.Attachments[AttachAutoData].Size)
	assert.Equal(t, 6*2, h.Attachments[AttachFlags].Size)
	assert.Equal(t, int64(264*4+66*4+12*4+2*12*8), h.SubsetBytes())

	idx, ok := h.APCIndex(asdm.APCorrected)
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestHeaderRejectsInconsistentLayout(t *testing.T) {
	spec := correlatorSpec()
	spec.SpectralWindows[1].SDPolProducts = []string{"XX", "XY", "YX", "YY"}
	_, err := NewHeader(spec)
	assert.Error(t, err)

	spec = correlatorSpec()
	spec.NumAntenna = 0
	_, err = NewHeader(spec)
	assert.Error(t, err)

	spec = correlatorSpec()
	spec.CorrelationMode = "BOTH"
	_, err = NewHeader(spec)
	assert.Error(t, err)
}

func TestBaselineOrder(t *testing.T) {
	// for j in 1..N-1, for i in 0..j-1
	want := [][2]int{{0, 1}, {0, 2}, {1, 2}, {0, 3}, {1, 3}, {2, 3}, {0, 4}}
	for bl, pair := range want {
		assert.Equal(t, bl, Baseline(pair[0], pair[1]))
		i, j := BaselineAntennas(bl)
		assert.Equal(t, pair, [2]int{i, j})
	}
}

func TestReaderRoundTrip(t *testing.T) {
	path, _ := writeBlob(t, correlatorSpec(), 3)

	r, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()

	h := r.Header()
	assert.Equal(t, 3, h.NumAntenna)
	assert.Equal(t, asdm.CrossAndAuto, h.CorrelationMode)
	assert.Equal(t, "uid://A002/X1/X2", h.DataOID)
	assert.Equal(t, testStart, h.StartTime)
	assert.Equal(t, binary.LittleEndian, h.ByteOrder)
	require.Len(t, h.SpectralWindows, 2)
	assert.Equal(t, 2.0, h.SpectralWindows[0].ScaleFactor)
	assert.Equal(t, "BB_2", h.SpectralWindows[1].Baseband)

	require.True(t, r.HasNext())
	subsets, err := r.Next(2)
	require.NoError(t, err)
	require.Len(t, subsets, 2)

	for k, s := range subsets {
		assert.Equal(t, k, s.Index)
		assert.Equal(t, testStart+int64(k)*1_000_000_000, s.Time)
		assert.Equal(t, int64(1_000_000_000), s.Interval)

		for bl := 0; bl < 3; bl++ {
			for spw := 0; spw < 2; spw++ {
				for apc := 0; apc < 2; apc++ {
					got, err := s.CrossSpectrum(0, bl, spw, apc, nil)
					require.NoError(t, err)
					assert.Equal(t, expectedCross(h, k, bl, spw, apc), got, "bl=%d spw=%d apc=%d", bl, spw, apc)
				}
				assert.Equal(t, uint32(bl*2+spw+k), s.CrossFlag(0, bl, spw))
				dur, ok := s.CrossDuration(0, bl, spw)
				assert.True(t, ok)
				assert.Equal(t, int64(900_000_000+bl*2+spw), dur)
			}
		}
		for ant := 0; ant < 3; ant++ {
			assert.Equal(t, uint32((3+ant)*2+1+k), s.AutoFlag(0, ant, 1))
			at, ok := s.AutoTime(0, ant, 0)
			assert.True(t, ok)
			assert.Equal(t, s.Time+int64((3+ant)*2), at)
		}
	}

	// Three products: XX, Re(XY), Im(XY), YY stored per channel.
	auto, err := subsets[1].AutoSpectrum(0, 1, 0, nil)
	require.NoError(t, err)
	require.Len(t, auto, 3*3)
	base := float32(h.AutoValueIndex(0, 1, 0, 2)) + 0.5 + 100
	assert.Equal(t, complex(base, 0), auto[6])
	assert.Equal(t, complex(base+1, base+2), auto[7])
	assert.Equal(t, complex(base+3, 0), auto[8])

	auto, err = subsets[0].AutoSpectrum(0, 2, 1, nil)
	require.NoError(t, err)
	require.Len(t, auto, 5*2)
	first := float32(h.AutoValueIndex(0, 2, 1, 0)) + 0.5
	assert.Equal(t, complex(first, 0), auto[0])
	assert.Equal(t, complex(first+1, 0), auto[1])

	require.True(t, r.HasNext())
	subsets, err = r.Next(2)
	require.NoError(t, err)
	require.Len(t, subsets, 1)
	assert.Equal(t, 2, subsets[0].Index)
	got, err := subsets[0].CrossSpectrum(0, 0, 0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, expectedCross(h, 2, 0, 0, 0), got)

	assert.False(t, r.HasNext())
	_, err = r.Next(1)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderLazyLocations(t *testing.T) {
	path, _ := writeBlob(t, correlatorSpec(), 2)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	r, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()
	h := r.Header()

	subsets, err := r.NextLazy(5)
	require.NoError(t, err)
	require.Len(t, subsets, 2)

	for k, s := range subsets {
		assert.False(t, s.Loaded(AttachCrossData))
		assert.False(t, s.Loaded(AttachAutoData))
		assert.True(t, s.Loaded(AttachFlags))
		_, err := s.CrossSpectrum(0, 0, 0, 0, nil)
		assert.ErrorIs(t, err, ErrIO)

		for bl := 0; bl < 3; bl++ {
			for spw := 0; spw < 2; spw++ {
				for apc := 0; apc < 2; apc++ {
					loc, ok := s.CrossRange(0, bl, spw, apc)
					require.True(t, ok)
					cell := raw[loc.Offset : loc.Offset+loc.Length]
					got := DecodeCross(cell, Int32, binary.LittleEndian, h.SpectralWindows[spw].ScaleFactor, nil)
					assert.Equal(t, expectedCross(h, k, bl, spw, apc), got)
				}
			}
		}

		loc, ok := s.AutoRange(0, 0, 1)
		require.True(t, ok)
		got := DecodeAuto(raw[loc.Offset:loc.Offset+loc.Length], binary.LittleEndian, 2, nil)
		first := float32(h.AutoValueIndex(0, 0, 1, 0)) + 0.5 + float32(100*k)
		assert.Equal(t, complex(first, 0), got[0])
	}
}

func TestReaderBigEndianInt16(t *testing.T) {
	spec := correlatorSpec()
	spec.ByteOrder = binary.BigEndian
	spec.CrossType = Int16
	spec.APC = nil
	path, _ := writeBlob(t, spec, 1)

	r, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, binary.BigEndian, r.Header().ByteOrder)
	assert.Equal(t, 1, r.Header().NumAPC())

	subsets, err := r.Next(1)
	require.NoError(t, err)
	got, err := subsets[0].CrossSpectrum(0, 2, 1, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, expectedCross(r.Header(), 0, 2, 1, 0), got)
}

func TestReaderRadiometer(t *testing.T) {
	spec := HeaderSpec{
		StartTime:       testStart,
		DataOID:         "uid://A002/X1/X3",
		NumAntenna:      2,
		NumTime:         4,
		CorrelationMode: asdm.AutoOnly,
		ProcessorType:   asdm.Radiometer,
		SpectralWindows: []SpectralWindowSpec{
			{SDPolProducts: []string{"XX", "XY", "YY"}, NumSpectralPoint: 2},
		},
		Flags: true,
	}
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf, spec)
	require.NoError(t, err)
	d := subsetData(enc.Header(), 0)
	d.Time = testStart + 2_000_000_000
	d.Interval = 4_000_000_000
	require.NoError(t, enc.WriteSubset(d))
	require.NoError(t, enc.Close())
	path := filepath.Join(t.TempDir(), "radiometer")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	r, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, 4, r.IntegrationsPerSlice(1))
	subsets, err := r.Next(r.IntegrationsPerSlice(1))
	require.NoError(t, err)
	require.Len(t, subsets, 1)
	s := subsets[0]
	assert.Equal(t, 4, s.Integrations())

	mid, step := s.IntegrationTime(0)
	assert.Equal(t, testStart+500_000_000, mid)
	assert.Equal(t, int64(1_000_000_000), step)
	mid, _ = s.IntegrationTime(3)
	assert.Equal(t, testStart+3_500_000_000, mid)

	auto, err := s.AutoSpectrum(2, 1, 0, nil)
	require.NoError(t, err)
	require.Len(t, auto, 6)
	base := float32(r.Header().AutoValueIndex(2, 1, 0, 1)) + 0.5
	assert.Equal(t, complex(base+1, base+2), auto[4])

	assert.Equal(t, uint32(2*2+1), s.AutoFlag(2, 1, 0))
	assert.False(t, r.HasNext())
}

func TestIntegrationsPerSlice(t *testing.T) {
	path, h := writeBlob(t, correlatorSpec(), 1)
	r, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()

	per := h.SubsetBytes()
	assert.Equal(t, 1, r.IntegrationsPerSlice(100))
	assert.Equal(t, 1, r.IntegrationsPerSlice(per))
	assert.Equal(t, 3, r.IntegrationsPerSlice(per*3+10))
}

func TestReaderTruncated(t *testing.T) {
	tests := []struct {
		name string
		cut  int
		lazy bool
	}{
		{"closing delimiter", 10, false},
		{"inside autoData", 40, false},
		{"inside autoData lazy", 40, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, _ := writeBlob(t, correlatorSpec(), 1)
			info, err := os.Stat(path)
			require.NoError(t, err)
			require.NoError(t, os.Truncate(path, info.Size()-int64(tt.cut)))

			r, err := Open(path, zerolog.Nop())
			require.NoError(t, err)
			defer r.Close()

			if tt.lazy {
				_, err = r.NextLazy(1)
			} else {
				_, err = r.Next(1)
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTruncatedData)
		})
	}
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "missing"), zerolog.Nop())
	assert.ErrorIs(t, err, ErrIO)

	notMIME := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(notMIME, []byte("hello\r\n\r\nbody"), 0o644))
	_, err = Open(notMIME, zerolog.Nop())
	assert.ErrorIs(t, err, ErrIO)

	path, _ := writeBlob(t, correlatorSpec(), 1)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	bad := bytes.Replace(raw, []byte("<numAntenna>3</numAntenna>"), []byte("<numAntenna>4</numAntenna>"), 1)
	require.NotEqual(t, raw, bad)
	badPath := filepath.Join(dir, "bad")
	require.NoError(t, os.WriteFile(badPath, bad, 0o644))
	_, err = Open(badPath, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIO))
	assert.Contains(t, err.Error(), "layout needs")
}

func TestCloseIdempotent(t *testing.T) {
	path, _ := writeBlob(t, correlatorSpec(), 1)
	r, err := Open(path, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.False(t, r.HasNext())
	_, err = r.Next(1)
	assert.ErrorIs(t, err, ErrIO)
}

func TestEncoderRejectsWrongLength(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf, correlatorSpec())
	require.NoError(t, err)
	err = enc.WriteSubset(SubsetData{Cross: []float64{1, 2, 3}})
	assert.Error(t, err)
}
