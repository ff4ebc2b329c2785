package expand

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/asdm2ms/internal/asdm"
	"github.com/basekick-labs/asdm2ms/internal/asdm/asdmtest"
	"github.com/basekick-labs/asdm2ms/internal/bdf"
	"github.com/basekick-labs/asdm2ms/internal/selection"
)

// stripSamples drops what only one of the two paths fills.
func stripSamples(recs []VisibilityRecord) []VisibilityRecord {
	out := make([]VisibilityRecord, len(recs))
	for i, r := range recs {
		r.Data, r.Flag, r.Ref = nil, nil, nil
		out[i] = r
	}
	return out
}

// fullPolarization is Base with a four product polarization fed by blobs
// carrying three products.
func fullPolarization() (*asdmtest.Builder, bdf.HeaderSpec) {
	cd := asdmtest.StandardConfig()
	cd.DataDescriptionIDs = []int{1}
	b := asdmtest.Base().
		AddPolarization(asdm.Polarization{ID: 1, CorrTypes: []string{"XX", "XY", "YX", "YY"}}).
		AddDataDescription(asdm.DataDescription{ID: 1, PolarizationID: 1, SpectralWindowID: 0}).
		AddConfigDescription(cd).
		AddMain(asdmtest.StandardMain(testUID))

	spec := correlatorSpec()
	spec.CrossType = bdf.Int16
	spec.SpectralWindows[0].CrossPolProducts = []string{"XX", "XY", "YY"}
	spec.SpectralWindows[0].SDPolProducts = []string{"XX", "XY", "YY"}
	spec.SpectralWindows[0].ScaleFactor = 4
	return b, spec
}

func TestLazyIndexBuilder_MatchesRowExpander(t *testing.T) {
	fullB, fullSpec := fullPolarization()
	cases := []struct {
		name string
		b    *asdmtest.Builder
		spec bdf.HeaderSpec
		corr int
	}{
		{"two products", asdmtest.Standard(testUID), correlatorSpec(), 2},
		{"three products expanded", fullB, fullSpec, 4},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.b, tc.spec, 2)
			opts := selection.Options{WVRCorrectedData: "both"}

			eager := map[selection.Variant][]VisibilityRecord{}
			eOut, err := NewRowExpander(f.deps(t, opts), Options{SliceBudget: 1}).
				ExpandRow(context.Background(), f.ds.MainRows()[0], collect(eager))
			require.NoError(t, err)

			lb := NewLazyIndexBuilder(f.deps(t, opts), Options{SliceBudget: 1}, "run-1")
			lazy := map[selection.Variant][]VisibilityRecord{}
			lOut, err := lb.ExpandRow(context.Background(), f.ds.MainRows()[0], collect(lazy))
			require.NoError(t, err)
			assert.Equal(t, eOut.Records, lOut.Records)
			assert.Equal(t, eOut.Slices, lOut.Slices)

			blob, err := os.Open(f.blob)
			require.NoError(t, err)
			defer blob.Close()

			for _, v := range selection.AllVariants {
				require.Len(t, lazy[v], 6)
				assert.Equal(t, stripSamples(eager[v]), stripSamples(lazy[v]))

				x := lb.Index(v)
				require.NotNil(t, x)
				require.Equal(t, len(eager[v]), x.Len())
				require.Len(t, x.Blobs, 1)
				assert.Equal(t, f.blob, x.Blobs[0].Path)

				for i, rec := range eager[v] {
					assert.Nil(t, lazy[v][i].Data)
					assert.Equal(t, *lazy[v][i].Ref, x.Entries[i])
					assert.Equal(t, rec.FlagRow, x.Entries[i].FlagRow)
					assert.EqualValues(t, tc.corr, x.Entries[i].OutCorr)

					samples, err := x.ReadSamples(i, blob)
					require.NoError(t, err)
					assert.Equal(t, rec.Data, samples, "variant %s entry %d", v, i)
				}
			}
		})
	}
}

func TestIndex_FinalizeRoundTrip(t *testing.T) {
	f := newFixture(t, asdmtest.Standard(testUID), correlatorSpec(), 2)
	lb := NewLazyIndexBuilder(f.deps(t, selection.Options{}), Options{}, "run-7")
	_, err := lb.ExpandRow(context.Background(), f.ds.MainRows()[0], collect(map[selection.Variant][]VisibilityRecord{}))
	require.NoError(t, err)
	assert.Nil(t, lb.Index(selection.Corrected))

	var buf bytes.Buffer
	require.NoError(t, lb.Finalize(selection.Uncorrected, &buf))
	assert.Equal(t, IndexMagic, buf.Bytes()[:4])

	x, err := ReadIndex(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	orig := lb.Index(selection.Uncorrected)
	assert.Equal(t, "run-7", x.RunID)
	assert.Equal(t, "uncorrected", x.Variant)
	assert.Equal(t, orig.Blobs, x.Blobs)
	assert.Equal(t, orig.Entries, x.Entries)
	assert.True(t, x.Finalized())

	// finalized once, no appends afterwards
	assert.ErrorIs(t, lb.Finalize(selection.Uncorrected, &buf), ErrState)
	assert.ErrorIs(t, lb.AppendIndex(selection.Uncorrected, IndexEntry{}), ErrState)
	assert.ErrorIs(t, x.AppendIndex(IndexEntry{}), ErrState)
	_, err = lb.ExpandRow(context.Background(), f.ds.MainRows()[0], collect(map[selection.Variant][]VisibilityRecord{}))
	assert.ErrorIs(t, err, ErrState)

	assert.ErrorIs(t, lb.AppendIndex(selection.Corrected), ErrState)
}

func TestReadIndex_Corrupt(t *testing.T) {
	x := NewIndex("run", "uncorrected")
	id, err := x.Blob(BlobInfo{Path: "a.bdf", ByteOrder: "Little_Endian", CrossType: string(bdf.Int32)})
	require.NoError(t, err)
	require.NoError(t, x.AppendIndex(IndexEntry{Blob: id, Offset: 10, Length: 16, NumChan: 1, RawCorr: 2, OutCorr: 2}))
	assert.ErrorIs(t, x.AppendIndex(IndexEntry{Blob: 3}), ErrState)

	var buf bytes.Buffer
	require.NoError(t, x.Finalize(&buf))
	good := buf.Bytes()

	bad := append([]byte(nil), good...)
	bad[len(bad)-1] ^= 0xff
	_, err = ReadIndex(bytes.NewReader(bad))
	assert.ErrorContains(t, err, "checksum")

	bad = append([]byte(nil), good...)
	copy(bad, "NOPE")
	_, err = ReadIndex(bytes.NewReader(bad))
	assert.ErrorContains(t, err, "magic")

	_, err = ReadIndex(bytes.NewReader(good[:len(good)-2]))
	assert.Error(t, err)

	// length near 2^32 with a handful of bytes behind it
	huge := append([]byte(nil), good[:indexHeaderSize]...)
	binary.BigEndian.PutUint32(huge[6:10], 0xFFFFFFFE)
	huge = append(huge, 1, 2, 3, 4, 5, 6)
	_, err = ReadIndex(bytes.NewReader(huge))
	assert.ErrorContains(t, err, "truncated")

	// payload intact, checksum missing
	_, err = ReadIndex(bytes.NewReader(good[:len(good)-4]))
	assert.ErrorContains(t, err, "checksum")
}

func TestIndex_ReadSamplesBounds(t *testing.T) {
	x := NewIndex("run", "uncorrected")
	id, err := x.Blob(BlobInfo{Path: "a.bdf", ByteOrder: "Little_Endian", CrossType: string(bdf.Float32)})
	require.NoError(t, err)
	require.NoError(t, x.AppendIndex(IndexEntry{Blob: id, Offset: 4, Length: 8, NumChan: 1, RawCorr: 1, OutCorr: 1, Scale: 1}))

	_, err = x.ReadSamples(1, bytes.NewReader(nil))
	assert.Error(t, err)

	_, err = x.ReadSamples(0, bytes.NewReader(make([]byte, 6)))
	assert.ErrorIs(t, err, bdf.ErrTruncatedData)

	samples, err := x.ReadSamples(0, bytes.NewReader(make([]byte, 12)))
	require.NoError(t, err)
	assert.Equal(t, []complex64{0}, samples)

	// entries decoded from a damaged index
	x.Entries = append(x.Entries,
		IndexEntry{Blob: id, Offset: 0, Length: -8, NumChan: 1, RawCorr: 1, OutCorr: 1, Scale: 1},
		IndexEntry{Blob: id, Offset: -1, Length: 8, NumChan: 1, RawCorr: 1, OutCorr: 1, Scale: 1},
		IndexEntry{Blob: id, Offset: 4, Length: 1 << 62, NumChan: 1, RawCorr: 1, OutCorr: 1, Scale: 1},
	)
	_, err = x.ReadSamples(1, bytes.NewReader(make([]byte, 12)))
	assert.ErrorIs(t, err, ErrState)
	_, err = x.ReadSamples(2, bytes.NewReader(make([]byte, 12)))
	assert.ErrorIs(t, err, ErrState)
	_, err = x.ReadSamples(3, bytes.NewReader(make([]byte, 12)))
	assert.ErrorIs(t, err, bdf.ErrTruncatedData)
}
