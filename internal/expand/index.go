package expand

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/basekick-labs/asdm2ms/internal/bdf"
)

// Index file layout:
//
//	[4 bytes magic "ALZI"][2 bytes version BE][4 bytes payload length BE]
//	[payload: zstd(msgpack(indexFile))][4 bytes CRC32 of payload BE]
var IndexMagic = []byte("ALZI")

const (
	IndexVersion    uint16 = 1
	indexHeaderSize        = 10
)

// BlobInfo is what a reader needs to decode bytes of one blob without
// parsing its header again.
type BlobInfo struct {
	Path      string `msgpack:"path"`
	ByteOrder string `msgpack:"order"`
	CrossType string `msgpack:"cross_type"`
}

// IndexEntry locates the samples of one MAIN row.
type IndexEntry struct {
	Blob       int32   `msgpack:"b"`
	Auto       bool    `msgpack:"a"`
	Offset     int64   `msgpack:"o"`
	Length     int64   `msgpack:"l"`
	Scale      float64 `msgpack:"s"`
	NumChan    int32   `msgpack:"c"`
	RawCorr    int32   `msgpack:"r"`
	OutCorr    int32   `msgpack:"p"`
	DataDescID int32   `msgpack:"d"`
	FlagRow    bool    `msgpack:"f"`
}

type indexFile struct {
	RunID   string       `msgpack:"run_id"`
	Variant string       `msgpack:"variant"`
	Blobs   []BlobInfo   `msgpack:"blobs"`
	Entries []IndexEntry `msgpack:"entries"`
}

// Index is the lazy index of one output variant. Entries are in MAIN row
// order.
type Index struct {
	RunID   string
	Variant string
	Blobs   []BlobInfo
	Entries []IndexEntry

	blobIDs   map[string]int32
	finalized bool
}

// NewIndex creates an empty index.
func NewIndex(runID, variant string) *Index {
	return &Index{RunID: runID, Variant: variant, blobIDs: make(map[string]int32)}
}

// Blob returns the blob table position of info.Path, adding it if new.
func (x *Index) Blob(info BlobInfo) (int32, error) {
	if x.finalized {
		return 0, fmt.Errorf("%w: index %s already finalized", ErrState, x.Variant)
	}
	if id, ok := x.blobIDs[info.Path]; ok {
		return id, nil
	}
	id := int32(len(x.Blobs))
	x.Blobs = append(x.Blobs, info)
	x.blobIDs[info.Path] = id
	return id, nil
}

// AppendIndex adds entries. It fails with ErrState once the index is finalized.
func (x *Index) AppendIndex(entries ...IndexEntry) error {
	if x.finalized {
		return fmt.Errorf("%w: append to finalized index %s", ErrState, x.Variant)
	}
	for _, e := range entries {
		if e.Blob < 0 || int(e.Blob) >= len(x.Blobs) {
			return fmt.Errorf("%w: entry refers to blob %d of %d", ErrState, e.Blob, len(x.Blobs))
		}
	}
	x.Entries = append(x.Entries, entries...)
	return nil
}

// Len returns the number of entries.
func (x *Index) Len() int {
	return len(x.Entries)
}

// Finalized reports whether Finalize has run.
func (x *Index) Finalized() bool {
	return x.finalized
}

// Finalize writes the durable form to w. It succeeds once.
func (x *Index) Finalize(w io.Writer) error {
	if x.finalized {
		return fmt.Errorf("%w: index %s finalized twice", ErrState, x.Variant)
	}
	x.finalized = true

	packed, err := msgpack.Marshal(&indexFile{
		RunID:   x.RunID,
		Variant: x.Variant,
		Blobs:   x.Blobs,
		Entries: x.Entries,
	})
	if err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	payload := enc.EncodeAll(packed, nil)
	enc.Close()

	buf := make([]byte, 0, indexHeaderSize+len(payload)+4)
	buf = append(buf, IndexMagic...)
	buf = binary.BigEndian.AppendUint16(buf, IndexVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(payload))

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	return nil
}

// ReadIndex decodes an index written by Finalize. The result is finalized.
func ReadIndex(r io.Reader) (*Index, error) {
	header := make([]byte, indexHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read index header: %w", err)
	}
	if !bytes.Equal(header[0:4], IndexMagic) {
		return nil, fmt.Errorf("invalid index magic bytes")
	}
	if v := binary.BigEndian.Uint16(header[4:6]); v != IndexVersion {
		return nil, fmt.Errorf("unsupported index version %d", v)
	}
	payloadLen := binary.BigEndian.Uint32(header[6:10])

	// ReadAll grows with the input, so a corrupt length cannot force a
	// large allocation.
	payload, err := io.ReadAll(io.LimitReader(r, int64(payloadLen)))
	if err != nil {
		return nil, fmt.Errorf("failed to read index payload: %w", err)
	}
	if uint32(len(payload)) != payloadLen {
		return nil, fmt.Errorf("index payload truncated: header says %d bytes, got %d", payloadLen, len(payload))
	}
	trailer := make([]byte, 4)
	if _, err := io.ReadFull(r, trailer); err != nil {
		return nil, fmt.Errorf("failed to read index checksum: %w", err)
	}
	expected := binary.BigEndian.Uint32(trailer)
	if actual := crc32.ChecksumIEEE(payload); actual != expected {
		return nil, fmt.Errorf("index checksum mismatch: expected %d, got %d", expected, actual)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()
	packed, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress index: %w", err)
	}

	var f indexFile
	if err := msgpack.Unmarshal(packed, &f); err != nil {
		return nil, fmt.Errorf("failed to decode index: %w", err)
	}
	x := &Index{
		RunID:     f.RunID,
		Variant:   f.Variant,
		Blobs:     f.Blobs,
		Entries:   f.Entries,
		blobIDs:   make(map[string]int32, len(f.Blobs)),
		finalized: true,
	}
	for i, b := range f.Blobs {
		x.blobIDs[b.Path] = int32(i)
	}
	return x, nil
}

// ReadSamples decodes the samples of entry i from its blob, expanded to
// OutCorr products per channel.
func (x *Index) ReadSamples(i int, blob io.ReaderAt) ([]complex64, error) {
	if i < 0 || i >= len(x.Entries) {
		return nil, fmt.Errorf("index entry %d out of range [0, %d)", i, len(x.Entries))
	}
	e := x.Entries[i]
	if int(e.Blob) >= len(x.Blobs) {
		return nil, fmt.Errorf("%w: entry %d refers to blob %d of %d", ErrState, i, e.Blob, len(x.Blobs))
	}
	info := x.Blobs[e.Blob]
	order, err := bdf.ParseByteOrder(info.ByteOrder)
	if err != nil {
		return nil, err
	}

	if e.Offset < 0 || e.Length < 0 {
		return nil, fmt.Errorf("%w: entry %d has offset %d and length %d", ErrState, i, e.Offset, e.Length)
	}
	raw, err := io.ReadAll(io.NewSectionReader(blob, e.Offset, e.Length))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %d bytes at %d of %s: %v", bdf.ErrTruncatedData, e.Length, e.Offset, info.Path, err)
	}
	if int64(len(raw)) != e.Length {
		return nil, fmt.Errorf("%w: %s has %d of %d bytes at %d", bdf.ErrTruncatedData, info.Path, len(raw), e.Length, e.Offset)
	}

	var samples []complex64
	if !e.Auto && bdf.PrimitiveType(info.CrossType).Size() == 0 {
		return nil, fmt.Errorf("%w: unknown cross data type %q", ErrShapeMismatch, info.CrossType)
	}
	if e.Auto {
		samples = bdf.DecodeAuto(raw, order, int(e.RawCorr), nil)
	} else {
		samples = bdf.DecodeCross(raw, bdf.PrimitiveType(info.CrossType), order, e.Scale, nil)
	}
	if len(samples) != int(e.NumChan*e.RawCorr) {
		return nil, fmt.Errorf("%w: entry %d decodes to %d values, want %d", ErrShapeMismatch, i, len(samples), e.NumChan*e.RawCorr)
	}
	if e.RawCorr == 3 && e.OutCorr == 4 {
		return ExpandPolarizations(samples, int(e.NumChan))
	}
	return samples, nil
}
