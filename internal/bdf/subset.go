package bdf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Location is a byte range inside the blob file.
type Location struct {
	Offset int64
	Length int64
}

// Subset is one decoded slice of a blob: the samples of one integration
// (correlator) or of all integrations (radiometer). A Subset and its
// payloads belong to the Reader and are overwritten by its next read.
type Subset struct {
	Index       int   // position in the blob
	Time        int64 // midpoint, ns since MJD 0
	Interval    int64 // ns
	ProjectPath string

	header    *Header
	blob      string
	payloads  map[string][]byte
	locations map[string]Location
}

func (s *Subset) reset(h *Header, index int, blob string) {
	s.Index = index
	s.Time, s.Interval, s.ProjectPath = 0, 0, ""
	s.header = h
	s.blob = blob
	if s.payloads == nil {
		s.payloads = make(map[string][]byte)
		s.locations = make(map[string]Location)
	}
	for k, v := range s.payloads {
		s.payloads[k] = v[:0]
	}
	for k := range s.locations {
		delete(s.locations, k)
	}
}

func (s *Subset) buffer(name string, n int) []byte {
	buf := s.payloads[name]
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	s.payloads[name] = buf
	return buf
}

func (s *Subset) setLocation(name string, loc Location) {
	s.locations[name] = loc
}

// Header returns the header of the blob the subset came from.
func (s *Subset) Header() *Header { return s.header }

// Blob returns the path of the blob the subset came from.
func (s *Subset) Blob() string { return s.blob }

// Location returns where an attachment's payload sits in the blob.
func (s *Subset) Location(name string) (Location, bool) {
	loc, ok := s.locations[name]
	return loc, ok
}

// Loaded reports whether an attachment's payload is in memory.
func (s *Subset) Loaded(name string) bool {
	return len(s.payloads[name]) > 0
}

// Integrations is the number of integrations in the subset.
func (s *Subset) Integrations() int {
	return s.header.IntegrationsPerSubset()
}

// IntegrationTime returns the midpoint and duration of integration k.
func (s *Subset) IntegrationTime(k int) (int64, int64) {
	n := int64(s.Integrations())
	if n <= 1 {
		return s.Time, s.Interval
	}
	step := s.Interval / n
	start := s.Time - s.Interval/2
	return start + int64(k)*step + step/2, step
}

// CrossSpectrum decodes the cross spectrum of one (baseline, spectral
// window, apc) cell into dst as channel-major complex values.
func (s *Subset) CrossSpectrum(tim, bl, spw, apc int, dst []complex64) ([]complex64, error) {
	raw, err := s.crossBytes(tim, bl, spw, apc)
	if err != nil {
		return nil, err
	}
	a := s.header.Attachments[AttachCrossData]
	return DecodeCross(raw, a.Type, s.header.ByteOrder, s.header.SpectralWindows[spw].ScaleFactor, dst), nil
}

func (s *Subset) crossBytes(tim, bl, spw, apc int) ([]byte, error) {
	payload := s.payloads[AttachCrossData]
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: crossData not loaded", ErrIO)
	}
	width := s.header.Attachments[AttachCrossData].Type.Size()
	idx, n := s.header.CrossBlock(tim, bl, spw, apc)
	lo, hi := idx*width, (idx+n)*width
	if lo < 0 || hi > len(payload) {
		return nil, fmt.Errorf("%w: cross cell (%d,%d,%d) outside payload", ErrTruncatedData, bl, spw, apc)
	}
	return payload[lo:hi], nil
}

// AutoSpectrum decodes the autocorrelation spectrum of one (antenna,
// spectral window) cell into dst, NumAutoPol products per channel.
func (s *Subset) AutoSpectrum(tim, ant, spw int, dst []complex64) ([]complex64, error) {
	payload := s.payloads[AttachAutoData]
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: autoData not loaded", ErrIO)
	}
	idx, n := s.header.AutoBlock(tim, ant, spw)
	lo, hi := idx*4, (idx+n)*4
	if lo < 0 || hi > len(payload) {
		return nil, fmt.Errorf("%w: auto cell (%d,%d) outside payload", ErrTruncatedData, ant, spw)
	}
	return DecodeAuto(payload[lo:hi], s.header.ByteOrder, s.header.SpectralWindows[spw].NumAutoPol(), dst), nil
}

// CrossRange returns the file range of one cross cell.
func (s *Subset) CrossRange(tim, bl, spw, apc int) (Location, bool) {
	loc, ok := s.locations[AttachCrossData]
	if !ok {
		return Location{}, false
	}
	width := int64(s.header.Attachments[AttachCrossData].Type.Size())
	idx, n := s.header.CrossBlock(tim, bl, spw, apc)
	return Location{Offset: loc.Offset + int64(idx)*width, Length: int64(n) * width}, true
}

// AutoRange returns the file range of one auto cell.
func (s *Subset) AutoRange(tim, ant, spw int) (Location, bool) {
	loc, ok := s.locations[AttachAutoData]
	if !ok {
		return Location{}, false
	}
	idx, n := s.header.AutoBlock(tim, ant, spw)
	return Location{Offset: loc.Offset + int64(idx)*4, Length: int64(n) * 4}, true
}

// CrossFlag returns the flag word of a cross cell, zero when the blob has no flags.
func (s *Subset) CrossFlag(tim, bl, spw int) uint32 {
	return s.uint32At(AttachFlags, s.header.crossSlot(tim, bl, spw))
}

// AutoFlag returns the flag word of an auto cell, zero when the blob has no flags.
func (s *Subset) AutoFlag(tim, ant, spw int) uint32 {
	return s.uint32At(AttachFlags, s.header.autoSlot(tim, ant, spw))
}

// CrossDuration returns the actual duration (ns) of a cross cell.
func (s *Subset) CrossDuration(tim, bl, spw int) (int64, bool) {
	return s.int64At(AttachActualDurations, s.header.crossSlot(tim, bl, spw))
}

// AutoDuration returns the actual duration (ns) of an auto cell.
func (s *Subset) AutoDuration(tim, ant, spw int) (int64, bool) {
	return s.int64At(AttachActualDurations, s.header.autoSlot(tim, ant, spw))
}

// CrossTime returns the actual time (ns) of a cross cell.
func (s *Subset) CrossTime(tim, bl, spw int) (int64, bool) {
	return s.int64At(AttachActualTimes, s.header.crossSlot(tim, bl, spw))
}

// AutoTime returns the actual time (ns) of an auto cell.
func (s *Subset) AutoTime(tim, ant, spw int) (int64, bool) {
	return s.int64At(AttachActualTimes, s.header.autoSlot(tim, ant, spw))
}

func (s *Subset) uint32At(name string, slot int) uint32 {
	p := s.payloads[name]
	if (slot+1)*4 > len(p) || slot < 0 {
		return 0
	}
	return s.header.ByteOrder.Uint32(p[slot*4:])
}

func (s *Subset) int64At(name string, slot int) (int64, bool) {
	p := s.payloads[name]
	if (slot+1)*8 > len(p) || slot < 0 {
		return 0, false
	}
	return int64(s.header.ByteOrder.Uint64(p[slot*8:])), true
}

// DecodeCross converts raw cross values (re, im pairs of type t) into
// complex values divided by scale.
func DecodeCross(raw []byte, t PrimitiveType, order binary.ByteOrder, scale float64, dst []complex64) []complex64 {
	width := t.Size()
	n := len(raw) / width / 2
	dst = grow(dst, n)
	if scale == 0 {
		scale = 1
	}
	value := func(i int) float64 {
		b := raw[i*width:]
		switch t {
		case Int16:
			return float64(int16(order.Uint16(b)))
		case Int32:
			return float64(int32(order.Uint32(b)))
		default:
			return float64(math.Float32frombits(order.Uint32(b)))
		}
	}
	for i := 0; i < n; i++ {
		re := value(2*i) / scale
		im := value(2*i+1) / scale
		dst[i] = complex(float32(re), float32(im))
	}
	return dst
}

// DecodeAuto converts raw autocorrelation floats into complex products.
// With three products the stored XX, Re(XY), Im(XY), YY become XX, XY, YY.
func DecodeAuto(raw []byte, order binary.ByteOrder, numAutoPol int, dst []complex64) []complex64 {
	width := autoWidth(numAutoPol)
	floats := len(raw) / 4
	if width == 0 {
		return dst[:0]
	}
	nChan := floats / width
	dst = grow(dst, nChan*numAutoPol)
	f := func(i int) float32 { return math.Float32frombits(order.Uint32(raw[i*4:])) }
	for ch := 0; ch < nChan; ch++ {
		base := ch * width
		out := ch * numAutoPol
		if numAutoPol == 3 {
			dst[out] = complex(f(base), 0)
			dst[out+1] = complex(f(base+1), f(base+2))
			dst[out+2] = complex(f(base+3), 0)
			continue
		}
		for p := 0; p < numAutoPol; p++ {
			dst[out+p] = complex(f(base+p), 0)
		}
	}
	return dst
}

func grow(dst []complex64, n int) []complex64 {
	if cap(dst) < n {
		return make([]complex64, n)
	}
	return dst[:n]
}
