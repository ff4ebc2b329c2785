// Package bdf reads and writes binary data files (BDF): the MIME multipart
// blobs holding the correlator and radiometer samples of one Main row.
package bdf

import (
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/basekick-labs/asdm2ms/internal/asdm"
)

// PrimitiveType is the storage type of a binary attachment.
type PrimitiveType string

const (
	Int16   PrimitiveType = "INT16_TYPE"
	Int32   PrimitiveType = "INT32_TYPE"
	Int64   PrimitiveType = "INT64_TYPE"
	Float32 PrimitiveType = "FLOAT32_TYPE"
)

// Size returns the width in bytes of one value.
func (t PrimitiveType) Size() int {
	switch t {
	case Int16:
		return 2
	case Int32, Float32:
		return 4
	case Int64:
		return 8
	}
	return 0
}

// Attachment names, also the basename of each binary part's Content-Location.
const (
	AttachFlags           = "flags"
	AttachActualTimes     = "actualTimes"
	AttachActualDurations = "actualDurations"
	AttachCrossData       = "crossData"
	AttachAutoData        = "autoData"
)

var attachmentTypes = map[string]PrimitiveType{
	AttachFlags:           Int32,
	AttachActualTimes:     Int64,
	AttachActualDurations: Int64,
	AttachAutoData:        Float32,
}

// Attachment describes one binary part present in every subset.
type Attachment struct {
	Name string
	Size int // values per subset
	Axes []string
	Type PrimitiveType
}

// Bytes returns the byte length of the attachment in one subset.
func (a Attachment) Bytes() int64 {
	return int64(a.Size) * int64(a.Type.Size())
}

// HasAxis reports whether axis is part of the attachment layout.
func (a Attachment) HasAxis(axis string) bool {
	for _, x := range a.Axes {
		if x == axis {
			return true
		}
	}
	return false
}

// SpectralWindow is one spectral window of the data structure, with its
// strides inside a baseline (cross) or antenna (auto) block.
type SpectralWindow struct {
	Baseband         string
	SW               int
	CrossPolProducts []string
	SDPolProducts    []string
	ScaleFactor      float64
	NumSpectralPoint int
	NumBin           int
	Sideband         string

	// Offsets and strides are counted in primitive values.
	CrossOffset int
	CrossStride int
	AutoOffset  int
	AutoStride  int
}

// NumCrossPol is the number of cross-correlation products.
func (s *SpectralWindow) NumCrossPol() int { return len(s.CrossPolProducts) }

// NumAutoPol is the number of autocorrelation products.
func (s *SpectralWindow) NumAutoPol() int { return len(s.SDPolProducts) }

// autoWidth is the number of floats stored per channel of autocorrelation:
// three products are stored as XX, Re(XY), Im(XY), YY.
func autoWidth(numSDPol int) int {
	if numSDPol == 3 {
		return 4
	}
	return numSDPol
}

// Header is the decoded sdmDataHeader of a blob.
type Header struct {
	ByteOrder          binary.ByteOrder
	StartTime          int64
	DataOID            string
	ExecBlock          string
	NumAntenna         int
	NumTime            int // > 0 when every integration sits in one subset
	CorrelationMode    asdm.CorrelationMode
	SpectralResolution asdm.SpectralResolutionType
	ProcessorType      asdm.ProcessorType
	APC                []asdm.AtmPhaseCorrection
	SpectralWindows    []*SpectralWindow
	Attachments        map[string]Attachment

	numAPC           int
	crossPerBaseline int
	autoPerAntenna   int
}

// NumBaseline is the number of cross baselines, N(N-1)/2.
func (h *Header) NumBaseline() int {
	return h.NumAntenna * (h.NumAntenna - 1) / 2
}

// IntegrationsPerSubset is the number of integrations carried by each subset.
func (h *Header) IntegrationsPerSubset() int {
	if h.NumTime > 0 {
		return h.NumTime
	}
	return 1
}

// NumAPC is the length of the APC axis of crossData.
func (h *Header) NumAPC() int {
	return h.numAPC
}

// APCIndex returns the position of apc on the crossData APC axis.
func (h *Header) APCIndex(apc asdm.AtmPhaseCorrection) (int, bool) {
	for i, a := range h.APC[:h.numAPC] {
		if a == apc {
			return i, true
		}
	}
	return 0, false
}

// SubsetBytes is the payload size of one subset summed over all attachments.
func (h *Header) SubsetBytes() int64 {
	var n int64
	for _, a := range h.Attachments {
		n += a.Bytes()
	}
	return n
}

// flagSlots is the number of flag words per integration and spectral window.
func (h *Header) flagSlots() int {
	n := 0
	if h.CorrelationMode.HasCross() {
		n += h.NumBaseline()
	}
	if h.CorrelationMode.HasAuto() {
		n += h.NumAntenna
	}
	return n
}

// CrossValueIndex locates one complex cross value (its real part) in the
// crossData payload of a subset, bin 0.
func (h *Header) CrossValueIndex(tim, bl, spw, apc, ch, pol int) int {
	s := h.SpectralWindows[spw]
	base := (tim*h.NumBaseline()+bl)*h.crossPerBaseline + s.CrossOffset
	return base + ((apc*s.NumSpectralPoint+ch)*s.NumCrossPol()+pol)*2
}

// AutoValueIndex locates the first float of one channel of autocorrelation
// in the autoData payload of a subset, bin 0.
func (h *Header) AutoValueIndex(tim, ant, spw, ch int) int {
	s := h.SpectralWindows[spw]
	base := (tim*h.NumAntenna+ant)*h.autoPerAntenna + s.AutoOffset
	return base + ch*autoWidth(s.NumAutoPol())
}

// CrossBlock returns the value index and value count of the cross spectrum
// of one (baseline, spectral window, apc) cell.
func (h *Header) CrossBlock(tim, bl, spw, apc int) (int, int) {
	s := h.SpectralWindows[spw]
	return h.CrossValueIndex(tim, bl, spw, apc, 0, 0), s.NumSpectralPoint * s.NumCrossPol() * 2
}

// AutoBlock returns the value index and value count of the autocorrelation
// spectrum of one (antenna, spectral window) cell.
func (h *Header) AutoBlock(tim, ant, spw int) (int, int) {
	s := h.SpectralWindows[spw]
	return h.AutoValueIndex(tim, ant, spw, 0), s.NumSpectralPoint * autoWidth(s.NumAutoPol())
}

// crossSlot and autoSlot index the per (BAL then ANT, SPW) attachments.
func (h *Header) crossSlot(tim, bl, spw int) int {
	return (tim*h.flagSlots()+bl)*len(h.SpectralWindows) + spw
}

func (h *Header) autoSlot(tim, ant, spw int) int {
	pos := ant
	if h.CorrelationMode.HasCross() {
		pos += h.NumBaseline()
	}
	return (tim*h.flagSlots()+pos)*len(h.SpectralWindows) + spw
}

// Baseline returns the position of the antenna pair (i, j), i < j, in the
// blob's baseline order: for j in 1..N-1, for i in 0..j-1.
func Baseline(i, j int) int {
	return j*(j-1)/2 + i
}

// BaselineAntennas is the inverse of Baseline.
func BaselineAntennas(bl int) (int, int) {
	j := 1
	for Baseline(0, j+1) <= bl {
		j++
	}
	return bl - Baseline(0, j), j
}

// XML mapping of sdmDataHeader.

type xmlRef struct {
	Href string `xml:"href,attr"`
}

type xmlSpectralWindow struct {
	SW               string `xml:"sw,attr"`
	CrossPolProducts string `xml:"crossPolProducts,attr,omitempty"`
	SDPolProducts    string `xml:"sdPolProducts,attr,omitempty"`
	ScaleFactor      string `xml:"scaleFactor,attr,omitempty"`
	NumSpectralPoint int    `xml:"numSpectralPoint,attr"`
	NumBin           int    `xml:"numBin,attr"`
	Sideband         string `xml:"sideband,attr,omitempty"`
}

type xmlBaseband struct {
	Name            string              `xml:"name,attr"`
	SpectralWindows []xmlSpectralWindow `xml:"spectralWindow"`
}

type xmlAttachment struct {
	Size int    `xml:"size,attr"`
	Axes string `xml:"axes,attr"`
	Type string `xml:"type,attr,omitempty"`
}

type xmlDataStruct struct {
	APC             string         `xml:"apc,attr,omitempty"`
	Basebands       []xmlBaseband  `xml:"baseband"`
	Flags           *xmlAttachment `xml:"flags"`
	ActualTimes     *xmlAttachment `xml:"actualTimes"`
	ActualDurations *xmlAttachment `xml:"actualDurations"`
	CrossData       *xmlAttachment `xml:"crossData"`
	AutoData        *xmlAttachment `xml:"autoData"`
}

type xmlDataHeader struct {
	XMLName            xml.Name      `xml:"sdmDataHeader"`
	ByteOrder          string        `xml:"byteOrder,attr"`
	ProjectPath        string        `xml:"projectPath,attr,omitempty"`
	StartTime          int64         `xml:"startTime"`
	DataOID            xmlRef        `xml:"dataOID"`
	Dimensionality     int           `xml:"dimensionality,omitempty"`
	NumTime            int           `xml:"numTime,omitempty"`
	ExecBlock          xmlRef        `xml:"execBlock"`
	NumAntenna         int           `xml:"numAntenna"`
	CorrelationMode    string        `xml:"correlationMode"`
	SpectralResolution string        `xml:"spectralResolution"`
	ProcessorType      string        `xml:"processorType"`
	DataStruct         xmlDataStruct `xml:"dataStruct"`
}

type xmlSchedulePeriod struct {
	Time     int64 `xml:"time"`
	Interval int64 `xml:"interval"`
}

type xmlSubsetHeader struct {
	XMLName            xml.Name          `xml:"sdmDataSubsetHeader"`
	ProjectPath        string            `xml:"projectPath,attr"`
	SchedulePeriodTime xmlSchedulePeriod `xml:"schedulePeriodTime"`
}

// ParseByteOrder maps a BDF byteOrder name to its binary.ByteOrder.
func ParseByteOrder(s string) (binary.ByteOrder, error) {
	switch s {
	case "Little_Endian", "":
		return binary.LittleEndian, nil
	case "Big_Endian":
		return binary.BigEndian, nil
	}
	return nil, fmt.Errorf("unknown byte order %q", s)
}

// ByteOrderName is the BDF name of o.
func ByteOrderName(o binary.ByteOrder) string {
	if o == binary.BigEndian {
		return "Big_Endian"
	}
	return "Little_Endian"
}

// parseHeader decodes an sdmDataHeader document and computes the layout.
func parseHeader(doc []byte) (*Header, error) {
	var x xmlDataHeader
	if err := xml.Unmarshal(doc, &x); err != nil {
		return nil, err
	}
	order, err := ParseByteOrder(x.ByteOrder)
	if err != nil {
		return nil, err
	}

	h := &Header{
		ByteOrder:          order,
		StartTime:          x.StartTime,
		DataOID:            x.DataOID.Href,
		ExecBlock:          x.ExecBlock.Href,
		NumAntenna:         x.NumAntenna,
		NumTime:            x.NumTime,
		CorrelationMode:    asdm.CorrelationMode(x.CorrelationMode),
		SpectralResolution: asdm.SpectralResolutionType(x.SpectralResolution),
		ProcessorType:      asdm.ProcessorType(x.ProcessorType),
		Attachments:        make(map[string]Attachment),
	}
	if h.SpectralResolution == "" {
		h.SpectralResolution = asdm.FullResolution
	}
	for _, a := range strings.Fields(x.DataStruct.APC) {
		h.APC = append(h.APC, asdm.AtmPhaseCorrection(a))
	}
	if len(h.APC) == 0 {
		h.APC = []asdm.AtmPhaseCorrection{asdm.APUncorrected}
	}

	for _, bb := range x.DataStruct.Basebands {
		for _, xs := range bb.SpectralWindows {
			s := &SpectralWindow{
				Baseband:         bb.Name,
				CrossPolProducts: strings.Fields(xs.CrossPolProducts),
				SDPolProducts:    strings.Fields(xs.SDPolProducts),
				NumSpectralPoint: xs.NumSpectralPoint,
				NumBin:           xs.NumBin,
				Sideband:         xs.Sideband,
				ScaleFactor:      1,
			}
			if xs.SW != "" {
				if s.SW, err = strconv.Atoi(xs.SW); err != nil {
					return nil, fmt.Errorf("spectral window sw %q: %w", xs.SW, err)
				}
			} else {
				s.SW = len(h.SpectralWindows) + 1
			}
			if xs.ScaleFactor != "" {
				if s.ScaleFactor, err = strconv.ParseFloat(xs.ScaleFactor, 64); err != nil {
					return nil, fmt.Errorf("spectral window %d scaleFactor: %w", s.SW, err)
				}
			}
			if s.ScaleFactor == 0 {
				s.ScaleFactor = 1
			}
			if s.NumBin < 1 {
				s.NumBin = 1
			}
			h.SpectralWindows = append(h.SpectralWindows, s)
		}
	}

	attach := func(name string, xa *xmlAttachment) {
		if xa == nil {
			return
		}
		a := Attachment{Name: name, Size: xa.Size, Axes: strings.Fields(xa.Axes), Type: attachmentTypes[name]}
		if name == AttachCrossData {
			a.Type = PrimitiveType(xa.Type)
			if a.Type == "" {
				a.Type = Int32
			}
		}
		h.Attachments[name] = a
	}
	attach(AttachFlags, x.DataStruct.Flags)
	attach(AttachActualTimes, x.DataStruct.ActualTimes)
	attach(AttachActualDurations, x.DataStruct.ActualDurations)
	attach(AttachCrossData, x.DataStruct.CrossData)
	attach(AttachAutoData, x.DataStruct.AutoData)

	if err := h.layout(); err != nil {
		return nil, err
	}
	if err := h.validateSizes(); err != nil {
		return nil, err
	}
	return h, nil
}

// layout validates the header and computes per spectral window offsets
// and strides once.
func (h *Header) layout() error {
	if h.NumAntenna < 1 {
		return fmt.Errorf("numAntenna must be positive, got %d", h.NumAntenna)
	}
	if !h.CorrelationMode.Valid() {
		return fmt.Errorf("unknown correlation mode %q", h.CorrelationMode)
	}
	if len(h.SpectralWindows) == 0 {
		return fmt.Errorf("data structure declares no spectral windows")
	}
	for _, a := range h.APC {
		if !a.Valid() {
			return fmt.Errorf("unknown atmospheric phase correction %q", a)
		}
	}

	cross, hasCross := h.Attachments[AttachCrossData]
	_, hasAuto := h.Attachments[AttachAutoData]
	if h.CorrelationMode.HasCross() != hasCross {
		return fmt.Errorf("correlation mode %s inconsistent with crossData presence", h.CorrelationMode)
	}
	if h.CorrelationMode.HasAuto() != hasAuto {
		return fmt.Errorf("correlation mode %s inconsistent with autoData presence", h.CorrelationMode)
	}

	h.numAPC = 1
	if hasCross {
		if cross.Type.Size() == 0 || cross.Type == Int64 {
			return fmt.Errorf("unsupported crossData type %q", cross.Type)
		}
		if cross.HasAxis("APC") {
			h.numAPC = len(h.APC)
		} else if len(h.APC) > 1 {
			return fmt.Errorf("apc lists %d variants but crossData has no APC axis", len(h.APC))
		}
	}

	h.crossPerBaseline, h.autoPerAntenna = 0, 0
	for _, s := range h.SpectralWindows {
		if s.NumSpectralPoint < 1 {
			return fmt.Errorf("spectral window %d has no spectral points", s.SW)
		}
		if hasCross {
			if s.NumCrossPol() == 0 {
				return fmt.Errorf("spectral window %d has no cross polarization products", s.SW)
			}
			s.CrossOffset = h.crossPerBaseline
			s.CrossStride = s.NumBin * h.numAPC * s.NumSpectralPoint * s.NumCrossPol() * 2
			h.crossPerBaseline += s.CrossStride
		}
		if hasAuto {
			if n := s.NumAutoPol(); n < 1 || n > 3 {
				return fmt.Errorf("spectral window %d has %d single-dish products, want 1 to 3", s.SW, n)
			}
			s.AutoOffset = h.autoPerAntenna
			s.AutoStride = s.NumBin * s.NumSpectralPoint * autoWidth(s.NumAutoPol())
			h.autoPerAntenna += s.AutoStride
		}
	}

	return nil
}

// expectedSize is the value count of an attachment in one subset.
func (h *Header) expectedSize(name string) int {
	tim := h.IntegrationsPerSubset()
	switch name {
	case AttachCrossData:
		return tim * h.NumBaseline() * h.crossPerBaseline
	case AttachAutoData:
		return tim * h.NumAntenna * h.autoPerAntenna
	}
	return tim * h.flagSlots() * len(h.SpectralWindows)
}

// validateSizes checks the declared attachment sizes against the layout.
func (h *Header) validateSizes() error {
	for name, a := range h.Attachments {
		if want := h.expectedSize(name); a.Size != want {
			return fmt.Errorf("%s declares %d values, layout needs %d", name, a.Size, want)
		}
	}
	return nil
}
