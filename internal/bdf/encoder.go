package bdf

import (
	"bufio"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/basekick-labs/asdm2ms/internal/asdm"
)

const defaultBoundary = "MIME_boundary-1"

// SpectralWindowSpec describes one spectral window of an encoded blob.
type SpectralWindowSpec struct {
	Baseband         string
	CrossPolProducts []string
	SDPolProducts    []string
	ScaleFactor      float64
	NumSpectralPoint int
}

// HeaderSpec describes the blob an Encoder writes.
type HeaderSpec struct {
	ByteOrder          binary.ByteOrder
	StartTime          int64
	DataOID            string
	ExecBlock          string
	NumAntenna         int
	NumTime            int // > 0 writes a single subset with a TIM axis
	CorrelationMode    asdm.CorrelationMode
	SpectralResolution asdm.SpectralResolutionType
	ProcessorType      asdm.ProcessorType
	APC                []asdm.AtmPhaseCorrection
	CrossType          PrimitiveType
	SpectralWindows    []SpectralWindowSpec
	Flags              bool
	ActualTimes        bool
	ActualDurations    bool
}

// SubsetData holds the raw values of one subset. Nil slices are written as
// zeros; cross values are stored as CrossType without scaling.
type SubsetData struct {
	Time            int64
	Interval        int64
	Flags           []uint32
	ActualTimes     []int64
	ActualDurations []int64
	Cross           []float64
	Auto            []float32
}

// Encoder writes a BDF.
type Encoder struct {
	w        *bufio.Writer
	header   *Header
	boundary string
	subsets  int
	closed   bool
}

// NewHeader computes the header (layout and attachment sizes) of spec.
func NewHeader(spec HeaderSpec) (*Header, error) {
	h := &Header{
		ByteOrder:          spec.ByteOrder,
		StartTime:          spec.StartTime,
		DataOID:            spec.DataOID,
		ExecBlock:          spec.ExecBlock,
		NumAntenna:         spec.NumAntenna,
		NumTime:            spec.NumTime,
		CorrelationMode:    spec.CorrelationMode,
		SpectralResolution: spec.SpectralResolution,
		ProcessorType:      spec.ProcessorType,
		APC:                spec.APC,
		Attachments:        make(map[string]Attachment),
	}
	if h.ByteOrder == nil {
		h.ByteOrder = binary.LittleEndian
	}
	if h.SpectralResolution == "" {
		h.SpectralResolution = asdm.FullResolution
	}
	if h.ProcessorType == "" {
		h.ProcessorType = asdm.Correlator
	}
	if len(h.APC) == 0 {
		h.APC = []asdm.AtmPhaseCorrection{asdm.APUncorrected}
	}
	for i, sw := range spec.SpectralWindows {
		scale := sw.ScaleFactor
		if scale == 0 {
			scale = 1
		}
		bb := sw.Baseband
		if bb == "" {
			bb = "BB_1"
		}
		h.SpectralWindows = append(h.SpectralWindows, &SpectralWindow{
			Baseband:         bb,
			SW:               i + 1,
			CrossPolProducts: sw.CrossPolProducts,
			SDPolProducts:    sw.SDPolProducts,
			ScaleFactor:      scale,
			NumSpectralPoint: sw.NumSpectralPoint,
			NumBin:           1,
		})
	}

	crossType := spec.CrossType
	if crossType == "" {
		crossType = Int32
	}
	prefix := []string{}
	if h.NumTime > 0 {
		prefix = append(prefix, "TIM")
	}
	slotAxes := append(append([]string{}, prefix...), "BAL", "ANT", "BAB", "SPW")
	if h.CorrelationMode.HasCross() {
		axes := append(append([]string{}, prefix...), "BAL", "BAB", "SPW")
		if len(h.APC) > 1 {
			axes = append(axes, "APC")
		}
		h.Attachments[AttachCrossData] = Attachment{Name: AttachCrossData, Axes: append(axes, "SPP", "POL"), Type: crossType}
	}
	if h.CorrelationMode.HasAuto() {
		axes := append(append([]string{}, prefix...), "ANT", "BAB", "SPW", "SPP", "POL")
		h.Attachments[AttachAutoData] = Attachment{Name: AttachAutoData, Axes: axes, Type: Float32}
	}
	for name, on := range map[string]bool{
		AttachFlags:           spec.Flags,
		AttachActualTimes:     spec.ActualTimes,
		AttachActualDurations: spec.ActualDurations,
	} {
		if on {
			h.Attachments[name] = Attachment{Name: name, Axes: slotAxes, Type: attachmentTypes[name]}
		}
	}

	if err := h.layout(); err != nil {
		return nil, err
	}
	for name, a := range h.Attachments {
		a.Size = h.expectedSize(name)
		h.Attachments[name] = a
	}
	return h, nil
}

// NewEncoder writes the MIME preamble and the sdmDataHeader part to w.
func NewEncoder(w io.Writer, spec HeaderSpec) (*Encoder, error) {
	h, err := NewHeader(spec)
	if err != nil {
		return nil, err
	}
	e := &Encoder{w: bufio.NewWriter(w), header: h, boundary: defaultBoundary}

	desc := "Correlator"
	if h.ProcessorType == asdm.Radiometer {
		desc = "Radiometer"
	}
	fmt.Fprintf(e.w, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(e.w, "Content-Type: multipart/mixed; boundary=%q; type=\"text/xml\"\r\n", e.boundary)
	fmt.Fprintf(e.w, "Content-Description: %s\r\n", desc)
	fmt.Fprintf(e.w, "Content-Location: %s\r\n\r\n", h.DataOID)

	doc, err := xml.MarshalIndent(headerXML(h), "", "  ")
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(e.w, "--%s\r\n", e.boundary)
	e.writeXMLPart("sdmDataHeader.xml", doc)
	return e, e.w.Flush()
}

// Header returns the header being written.
func (e *Encoder) Header() *Header {
	return e.header
}

func (e *Encoder) writeXMLPart(location string, doc []byte) {
	fmt.Fprintf(e.w, "Content-Type: text/xml; charset=utf-8\r\n")
	fmt.Fprintf(e.w, "Content-Location: %s\r\n\r\n", location)
	e.w.Write(doc)
}

func (e *Encoder) writeBinaryPart(location string, body []byte) {
	fmt.Fprintf(e.w, "\r\n--%s\r\n", e.boundary)
	fmt.Fprintf(e.w, "Content-Type: binary/octet-stream\r\n")
	fmt.Fprintf(e.w, "Content-Location: %s\r\n\r\n", location)
	e.w.Write(body)
}

// WriteSubset appends one subset.
func (e *Encoder) WriteSubset(d SubsetData) error {
	if e.closed {
		return fmt.Errorf("encoder closed")
	}
	h := e.header
	e.subsets++
	projectPath := "1/1/1/" + strconv.Itoa(e.subsets) + "/"

	doc, err := xml.MarshalIndent(xmlSubsetHeader{
		ProjectPath:        projectPath,
		SchedulePeriodTime: xmlSchedulePeriod{Time: d.Time, Interval: d.Interval},
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(e.w, "\r\n--%s\r\n", e.boundary)
	e.writeXMLPart(projectPath+"desc.xml", doc)

	for _, name := range []string{AttachFlags, AttachActualTimes, AttachActualDurations, AttachCrossData, AttachAutoData} {
		a, ok := h.Attachments[name]
		if !ok {
			continue
		}
		body, err := e.encode(a, d)
		if err != nil {
			return err
		}
		e.writeBinaryPart(projectPath+name+".bin", body)
	}
	return e.w.Flush()
}

func (e *Encoder) encode(a Attachment, d SubsetData) ([]byte, error) {
	order := e.header.ByteOrder
	width := a.Type.Size()
	body := make([]byte, a.Size*width)

	var n int
	switch a.Name {
	case AttachFlags:
		n = len(d.Flags)
		for i, v := range d.Flags {
			if i < a.Size {
				order.PutUint32(body[i*4:], v)
			}
		}
	case AttachActualTimes, AttachActualDurations:
		vals := d.ActualTimes
		if a.Name == AttachActualDurations {
			vals = d.ActualDurations
		}
		n = len(vals)
		for i, v := range vals {
			if i < a.Size {
				order.PutUint64(body[i*8:], uint64(v))
			}
		}
	case AttachCrossData:
		n = len(d.Cross)
		for i, v := range d.Cross {
			if i >= a.Size {
				break
			}
			switch a.Type {
			case Int16:
				order.PutUint16(body[i*2:], uint16(int16(math.Round(v))))
			case Int32:
				order.PutUint32(body[i*4:], uint32(int32(math.Round(v))))
			default:
				order.PutUint32(body[i*4:], math.Float32bits(float32(v)))
			}
		}
	case AttachAutoData:
		n = len(d.Auto)
		for i, v := range d.Auto {
			if i < a.Size {
				order.PutUint32(body[i*4:], math.Float32bits(v))
			}
		}
	}
	if n != 0 && n != a.Size {
		return nil, fmt.Errorf("%s holds %d values, layout needs %d", a.Name, n, a.Size)
	}
	return body, nil
}

// Close writes the closing delimiter. It does not close the underlying writer.
func (e *Encoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	fmt.Fprintf(e.w, "\r\n--%s--\r\n", e.boundary)
	return e.w.Flush()
}

func headerXML(h *Header) xmlDataHeader {
	x := xmlDataHeader{
		ByteOrder:          ByteOrderName(h.ByteOrder),
		StartTime:          h.StartTime,
		DataOID:            xmlRef{Href: h.DataOID},
		ExecBlock:          xmlRef{Href: h.ExecBlock},
		NumAntenna:         h.NumAntenna,
		NumTime:            h.NumTime,
		CorrelationMode:    string(h.CorrelationMode),
		SpectralResolution: string(h.SpectralResolution),
		ProcessorType:      string(h.ProcessorType),
	}
	if h.NumTime == 0 {
		x.Dimensionality = 1
	}
	apc := make([]string, len(h.APC))
	for i, a := range h.APC {
		apc[i] = string(a)
	}
	x.DataStruct.APC = strings.Join(apc, " ")

	var bb *xmlBaseband
	for _, s := range h.SpectralWindows {
		if bb == nil || bb.Name != s.Baseband {
			x.DataStruct.Basebands = append(x.DataStruct.Basebands, xmlBaseband{Name: s.Baseband})
			bb = &x.DataStruct.Basebands[len(x.DataStruct.Basebands)-1]
		}
		bb.SpectralWindows = append(bb.SpectralWindows, xmlSpectralWindow{
			SW:               strconv.Itoa(s.SW),
			CrossPolProducts: strings.Join(s.CrossPolProducts, " "),
			SDPolProducts:    strings.Join(s.SDPolProducts, " "),
			ScaleFactor:      strconv.FormatFloat(s.ScaleFactor, 'g', -1, 64),
			NumSpectralPoint: s.NumSpectralPoint,
			NumBin:           s.NumBin,
			Sideband:         s.Sideband,
		})
	}

	attach := func(name string) *xmlAttachment {
		a, ok := h.Attachments[name]
		if !ok {
			return nil
		}
		xa := &xmlAttachment{Size: a.Size, Axes: strings.Join(a.Axes, " ")}
		if name == AttachCrossData {
			xa.Type = string(a.Type)
		}
		return xa
	}
	x.DataStruct.Flags = attach(AttachFlags)
	x.DataStruct.ActualTimes = attach(AttachActualTimes)
	x.DataStruct.ActualDurations = attach(AttachActualDurations)
	x.DataStruct.CrossData = attach(AttachCrossData)
	x.DataStruct.AutoData = attach(AttachAutoData)
	return x
}
