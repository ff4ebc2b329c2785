package expand

import (
	"fmt"

	"github.com/basekick-labs/asdm2ms/internal/selection"
)

// VisibilityRecord is one MAIN row.
type VisibilityRecord struct {
	Time          float64 // MJD seconds, integration midpoint
	Interval      float64 // seconds
	Exposure      float64 // seconds
	TimeCentroid  float64 // MJD seconds
	Antenna1      int32
	Antenna2      int32
	Feed1         int32
	Feed2         int32
	DataDescID    int32
	FieldID       int32
	ScanNumber    int32
	ArrayID       int32
	ObservationID int32
	StateID       int32
	ProcessorID   int32
	UVW           [3]float64
	FlagRow       bool

	NumChan int
	NumCorr int
	Data    []complex64 // channel-major, nil for lazy records
	Flag    []bool      // NumChan*NumCorr
	Weight  []float32   // per correlation
	Sigma   []float32   // per correlation

	Ref *IndexEntry // set by the lazy path
}

// Batch is the ordered output of one slice for one variant.
type Batch struct {
	Variant selection.Variant
	Records []VisibilityRecord
}

// Len returns the number of records.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Records)
}

// Columns is the columnar form of a batch handed to the table writer.
// Every slice has one entry per row. Data and Flag are nil for lazy batches.
type Columns struct {
	Time          []float64
	Interval      []float64
	Exposure      []float64
	TimeCentroid  []float64
	Antenna1      []int32
	Antenna2      []int32
	Feed1         []int32
	Feed2         []int32
	DataDescID    []int32
	FieldID       []int32
	ScanNumber    []int32
	ArrayID       []int32
	ObservationID []int32
	StateID       []int32
	ProcessorID   []int32
	UVW           [][3]float64
	FlagRow       []bool
	Data          [][]float32 // re, im interleaved
	Flag          [][]bool
	Weight        [][]float32
	Sigma         [][]float32
}

// Len returns the row count.
func (c *Columns) Len() int {
	return len(c.Time)
}

// Validate checks that every column has the same length.
func (c *Columns) Validate() error {
	n := len(c.Time)
	lens := map[string]int{
		"INTERVAL": len(c.Interval), "EXPOSURE": len(c.Exposure), "TIME_CENTROID": len(c.TimeCentroid),
		"ANTENNA1": len(c.Antenna1), "ANTENNA2": len(c.Antenna2), "FEED1": len(c.Feed1), "FEED2": len(c.Feed2),
		"DATA_DESC_ID": len(c.DataDescID), "FIELD_ID": len(c.FieldID), "SCAN_NUMBER": len(c.ScanNumber),
		"ARRAY_ID": len(c.ArrayID), "OBSERVATION_ID": len(c.ObservationID), "STATE_ID": len(c.StateID),
		"PROCESSOR_ID": len(c.ProcessorID), "UVW": len(c.UVW), "FLAG_ROW": len(c.FlagRow),
		"WEIGHT": len(c.Weight), "SIGMA": len(c.Sigma),
	}
	if c.Data != nil {
		lens["DATA"] = len(c.Data)
	}
	if c.Flag != nil {
		lens["FLAG"] = len(c.Flag)
	}
	for name, l := range lens {
		if l != n {
			return fmt.Errorf("%w: column %s has %d rows, TIME has %d", ErrShapeMismatch, name, l, n)
		}
	}
	return nil
}

// Columns converts the batch to columnar form.
func (b *Batch) Columns() *Columns {
	n := len(b.Records)
	c := &Columns{
		Time:          make([]float64, n),
		Interval:      make([]float64, n),
		Exposure:      make([]float64, n),
		TimeCentroid:  make([]float64, n),
		Antenna1:      make([]int32, n),
		Antenna2:      make([]int32, n),
		Feed1:         make([]int32, n),
		Feed2:         make([]int32, n),
		DataDescID:    make([]int32, n),
		FieldID:       make([]int32, n),
		ScanNumber:    make([]int32, n),
		ArrayID:       make([]int32, n),
		ObservationID: make([]int32, n),
		StateID:       make([]int32, n),
		ProcessorID:   make([]int32, n),
		UVW:           make([][3]float64, n),
		FlagRow:       make([]bool, n),
		Weight:        make([][]float32, n),
		Sigma:         make([][]float32, n),
	}
	lazy := n > 0 && b.Records[0].Data == nil
	if !lazy {
		c.Data = make([][]float32, n)
		c.Flag = make([][]bool, n)
	}
	for i := range b.Records {
		r := &b.Records[i]
		c.Time[i] = r.Time
		c.Interval[i] = r.Interval
		c.Exposure[i] = r.Exposure
		c.TimeCentroid[i] = r.TimeCentroid
		c.Antenna1[i] = r.Antenna1
		c.Antenna2[i] = r.Antenna2
		c.Feed1[i] = r.Feed1
		c.Feed2[i] = r.Feed2
		c.DataDescID[i] = r.DataDescID
		c.FieldID[i] = r.FieldID
		c.ScanNumber[i] = r.ScanNumber
		c.ArrayID[i] = r.ArrayID
		c.ObservationID[i] = r.ObservationID
		c.StateID[i] = r.StateID
		c.ProcessorID[i] = r.ProcessorID
		c.UVW[i] = r.UVW
		c.FlagRow[i] = r.FlagRow
		c.Weight[i] = r.Weight
		c.Sigma[i] = r.Sigma
		if !lazy {
			c.Data[i] = interleave(r.Data)
			c.Flag[i] = r.Flag
		}
	}
	return c
}

func interleave(data []complex64) []float32 {
	out := make([]float32, 2*len(data))
	for i, v := range data {
		out[2*i] = real(v)
		out[2*i+1] = imag(v)
	}
	return out
}

func (r *VisibilityRecord) describe() string {
	return fmt.Sprintf("(%d,%d) dd %d at %.3f", r.Antenna1, r.Antenna2, r.DataDescID, r.Time)
}
