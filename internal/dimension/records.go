package dimension

import (
	"fmt"
	"slices"
	"strings"
)

// Stokes correlation codes.
const (
	StokesRR = 5
	StokesRL = 6
	StokesLR = 7
	StokesLL = 8
	StokesXX = 9
	StokesXY = 10
	StokesYX = 11
	StokesYY = 12
)

var stokesCodes = map[string]int{
	"RR": StokesRR, "RL": StokesRL, "LR": StokesLR, "LL": StokesLL,
	"XX": StokesXX, "XY": StokesXY, "YX": StokesYX, "YY": StokesYY,
}

// receptor pair of each code, 0 for X/R and 1 for Y/L.
var stokesProducts = map[int][2]int32{
	StokesRR: {0, 0}, StokesRL: {0, 1}, StokesLR: {1, 0}, StokesLL: {1, 1},
	StokesXX: {0, 0}, StokesXY: {0, 1}, StokesYX: {1, 0}, StokesYY: {1, 1},
}

var (
	linearBasis   = []int32{StokesXX, StokesXY, StokesYX, StokesYY}
	circularBasis = []int32{StokesRR, StokesRL, StokesLR, StokesLL}
)

// StokesCode returns the code of a correlation name such as "XY".
func StokesCode(name string) (int, error) {
	c, ok := stokesCodes[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown correlation type %q", name)
	}
	return c, nil
}

// Polarization is a POLARIZATION row.
type Polarization struct {
	CorrType    []int32
	CorrProduct [][2]int32
	FlagRow     bool
}

// NumCorr is the number of correlations.
func (p Polarization) NumCorr() int {
	return len(p.CorrType)
}

// NewPolarization builds a record from correlation names. Three products
// are normalized to the four of their basis, chosen from the first name,
// so that deduplication sees the normalized record.
func NewPolarization(names []string) (Polarization, error) {
	if len(names) == 0 {
		return Polarization{}, fmt.Errorf("polarization has no correlations")
	}
	codes := make([]int32, len(names))
	for i, n := range names {
		c, err := StokesCode(n)
		if err != nil {
			return Polarization{}, err
		}
		codes[i] = int32(c)
	}
	if len(codes) == 3 {
		if codes[0] >= StokesXX {
			codes = slices.Clone(linearBasis)
		} else {
			codes = slices.Clone(circularBasis)
		}
	}
	p := Polarization{CorrType: codes, CorrProduct: make([][2]int32, len(codes))}
	for i, c := range codes {
		p.CorrProduct[i] = stokesProducts[int(c)]
	}
	return p, nil
}

// Equal compares two polarization records by value.
func (p Polarization) Equal(o Polarization) bool {
	return p.FlagRow == o.FlagRow && slices.Equal(p.CorrType, o.CorrType) && slices.Equal(p.CorrProduct, o.CorrProduct)
}

// DataDescription is a DATA_DESCRIPTION row.
type DataDescription struct {
	SpectralWindowID int32
	PolarizationID   int32
	FlagRow          bool
}

// State is a STATE row.
type State struct {
	Sig     bool
	Ref     bool
	Cal     float64
	Load    float64
	SubScan int32
	ObsMode string
	FlagRow bool
}

// NewState builds the state of a subscan. The observing mode pairs every
// scan intent with the subscan intent: "SCAN#SUBSCAN", comma-joined.
func NewState(scanIntents []string, subscanIntent string, subscan int) State {
	modes := make([]string, 0, len(scanIntents))
	for _, si := range scanIntents {
		if subscanIntent == "" {
			modes = append(modes, si)
			continue
		}
		modes = append(modes, si+"#"+subscanIntent)
	}
	if len(modes) == 0 && subscanIntent != "" {
		modes = append(modes, subscanIntent)
	}
	ref := strings.Contains(subscanIntent, "OFF_SOURCE") || strings.Contains(subscanIntent, "REFERENCE")
	return State{
		Sig:     !ref,
		Ref:     ref,
		SubScan: int32(subscan),
		ObsMode: strings.Join(modes, ","),
	}
}

// Tables groups the dimension tables of one output store.
type Tables struct {
	Polarization    *Table[Polarization]
	DataDescription *Table[DataDescription]
	State           *Table[State]
}

// NewTables returns empty tables.
func NewTables() *Tables {
	return &Tables{
		Polarization:    NewTable("POLARIZATION", Polarization.Equal),
		DataDescription: NewTable("DATA_DESCRIPTION", func(a, b DataDescription) bool { return a == b }),
		State:           NewTable("STATE", func(a, b State) bool { return a == b }),
	}
}
