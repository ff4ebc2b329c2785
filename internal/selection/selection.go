// Package selection decides which Main rows and which phase correction
// variants of their samples are converted.
package selection

import (
	"fmt"
	"sort"
	"strings"

	"github.com/basekick-labs/asdm2ms/internal/asdm"
)

// Variant is one of the two output stores filled from a single pass.
type Variant int

const (
	Uncorrected Variant = iota
	Corrected
)

// AllVariants lists variants in output order.
var AllVariants = []Variant{Uncorrected, Corrected}

func (v Variant) String() string {
	switch v {
	case Uncorrected:
		return "uncorrected"
	case Corrected:
		return "corrected"
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

// APC is the phase correction label whose samples feed the variant.
func (v Variant) APC() asdm.AtmPhaseCorrection {
	if v == Corrected {
		return asdm.APCorrected
	}
	return asdm.APUncorrected
}

// VariantOf maps a phase correction label to its variant.
func VariantOf(apc asdm.AtmPhaseCorrection) (Variant, bool) {
	switch apc {
	case asdm.APUncorrected:
		return Uncorrected, true
	case asdm.APCorrected:
		return Corrected, true
	}
	return 0, false
}

// State is the immutable selection configuration.
type State struct {
	CorrelationModes    map[asdm.CorrelationMode]bool
	SpectralResolutions map[asdm.SpectralResolutionType]bool
	TimeSamplings       map[asdm.TimeSampling]bool
	InputAPC            map[asdm.AtmPhaseCorrection]bool
	OutputVariants      map[Variant]bool
}

// Options are the textual selection settings as given on the command line.
type Options struct {
	CorrelationModes    string // "ao co ca"
	SpectralResolutions string // "fr ca bw"
	TimeSamplings       string // "i si"
	WVRCorrectedData    string // "no", "yes" or "both"
	InputAPC            string // "uncorrected corrected"
}

// Filter gates Main rows and phase correction variants.
type Filter struct {
	state State
}

// New parses opts into a Filter. Empty settings select everything, except
// the output variants which default to uncorrected only.
func New(opts Options) (*Filter, error) {
	var s State
	var err error
	if s.CorrelationModes, err = ParseCorrelationModes(opts.CorrelationModes); err != nil {
		return nil, err
	}
	if s.SpectralResolutions, err = ParseSpectralResolutions(opts.SpectralResolutions); err != nil {
		return nil, err
	}
	if s.TimeSamplings, err = ParseTimeSamplings(opts.TimeSamplings); err != nil {
		return nil, err
	}
	if s.OutputVariants, err = ParseVariants(opts.WVRCorrectedData); err != nil {
		return nil, err
	}
	if s.InputAPC, err = ParseInputAPC(opts.InputAPC); err != nil {
		return nil, err
	}
	return NewFromState(s), nil
}

// NewFromState wraps an already built state.
func NewFromState(s State) *Filter {
	return &Filter{state: s}
}

// State returns the selection configuration.
func (f *Filter) State() State {
	return f.state
}

// AcceptsMetadataRow reports whether the row's correlation mode, spectral
// resolution type and time sampling are all selected.
func (f *Filter) AcceptsMetadataRow(row *asdm.MainRow, cd *asdm.ConfigDescription) bool {
	return f.ReasonRejected(row, cd) == ""
}

// ReasonRejected explains why a row is not accepted, or returns "".
func (f *Filter) ReasonRejected(row *asdm.MainRow, cd *asdm.ConfigDescription) string {
	if !f.state.CorrelationModes[cd.CorrelationMode] {
		return fmt.Sprintf("correlation mode %s not selected", cd.CorrelationMode)
	}
	if !f.state.SpectralResolutions[cd.SpectralType] {
		return fmt.Sprintf("spectral resolution type %s not selected", cd.SpectralType)
	}
	if !f.state.TimeSamplings[row.TimeSampling] {
		return fmt.Sprintf("time sampling %s not selected", row.TimeSampling)
	}
	return ""
}

// AcceptsPhaseCorrectionVariant reports whether v is written.
func (f *Filter) AcceptsPhaseCorrectionVariant(v Variant) bool {
	return f.state.OutputVariants[v]
}

// Variants returns the selected output variants in output order.
func (f *Filter) Variants() []Variant {
	var out []Variant
	for _, v := range AllVariants {
		if f.state.OutputVariants[v] {
			out = append(out, v)
		}
	}
	return out
}

// SourceAPC picks the position in available (the blob's APC axis) whose
// samples fill variant v. When the exact label is absent or not selected on
// input, the first selected entry is used and exact is false. ok is false
// when nothing in available is selected on input.
func (f *Filter) SourceAPC(v Variant, available []asdm.AtmPhaseCorrection) (index int, exact bool, ok bool) {
	first := -1
	for i, a := range available {
		if !f.state.InputAPC[a] {
			continue
		}
		if a == v.APC() {
			return i, true, true
		}
		if first < 0 {
			first = i
		}
	}
	if first < 0 {
		return 0, false, false
	}
	return first, false, true
}

var correlationModeTokens = map[string]asdm.CorrelationMode{
	"co": asdm.CrossOnly,
	"ao": asdm.AutoOnly,
	"ca": asdm.CrossAndAuto,
	"ac": asdm.CrossAndAuto,
}

var spectralResolutionTokens = map[string]asdm.SpectralResolutionType{
	"fr": asdm.FullResolution,
	"ca": asdm.ChannelAverage,
	"bw": asdm.BasebandWide,
}

var timeSamplingTokens = map[string]asdm.TimeSampling{
	"i":  asdm.Integration,
	"si": asdm.Subintegration,
}

var apcTokens = map[string]asdm.AtmPhaseCorrection{
	"uncorrected": asdm.APUncorrected,
	"corrected":   asdm.APCorrected,
}

func parseTokens[T comparable](kind, s string, vocab map[string]T) (map[T]bool, error) {
	out := make(map[T]bool)
	toks := strings.Fields(strings.ToLower(s))
	if len(toks) == 0 {
		for _, v := range vocab {
			out[v] = true
		}
		return out, nil
	}
	for _, tok := range toks {
		v, ok := vocab[tok]
		if !ok {
			return nil, fmt.Errorf("unknown %s token %q (valid: %s)", kind, tok, strings.Join(keys(vocab), ", "))
		}
		out[v] = true
	}
	return out, nil
}

func keys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ParseCorrelationModes parses tokens co (cross only), ao (auto only) and
// ca (cross and auto).
func ParseCorrelationModes(s string) (map[asdm.CorrelationMode]bool, error) {
	return parseTokens("correlation mode", s, correlationModeTokens)
}

// ParseSpectralResolutions parses tokens fr, ca and bw.
func ParseSpectralResolutions(s string) (map[asdm.SpectralResolutionType]bool, error) {
	return parseTokens("spectral resolution", s, spectralResolutionTokens)
}

// ParseTimeSamplings parses tokens i and si.
func ParseTimeSamplings(s string) (map[asdm.TimeSampling]bool, error) {
	return parseTokens("time sampling", s, timeSamplingTokens)
}

// ParseInputAPC parses tokens uncorrected and corrected.
func ParseInputAPC(s string) (map[asdm.AtmPhaseCorrection]bool, error) {
	return parseTokens("phase correction", s, apcTokens)
}

// ParseVariants maps the wvr-corrected-data setting to output variants.
func ParseVariants(s string) (map[Variant]bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "no":
		return map[Variant]bool{Uncorrected: true}, nil
	case "yes":
		return map[Variant]bool{Corrected: true}, nil
	case "both":
		return map[Variant]bool{Uncorrected: true, Corrected: true}, nil
	}
	return nil, fmt.Errorf("invalid wvr-corrected-data value %q (want no, yes or both)", s)
}
