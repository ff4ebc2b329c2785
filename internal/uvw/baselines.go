package uvw

import (
	"fmt"
	"strings"

	"github.com/basekick-labs/asdm2ms/internal/asdm"
)

// Ordering selects the order of cross baselines.
type Ordering int

const (
	// BDFOrder is the blob order: for j in 1..N-1, for i in 0..j-1.
	BDFOrder Ordering = iota
	// NaturalOrder is antenna1-major: for i, for j > i.
	NaturalOrder
)

// AutoPlacement selects where autocorrelations go among cross baselines.
type AutoPlacement int

const (
	AutosTrailing AutoPlacement = iota
	AutosInterleaved
)

// Policy is the baseline ordering used both for UVW and for sample
// flattening. Both sides must use the same policy.
type Policy struct {
	Baselines Ordering
	Autos     AutoPlacement
}

// Pair is a baseline as positions in the configuration's antenna list.
// I == J is an autocorrelation.
type Pair struct {
	I, J int
}

// Auto reports whether the pair is an autocorrelation.
func (p Pair) Auto() bool { return p.I == p.J }

// ParseOrdering parses "bdf" or "natural".
func ParseOrdering(s string) (Ordering, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bdf":
		return BDFOrder, nil
	case "natural":
		return NaturalOrder, nil
	}
	return 0, fmt.Errorf("invalid baseline ordering %q (want bdf or natural)", s)
}

// ParseAutoPlacement parses "trailing" or "interleaved".
func ParseAutoPlacement(s string) (AutoPlacement, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "trailing":
		return AutosTrailing, nil
	case "interleaved":
		return AutosInterleaved, nil
	}
	return 0, fmt.Errorf("invalid autocorrelation placement %q (want trailing or interleaved)", s)
}

// Baselines lists the pairs of an n antenna configuration carried by mode,
// in policy order.
func Baselines(n int, mode asdm.CorrelationMode, policy Policy) []Pair {
	cross, auto := mode.HasCross(), mode.HasAuto()
	out := make([]Pair, 0, n*(n+1)/2)

	if !cross {
		if auto {
			for i := 0; i < n; i++ {
				out = append(out, Pair{i, i})
			}
		}
		return out
	}

	interleave := auto && policy.Autos == AutosInterleaved
	switch policy.Baselines {
	case NaturalOrder:
		for i := 0; i < n; i++ {
			if interleave {
				out = append(out, Pair{i, i})
			}
			for j := i + 1; j < n; j++ {
				out = append(out, Pair{i, j})
			}
		}
	default:
		for j := 0; j < n; j++ {
			for i := 0; i < j; i++ {
				out = append(out, Pair{i, j})
			}
			if interleave {
				out = append(out, Pair{j, j})
			}
		}
	}
	if auto && !interleave {
		for i := 0; i < n; i++ {
			out = append(out, Pair{i, i})
		}
	}
	return out
}
