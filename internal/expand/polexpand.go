package expand

import (
	"fmt"
	"math"
)

// ExpandPolarizations widens a channel-major spectrum of three products
// (XX, XY, YY) to four: XX, XY, conj(XY), YY.
func ExpandPolarizations(in []complex64, numChan int) ([]complex64, error) {
	if len(in) != numChan*3 {
		return nil, fmt.Errorf("%w: %d values for %d channels of 3 products", ErrShapeMismatch, len(in), numChan)
	}
	out := make([]complex64, numChan*4)
	for ch := 0; ch < numChan; ch++ {
		src, dst := in[ch*3:ch*3+3], out[ch*4:ch*4+4]
		dst[0] = src[0]
		dst[1] = src[1]
		dst[2] = complex(real(src[1]), -imag(src[1]))
		dst[3] = src[2]
	}
	return out, nil
}

// Weight is exposure times effective bandwidth, doubled for a cross
// baseline. A zero product gives 1.
func Weight(exposure, bandwidth float64, cross bool) float64 {
	w := exposure * bandwidth
	if cross {
		w *= 2
	}
	if w == 0 {
		return 1
	}
	return w
}

// Sigma is 1/sqrt(weight).
func Sigma(weight float64) float64 {
	if weight <= 0 {
		return 1
	}
	return 1 / math.Sqrt(weight)
}
