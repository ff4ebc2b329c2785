// Package uvw computes baseline UVW coordinates for the phase tracking
// direction of a field.
package uvw

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/basekick-labs/asdm2ms/internal/asdm"
)

// ErrGeometry is returned when antenna or field geometry is missing.
var ErrGeometry = errors.New("missing geometry")

const (
	arcsec    = math.Pi / 180.0 / 3600.0
	mjdJ2000  = 51544.5 // MJD of J2000.0
	ttMinusUT = 69.184  // TT - UTC in seconds, leap seconds as of 2017
)

// Geometry is the metadata the engine reads.
type Geometry interface {
	AntennaStationPosition(antennaID int) ([3]float64, error)
	FieldDirection(fieldID int) ([2]float64, error)
}

// Engine computes UVW triples for Main rows.
type Engine struct {
	geometry Geometry
	logger   zerolog.Logger
}

// NewEngine returns an engine reading positions and directions from g.
func NewEngine(g Geometry, logger zerolog.Logger) *Engine {
	return &Engine{geometry: g, logger: logger.With().Str("component", "uvw").Logger()}
}

// ComputeBaselineUVW returns one triple per (time, baseline), time-major,
// with baselines in the order Baselines(len(cd.AntennaIDs), mode, policy)
// produces. times are MJD seconds (UTC).
func (e *Engine) ComputeBaselineUVW(row *asdm.MainRow, cd *asdm.ConfigDescription, times []float64, mode asdm.CorrelationMode, policy Policy) ([][3]float64, error) {
	positions := make([][3]float64, len(cd.AntennaIDs))
	for i, id := range cd.AntennaIDs {
		pos, err := e.geometry.AntennaStationPosition(id)
		if err != nil {
			return nil, fmt.Errorf("%w: antenna %d of %s: %w", ErrGeometry, id, row, err)
		}
		positions[i] = pos
	}
	dir, err := e.geometry.FieldDirection(row.FieldID)
	if err != nil {
		return nil, fmt.Errorf("%w: field %d of %s: %w", ErrGeometry, row.FieldID, row, err)
	}

	pairs := Baselines(len(positions), mode, policy)
	out := make([][3]float64, 0, len(times)*len(pairs))
	for _, t := range times {
		f := FrameAt(t, dir)
		for _, p := range pairs {
			a, b := positions[p.I], positions[p.J]
			out = append(out, f.UVW([3]float64{b[0] - a[0], b[1] - a[1], b[2] - a[2]}))
		}
	}
	return out, nil
}

// Frame is the (u, v, w) basis in Earth-fixed coordinates at one instant.
type Frame struct {
	U, V, W *mat.VecDense
}

// UVW projects an Earth-fixed baseline onto the frame.
func (f Frame) UVW(b [3]float64) [3]float64 {
	v := mat.NewVecDense(3, b[:])
	return [3]float64{mat.Dot(f.U, v), mat.Dot(f.V, v), mat.Dot(f.W, v)}
}

// FrameAt builds the frame for a J2000 direction (RA, Dec in radians) at
// mjdSec (MJD seconds, UTC). W points at the source, U east and V north.
// Precession uses IAU 1976; nutation and polar motion are neglected.
func FrameAt(mjdSec float64, dir [2]float64) Frame {
	ra, dec := dir[0], dir[1]
	s := mat.NewVecDense(3, []float64{
		math.Cos(dec) * math.Cos(ra),
		math.Cos(dec) * math.Sin(ra),
		math.Sin(dec),
	})

	var r mat.Dense
	r.Mul(rotZ(GMST(mjdSec)), Precession(mjdSec))

	var w mat.VecDense
	w.MulVec(&r, s)

	// u = z x w, v = w x u
	u := mat.NewVecDense(3, []float64{-w.AtVec(1), w.AtVec(0), 0})
	if n := mat.Norm(u, 2); n < 1e-12 {
		u = mat.NewVecDense(3, []float64{0, 1, 0})
	} else {
		u.ScaleVec(1/n, u)
	}
	v := cross(&w, u)
	return Frame{U: u, V: v, W: &w}
}

func cross(a, b mat.Vector) *mat.VecDense {
	return mat.NewVecDense(3, []float64{
		a.AtVec(1)*b.AtVec(2) - a.AtVec(2)*b.AtVec(1),
		a.AtVec(2)*b.AtVec(0) - a.AtVec(0)*b.AtVec(2),
		a.AtVec(0)*b.AtVec(1) - a.AtVec(1)*b.AtVec(0),
	})
}

// GMST returns the Greenwich mean sidereal time in radians, 0 <= gmst < 2pi.
func GMST(mjdSec float64) float64 {
	mjd := mjdSec / 86400.0
	day := math.Floor(mjd)
	ut := (mjd - day) * 86400.0
	t1 := (day - mjdJ2000) / 36525.0
	t2 := t1 * t1
	t3 := t2 * t1
	gmst0 := 24110.54841 + 8640184.812866*t1 + 0.093104*t2 - 6.2e-6*t3
	gmst := math.Mod(gmst0+1.002737909350795*ut, 86400.0)
	if gmst < 0 {
		gmst += 86400.0
	}
	return gmst * math.Pi / 43200.0
}

// Precession returns the IAU 1976 precession matrix from J2000 to the mean
// equator of date, P = Rz(-z) Ry(theta) Rz(-zeta).
func Precession(mjdSec float64) *mat.Dense {
	t := (mjdSec/86400.0 + ttMinusUT/86400.0 - mjdJ2000) / 36525.0
	t2 := t * t
	t3 := t2 * t
	zeta := (2306.2181*t + 0.30188*t2 + 0.017998*t3) * arcsec
	theta := (2004.3109*t - 0.42665*t2 - 0.041833*t3) * arcsec
	z := (2306.2181*t + 1.09468*t2 + 0.018203*t3) * arcsec

	var tmp, p mat.Dense
	tmp.Mul(rotZ(-z), rotY(theta))
	p.Mul(&tmp, rotZ(-zeta))
	return &p
}

// rotY and rotZ are frame rotations by angle a.
func rotY(a float64) *mat.Dense {
	c, s := math.Cos(a), math.Sin(a)
	return mat.NewDense(3, 3, []float64{
		c, 0, -s,
		0, 1, 0,
		s, 0, c,
	})
}

func rotZ(a float64) *mat.Dense {
	c, s := math.Cos(a), math.Sin(a)
	return mat.NewDense(3, 3, []float64{
		c, s, 0,
		-s, c, 0,
		0, 0, 1,
	})
}
