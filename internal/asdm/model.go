// Package asdm loads the metadata tables of an ASDM dataset and exposes the
// lookups the conversion pipeline needs.
package asdm

import "fmt"

// CorrelationMode declares which correlation products a configuration carries.
type CorrelationMode string

const (
	CrossOnly    CorrelationMode = "CROSS_ONLY"
	AutoOnly     CorrelationMode = "AUTO_ONLY"
	CrossAndAuto CorrelationMode = "CROSS_AND_AUTO"
)

// HasCross reports whether the mode carries cross-correlations.
func (m CorrelationMode) HasCross() bool {
	return m == CrossOnly || m == CrossAndAuto
}

// HasAuto reports whether the mode carries autocorrelations.
func (m CorrelationMode) HasAuto() bool {
	return m == AutoOnly || m == CrossAndAuto
}

// Valid reports whether m is a known correlation mode.
func (m CorrelationMode) Valid() bool {
	return m == CrossOnly || m == AutoOnly || m == CrossAndAuto
}

// SpectralResolutionType is the spectral processing applied by the correlator.
type SpectralResolutionType string

const (
	FullResolution SpectralResolutionType = "FULL_RESOLUTION"
	ChannelAverage SpectralResolutionType = "CHANNEL_AVERAGE"
	BasebandWide   SpectralResolutionType = "BASEBAND_WIDE"
)

// Valid reports whether t is a known spectral resolution type.
func (t SpectralResolutionType) Valid() bool {
	return t == FullResolution || t == ChannelAverage || t == BasebandWide
}

// TimeSampling is the time granularity of a Main row.
type TimeSampling string

const (
	Integration    TimeSampling = "INTEGRATION"
	Subintegration TimeSampling = "SUBINTEGRATION"
)

// Valid reports whether s is a known time sampling.
func (s TimeSampling) Valid() bool {
	return s == Integration || s == Subintegration
}

// ProcessorType identifies the back end that produced a binary blob.
type ProcessorType string

const (
	Correlator   ProcessorType = "CORRELATOR"
	Radiometer   ProcessorType = "RADIOMETER"
	Spectrometer ProcessorType = "SPECTROMETER"
)

// AtmPhaseCorrection labels the atmospheric phase correction applied to a sample.
type AtmPhaseCorrection string

const (
	APUncorrected AtmPhaseCorrection = "AP_UNCORRECTED"
	APCorrected   AtmPhaseCorrection = "AP_CORRECTED"
)

// Valid reports whether a is a known atmospheric phase correction label.
func (a AtmPhaseCorrection) Valid() bool {
	return a == APUncorrected || a == APCorrected
}

// MainRow is one row of the Main table: a single observation record pointing
// at one binary data file.
type MainRow struct {
	Index               int   // position in Main.xml
	Time                int64 // ArrayTime, ns since MJD 0
	ConfigDescriptionID int
	FieldID             int
	NumAntenna          int
	TimeSampling        TimeSampling
	Interval            int64 // ns
	NumIntegration      int
	ScanNumber          int
	SubscanNumber       int
	DataSize            int64
	DataUID             string
	StateIDs            []int
	ExecBlockID         int
}

// String identifies the row in log lines.
func (r *MainRow) String() string {
	return fmt.Sprintf("main[%d] eb=%d scan=%d subscan=%d", r.Index, r.ExecBlockID, r.ScanNumber, r.SubscanNumber)
}

// ConfigDescription lists what participates in one Main row.
type ConfigDescription struct {
	ID                 int
	AntennaIDs         []int
	FeedIDs            []int
	DataDescriptionIDs []int
	ProcessorID        int
	NumFeed            int
	CorrelationMode    CorrelationMode
	SpectralType       SpectralResolutionType
	ProcessorType      ProcessorType
	AtmPhaseCorrection []AtmPhaseCorrection
}

// FeedFor returns the feed id used by the antenna at position antIndex.
func (c *ConfigDescription) FeedFor(antIndex int) int {
	if len(c.FeedIDs) == 0 {
		return 0
	}
	numFeed := c.NumFeed
	if numFeed < 1 {
		numFeed = 1
	}
	i := antIndex * numFeed
	if i >= len(c.FeedIDs) {
		return c.FeedIDs[0]
	}
	return c.FeedIDs[i]
}

// DataDescription pairs a spectral window with a polarization setup.
type DataDescription struct {
	ID               int
	PolarizationID   int
	SpectralWindowID int
}

// SpectralWindow holds the parts of a spectral window the converter needs.
type SpectralWindow struct {
	ID                 int
	Index              int // position in SpectralWindow.xml, used as the MS index
	NumChan            int
	EffectiveBandwidth float64 // Hz, per channel
}

// Polarization is a list of correlation products such as XX, XY, YX, YY.
type Polarization struct {
	ID        int
	CorrTypes []string
}

// Antenna carries the antenna offset relative to its station.
type Antenna struct {
	ID        int
	Name      string
	StationID int
	Position  [3]float64
}

// Station carries the ITRF position of an antenna pad.
type Station struct {
	ID       int
	Name     string
	Position [3]float64
}

// Field holds the phase tracking direction (J2000 RA, Dec in radians).
type Field struct {
	ID       int
	Name     string
	PhaseDir [2]float64
}

// Scan holds the intents of one scan.
type Scan struct {
	ExecBlockID int
	ScanNumber  int
	Intents     []string
}

// Subscan holds the intent of one subscan.
type Subscan struct {
	ExecBlockID   int
	ScanNumber    int
	SubscanNumber int
	Intent        string
}

// ExecBlock is one execution block; its table position is the observation id.
type ExecBlock struct {
	ID    int
	Index int
	UID   string
}
