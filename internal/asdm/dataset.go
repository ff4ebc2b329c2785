package asdm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Dataset is an in-memory view of the ASDM metadata tables the converter uses.
// It is read-only once loaded.
type Dataset struct {
	dir    string
	logger zerolog.Logger

	main               []*MainRow
	configDescriptions map[int]*ConfigDescription
	dataDescriptions   map[int]*DataDescription
	spectralWindows    map[int]*SpectralWindow
	polarizations      map[int]*Polarization
	antennas           map[int]*Antenna
	stations           map[int]*Station
	fields             map[int]*Field
	scans              map[[2]int]*Scan
	subscans           map[[3]int]*Subscan
	execBlocks         map[int]*ExecBlock
	execBlockOrder     []int
}

// Load reads the metadata tables of the ASDM at dir.
func Load(dir string, logger zerolog.Logger) (*Dataset, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("dataset path is not a directory: %s", dir)
	}

	d := &Dataset{
		dir:                dir,
		logger:             logger.With().Str("component", "asdm").Logger(),
		configDescriptions: make(map[int]*ConfigDescription),
		dataDescriptions:   make(map[int]*DataDescription),
		spectralWindows:    make(map[int]*SpectralWindow),
		polarizations:      make(map[int]*Polarization),
		antennas:           make(map[int]*Antenna),
		stations:           make(map[int]*Station),
		fields:             make(map[int]*Field),
		scans:              make(map[[2]int]*Scan),
		subscans:           make(map[[3]int]*Subscan),
		execBlocks:         make(map[int]*ExecBlock),
	}

	loaders := []struct {
		table    string
		optional bool
		load     func(*fieldReader) error
	}{
		{"ExecBlock", false, d.loadExecBlock},
		{"Station", false, d.loadStation},
		{"Antenna", false, d.loadAntenna},
		{"SpectralWindow", false, d.loadSpectralWindow},
		{"Polarization", false, d.loadPolarization},
		{"DataDescription", false, d.loadDataDescription},
		{"ConfigDescription", false, d.loadConfigDescription},
		{"Field", false, d.loadField},
		{"Scan", true, d.loadScan},
		{"Subscan", true, d.loadSubscan},
		{"Main", false, d.loadMain},
	}

	for _, l := range loaders {
		path := filepath.Join(dir, l.table+".xml")
		rows, err := ReadTableFile(path, l.table)
		if err != nil {
			if os.IsNotExist(err) && l.optional {
				d.logger.Warn().Str("table", l.table).Msg("Optional table missing")
				continue
			}
			return nil, fmt.Errorf("failed to read %s table: %w", l.table, err)
		}
		for _, row := range rows {
			fr := &fieldReader{row: row}
			if err := l.load(fr); err != nil {
				return nil, err
			}
			if fr.err != nil {
				return nil, fr.err
			}
		}
		d.logger.Debug().Str("table", l.table).Int("rows", len(rows)).Msg("Loaded table")
	}

	d.logger.Info().
		Str("dir", dir).
		Int("main_rows", len(d.main)).
		Int("antennas", len(d.antennas)).
		Int("spectral_windows", len(d.spectralWindows)).
		Msg("Dataset loaded")

	return d, nil
}

func (d *Dataset) loadExecBlock(f *fieldReader) error {
	eb := &ExecBlock{ID: f.tag("execBlockId"), Index: len(d.execBlockOrder)}
	if f.has("execBlockUID") {
		eb.UID = f.str("execBlockUID")
	}
	d.execBlocks[eb.ID] = eb
	d.execBlockOrder = append(d.execBlockOrder, eb.ID)
	return nil
}

func (d *Dataset) loadStation(f *fieldReader) error {
	s := &Station{ID: f.tag("stationId"), Name: f.str("name"), Position: f.vec3("position")}
	d.stations[s.ID] = s
	return nil
}

func (d *Dataset) loadAntenna(f *fieldReader) error {
	a := &Antenna{
		ID:        f.tag("antennaId"),
		Name:      f.str("name"),
		StationID: f.tag("stationId"),
	}
	if f.has("position") {
		a.Position = f.vec3("position")
	}
	d.antennas[a.ID] = a
	return nil
}

func (d *Dataset) loadSpectralWindow(f *fieldReader) error {
	s := &SpectralWindow{
		ID:      f.tag("spectralWindowId"),
		Index:   len(d.spectralWindows),
		NumChan: f.int("numChan"),
	}
	switch {
	case f.has("effectiveBw"):
		s.EffectiveBandwidth = f.float("effectiveBw")
	case f.has("effectiveBwArray"):
		if vals := f.floats("effectiveBwArray"); len(vals) > 0 {
			s.EffectiveBandwidth = vals[0]
		}
	case f.has("chanWidth"):
		s.EffectiveBandwidth = f.float("chanWidth")
	}
	if s.EffectiveBandwidth < 0 {
		s.EffectiveBandwidth = -s.EffectiveBandwidth
	}
	d.spectralWindows[s.ID] = s
	return nil
}

func (d *Dataset) loadPolarization(f *fieldReader) error {
	p := &Polarization{ID: f.tag("polarizationId"), CorrTypes: f.strings("corrType")}
	if f.has("numCorr") {
		if n := f.int("numCorr"); f.err == nil && n != len(p.CorrTypes) {
			return fmt.Errorf("%w: Polarization row %d declares %d correlations, lists %d",
				ErrMalformed, f.row.Index, n, len(p.CorrTypes))
		}
	}
	d.polarizations[p.ID] = p
	return nil
}

func (d *Dataset) loadDataDescription(f *fieldReader) error {
	dd := &DataDescription{
		ID:               f.tag("dataDescriptionId"),
		PolarizationID:   f.tag("polOrHoloId"),
		SpectralWindowID: f.tag("spectralWindowId"),
	}
	d.dataDescriptions[dd.ID] = dd
	return nil
}

func (d *Dataset) loadConfigDescription(f *fieldReader) error {
	c := &ConfigDescription{
		ID:                 f.tag("configDescriptionId"),
		AntennaIDs:         f.tags("antennaId"),
		DataDescriptionIDs: f.tags("dataDescriptionId"),
		CorrelationMode:    CorrelationMode(f.str("correlationMode")),
		ProcessorType:      ProcessorType(f.str("processorType")),
		NumFeed:            1,
	}
	if f.has("feedId") {
		c.FeedIDs = f.tags("feedId")
	}
	if f.has("numFeed") {
		c.NumFeed = f.int("numFeed")
	}
	if f.has("processorId") {
		c.ProcessorID = f.tag("processorId")
	}
	c.SpectralType = FullResolution
	if f.has("spectralType") {
		c.SpectralType = SpectralResolutionType(f.str("spectralType"))
	}
	if f.has("atmPhaseCorrection") {
		for _, s := range f.strings("atmPhaseCorrection") {
			c.AtmPhaseCorrection = append(c.AtmPhaseCorrection, AtmPhaseCorrection(s))
		}
	}
	if len(c.AtmPhaseCorrection) == 0 {
		c.AtmPhaseCorrection = []AtmPhaseCorrection{APUncorrected}
	}
	d.configDescriptions[c.ID] = c
	return nil
}

func (d *Dataset) loadField(f *fieldReader) error {
	fld := &Field{ID: f.tag("fieldId"), Name: f.str("fieldName")}
	name := "phaseDir"
	if !f.has(name) {
		name = "referenceDir"
	}
	dir := f.floats(name)
	if f.err == nil {
		if len(dir) < 2 {
			return fmt.Errorf("%w: Field row %d: direction needs 2 values", ErrMalformed, f.row.Index)
		}
		fld.PhaseDir = [2]float64{dir[0], dir[1]}
	}
	d.fields[fld.ID] = fld
	return nil
}

func (d *Dataset) loadScan(f *fieldReader) error {
	s := &Scan{ExecBlockID: f.tag("execBlockId"), ScanNumber: f.int("scanNumber")}
	if f.has("scanIntent") {
		s.Intents = f.strings("scanIntent")
	}
	d.scans[[2]int{s.ExecBlockID, s.ScanNumber}] = s
	return nil
}

func (d *Dataset) loadSubscan(f *fieldReader) error {
	s := &Subscan{
		ExecBlockID:   f.tag("execBlockId"),
		ScanNumber:    f.int("scanNumber"),
		SubscanNumber: f.int("subscanNumber"),
		Intent:        f.str("subscanIntent"),
	}
	d.subscans[[3]int{s.ExecBlockID, s.ScanNumber, s.SubscanNumber}] = s
	return nil
}

func (d *Dataset) loadMain(f *fieldReader) error {
	m := &MainRow{
		Index:               len(d.main),
		Time:                f.int64("time"),
		ConfigDescriptionID: f.tag("configDescriptionId"),
		FieldID:             f.tag("fieldId"),
		NumAntenna:          f.int("numAntenna"),
		TimeSampling:        TimeSampling(f.str("timeSampling")),
		Interval:            f.int64("interval"),
		NumIntegration:      f.int("numIntegration"),
		ScanNumber:          f.int("scanNumber"),
		SubscanNumber:       f.int("subscanNumber"),
		DataSize:            f.int64("dataSize"),
		DataUID:             f.str("dataUID"),
		ExecBlockID:         f.tag("execBlockId"),
	}
	if f.has("stateId") {
		m.StateIDs = f.tags("stateId")
	}
	d.main = append(d.main, m)
	return nil
}

// Dir returns the dataset root directory.
func (d *Dataset) Dir() string {
	return d.dir
}

// MainRows returns the Main table rows in file order.
func (d *Dataset) MainRows() []*MainRow {
	return d.main
}

// ConfigurationDescription looks up a configuration description by id.
func (d *Dataset) ConfigurationDescription(id int) (*ConfigDescription, error) {
	c, ok := d.configDescriptions[id]
	if !ok {
		return nil, fmt.Errorf("%w: ConfigDescription_%d", ErrNotFound, id)
	}
	return c, nil
}

// DataDescription looks up a data description by id.
func (d *Dataset) DataDescription(id int) (*DataDescription, error) {
	dd, ok := d.dataDescriptions[id]
	if !ok {
		return nil, fmt.Errorf("%w: DataDescription_%d", ErrNotFound, id)
	}
	return dd, nil
}

// Polarization looks up a polarization setup by id.
func (d *Dataset) Polarization(id int) (*Polarization, error) {
	p, ok := d.polarizations[id]
	if !ok {
		return nil, fmt.Errorf("%w: Polarization_%d", ErrNotFound, id)
	}
	return p, nil
}

// SpectralWindow looks up a spectral window by id.
func (d *Dataset) SpectralWindow(id int) (*SpectralWindow, error) {
	s, ok := d.spectralWindows[id]
	if !ok {
		return nil, fmt.Errorf("%w: SpectralWindow_%d", ErrNotFound, id)
	}
	return s, nil
}

// SpectralWindowShape returns the channel count and per-channel effective
// bandwidth (Hz) of a spectral window.
func (d *Dataset) SpectralWindowShape(spwID int) (int, float64, error) {
	s, err := d.SpectralWindow(spwID)
	if err != nil {
		return 0, 0, err
	}
	return s.NumChan, s.EffectiveBandwidth, nil
}

// Field looks up a field by id.
func (d *Dataset) Field(id int) (*Field, error) {
	f, ok := d.fields[id]
	if !ok {
		return nil, fmt.Errorf("%w: Field_%d", ErrNotFound, id)
	}
	return f, nil
}

// ScanIntent returns the intents of a scan.
func (d *Dataset) ScanIntent(execBlockID, scanNumber int) ([]string, error) {
	s, ok := d.scans[[2]int{execBlockID, scanNumber}]
	if !ok {
		return nil, fmt.Errorf("%w: Scan eb=%d scan=%d", ErrNotFound, execBlockID, scanNumber)
	}
	return s.Intents, nil
}

// SubscanIntent returns the intent of a subscan.
func (d *Dataset) SubscanIntent(execBlockID, scanNumber, subscanNumber int) (string, error) {
	s, ok := d.subscans[[3]int{execBlockID, scanNumber, subscanNumber}]
	if !ok {
		return "", fmt.Errorf("%w: Subscan eb=%d scan=%d subscan=%d", ErrNotFound, execBlockID, scanNumber, subscanNumber)
	}
	return s.Intent, nil
}

// AntennaStationPosition returns the ITRF position of an antenna: its
// station position plus the antenna offset.
func (d *Dataset) AntennaStationPosition(antennaID int) ([3]float64, error) {
	a, ok := d.antennas[antennaID]
	if !ok {
		return [3]float64{}, fmt.Errorf("%w: Antenna_%d", ErrNotFound, antennaID)
	}
	s, ok := d.stations[a.StationID]
	if !ok {
		return [3]float64{}, fmt.Errorf("%w: Station_%d for Antenna_%d", ErrNotFound, a.StationID, antennaID)
	}
	return [3]float64{
		s.Position[0] + a.Position[0],
		s.Position[1] + a.Position[1],
		s.Position[2] + a.Position[2],
	}, nil
}

// ExecBlockIndex returns the table position of an exec block, used as the
// observation id.
func (d *Dataset) ExecBlockIndex(id int) (int, error) {
	eb, ok := d.execBlocks[id]
	if !ok {
		return 0, fmt.Errorf("%w: ExecBlock_%d", ErrNotFound, id)
	}
	return eb.Index, nil
}

// ExecBlockIDs returns exec block ids in table order.
func (d *Dataset) ExecBlockIDs() []int {
	return d.execBlockOrder
}

// BDFPath resolves the binary data file of a Main row.
func (d *Dataset) BDFPath(row *MainRow) string {
	return BDFPath(d.dir, row.DataUID)
}

// BDFPath maps a data unit identifier to its file under ASDMBinary:
// "uid://A002/X1/X2" becomes "<dir>/ASDMBinary/uid___A002_X1_X2".
func BDFPath(dir, uid string) string {
	name := strings.NewReplacer(":", "_", "/", "_").Replace(strings.TrimSpace(uid))
	return filepath.Join(dir, "ASDMBinary", name)
}

// FieldDirection returns the phase tracking direction (RA, Dec in radians)
// of a field.
func (d *Dataset) FieldDirection(fieldID int) ([2]float64, error) {
	f, err := d.Field(fieldID)
	if err != nil {
		return [2]float64{}, err
	}
	return f.PhaseDir, nil
}

// PolarizationProducts returns the correlation type names of a polarization
// setup in declared order.
func (d *Dataset) PolarizationProducts(polID int) ([]string, error) {
	p, err := d.Polarization(polID)
	if err != nil {
		return nil, err
	}
	return p.CorrTypes, nil
}
