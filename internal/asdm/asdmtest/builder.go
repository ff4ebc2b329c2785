// Package asdmtest writes small ASDM metadata directories for tests.
package asdmtest

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/basekick-labs/asdm2ms/internal/asdm"
)

type field struct {
	name   string
	value  string
	entity bool
}

type table struct {
	name string
	rows [][]field
}

// Builder accumulates metadata rows and writes them as ASDM XML tables.
type Builder struct {
	tables map[string]*table
	order  []string
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{tables: make(map[string]*table)}
}

func (b *Builder) add(name string, row []field) {
	t, ok := b.tables[name]
	if !ok {
		t = &table{name: name}
		b.tables[name] = t
		b.order = append(b.order, name)
	}
	t.rows = append(t.rows, row)
}

func tag(kind string, id int) string {
	return kind + "_" + strconv.Itoa(id)
}

func tags(kind string, ids []int) string {
	vals := make([]string, len(ids))
	for i, id := range ids {
		vals[i] = tag(kind, id)
	}
	return asdm.FormatArray(vals)
}

func floats(vals ...float64) string {
	s := make([]string, len(vals))
	for i, v := range vals {
		s[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return asdm.FormatArray(s)
}

func ff(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// AddExecBlock adds an ExecBlock row.
func (b *Builder) AddExecBlock(eb asdm.ExecBlock) *Builder {
	b.add("ExecBlock", []field{
		{name: "execBlockId", value: tag("ExecBlock", eb.ID)},
		{name: "execBlockUID", value: eb.UID, entity: true},
	})
	return b
}

// AddStation adds a Station row.
func (b *Builder) AddStation(s asdm.Station) *Builder {
	b.add("Station", []field{
		{name: "stationId", value: tag("Station", s.ID)},
		{name: "name", value: s.Name},
		{name: "position", value: floats(s.Position[:]...)},
	})
	return b
}

// AddAntenna adds an Antenna row.
func (b *Builder) AddAntenna(a asdm.Antenna) *Builder {
	b.add("Antenna", []field{
		{name: "antennaId", value: tag("Antenna", a.ID)},
		{name: "name", value: a.Name},
		{name: "stationId", value: tag("Station", a.StationID)},
		{name: "position", value: floats(a.Position[:]...)},
	})
	return b
}

// AddSpectralWindow adds a SpectralWindow row.
func (b *Builder) AddSpectralWindow(s asdm.SpectralWindow) *Builder {
	b.add("SpectralWindow", []field{
		{name: "spectralWindowId", value: tag("SpectralWindow", s.ID)},
		{name: "numChan", value: strconv.Itoa(s.NumChan)},
		{name: "effectiveBw", value: ff(s.EffectiveBandwidth)},
	})
	return b
}

// AddPolarization adds a Polarization row.
func (b *Builder) AddPolarization(p asdm.Polarization) *Builder {
	b.add("Polarization", []field{
		{name: "polarizationId", value: tag("Polarization", p.ID)},
		{name: "numCorr", value: strconv.Itoa(len(p.CorrTypes))},
		{name: "corrType", value: asdm.FormatArray(p.CorrTypes)},
	})
	return b
}

// AddDataDescription adds a DataDescription row.
func (b *Builder) AddDataDescription(dd asdm.DataDescription) *Builder {
	b.add("DataDescription", []field{
		{name: "dataDescriptionId", value: tag("DataDescription", dd.ID)},
		{name: "polOrHoloId", value: tag("Polarization", dd.PolarizationID)},
		{name: "spectralWindowId", value: tag("SpectralWindow", dd.SpectralWindowID)},
	})
	return b
}

// AddConfigDescription adds a ConfigDescription row.
func (b *Builder) AddConfigDescription(c asdm.ConfigDescription) *Builder {
	apc := make([]string, len(c.AtmPhaseCorrection))
	for i, a := range c.AtmPhaseCorrection {
		apc[i] = string(a)
	}
	row := []field{
		{name: "configDescriptionId", value: tag("ConfigDescription", c.ID)},
		{name: "antennaId", value: tags("Antenna", c.AntennaIDs)},
		{name: "dataDescriptionId", value: tags("DataDescription", c.DataDescriptionIDs)},
		{name: "processorId", value: tag("Processor", c.ProcessorID)},
		{name: "correlationMode", value: string(c.CorrelationMode)},
		{name: "processorType", value: string(c.ProcessorType)},
	}
	if len(c.FeedIDs) > 0 {
		row = append(row, field{name: "feedId", value: tags("Feed", c.FeedIDs)})
	}
	if c.NumFeed > 0 {
		row = append(row, field{name: "numFeed", value: strconv.Itoa(c.NumFeed)})
	}
	if c.SpectralType != "" {
		row = append(row, field{name: "spectralType", value: string(c.SpectralType)})
	}
	if len(apc) > 0 {
		row = append(row, field{name: "atmPhaseCorrection", value: asdm.FormatArray(apc)})
	}
	b.add("ConfigDescription", row)
	return b
}

// AddField adds a Field row.
func (b *Builder) AddField(f asdm.Field) *Builder {
	b.add("Field", []field{
		{name: "fieldId", value: tag("Field", f.ID)},
		{name: "fieldName", value: f.Name},
		{name: "phaseDir", value: floats(f.PhaseDir[:]...)},
	})
	return b
}

// AddScan adds a Scan row.
func (b *Builder) AddScan(s asdm.Scan) *Builder {
	b.add("Scan", []field{
		{name: "execBlockId", value: tag("ExecBlock", s.ExecBlockID)},
		{name: "scanNumber", value: strconv.Itoa(s.ScanNumber)},
		{name: "scanIntent", value: asdm.FormatArray(s.Intents)},
	})
	return b
}

// AddSubscan adds a Subscan row.
func (b *Builder) AddSubscan(s asdm.Subscan) *Builder {
	b.add("Subscan", []field{
		{name: "execBlockId", value: tag("ExecBlock", s.ExecBlockID)},
		{name: "scanNumber", value: strconv.Itoa(s.ScanNumber)},
		{name: "subscanNumber", value: strconv.Itoa(s.SubscanNumber)},
		{name: "subscanIntent", value: s.Intent},
	})
	return b
}

// AddMain adds a Main row.
func (b *Builder) AddMain(m asdm.MainRow) *Builder {
	row := []field{
		{name: "time", value: strconv.FormatInt(m.Time, 10)},
		{name: "configDescriptionId", value: tag("ConfigDescription", m.ConfigDescriptionID)},
		{name: "fieldId", value: tag("Field", m.FieldID)},
		{name: "numAntenna", value: strconv.Itoa(m.NumAntenna)},
		{name: "timeSampling", value: string(m.TimeSampling)},
		{name: "interval", value: strconv.FormatInt(m.Interval, 10)},
		{name: "numIntegration", value: strconv.Itoa(m.NumIntegration)},
		{name: "scanNumber", value: strconv.Itoa(m.ScanNumber)},
		{name: "subscanNumber", value: strconv.Itoa(m.SubscanNumber)},
		{name: "dataSize", value: strconv.FormatInt(m.DataSize, 10)},
		{name: "dataUID", value: m.DataUID, entity: true},
		{name: "execBlockId", value: tag("ExecBlock", m.ExecBlockID)},
	}
	if len(m.StateIDs) > 0 {
		row = append(row, field{name: "stateId", value: tags("State", m.StateIDs)})
	}
	b.add("Main", row)
	return b
}

// Write emits one <Table>.xml per table into dir.
func (b *Builder) Write(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, name := range b.order {
		t := b.tables[name]
		var buf bytes.Buffer
		buf.WriteString(xml.Header)
		fmt.Fprintf(&buf, "<%sTable>\n", name)
		for _, row := range t.rows {
			buf.WriteString("  <row>")
			for _, f := range row {
				if f.entity {
					fmt.Fprintf(&buf, "<%s><EntityRef entityId=\"", f.name)
					xml.EscapeText(&buf, []byte(f.value))
					fmt.Fprintf(&buf, "\"/></%s>", f.name)
					continue
				}
				fmt.Fprintf(&buf, "<%s>", f.name)
				xml.EscapeText(&buf, []byte(f.value))
				fmt.Fprintf(&buf, "</%s>", f.name)
			}
			buf.WriteString("</row>\n")
		}
		fmt.Fprintf(&buf, "</%sTable>\n", name)
		if err := os.WriteFile(filepath.Join(dir, name+".xml"), buf.Bytes(), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Base returns a builder holding the shared part of the test datasets: two
// antennas on two stations, one spectral window of 4 channels with an XX YY
// polarization, one field and scan 1 / subscan 1 of exec block 0. It has no
// ConfigDescription and no Main row.
func Base() *Builder {
	b := NewBuilder()
	b.AddExecBlock(asdm.ExecBlock{ID: 0, UID: "uid://A002/Xeb/X1"})
	b.AddStation(asdm.Station{ID: 0, Name: "A001", Position: [3]float64{2225061.0, -5440057.0, -2481681.0}})
	b.AddStation(asdm.Station{ID: 1, Name: "A002", Position: [3]float64{2225161.0, -5440007.0, -2481631.0}})
	b.AddAntenna(asdm.Antenna{ID: 0, Name: "DA41", StationID: 0})
	b.AddAntenna(asdm.Antenna{ID: 1, Name: "DA42", StationID: 1})
	b.AddSpectralWindow(asdm.SpectralWindow{ID: 0, NumChan: 4, EffectiveBandwidth: 1e6})
	b.AddPolarization(asdm.Polarization{ID: 0, CorrTypes: []string{"XX", "YY"}})
	b.AddDataDescription(asdm.DataDescription{ID: 0, PolarizationID: 0, SpectralWindowID: 0})
	b.AddField(asdm.Field{ID: 0, Name: "J1924-2914", PhaseDir: [2]float64{5.0765, -0.5093}})
	b.AddScan(asdm.Scan{ExecBlockID: 0, ScanNumber: 1, Intents: []string{"CALIBRATE_PHASE"}})
	b.AddSubscan(asdm.Subscan{ExecBlockID: 0, ScanNumber: 1, SubscanNumber: 1, Intent: "ON_SOURCE"})
	return b
}

// StandardConfig is the cross-and-auto correlator configuration of Standard.
func StandardConfig() asdm.ConfigDescription {
	return asdm.ConfigDescription{
		ID:                 0,
		AntennaIDs:         []int{0, 1},
		FeedIDs:            []int{0, 0},
		DataDescriptionIDs: []int{0},
		NumFeed:            1,
		CorrelationMode:    asdm.CrossAndAuto,
		SpectralType:       asdm.FullResolution,
		ProcessorType:      asdm.Correlator,
		AtmPhaseCorrection: []asdm.AtmPhaseCorrection{asdm.APUncorrected, asdm.APCorrected},
	}
}

// StandardMain is the Main row of Standard: two 1 s integrations of
// configuration 0 pointing at uid.
func StandardMain(uid string) asdm.MainRow {
	return asdm.MainRow{
		Time:                StandardTime,
		ConfigDescriptionID: 0,
		FieldID:             0,
		NumAntenna:          2,
		TimeSampling:        asdm.Integration,
		Interval:            2_000_000_000,
		NumIntegration:      2,
		ScanNumber:          1,
		SubscanNumber:       1,
		DataSize:            1,
		DataUID:             uid,
		ExecBlockID:         0,
	}
}

// Standard returns Base with StandardConfig and a single StandardMain row.
func Standard(uid string) *Builder {
	return Base().AddConfigDescription(StandardConfig()).AddMain(StandardMain(uid))
}

// StandardTime is the Main row time used by Standard: MJD 59000 in ns.
const StandardTime int64 = 59000 * 86400 * 1_000_000_000
