package asdm

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Row is the uniform view of one ASDM table row: child element name to text.
// Entity references are stored as their entityId.
type Row struct {
	Table  string
	Index  int
	Fields map[string]string
}

type xmlEntityRef struct {
	EntityID string `xml:"entityId,attr"`
}

type xmlField struct {
	XMLName xml.Name
	Text    string        `xml:",chardata"`
	Ref     *xmlEntityRef `xml:"EntityRef"`
}

type xmlRow struct {
	Fields []xmlField `xml:",any"`
}

// ReadTable streams the rows of an ASDM XML table.
func ReadTable(r io.Reader, table string) ([]Row, error) {
	dec := xml.NewDecoder(r)
	var rows []Row
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, table, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "row" {
			continue
		}
		var xr xmlRow
		if err := dec.DecodeElement(&xr, &se); err != nil {
			return nil, fmt.Errorf("%w: %s row %d: %v", ErrMalformed, table, len(rows), err)
		}
		row := Row{Table: table, Index: len(rows), Fields: make(map[string]string, len(xr.Fields))}
		for _, f := range xr.Fields {
			if f.Ref != nil {
				row.Fields[f.XMLName.Local] = f.Ref.EntityID
				continue
			}
			row.Fields[f.XMLName.Local] = strings.TrimSpace(f.Text)
		}
		rows = append(rows, row)
	}
}

// ReadTableFile opens path and reads it with ReadTable.
func ReadTableFile(path, table string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTable(f, table)
}

// fieldReader extracts typed values from a Row, keeping the first error.
type fieldReader struct {
	row Row
	err error
}

func (f *fieldReader) fail(name string, err error) {
	if f.err == nil {
		f.err = fmt.Errorf("%w: %s row %d field %s: %v", ErrMalformed, f.row.Table, f.row.Index, name, err)
	}
}

func (f *fieldReader) has(name string) bool {
	_, ok := f.row.Fields[name]
	return ok
}

func (f *fieldReader) str(name string) string {
	v, ok := f.row.Fields[name]
	if !ok {
		f.fail(name, errors.New("missing"))
	}
	return v
}

func (f *fieldReader) int(name string) int {
	v := f.str(name)
	if f.err != nil {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		f.fail(name, err)
	}
	return n
}

func (f *fieldReader) int64(name string) int64 {
	v := f.str(name)
	if f.err != nil {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		f.fail(name, err)
	}
	return n
}

func (f *fieldReader) float(name string) float64 {
	v := f.str(name)
	if f.err != nil {
		return 0
	}
	x, err := strconv.ParseFloat(v, 64)
	if err != nil {
		f.fail(name, err)
	}
	return x
}

func (f *fieldReader) tag(name string) int {
	v := f.str(name)
	if f.err != nil {
		return 0
	}
	n, err := ParseTag(v)
	if err != nil {
		f.fail(name, err)
	}
	return n
}

func (f *fieldReader) strings(name string) []string {
	v := f.str(name)
	if f.err != nil {
		return nil
	}
	vals, err := ParseArray(v)
	if err != nil {
		f.fail(name, err)
	}
	return vals
}

func (f *fieldReader) tags(name string) []int {
	vals := f.strings(name)
	out := make([]int, 0, len(vals))
	for _, v := range vals {
		n, err := ParseTag(v)
		if err != nil {
			f.fail(name, err)
			return nil
		}
		out = append(out, n)
	}
	return out
}

func (f *fieldReader) floats(name string) []float64 {
	vals := f.strings(name)
	out := make([]float64, 0, len(vals))
	for _, v := range vals {
		x, err := strconv.ParseFloat(v, 64)
		if err != nil {
			f.fail(name, err)
			return nil
		}
		out = append(out, x)
	}
	return out
}

func (f *fieldReader) vec3(name string) [3]float64 {
	var out [3]float64
	vals := f.floats(name)
	if f.err != nil {
		return out
	}
	if len(vals) != 3 {
		f.fail(name, fmt.Errorf("expected 3 values, got %d", len(vals)))
		return out
	}
	copy(out[:], vals)
	return out
}

// ParseTag parses an ASDM tag such as "SpectralWindow_3" into its number.
// Plain integers are accepted too.
func ParseTag(s string) (int, error) {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '_'); i >= 0 {
		s = s[i+1:]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid tag %q", s)
	}
	return n, nil
}

// ParseArray decodes the ASDM text encoding of an array:
// "ndim dim1 [dim2 ...] v1 v2 ..." and returns the flattened values.
func ParseArray(s string) ([]string, error) {
	toks := strings.Fields(s)
	if len(toks) == 0 {
		return nil, errors.New("empty array")
	}
	ndim, err := strconv.Atoi(toks[0])
	if err != nil || ndim < 1 {
		return nil, fmt.Errorf("invalid array rank %q", toks[0])
	}
	if len(toks) < 1+ndim {
		return nil, fmt.Errorf("array of rank %d is missing dimensions", ndim)
	}
	count := 1
	for _, d := range toks[1 : 1+ndim] {
		n, err := strconv.Atoi(d)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid array dimension %q", d)
		}
		count *= n
	}
	vals := toks[1+ndim:]
	if len(vals) != count {
		return nil, fmt.Errorf("array declares %d values, found %d", count, len(vals))
	}
	return vals, nil
}

// FormatArray encodes a one dimensional array in the ASDM text encoding.
func FormatArray(vals []string) string {
	return "1 " + strconv.Itoa(len(vals)) + " " + strings.Join(vals, " ")
}
