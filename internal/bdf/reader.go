package bdf

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/textproto"
	"os"
	"path"
	"strings"

	"github.com/rs/zerolog"
)

const readBufferSize = 256 * 1024

// countingReader tracks the file offset consumed through the bufio layer.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Reader demultiplexes one BDF into subsets. It is not safe for concurrent use.
type Reader struct {
	path   string
	file   *os.File
	cr     *countingReader
	br     *bufio.Reader
	tp     *textproto.Reader
	logger zerolog.Logger

	header   *Header
	boundary string

	pending textproto.MIMEHeader // lookahead: header of the next subset part
	done    bool
	closed  bool

	subsets []*Subset // reused between calls to Next
	read    int       // subsets returned so far
}

// Open opens the blob at path and parses its sdmDataHeader.
func Open(path string, logger zerolog.Logger) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	cr := &countingReader{r: f}
	br := bufio.NewReaderSize(cr, readBufferSize)
	r := &Reader{
		path:   path,
		file:   f,
		cr:     cr,
		br:     br,
		tp:     textproto.NewReader(br),
		logger: logger.With().Str("component", "bdf-reader").Logger(),
	}
	if err := r.readPreamble(); err != nil {
		f.Close()
		return nil, err
	}
	r.logger.Debug().
		Str("path", path).
		Str("correlation_mode", string(r.header.CorrelationMode)).
		Int("antennas", r.header.NumAntenna).
		Int("spectral_windows", len(r.header.SpectralWindows)).
		Msg("Opened BDF")
	return r, nil
}

// Header returns the decoded blob header.
func (r *Reader) Header() *Header {
	return r.header
}

// Path returns the blob path.
func (r *Reader) Path() string {
	return r.path
}

// offset is the file position of the next unread byte.
func (r *Reader) offset() int64 {
	return r.cr.n - int64(r.br.Buffered())
}

func (r *Reader) readPreamble() error {
	top, err := r.tp.ReadMIMEHeader()
	if err != nil {
		return fmt.Errorf("%w: reading MIME header: %v", ErrIO, err)
	}
	mediaType, params, err := mime.ParseMediaType(top.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("%w: content type: %v", ErrIO, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return fmt.Errorf("%w: not a multipart blob (%s)", ErrIO, mediaType)
	}
	r.boundary = params["boundary"]

	// Skip to the first delimiter.
	for {
		line, err := r.readLine()
		if err != nil {
			return fmt.Errorf("%w: no MIME delimiter found", ErrIO)
		}
		if more, ok := r.delimiter(line); ok {
			if !more {
				return fmt.Errorf("%w: empty multipart body", ErrIO)
			}
			break
		}
	}

	partHeader, err := r.tp.ReadMIMEHeader()
	if err != nil {
		return fmt.Errorf("%w: header part: %v", ErrIO, err)
	}
	if !isXMLPart(partHeader) {
		return fmt.Errorf("%w: first part is not the XML data header", ErrIO)
	}
	body, more, err := r.readTextBody()
	if err != nil {
		return fmt.Errorf("%w: header part: %v", ErrIO, err)
	}
	h, err := parseHeader(body)
	if err != nil {
		return fmt.Errorf("%w: invalid sdmDataHeader: %v", ErrIO, err)
	}
	r.header = h

	if !more {
		r.done = true
		return nil
	}
	return r.peek()
}

// peek reads the next part header as lookahead.
func (r *Reader) peek() error {
	h, err := r.tp.ReadMIMEHeader()
	if err != nil {
		return fmt.Errorf("%w: part header at offset %d: %v", ErrTruncatedData, r.offset(), err)
	}
	r.pending = h
	return nil
}

func (r *Reader) readLine() (string, error) {
	line, err := r.br.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// delimiter reports whether line is a boundary delimiter and whether more
// parts follow it.
func (r *Reader) delimiter(line string) (more bool, ok bool) {
	line = strings.TrimRight(line, " \t")
	switch line {
	case "--" + r.boundary:
		return true, true
	case "--" + r.boundary + "--":
		return false, true
	}
	return false, false
}

// readTextBody reads an XML part up to and including its delimiter line.
func (r *Reader) readTextBody() ([]byte, bool, error) {
	var buf bytes.Buffer
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, false, fmt.Errorf("unexpected end of stream in text part")
		}
		if more, ok := r.delimiter(line); ok {
			return buf.Bytes(), more, nil
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
}

// endBinaryPart consumes the CRLF and delimiter following a binary body.
// Anything else means the body is longer than declared.
func (r *Reader) endBinaryPart(name string) (bool, error) {
	crlf := make([]byte, 2)
	if _, err := io.ReadFull(r.br, crlf); err != nil {
		return false, fmt.Errorf("%w: %s: missing delimiter: %v", ErrTruncatedData, name, err)
	}
	line, err := r.readLine()
	if err != nil || string(crlf) != "\r\n" {
		return false, fmt.Errorf("%w: %s: body does not end at declared size", ErrTruncatedData, name)
	}
	more, ok := r.delimiter(line)
	if !ok {
		return false, fmt.Errorf("%w: %s: body does not end at declared size", ErrTruncatedData, name)
	}
	return more, nil
}

// skip advances n bytes, seeking past what is not buffered.
func (r *Reader) skip(n int64) error {
	if n <= int64(r.br.Buffered()) {
		_, err := r.br.Discard(int(n))
		return err
	}
	n -= int64(r.br.Buffered())
	if _, err := r.br.Discard(r.br.Buffered()); err != nil {
		return err
	}
	pos, err := r.file.Seek(n, io.SeekCurrent)
	if err != nil {
		return err
	}
	info, err := r.file.Stat()
	if err != nil {
		return err
	}
	if pos > info.Size() {
		return io.ErrUnexpectedEOF
	}
	r.cr.n = pos
	r.br.Reset(r.cr)
	return nil
}

func isXMLPart(h textproto.MIMEHeader) bool {
	if strings.HasSuffix(h.Get("Content-Location"), ".xml") {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && mediaType == "text/xml"
}

// attachmentName maps ".../crossData.bin" to "crossData".
func attachmentName(h textproto.MIMEHeader) string {
	return strings.TrimSuffix(path.Base(h.Get("Content-Location")), ".bin")
}

// HasNext reports whether another subset can be read.
func (r *Reader) HasNext() bool {
	return !r.closed && r.pending != nil
}

// Next reads up to n subsets (fewer at the end of the blob). Radiometer
// blobs hold a single subset and are never sliced. The returned subsets and
// their payloads are reused by the following call.
func (r *Reader) Next(n int) ([]*Subset, error) {
	return r.next(n, false)
}

// NextLazy is Next without loading crossData and autoData: their payloads
// are skipped and only their locations are recorded.
func (r *Reader) NextLazy(n int) ([]*Subset, error) {
	return r.next(n, true)
}

func (r *Reader) next(n int, lazy bool) ([]*Subset, error) {
	if r.closed {
		return nil, fmt.Errorf("%w: reader closed", ErrIO)
	}
	if n < 1 {
		n = 1
	}
	var out []*Subset
	for i := 0; i < n && r.HasNext(); i++ {
		if i == len(r.subsets) {
			r.subsets = append(r.subsets, &Subset{})
		}
		s := r.subsets[i]
		if err := r.readSubset(s, lazy); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, io.EOF
	}
	return out, nil
}

func (r *Reader) readSubset(s *Subset, lazy bool) error {
	h := r.pending
	r.pending = nil
	if !isXMLPart(h) {
		return fmt.Errorf("%w: expected subset header, got %q", ErrIO, h.Get("Content-Location"))
	}
	body, more, err := r.readTextBody()
	if err != nil {
		return fmt.Errorf("%w: subset %d header: %v", ErrTruncatedData, r.read, err)
	}
	var xs xmlSubsetHeader
	if err := xml.Unmarshal(body, &xs); err != nil {
		return fmt.Errorf("%w: subset %d header: %v", ErrIO, r.read, err)
	}
	s.reset(r.header, r.read, r.path)
	s.Time = xs.SchedulePeriodTime.Time
	s.Interval = xs.SchedulePeriodTime.Interval
	s.ProjectPath = xs.ProjectPath

	for more {
		if err := r.peek(); err != nil {
			return err
		}
		if isXMLPart(r.pending) {
			break
		}
		ph := r.pending
		r.pending = nil
		name := attachmentName(ph)
		a, ok := r.header.Attachments[name]
		if !ok {
			return fmt.Errorf("%w: subset %d: undeclared attachment %q", ErrIO, r.read, name)
		}
		size := a.Bytes()
		loc := Location{Offset: r.offset(), Length: size}
		if lazy && (name == AttachCrossData || name == AttachAutoData) {
			if err := r.skip(size); err != nil {
				return fmt.Errorf("%w: subset %d %s: %v", ErrTruncatedData, r.read, name, err)
			}
		} else {
			buf := s.buffer(name, int(size))
			if _, err := io.ReadFull(r.br, buf); err != nil {
				return fmt.Errorf("%w: subset %d %s: read fewer than %d bytes: %v", ErrTruncatedData, r.read, name, size, err)
			}
		}
		s.setLocation(name, loc)
		if more, err = r.endBinaryPart(name); err != nil {
			return err
		}
	}
	if !more {
		r.done = true
	}

	for name := range r.header.Attachments {
		if _, ok := s.locations[name]; !ok {
			return fmt.Errorf("%w: subset %d has no %s part", ErrTruncatedData, r.read, name)
		}
	}
	r.read++
	return nil
}

// IntegrationsPerSlice returns how many integrations fit in budget bytes,
// at least one. Radiometer blobs are read whole.
func (r *Reader) IntegrationsPerSlice(budget int64) int {
	if r.header.NumTime > 0 {
		return r.header.NumTime
	}
	per := r.header.SubsetBytes()
	if per <= 0 || budget <= per {
		return 1
	}
	return int(budget / per)
}

// Close releases the file. It is safe to call more than once.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.pending = nil
	r.subsets = nil
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}
