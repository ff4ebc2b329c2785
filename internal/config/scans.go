package config

import (
	"fmt"
	"strconv"
	"strings"
)

// AnyExecBlock matches every exec block.
const AnyExecBlock = -1

// ScanRange is an inclusive range of scan numbers.
type ScanRange struct {
	From, To int
}

// ScanSelector selects scans of one exec block, or of every exec block
// when ExecBlock is AnyExecBlock.
type ScanSelector struct {
	ExecBlock int
	Ranges    []ScanRange
}

// Contains reports whether scan is in one of the ranges.
func (s ScanSelector) Contains(scan int) bool {
	for _, r := range s.Ranges {
		if scan >= r.From && scan <= r.To {
			return true
		}
	}
	return false
}

// MatchesExecBlock reports whether the selector applies to exec block eb.
func (s ScanSelector) MatchesExecBlock(eb int) bool {
	return s.ExecBlock == AnyExecBlock || s.ExecBlock == eb
}

// ScanSelection is an ordered list of selectors. Rows are processed in
// selector order. An empty selection selects every scan.
type ScanSelection []ScanSelector

// ParseScanSelection parses "[eb:]scans[;[eb:]scans...]", where scans is
// a comma separated list of scan numbers "n" or ranges "a~b".
func ParseScanSelection(s string) (ScanSelection, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var sel ScanSelection
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			return nil, fmt.Errorf("empty scan selection entry in: %s", s)
		}

		selector := ScanSelector{ExecBlock: AnyExecBlock}
		scans := entry
		if eb, rest, ok := strings.Cut(entry, ":"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(eb))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid exec block %q in scan selection: %s", eb, entry)
			}
			selector.ExecBlock = n
			scans = rest
		}

		for _, item := range strings.Split(scans, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				return nil, fmt.Errorf("empty scan in: %s", entry)
			}
			r, err := parseScanRange(item)
			if err != nil {
				return nil, fmt.Errorf("%w in: %s", err, entry)
			}
			selector.Ranges = append(selector.Ranges, r)
		}
		sel = append(sel, selector)
	}
	return sel, nil
}

func parseScanRange(item string) (ScanRange, error) {
	from, to, isRange := strings.Cut(item, "~")
	a, err := strconv.Atoi(strings.TrimSpace(from))
	if err != nil || a < 0 {
		return ScanRange{}, fmt.Errorf("invalid scan number %q", from)
	}
	if !isRange {
		return ScanRange{From: a, To: a}, nil
	}
	b, err := strconv.Atoi(strings.TrimSpace(to))
	if err != nil || b < 0 {
		return ScanRange{}, fmt.Errorf("invalid scan number %q", to)
	}
	if b < a {
		return ScanRange{}, fmt.Errorf("descending scan range %q", item)
	}
	return ScanRange{From: a, To: b}, nil
}
