package convert

import (
	"slices"
	"sort"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/asdm2ms/internal/asdm"
	"github.com/basekick-labs/asdm2ms/internal/config"
)

// orderRows returns the Main rows to process, in processing order.
// Without a selection every row is kept in file order. Otherwise each
// selector contributes its rows in turn: exec blocks in table order,
// ascending scan within an exec block, file order within a scan. A row
// matched by an earlier selector is not repeated.
func orderRows(rows []*asdm.MainRow, execBlocks []int, sel config.ScanSelection, log zerolog.Logger) []*asdm.MainRow {
	if len(sel) == 0 {
		return rows
	}

	known := make(map[int]bool, len(execBlocks))
	for _, eb := range execBlocks {
		known[eb] = true
	}
	// Rows whose exec block is not in the ExecBlock table sort last.
	rank := func(eb int) int {
		if i := slices.Index(execBlocks, eb); i >= 0 {
			return i
		}
		return len(execBlocks)
	}

	seen := make(map[int]bool, len(rows))
	var out []*asdm.MainRow
	for _, s := range sel {
		if s.ExecBlock != config.AnyExecBlock && !known[s.ExecBlock] {
			log.Warn().Int("exec_block", s.ExecBlock).Msg("Scan selection names an unknown exec block")
		}
		var picked []*asdm.MainRow
		for _, r := range rows {
			if seen[r.Index] || !s.MatchesExecBlock(r.ExecBlockID) || !s.Contains(r.ScanNumber) {
				continue
			}
			seen[r.Index] = true
			picked = append(picked, r)
		}
		sort.SliceStable(picked, func(i, j int) bool {
			a, b := picked[i], picked[j]
			if ra, rb := rank(a.ExecBlockID), rank(b.ExecBlockID); ra != rb {
				return ra < rb
			}
			return a.ScanNumber < b.ScanNumber
		})
		if len(picked) == 0 {
			log.Warn().Int("exec_block", s.ExecBlock).Interface("scans", s.Ranges).Msg("Scan selection matched no Main row")
		}
		out = append(out, picked...)
	}
	return out
}
