package main

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/asdm2ms/internal/asdm"
	"github.com/basekick-labs/asdm2ms/internal/asdm/asdmtest"
	"github.com/basekick-labs/asdm2ms/internal/bdf"
	"github.com/basekick-labs/asdm2ms/internal/convert"
)

const testUID = "uid://A002/X1/Xc"

// writeDataset writes a one row ASDM with its binary data file.
func writeDataset(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, asdmtest.Standard(testUID).Write(dir))

	var buf bytes.Buffer
	enc, err := bdf.NewEncoder(&buf, bdf.HeaderSpec{
		StartTime:       asdmtest.StandardTime,
		DataOID:         testUID,
		NumAntenna:      2,
		CorrelationMode: asdm.CrossAndAuto,
		APC:             []asdm.AtmPhaseCorrection{asdm.APUncorrected, asdm.APCorrected},
		CrossType:       bdf.Int32,
		SpectralWindows: []bdf.SpectralWindowSpec{
			{CrossPolProducts: []string{"XX", "YY"}, SDPolProducts: []string{"XX", "YY"}, ScaleFactor: 1, NumSpectralPoint: 4},
		},
	})
	require.NoError(t, err)
	h := enc.Header()
	for k := 0; k < 2; k++ {
		require.NoError(t, enc.WriteSubset(bdf.SubsetData{
			Time:     asdmtest.StandardTime + int64(k)*1_000_000_000,
			Interval: 1_000_000_000,
			Cross:    make([]float64, h.Attachments[bdf.AttachCrossData].Size),
			Auto:     make([]float32, h.Attachments[bdf.AttachAutoData].Size),
		}))
	}
	require.NoError(t, enc.Close())

	p := asdm.BDFPath(dir, testUID)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := rootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConvertThenVerify(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	input := writeDataset(t)
	output := t.TempDir()
	ledgerDB := filepath.Join(t.TempDir(), "ledger.db")
	textfile := filepath.Join(t.TempDir(), "asdm2ms.prom")

	out, err := execute(t, "convert", input,
		"--output", output,
		"--name", "obs",
		"--compression", "gzip",
		"--wvr-corrected-data", "both",
		"--ledger", "--ledger-db", ledgerDB,
		"--metrics-textfile", textfile,
		"--log-level", "error",
	)
	require.NoError(t, err, out)
	assert.Contains(t, out, "converted")
	assert.Contains(t, out, "MAIN rows (corrected)")

	for _, store := range []string{"obs.ms", "obs-wvr-corrected.ms"} {
		assert.FileExists(t, filepath.Join(output, store, "MAIN", "part-00000.parquet"))
		assert.FileExists(t, filepath.Join(output, store, "STATE", "table.parquet"))
	}

	prom, err := os.ReadFile(textfile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `asdm2ms_main_rows_total{outcome="done"} 1`)

	db, err := sql.Open("sqlite3", ledgerDB)
	require.NoError(t, err)
	defer db.Close()
	var status string
	require.NoError(t, db.QueryRow("SELECT status FROM runs").Scan(&status))
	assert.Equal(t, "completed", status)
	var rows int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM row_outcomes WHERE state = 'done'").Scan(&rows))
	assert.Equal(t, 1, rows)

	out, err = execute(t, "verify", "--output", output, "--name", "obs", "--wvr-corrected-data", "both", "--log-level", "error")
	require.NoError(t, err, out)
	assert.Contains(t, out, "obs-wvr-corrected.ms/")
	assert.NotContains(t, out, "FAILED")
}

func TestConvert_NoInput(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	_, err := execute(t, "convert", "--log-level", "error")
	assert.ErrorContains(t, err, "no input dataset")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "asdm2ms dev\n", out)
}

func TestPrintSummary_FailureKindsSorted(t *testing.T) {
	sum := convert.Summary{
		RunID:          "run",
		Rows:           6,
		Failed:         6,
		FailuresByKind: map[string]int{convert.KindTruncated: 1, convert.KindIO: 2, convert.KindShape: 3},
	}
	for i := 0; i < 5; i++ {
		var out bytes.Buffer
		printSummary(&out, sum, nil)

		var kinds []string
		for _, line := range strings.Split(out.String(), "\n") {
			if strings.HasPrefix(line, "Failures (") {
				kinds = append(kinds, strings.Fields(line)[1])
			}
		}
		assert.Equal(t, []string{"(io)", "(shape)", "(truncated)"}, kinds)
	}
}
