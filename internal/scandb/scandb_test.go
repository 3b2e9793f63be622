package scandb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/aerosol-data/tandem/internal/classifier"
	"github.com/aerosol-data/tandem/internal/scan"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testRunInfo() scan.RunInfo {
	return scan.RunInfo{
		Started: time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC),
		Bypass:  true,
		Outer: scan.DeviceInfo{
			Name:       "CPMA",
			Points:     5,
			FileFields: []string{"Mp (fg)", "Voltage (V)"},
			Metadata:   []classifier.Meta{{Key: "Serial number", Value: "123"}},
		},
		Inner: scan.DeviceInfo{
			Name:       "AAC",
			Points:     9,
			FileFields: []string{"Da (nm)", "Speed (rad/s)"},
		},
		CounterName: "Cambustion CPC",
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	db := openTestDB(t)
	sink := db.NewSink()
	require.NotEmpty(t, sink.RunID())

	classified := scan.Row{
		OuterIndex:    0,
		InnerIndex:    2,
		OuterSetpoint: 1.5,
		InnerSetpoint: 150,
		Conc:          1234.5,
		OuterValues:   map[string]float64{"Voltage (V)": 2040.25},
		InnerValues:   map[string]float64{"Speed (rad/s)": 320.5},
	}
	bypassed := scan.Row{
		InnerIndex:    0,
		InnerSetpoint: 80,
		Conc:          9000,
		Bypass:        true,
	}

	require.NoError(t, sink.Begin(testRunInfo()))
	require.NoError(t, sink.WriteRow(classified))
	require.NoError(t, sink.WriteRow(bypassed))
	require.NoError(t, sink.Close())

	runs, err := db.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, sink.RunID(), runs[0].ID)
	require.Equal(t, "CPMA", runs[0].OuterName)
	require.Equal(t, 9, runs[0].InnerPoints)
	require.True(t, runs[0].Bypass)
	require.NotNil(t, runs[0].Completed)

	rows, err := db.Rows(sink.RunID())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	if diff := cmp.Diff([]scan.Row{classified, bypassed}, rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
	require.Nil(t, rows[1].OuterValues)
}

func TestOpenMigratesIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// A second open finds the schema already current.
	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	runs, err := db.Runs()
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestMultipleRuns(t *testing.T) {
	db := openTestDB(t)

	first := db.NewSink()
	require.NoError(t, first.Begin(testRunInfo()))
	require.NoError(t, first.Close())

	second := db.NewSink()
	require.NotEqual(t, first.RunID(), second.RunID())
	info := testRunInfo()
	info.Started = info.Started.Add(time.Hour)
	require.NoError(t, second.Begin(info))
	require.NoError(t, second.WriteRow(scan.Row{Conc: 1}))
	require.NoError(t, second.Close())

	runs, err := db.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	// Newest first.
	require.Equal(t, second.RunID(), runs[0].ID)

	rows, err := db.Rows(first.RunID())
	require.NoError(t, err)
	require.Empty(t, rows)
}
