// Package scandb archives tandem scan runs in a sqlite database. It
// implements the scan sink interface so a run can be recorded alongside
// the raw TSV log, and offers read-back for the offline tools.
package scandb

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aerosol-data/tandem/internal/classifier"
	"github.com/aerosol-data/tandem/internal/monitoring"
	"github.com/aerosol-data/tandem/internal/scan"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type DB struct {
	*sql.DB
}

// Open opens (or creates) the archive at path and migrates it to the
// latest schema version.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	d := &DB{db}
	if err := d.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(d.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	// The migrate instance is not closed: closing it would close the
	// underlying connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// Run is one archived scan.
type Run struct {
	ID          string
	Started     time.Time
	Completed   *time.Time
	Bypass      bool
	OuterName   string
	OuterPoints int
	InnerName   string
	InnerPoints int
	CounterName string
}

// Sink records a run into the archive. It implements scan.DataSink.
type Sink struct {
	db    *DB
	runID string
}

// NewSink creates a sink writing into db. The run row is inserted by
// Begin.
func (d *DB) NewSink() *Sink {
	return &Sink{db: d, runID: uuid.NewString()}
}

// RunID returns the identifier the run is archived under.
func (s *Sink) RunID() string { return s.runID }

func (s *Sink) Begin(info scan.RunInfo) error {
	outerMeta, err := encodeMeta(info.Outer.Metadata)
	if err != nil {
		return err
	}
	innerMeta, err := encodeMeta(info.Inner.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO runs (id, started, bypass, outer_name, outer_points,
			inner_name, inner_points, counter_name, outer_metadata, inner_metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.runID, info.Started.UTC(), info.Bypass,
		info.Outer.Name, info.Outer.Points,
		info.Inner.Name, info.Inner.Points,
		info.CounterName, outerMeta, innerMeta,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *Sink) WriteRow(row scan.Row) error {
	outerValues, err := encodeValues(row.OuterValues)
	if err != nil {
		return err
	}
	innerValues, err := encodeValues(row.InnerValues)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO rows (run_id, outer_index, inner_index, outer_setpoint,
			inner_setpoint, conc, bypass, outer_values, inner_values)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.runID, row.OuterIndex, row.InnerIndex,
		row.OuterSetpoint, row.InnerSetpoint, row.Conc, row.Bypass,
		outerValues, innerValues,
	)
	if err != nil {
		return fmt.Errorf("failed to insert row: %w", err)
	}
	return nil
}

// Close stamps the run completed. The database stays open; it may carry
// several runs.
func (s *Sink) Close() error {
	_, err := s.db.Exec(`UPDATE runs SET completed = ? WHERE id = ?`,
		time.Now().UTC(), s.runID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// Runs lists archived runs, newest first.
func (d *DB) Runs() ([]Run, error) {
	rows, err := d.Query(`
		SELECT id, started, completed, bypass, outer_name, outer_points,
			inner_name, inner_points, counter_name
		FROM runs ORDER BY started DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var completed sql.NullTime
		if err := rows.Scan(&r.ID, &r.Started, &completed, &r.Bypass,
			&r.OuterName, &r.OuterPoints, &r.InnerName, &r.InnerPoints,
			&r.CounterName); err != nil {
			return nil, err
		}
		if completed.Valid {
			t := completed.Time
			r.Completed = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Rows returns the measured rows of one run in measurement order.
func (d *DB) Rows(runID string) ([]scan.Row, error) {
	rows, err := d.Query(`
		SELECT outer_index, inner_index, outer_setpoint, inner_setpoint,
			conc, bypass, outer_values, inner_values
		FROM rows WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}
	defer rows.Close()

	var out []scan.Row
	for rows.Next() {
		var r scan.Row
		var outerValues, innerValues sql.NullString
		if err := rows.Scan(&r.OuterIndex, &r.InnerIndex, &r.OuterSetpoint,
			&r.InnerSetpoint, &r.Conc, &r.Bypass, &outerValues, &innerValues); err != nil {
			return nil, err
		}
		if r.OuterValues, err = decodeValues(outerValues); err != nil {
			return nil, err
		}
		if r.InnerValues, err = decodeValues(innerValues); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func encodeMeta(meta []classifier.Meta) (string, error) {
	if len(meta) == 0 {
		return "", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(b), nil
}

func encodeValues(values map[string]float64) (string, error) {
	if len(values) == 0 {
		return "", nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to encode values: %w", err)
	}
	return string(b), nil
}

func decodeValues(s sql.NullString) (map[string]float64, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var out map[string]float64
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, fmt.Errorf("failed to decode values: %w", err)
	}
	return out, nil
}
