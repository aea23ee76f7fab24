// Package store archives pass records and dispatcher diagnostics in a
// local sqlite database.
package store

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/spectra-data/aquascan/internal/dispatch"
	"github.com/spectra-data/aquascan/internal/session"
)

// timeLayout keeps timestamps fixed width so text ordering is time
// ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	*sql.DB
	log *logrus.Logger
}

// Open opens the archive at path, creating the file if needed, and applies
// the connection pragmas. The schema is not touched here; call MigrateUp.
func Open(path string, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA foreign_keys = ON;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	return &Store{DB: db, log: log}, nil
}

// RecordMeasurements archives the records of one pass in a single
// transaction.
func (s *Store) RecordMeasurements(records []session.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO measurements (
		id, timestamp, kind, label, iteration, channel, wavelength, dac,
		pulse1, pulse2, background, absorbance, note
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		var absorbance interface{}
		if rec.HasAbsorbance {
			absorbance = rec.Absorbance
		}
		if _, err := stmt.Exec(
			rec.ID.String(), rec.Time.UTC().Format(timeLayout),
			string(rec.Kind), rec.Label, rec.Iteration, rec.Channel,
			rec.Wavelength, rec.DAC,
			rec.Triple.Pulse1, rec.Triple.Pulse2, rec.Triple.Background,
			absorbance, rec.Err,
		); err != nil {
			return fmt.Errorf("insert record %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.log.WithField("records", len(records)).Debug("Archived pass records")
	return nil
}

// Measurements returns archived records oldest first, optionally filtered
// by kind. An empty kind selects everything.
func (s *Store) Measurements(kind string) ([]session.Record, error) {
	query := `SELECT id, timestamp, kind, label, iteration, channel,
		wavelength, dac, pulse1, pulse2, background, absorbance, note
		FROM measurements`
	var args []interface{}
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY timestamp, id"

	rows, err := s.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []session.Record
	for rows.Next() {
		var (
			rec              session.Record
			id, ts, kindName string
			absorbance       sql.NullFloat64
		)
		if err := rows.Scan(
			&id, &ts, &kindName, &rec.Label, &rec.Iteration, &rec.Channel,
			&rec.Wavelength, &rec.DAC,
			&rec.Triple.Pulse1, &rec.Triple.Pulse2, &rec.Triple.Background,
			&absorbance, &rec.Err,
		); err != nil {
			return nil, err
		}

		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("record id %q: %w", id, err)
		}
		rec.ID = parsed

		when, err := time.Parse(timeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("record timestamp %q: %w", ts, err)
		}
		rec.Time = when
		rec.Kind = session.Kind(kindName)
		rec.HasAbsorbance = absorbance.Valid
		rec.Absorbance = absorbance.Float64
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecordDispatchLog archives a snapshot of the dispatcher diagnostic log.
func (s *Store) RecordDispatchLog(entries []dispatch.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO dispatch_log (
		timestamp, command, response, attempt, timeout_ms, elapsed_ms, outcome
	) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(
			e.Time.UTC().Format(timeLayout), e.Command, e.Response,
			e.Attempt, e.Timeout.Milliseconds(), e.Elapsed.Milliseconds(),
			e.Outcome,
		); err != nil {
			return fmt.Errorf("insert log entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DispatchLog returns the most recent archived dispatch entries, newest
// first. A non-positive limit means 100.
func (s *Store) DispatchLog(limit int) ([]dispatch.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.Query(`SELECT timestamp, command, response, attempt,
		timeout_ms, elapsed_ms, outcome
		FROM dispatch_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []dispatch.LogEntry
	for rows.Next() {
		var (
			e                    dispatch.LogEntry
			ts                   string
			timeoutMS, elapsedMS int64
		)
		if err := rows.Scan(&ts, &e.Command, &e.Response, &e.Attempt,
			&timeoutMS, &elapsedMS, &e.Outcome); err != nil {
			return nil, err
		}
		when, err := time.Parse(timeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("log timestamp %q: %w", ts, err)
		}
		e.Time = when
		e.Timeout = time.Duration(timeoutMS) * time.Millisecond
		e.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ExportCSV writes archived records as CSV, one row per record, optionally
// filtered by kind.
func (s *Store) ExportCSV(w io.Writer, kind string) error {
	records, err := s.Measurements(kind)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	header := []string{"timestamp", "id", "kind", "label", "iteration",
		"channel", "wavelength", "pulse1", "pulse2", "background",
		"absorbance", "note"}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		absorbance := ""
		if rec.HasAbsorbance {
			absorbance = strconv.FormatFloat(rec.Absorbance, 'f', 6, 64)
		}
		row := []string{
			rec.Time.Format(timeLayout),
			rec.ID.String(),
			string(rec.Kind),
			rec.Label,
			strconv.Itoa(rec.Iteration),
			strconv.Itoa(rec.Channel),
			strconv.Itoa(rec.Wavelength),
			strconv.Itoa(rec.Triple.Pulse1),
			strconv.Itoa(rec.Triple.Pulse2),
			strconv.Itoa(rec.Triple.Background),
			absorbance,
			rec.Err,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
