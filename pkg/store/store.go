// Test run persistence on SQLite
//
// Every finished run is appended to the test_runs table, whatever its
// outcome. The sequencer treats persistence as best-effort: a failed insert
// is logged, never propagated into the run result.
//
// Copyright (C) 2026  TechMac
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package store

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"airleak/pkg/errors"
	"airleak/pkg/log"
	"airleak/pkg/sequencer"
)

const sqliteDriverName = "sqlite"

const schemaTestRuns = `
CREATE TABLE IF NOT EXISTS test_runs (
    id TEXT PRIMARY KEY,
    reference TEXT NOT NULL,
    position_mm REAL NOT NULL,
    target_bar REAL NOT NULL,
    duration_min REAL NOT NULL,
    status TEXT NOT NULL,
    reason TEXT,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP NOT NULL,
    pressure_min REAL NOT NULL,
    pressure_max REAL NOT NULL,
    pressure_avg REAL NOT NULL,
    pressure_final REAL NOT NULL,
    sample_count INTEGER NOT NULL,
    events TEXT
);
`

// Store persists sequencer results. It satisfies the sequencer's ResultSink.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open opens or creates the SQLite database at path and ensures the schema.
func Open(path string, logger *log.Logger) (*Store, error) {
	db, err := sql.Open(sqliteDriverName, path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrHardwareIO, "opening sqlite at "+path)
	}

	// single writer keeps SQLite happy
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, errors.ErrHardwareIO, "applying "+pragma)
		}
	}
	if _, err := db.Exec(schemaTestRuns); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrHardwareIO, "ensuring test_runs schema")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrHardwareIO, "pinging sqlite")
	}

	return New(db, logger), nil
}

// New wraps an existing database handle. Used by tests.
func New(db *sql.DB, logger *log.Logger) *Store {
	return &Store{db: db, logger: logger.Named("store")}
}

// eventRecord is the JSON form of one run event.
type eventRecord struct {
	Time      time.Time `json:"time"`
	ElapsedMS int64     `json:"elapsed_ms"`
	Message   string    `json:"message"`
}

const insertRun = `
INSERT INTO test_runs (id, reference, position_mm, target_bar, duration_min,
    status, reason, started_at, finished_at,
    pressure_min, pressure_max, pressure_avg, pressure_final, sample_count, events)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// Save appends one finished run.
func (s *Store) Save(r sequencer.Result) error {
	records := make([]eventRecord, 0, len(r.Events))
	for _, e := range r.Events {
		records = append(records, eventRecord{
			Time:      e.Time,
			ElapsedMS: e.Elapsed.Milliseconds(),
			Message:   e.Message,
		})
	}
	events, err := json.Marshal(records)
	if err != nil {
		return errors.Wrap(err, errors.ErrHardwareIO, "encoding run events")
	}

	_, err = s.db.Exec(insertRun,
		r.ID, r.Params.Reference, r.Params.PositionMM,
		r.Params.TargetPressureBar, r.Params.DurationMin,
		string(r.Status), r.Reason, r.StartedAt.UTC(), r.FinishedAt.UTC(),
		r.Stats.Min, r.Stats.Max, r.Stats.Avg, r.Stats.Final, r.Stats.Samples,
		string(events),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrHardwareIO, "inserting test run "+r.ID)
	}
	s.logger.Infow("test run saved", "run", r.ID, "status", r.Status)
	return nil
}

const selectRun = `
SELECT id, reference, position_mm, target_bar, duration_min,
    status, reason, started_at, finished_at,
    pressure_min, pressure_max, pressure_avg, pressure_final, sample_count, events
FROM test_runs
`

// Get returns one run by ID, or sql.ErrNoRows wrapped when absent.
func (s *Store) Get(id string) (sequencer.Result, error) {
	row := s.db.QueryRow(selectRun+"WHERE id = ?", id)
	r, err := scanRun(row)
	if err != nil {
		return sequencer.Result{}, errors.Wrap(err, errors.ErrHardwareIO, "loading test run "+id)
	}
	return r, nil
}

// ListRecent returns up to limit runs, newest first.
func (s *Store) ListRecent(limit int) ([]sequencer.Result, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(selectRun+"ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrHardwareIO, "listing test runs")
	}
	defer rows.Close()

	var out []sequencer.Result
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrHardwareIO, "scanning test run")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrHardwareIO, "iterating test runs")
	}
	return out, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (sequencer.Result, error) {
	var (
		r      sequencer.Result
		status string
		events sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.Params.Reference, &r.Params.PositionMM,
		&r.Params.TargetPressureBar, &r.Params.DurationMin,
		&status, &r.Reason, &r.StartedAt, &r.FinishedAt,
		&r.Stats.Min, &r.Stats.Max, &r.Stats.Avg, &r.Stats.Final, &r.Stats.Samples,
		&events,
	)
	if err != nil {
		return sequencer.Result{}, err
	}
	r.Status = sequencer.RunStatus(status)

	if events.Valid && events.String != "" {
		var records []eventRecord
		if err := json.Unmarshal([]byte(events.String), &records); err != nil {
			return sequencer.Result{}, err
		}
		for _, rec := range records {
			r.Events = append(r.Events, sequencer.Event{
				Time:    rec.Time,
				Elapsed: time.Duration(rec.ElapsedMS) * time.Millisecond,
				Message: rec.Message,
			})
		}
	}
	return r, nil
}
