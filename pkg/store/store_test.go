package store

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"airleak/pkg/log"
	"airleak/pkg/sequencer"
)

func testStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New(): %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, log.Nop()), mock
}

func sampleResult() sequencer.Result {
	started := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	return sequencer.Result{
		ID: "run-abc",
		Params: sequencer.Params{
			Reference:         "REF-100",
			PositionMM:        120,
			TargetPressureBar: 2.0,
			DurationMin:       5,
		},
		Status:     sequencer.StatusCompleted,
		Reason:     "",
		StartedAt:  started,
		FinishedAt: started.Add(5 * time.Minute),
		Stats: sequencer.PressureStats{
			Min: 1.9, Max: 2.1, Avg: 2.0, Final: 2.0, Samples: 3000,
		},
		Events: []sequencer.Event{
			{Time: started, Elapsed: 0, Message: "homing actuator"},
			{Time: started.Add(time.Minute), Elapsed: time.Minute, Message: "test started"},
		},
	}
}

func TestSaveInsertsRun(t *testing.T) {
	s, mock := testStore(t)
	r := sampleResult()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO test_runs")).
		WithArgs("run-abc", "REF-100", 120.0, 2.0, 5.0,
			"COMPLETED", "", r.StartedAt, r.FinishedAt,
			1.9, 2.1, 2.0, 2.0, 3000,
			sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Save(r); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveEncodesEvents(t *testing.T) {
	s, mock := testStore(t)
	r := sampleResult()

	var events string
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO test_runs")).
		WithArgs("run-abc", "REF-100", 120.0, 2.0, 5.0,
			"COMPLETED", "", r.StartedAt, r.FinishedAt,
			1.9, 2.1, 2.0, 2.0, 3000,
			eventCapture{&events},
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Save(r); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var records []eventRecord
	if err := json.Unmarshal([]byte(events), &records); err != nil {
		t.Fatalf("events column is not JSON: %v", err)
	}
	if len(records) != 2 || records[1].Message != "test started" {
		t.Errorf("records = %+v", records)
	}
	if records[1].ElapsedMS != time.Minute.Milliseconds() {
		t.Errorf("elapsed = %d ms, want %d", records[1].ElapsedMS, time.Minute.Milliseconds())
	}
}

// eventCapture matches any string argument and keeps its value.
type eventCapture struct{ dst *string }

func (c eventCapture) Match(v driver.Value) bool {
	s, ok := v.(string)
	if ok {
		*c.dst = s
	}
	return ok
}

func TestSaveDBError(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectExec("INSERT INTO test_runs").
		WillReturnError(sql.ErrConnDone)

	err := s.Save(sampleResult())
	if err == nil || !strings.Contains(err.Error(), "inserting test run") {
		t.Fatalf("err = %v, want insert failure", err)
	}
}

func runColumns() []string {
	return []string{
		"id", "reference", "position_mm", "target_bar", "duration_min",
		"status", "reason", "started_at", "finished_at",
		"pressure_min", "pressure_max", "pressure_avg", "pressure_final",
		"sample_count", "events",
	}
}

func TestGetDecodesRun(t *testing.T) {
	s, mock := testStore(t)
	started := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	events, _ := json.Marshal([]eventRecord{
		{Time: started, ElapsedMS: 0, Message: "homing actuator"},
	})
	rows := sqlmock.NewRows(runColumns()).
		AddRow("run-abc", "REF-100", 120.0, 2.0, 5.0,
			"STOPPED", "operator request", started, started.Add(time.Minute),
			1.9, 2.1, 2.0, 2.0, 600, string(events))

	mock.ExpectQuery(`FROM test_runs\s+WHERE id = \?`).
		WithArgs("run-abc").
		WillReturnRows(rows)

	r, err := s.Get("run-abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.Status != sequencer.StatusStopped || r.Reason != "operator request" {
		t.Errorf("status/reason = %v/%q", r.Status, r.Reason)
	}
	if r.Params.Reference != "REF-100" || r.Stats.Samples != 600 {
		t.Errorf("result = %+v", r)
	}
	if len(r.Events) != 1 || r.Events[0].Message != "homing actuator" {
		t.Errorf("events = %+v", r.Events)
	}
}

func TestGetMissingRun(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectQuery(`FROM test_runs\s+WHERE id = \?`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(runColumns()))

	if _, err := s.Get("nope"); err == nil {
		t.Fatal("expected error for missing run")
	}
}

func TestListRecent(t *testing.T) {
	s, mock := testStore(t)
	started := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(runColumns()).
		AddRow("run-2", "REF-101", 100.0, 1.5, 2.0,
			"COMPLETED", "", started.Add(time.Hour), started.Add(time.Hour+2*time.Minute),
			1.4, 1.6, 1.5, 1.5, 1200, nil).
		AddRow("run-1", "REF-100", 120.0, 2.0, 5.0,
			"ERROR", "homing failed", started, started.Add(time.Second),
			0.0, 0.0, 0.0, 0.0, 0, "[]")

	mock.ExpectQuery(`FROM test_runs\s+ORDER BY started_at DESC LIMIT \?`).
		WithArgs(2).
		WillReturnRows(rows)

	got, err := s.ListRecent(2)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "run-2" || got[1].ID != "run-1" {
		t.Fatalf("runs = %+v", got)
	}
	if got[0].Events != nil {
		t.Errorf("nil events column should stay empty, got %+v", got[0].Events)
	}
	if got[1].Status != sequencer.StatusError || got[1].Reason != "homing failed" {
		t.Errorf("run-1 = %+v", got[1])
	}
}

func TestListRecentDefaultLimit(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectQuery(`FROM test_runs\s+ORDER BY started_at DESC LIMIT \?`).
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows(runColumns()))

	if _, err := s.ListRecent(0); err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
