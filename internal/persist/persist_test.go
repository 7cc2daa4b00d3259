package persist

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/redmist-timing/engine/internal/decode"
	"github.com/redmist-timing/engine/internal/state"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestEventOrgReturnsOrg(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectQuery(`SELECT org_id FROM events WHERE event_id = \$1`).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"org_id"}).AddRow("org-1"))

	org, err := store.EventOrg(context.Background(), 7)
	if err != nil {
		t.Fatalf("EventOrg: %v", err)
	}
	if org != "org-1" {
		t.Errorf("org = %q, want org-1", org)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEventOrgNotFound(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectQuery(`SELECT org_id FROM events WHERE event_id = \$1`).
		WithArgs(99).
		WillReturnRows(sqlmock.NewRows([]string{"org_id"}))

	_, err := store.EventOrg(context.Background(), 99)
	if _, ok := err.(*ErrNotFound); !ok {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertSessionExecutesUpsert(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs(1, 2, "Race", 0.0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.UpsertSession(context.Background(), 1, 2, "Race", 0); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertCompetitorMetadataSplitsRows(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectExec(`INSERT INTO competitor_metadata`).
		WithArgs(1, "42", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO competitor_metadata`).
		WithArgs(1, "7", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	raw := []byte(`[{"carNumber":"42","driverName":"A Driver"},{"carNumber":"7","driverName":"B Driver"}]`)
	if err := store.UpsertCompetitorMetadata(context.Background(), 1, raw); err != nil {
		t.Fatalf("UpsertCompetitorMetadata: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertCompetitorMetadataSkipsRowsWithoutCarNumber(t *testing.T) {
	store, mock := newTestStore(t)
	raw := []byte(`[{"driverName":"No Car Number"}]`)
	if err := store.UpsertCompetitorMetadata(context.Background(), 1, raw); err != nil {
		t.Fatalf("UpsertCompetitorMetadata: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPersistLapSnapshotExecutesInsert(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectExec(`INSERT INTO car_lap_logs`).
		WithArgs(1, 2, "42", 5, 90000, 450000).
		WillReturnResult(sqlmock.NewResult(0, 1))

	car := &state.CarPosition{Number: "42", LastLapCompleted: 5, LastLapTime: 90000, TotalTime: 450000}
	if err := store.PersistLapSnapshot(1, 2, car); err != nil {
		t.Fatalf("PersistLapSnapshot: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPersistFlagDurationExecutesUpsert(t *testing.T) {
	store, mock := newTestStore(t)
	start := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	end := start.Add(5 * time.Minute)
	mock.ExpectExec(`INSERT INTO flag_log`).
		WithArgs(1, 2, int(state.FlagYellow), start, &end).
		WillReturnResult(sqlmock.NewResult(0, 1))

	fd := state.FlagDuration{Flag: state.FlagYellow, StartTime: start, EndTime: &end}
	if err := store.PersistFlagDuration(1, 2, fd); err != nil {
		t.Fatalf("PersistFlagDuration: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPersistSessionResultMarshalsState(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectExec(`INSERT INTO session_results`).
		WithArgs(1, 2, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	session := state.NewSessionState(1, 2)
	if err := store.PersistSessionResult(context.Background(), session, []byte(`{"source":"relay"}`)); err != nil {
		t.Fatalf("PersistSessionResult: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPersistX2PassingExecutesInsert(t *testing.T) {
	store, mock := newTestStore(t)
	ts := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO x2_passings`).
		WithArgs(1, 2, "TP-1", "Start/Finish", ts, false, false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	p := decode.Passing{TransponderID: "TP-1", LoopName: "Start/Finish", Timestamp: ts}
	if err := store.PersistX2Passing(1, 2, p); err != nil {
		t.Fatalf("PersistX2Passing: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPersistX2LoopExecutesUpsert(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectExec(`INSERT INTO x2_loops`).
		WithArgs(1, 3, "Start/Finish", false, false, true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	l := decode.LoopDefinition{Name: "Start/Finish", IsStartFinish: true}
	if err := store.PersistX2Loop(1, 3, l); err != nil {
		t.Fatalf("PersistX2Loop: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
