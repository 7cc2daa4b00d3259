// Package persist implements the SQL persistence glue (spec component
// C10): explicit repository functions over a *sqlx.DB, one per table
// named in spec.md §6. No ORM, no runtime query generation — every
// statement here is a literal parameterized string, per spec.md §9's
// "explicit repository functions" redesign note. Grounded on the
// teacher's repository-style packages having no SQL precedent of their
// own; the interface/error shape (typed not-found error, context-first
// methods) follows r3e-network-service_layer's
// infrastructure/database repository pattern, generalized from its
// Supabase REST calls to direct sqlx/lib-pq statements.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/redmist-timing/engine/internal/decode"
	"github.com/redmist-timing/engine/internal/state"
)

// ErrNotFound is returned by lookup methods when no row matches.
type ErrNotFound struct {
	Table string
	Key   string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("persist: %s: no row for %s", e.Table, e.Key)
}

// Store wraps a *sqlx.DB with the repository methods every other C10
// consumer (enrich.FlagPersister, enrich.LapPersister, relayhub.OrgResolver)
// needs. A single struct rather than one-per-table, since every method
// shares the same connection pool and every table is small enough that
// splitting by file (not by type) keeps this readable.
type Store struct {
	db *sqlx.DB
}

// Open connects to a Postgres DSN and verifies it with a ping.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("persist: connect: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Event is one row of the Events table (spec.md §6).
type Event struct {
	EventID   int    `db:"event_id"`
	OrgID     string `db:"org_id"`
	Name      string `db:"name"`
	TrackName string `db:"track_name"`
}

// CreateEvent inserts or updates an event's identity row.
func (s *Store) CreateEvent(ctx context.Context, e Event) error {
	const q = `
		INSERT INTO events (event_id, org_id, name, track_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO UPDATE
		SET org_id = EXCLUDED.org_id, name = EXCLUDED.name, track_name = EXCLUDED.track_name`
	_, err := s.db.ExecContext(ctx, q, e.EventID, e.OrgID, e.Name, e.TrackName)
	if err != nil {
		return fmt.Errorf("persist: create event %d: %w", e.EventID, err)
	}
	return nil
}

// EventOrg implements relayhub.OrgResolver: returns the organization that
// owns eventID, for the relay ingress authorization check (spec.md §4.7).
func (s *Store) EventOrg(ctx context.Context, eventID int) (string, error) {
	var orgID string
	err := s.db.GetContext(ctx, &orgID, `SELECT org_id FROM events WHERE event_id = $1`, eventID)
	if err == sql.ErrNoRows {
		return "", &ErrNotFound{Table: "events", Key: fmt.Sprint(eventID)}
	}
	if err != nil {
		return "", fmt.Errorf("persist: event org %d: %w", eventID, err)
	}
	return orgID, nil
}

// Organization is one row of the Organizations table, carrying the
// timing-system relay's reachable address (spec.md §6).
type Organization struct {
	OrgID string `db:"org_id"`
	Name  string `db:"name"`
	Host  string `db:"host"`
	Port  int    `db:"port"`
}

func (s *Store) UpsertOrganization(ctx context.Context, o Organization) error {
	const q = `
		INSERT INTO organizations (org_id, name, host, port)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (org_id) DO UPDATE
		SET name = EXCLUDED.name, host = EXCLUDED.host, port = EXCLUDED.port`
	_, err := s.db.ExecContext(ctx, q, o.OrgID, o.Name, o.Host, o.Port)
	if err != nil {
		return fmt.Errorf("persist: upsert organization %s: %w", o.OrgID, err)
	}
	return nil
}

// UpsertSession implements relayhub.OrgResolver's session bootstrap
// (spec.md §4.7 SendSessionChange): creates or renames the Sessions row.
func (s *Store) UpsertSession(ctx context.Context, eventID, sessionID int, name string, tzOffset float64) error {
	const q = `
		INSERT INTO sessions (event_id, session_id, name, tz_offset)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id, session_id) DO UPDATE
		SET name = EXCLUDED.name, tz_offset = EXCLUDED.tz_offset`
	_, err := s.db.ExecContext(ctx, q, eventID, sessionID, name, tzOffset)
	if err != nil {
		return fmt.Errorf("persist: upsert session %d/%d: %w", eventID, sessionID, err)
	}
	return nil
}

// UpsertCompetitorMetadata implements relayhub.OrgResolver's last-update-wins
// metadata write (spec.md §4.7 SendCompetitorMetadata). raw must be a JSON
// array; each element with a non-empty string carNumber is re-encoded and
// upserted as its own row keyed by (event, car number). Elements without
// one are skipped.
func (s *Store) UpsertCompetitorMetadata(ctx context.Context, eventID int, raw json.RawMessage) error {
	var rows []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return fmt.Errorf("persist: decode competitor metadata: %w", err)
	}

	const q = `
		INSERT INTO competitor_metadata (event_id, car_number, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id, car_number) DO UPDATE
		SET payload = EXCLUDED.payload`
	for _, row := range rows {
		carNumberRaw, ok := row["carNumber"]
		if !ok {
			continue
		}
		var carNumber string
		if err := json.Unmarshal(carNumberRaw, &carNumber); err != nil || carNumber == "" {
			continue
		}
		payload, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("persist: re-encode competitor %s: %w", carNumber, err)
		}
		if _, err := s.db.ExecContext(ctx, q, eventID, carNumber, payload); err != nil {
			return fmt.Errorf("persist: upsert competitor metadata %d/%s: %w", eventID, carNumber, err)
		}
	}
	return nil
}

// PersistLapSnapshot implements enrich.LapPersister (spec.md §4.4): writes
// one row to CarLapLogs for a just-completed lap.
func (s *Store) PersistLapSnapshot(eventID, sessionID int, car *state.CarPosition) error {
	const q = `
		INSERT INTO car_lap_logs
			(event_id, session_id, car_number, lap_number, lap_time_ms, total_time_ms, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, now())`
	_, err := s.db.Exec(q, eventID, sessionID, car.Number, car.LastLapCompleted, car.LastLapTime, car.TotalTime)
	if err != nil {
		return fmt.Errorf("persist: lap snapshot %d/%d car %s: %w", eventID, sessionID, car.Number, err)
	}
	return nil
}

// PersistFlagDuration implements enrich.FlagPersister (spec.md §4.4):
// writes a completed flag duration to FlagLog, keyed by the composite
// {eventId, sessionId, flag, startTime} spec.md §6 calls for.
func (s *Store) PersistFlagDuration(eventID, sessionID int, fd state.FlagDuration) error {
	const q = `
		INSERT INTO flag_log (event_id, session_id, flag, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id, session_id, flag, start_time) DO UPDATE
		SET end_time = EXCLUDED.end_time`
	_, err := s.db.Exec(q, eventID, sessionID, int(fd.Flag), fd.StartTime, fd.EndTime)
	if err != nil {
		return fmt.Errorf("persist: flag duration %d/%d: %w", eventID, sessionID, err)
	}
	return nil
}

// PersistSessionResult writes the composite {eventId, sessionId} results
// row: the full session-state blob plus whatever derived JSON payload the
// caller wants archived (spec.md §6: "JSON payload and session-state
// blobs").
func (s *Store) PersistSessionResult(ctx context.Context, session *state.SessionState, payload json.RawMessage) error {
	blob, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("persist: marshal session state: %w", err)
	}
	const q = `
		INSERT INTO session_results (event_id, session_id, session_state, payload, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (event_id, session_id) DO UPDATE
		SET session_state = EXCLUDED.session_state, payload = EXCLUDED.payload, updated_at = now()`
	_, err = s.db.ExecContext(ctx, q, session.EventID, session.SessionID, blob, payload)
	if err != nil {
		return fmt.Errorf("persist: session result %d/%d: %w", session.EventID, session.SessionID, err)
	}
	return nil
}

// PersistX2Passing implements pipeline.X2Persister: archives one raw
// transponder passing from the relay ingress (spec.md §6 X2Passings
// table), independent of whether the pipeline could resolve it to a car
// number yet.
func (s *Store) PersistX2Passing(eventID, sessionID int, p decode.Passing) error {
	const q = `
		INSERT INTO x2_passings
			(event_id, session_id, transponder_id, loop_name, timestamp, is_in_pit, is_resend)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.Exec(q, eventID, sessionID, p.TransponderID, p.LoopName, p.Timestamp, p.IsInPit, p.IsResend)
	if err != nil {
		return fmt.Errorf("persist: x2 passing %d/%d: %w", eventID, sessionID, err)
	}
	return nil
}

// PersistX2Loop implements pipeline.X2Persister: archives one timing-loop
// topology definition (spec.md §6 X2Loops table). Loop feeds aren't
// session-scoped themselves, but are recorded against the session
// current when the topology was (re)loaded so a later topology change
// mid-event is distinguishable.
func (s *Store) PersistX2Loop(eventID, sessionID int, l decode.LoopDefinition) error {
	const q = `
		INSERT INTO x2_loops
			(event_id, session_id, name, is_in_pit, is_pit_start_finish, is_start_finish)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id, name) DO UPDATE
		SET session_id = EXCLUDED.session_id,
			is_in_pit = EXCLUDED.is_in_pit,
			is_pit_start_finish = EXCLUDED.is_pit_start_finish,
			is_start_finish = EXCLUDED.is_start_finish`
	_, err := s.db.Exec(q, eventID, sessionID, l.Name, l.IsInPit, l.IsPitStartFinish, l.IsStartFinish)
	if err != nil {
		return fmt.Errorf("persist: x2 loop %d/%s: %w", eventID, l.Name, err)
	}
	return nil
}
