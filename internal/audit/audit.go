// Package audit is the append-only lifecycle log for schedule and job
// events. Storage only: readers are operators and the dashboard, nothing
// in the system branches on audit contents.
package audit

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"
)

type Event struct {
	At     time.Time
	Event  string
	UserID *int64
	JobID  *int64
	Detail string
}

type Sink interface {
	Record(ctx context.Context, e Event)
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}

// EnsureSchema creates the audit table if missing. Column types are kept
// portable between SQLite and Postgres.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS audit_events (
  at TIMESTAMP NOT NULL,
  event TEXT NOT NULL,
  user_id BIGINT,
  job_id BIGINT,
  detail TEXT NOT NULL DEFAULT ''
)`)
	return err
}

type sqlSink struct{ db *sql.DB }

func NewSQLSink(db *sql.DB) Sink { return &sqlSink{db: db} }

// Record appends one event. Audit failures are logged and swallowed: the
// sink must never fail a job or schedule operation.
func (s *sqlSink) Record(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO audit_events (at,event,user_id,job_id,detail) VALUES (?,?,?,?,?)`,
		e.At, e.Event, e.UserID, e.JobID, e.Detail)
	if err != nil {
		log.Warn().Err(err).Str("event", e.Event).Msg("audit record failed")
	}
}

func (s *sqlSink) ListRecent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT at,event,user_id,job_id,detail FROM audit_events ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var userID, jobID sql.NullInt64
		if err := rows.Scan(&e.At, &e.Event, &userID, &jobID, &e.Detail); err != nil {
			return nil, err
		}
		if userID.Valid {
			v := userID.Int64
			e.UserID = &v
		}
		if jobID.Valid {
			v := jobID.Int64
			e.JobID = &v
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Nop discards events. Used where no audit store is wired (tests, CLIs).
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
func (Nop) ListRecent(context.Context, int) ([]Event, error) {
	return nil, nil
}
