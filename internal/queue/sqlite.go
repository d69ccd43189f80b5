package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"coachflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS jobs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  kind TEXT NOT NULL,
  payload TEXT NOT NULL DEFAULT '{}',
  status TEXT NOT NULL CHECK(status IN ('pending','running','retry','done','error')) DEFAULT 'pending',
  user_id INTEGER,
  attempts INTEGER NOT NULL DEFAULT 0,
  locked_at DATETIME,
  locked_by TEXT,
  available_at DATETIME,
  result TEXT,
  error TEXT,
  correlation_id TEXT,
  version INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, available_at, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_corr ON jobs(kind, correlation_id) WHERE correlation_id IS NOT NULL;
CREATE TABLE IF NOT EXISTS schedule_rules (
  user_id INTEGER,
  day_key TEXT NOT NULL,
  hour INTEGER NOT NULL DEFAULT 8,
  minute INTEGER NOT NULL DEFAULT 0,
  enabled INTEGER NOT NULL DEFAULT 1
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_rules_user ON schedule_rules(user_id, day_key) WHERE user_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_rules_global ON schedule_rules(day_key) WHERE user_id IS NULL;
CREATE TABLE IF NOT EXISTS coaching_prefs (
  user_id INTEGER PRIMARY KEY,
  enabled INTEGER NOT NULL DEFAULT 0,
  fast_minutes INTEGER NOT NULL DEFAULT 0,
  timezone TEXT NOT NULL DEFAULT '',
  onboard_complete INTEGER NOT NULL DEFAULT 0,
  onboarding_active INTEGER NOT NULL DEFAULT 0
);
`
	_, err := db.Exec(schema)
	return err
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

const jobColumns = `id,kind,payload,status,user_id,attempts,locked_at,locked_by,available_at,result,error,correlation_id,version,created_at,updated_at`

// withSchemaRetry runs op and, on a missing-table error, lazily creates
// the schema once and retries. Covers the race between a fresh worker and
// the main process's first migration.
func (s *sqliteStore) withSchemaRetry(op func() error) error {
	err := op()
	if err == nil || !strings.Contains(err.Error(), "no such table") {
		return err
	}
	if serr := EnsureSchema(s.db); serr != nil {
		return fmt.Errorf("lazy schema create: %w", serr)
	}
	return op()
}

func (s *sqliteStore) Enqueue(ctx context.Context, opts EnqueueOptions) (int64, error) {
	payload, err := json.Marshal(opts.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	var corr *string
	if opts.CorrelationID != "" {
		corr = &opts.CorrelationID
	}
	var id int64
	err = s.withSchemaRetry(func() error {
		res, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (kind,payload,status,user_id,available_at,correlation_id,created_at,updated_at)
VALUES (?,?,'pending',?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, opts.Kind, string(payload), opts.UserID, opts.AvailableAt, corr)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// Claim selects the oldest eligible job and takes ownership through a
// compare-and-swap on the version column: losing a race on one candidate
// just moves on to the next, so concurrent claimers never block and never
// double-claim.
func (s *sqliteStore) Claim(ctx context.Context, opts ClaimOptions) (domain.Job, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-opts.LockTimeout)

	q := `
SELECT ` + jobColumns + `
FROM jobs
WHERE (
    (status IN ('pending','retry') AND (available_at IS NULL OR available_at <= ?))
    OR (status = 'running' AND locked_at IS NOT NULL AND locked_at <= ?)
)`
	args := []any{now, staleBefore}
	if len(opts.Kinds) > 0 {
		q += ` AND kind IN (?` + strings.Repeat(",?", len(opts.Kinds)-1) + `)`
		for _, k := range opts.Kinds {
			args = append(args, k)
		}
	}
	q += ` ORDER BY created_at ASC, id ASC LIMIT 8`

	var claimed domain.Job
	err := s.withSchemaRetry(func() error {
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		var candidates []domain.Job
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, j)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, c := range candidates {
			res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status='running', locked_at=?, locked_by=?, attempts=attempts+1,
    version=version+1, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND version=?`, now, opts.WorkerID, c.ID, c.Version)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 1 {
				claimed, err = s.Get(ctx, c.ID)
				return err
			}
			// lost the race on this row, try the next candidate
		}
		return ErrEmpty
	})
	if err != nil {
		return domain.Job{}, err
	}
	return claimed, nil
}

func (s *sqliteStore) MarkDone(ctx context.Context, id int64, result map[string]any) error {
	var res *string
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		str := string(b)
		res = &str
	}
	return s.withSchemaRetry(func() error {
		_, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status='done', result=?, error=NULL, locked_at=NULL, locked_by=NULL,
    version=version+1, updated_at=CURRENT_TIMESTAMP
WHERE id=?`, res, id)
		return err
	})
}

func (s *sqliteStore) MarkError(ctx context.Context, id int64, errMsg string, retry bool, availableAt *time.Time) error {
	status := domain.StatusError
	if retry {
		status = domain.StatusRetry
	}
	return s.withSchemaRetry(func() error {
		_, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status=?, error=?, available_at=?, locked_at=NULL, locked_by=NULL,
    version=version+1, updated_at=CURRENT_TIMESTAMP
WHERE id=?`, string(status), errMsg, availableAt, id)
		return err
	})
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (domain.Job, error) {
	var j domain.Job
	err := s.withSchemaRetry(func() error {
		row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
		var err error
		j, err = scanJob(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	})
	return j, err
}

func (s *sqliteStore) ListRecent(ctx context.Context, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	err := s.withSchemaRetry(func() error {
		rows, err := s.db.QueryContext(ctx, `
SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		jobs = jobs[:0]
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	return jobs, err
}

func (s *sqliteStore) HasDuplicate(ctx context.Context, kind, correlationID string, notBefore time.Time) (bool, error) {
	var found bool
	err := s.withSchemaRetry(func() error {
		row := s.db.QueryRowContext(ctx, `
SELECT 1 FROM jobs
WHERE kind=? AND correlation_id=? AND status IN ('pending','retry')
  AND (available_at IS NULL OR available_at <= ?)
LIMIT 1`, kind, correlationID, notBefore.UTC())
		var one int
		switch err := row.Scan(&one); err {
		case nil:
			found = true
			return nil
		case sql.ErrNoRows:
			found = false
			return nil
		default:
			return err
		}
	})
	return found, err
}

func (s *sqliteStore) UpsertRule(ctx context.Context, r domain.ScheduleRule) error {
	return s.withSchemaRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if r.UserID == nil {
			_, err = tx.ExecContext(ctx, `DELETE FROM schedule_rules WHERE user_id IS NULL AND day_key=?`, string(r.Day))
		} else {
			_, err = tx.ExecContext(ctx, `DELETE FROM schedule_rules WHERE user_id=? AND day_key=?`, *r.UserID, string(r.Day))
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO schedule_rules (user_id,day_key,hour,minute,enabled) VALUES (?,?,?,?,?)`,
			r.UserID, string(r.Day), r.Hour, r.Minute, r.Enabled)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *sqliteStore) DeleteRule(ctx context.Context, userID *int64, day domain.DayKey) error {
	return s.withSchemaRetry(func() error {
		var err error
		if userID == nil {
			_, err = s.db.ExecContext(ctx, `DELETE FROM schedule_rules WHERE user_id IS NULL AND day_key=?`, string(day))
		} else {
			_, err = s.db.ExecContext(ctx, `DELETE FROM schedule_rules WHERE user_id=? AND day_key=?`, *userID, string(day))
		}
		return err
	})
}

func (s *sqliteStore) ListRules(ctx context.Context, userID *int64) ([]domain.ScheduleRule, error) {
	var rules []domain.ScheduleRule
	err := s.withSchemaRetry(func() error {
		var rows *sql.Rows
		var err error
		if userID == nil {
			rows, err = s.db.QueryContext(ctx, `
SELECT user_id,day_key,hour,minute,enabled FROM schedule_rules WHERE user_id IS NULL`)
		} else {
			rows, err = s.db.QueryContext(ctx, `
SELECT user_id,day_key,hour,minute,enabled FROM schedule_rules WHERE user_id=?`, *userID)
		}
		if err != nil {
			return err
		}
		defer rows.Close()
		rules = rules[:0]
		for rows.Next() {
			var r domain.ScheduleRule
			var uid sql.NullInt64
			var day string
			if err := rows.Scan(&uid, &day, &r.Hour, &r.Minute, &r.Enabled); err != nil {
				return err
			}
			if uid.Valid {
				v := uid.Int64
				r.UserID = &v
			}
			r.Day = domain.DayKey(day)
			rules = append(rules, r)
		}
		return rows.Err()
	})
	return rules, err
}

func (s *sqliteStore) UpsertPrefs(ctx context.Context, p domain.CoachingPrefs) error {
	return s.withSchemaRetry(func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO coaching_prefs (user_id,enabled,fast_minutes,timezone,onboard_complete,onboarding_active)
VALUES (?,?,?,?,?,?)
ON CONFLICT(user_id) DO UPDATE SET
  enabled=excluded.enabled, fast_minutes=excluded.fast_minutes,
  timezone=excluded.timezone, onboard_complete=excluded.onboard_complete,
  onboarding_active=excluded.onboarding_active`,
			p.UserID, p.Enabled, p.FastMinutes, p.Timezone, p.OnboardComplete, p.OnboardingActive)
		return err
	})
}

func (s *sqliteStore) GetPrefs(ctx context.Context, userID int64) (domain.CoachingPrefs, error) {
	var p domain.CoachingPrefs
	err := s.withSchemaRetry(func() error {
		row := s.db.QueryRowContext(ctx, `
SELECT user_id,enabled,fast_minutes,timezone,onboard_complete,onboarding_active
FROM coaching_prefs WHERE user_id=?`, userID)
		err := row.Scan(&p.UserID, &p.Enabled, &p.FastMinutes, &p.Timezone, &p.OnboardComplete, &p.OnboardingActive)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	})
	return p, err
}

func (s *sqliteStore) ListEnabledPrefs(ctx context.Context) ([]domain.CoachingPrefs, error) {
	var prefs []domain.CoachingPrefs
	err := s.withSchemaRetry(func() error {
		rows, err := s.db.QueryContext(ctx, `
SELECT user_id,enabled,fast_minutes,timezone,onboard_complete,onboarding_active
FROM coaching_prefs WHERE enabled=1`)
		if err != nil {
			return err
		}
		defer rows.Close()
		prefs = prefs[:0]
		for rows.Next() {
			var p domain.CoachingPrefs
			if err := rows.Scan(&p.UserID, &p.Enabled, &p.FastMinutes, &p.Timezone, &p.OnboardComplete, &p.OnboardingActive); err != nil {
				return err
			}
			prefs = append(prefs, p)
		}
		return rows.Err()
	})
	return prefs, err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var payload, result sql.NullString
	var userID sql.NullInt64
	var lockedAt, availableAt sql.NullTime
	var lockedBy, errMsg, corr sql.NullString
	var status string
	err := row.Scan(&j.ID, &j.Kind, &payload, &status, &userID, &j.Attempts,
		&lockedAt, &lockedBy, &availableAt, &result, &errMsg, &corr,
		&j.Version, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	j.Status = domain.JobStatus(status)
	if payload.Valid {
		j.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	if userID.Valid {
		v := userID.Int64
		j.UserID = &v
	}
	if lockedAt.Valid {
		t := lockedAt.Time
		j.LockedAt = &t
	}
	if availableAt.Valid {
		t := availableAt.Time
		j.AvailableAt = &t
	}
	if lockedBy.Valid {
		v := lockedBy.String
		j.LockedBy = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		j.Error = &v
	}
	if corr.Valid {
		v := corr.String
		j.CorrelationID = &v
	}
	return j, nil
}
