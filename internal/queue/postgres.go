package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"coachflow/internal/domain"
)

// EnsurePostgresSchema creates tables if they don't exist.
func EnsurePostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	schema := `
CREATE TABLE IF NOT EXISTS jobs (
  id BIGSERIAL PRIMARY KEY,
  kind TEXT NOT NULL,
  payload JSONB NOT NULL DEFAULT '{}',
  status TEXT NOT NULL CHECK(status IN ('pending','running','retry','done','error')) DEFAULT 'pending',
  user_id BIGINT,
  attempts INTEGER NOT NULL DEFAULT 0,
  locked_at TIMESTAMPTZ,
  locked_by TEXT,
  available_at TIMESTAMPTZ,
  result JSONB,
  error TEXT,
  correlation_id TEXT,
  version INTEGER NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, available_at, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_corr ON jobs(kind, correlation_id) WHERE correlation_id IS NOT NULL;
CREATE TABLE IF NOT EXISTS schedule_rules (
  user_id BIGINT,
  day_key TEXT NOT NULL,
  hour INTEGER NOT NULL DEFAULT 8,
  minute INTEGER NOT NULL DEFAULT 0,
  enabled BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_rules_user ON schedule_rules(user_id, day_key) WHERE user_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_rules_global ON schedule_rules(day_key) WHERE user_id IS NULL;
CREATE TABLE IF NOT EXISTS coaching_prefs (
  user_id BIGINT PRIMARY KEY,
  enabled BOOLEAN NOT NULL DEFAULT FALSE,
  fast_minutes INTEGER NOT NULL DEFAULT 0,
  timezone TEXT NOT NULL DEFAULT '',
  onboard_complete BOOLEAN NOT NULL DEFAULT FALSE,
  onboarding_active BOOLEAN NOT NULL DEFAULT FALSE
);
`
	_, err := pool.Exec(ctx, schema)
	return err
}

type postgresStore struct{ pool *pgxpool.Pool }

func NewPostgresStore(pool *pgxpool.Pool) Store { return &postgresStore{pool: pool} }

// undefinedTable is SQLSTATE 42P01 ("relation does not exist").
func undefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

func (s *postgresStore) withSchemaRetry(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || !undefinedTable(err) {
		return err
	}
	if serr := EnsurePostgresSchema(ctx, s.pool); serr != nil {
		return fmt.Errorf("lazy schema create: %w", serr)
	}
	return op()
}

func (s *postgresStore) Enqueue(ctx context.Context, opts EnqueueOptions) (int64, error) {
	payload, err := json.Marshal(opts.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	var corr *string
	if opts.CorrelationID != "" {
		corr = &opts.CorrelationID
	}
	var id int64
	err = s.withSchemaRetry(ctx, func() error {
		return s.pool.QueryRow(ctx, `
INSERT INTO jobs (kind,payload,status,user_id,available_at,correlation_id)
VALUES ($1,$2,'pending',$3,$4,$5)
RETURNING id`, opts.Kind, payload, opts.UserID, opts.AvailableAt, corr).Scan(&id)
	})
	return id, err
}

const pgJobColumns = `jobs.id, jobs.kind, jobs.payload, jobs.status, jobs.user_id,
    jobs.attempts, jobs.locked_at, jobs.locked_by, jobs.available_at,
    jobs.result, jobs.error, jobs.correlation_id, jobs.version,
    jobs.created_at, jobs.updated_at`

// Claim takes ownership of the oldest eligible job. FOR UPDATE SKIP LOCKED
// keeps concurrent claimers from blocking on or double-claiming a row; a
// running job with a lock older than the timeout is reclaimable (crashed
// worker recovery).
func (s *postgresStore) Claim(ctx context.Context, opts ClaimOptions) (domain.Job, error) {
	kinds := opts.Kinds
	anyKind := len(kinds) == 0
	lockSecs := int(opts.LockTimeout.Seconds())

	var j domain.Job
	err := s.withSchemaRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx, `
WITH candidate AS (
    SELECT id FROM jobs
    WHERE (
        (status IN ('pending','retry') AND (available_at IS NULL OR available_at <= NOW()))
        OR (status = 'running' AND locked_at IS NOT NULL
            AND locked_at <= NOW() - ($3 * interval '1 second'))
    )
    AND ($4 OR kind = ANY($1::text[]))
    ORDER BY created_at ASC, id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE jobs
SET status='running', locked_at=NOW(), locked_by=$2, attempts=attempts+1,
    version=version+1, updated_at=NOW()
FROM candidate
WHERE jobs.id = candidate.id
RETURNING `+pgJobColumns, kinds, opts.WorkerID, lockSecs, anyKind)
		var err error
		j, err = scanPgJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrEmpty
		}
		return err
	})
	if err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

func (s *postgresStore) MarkDone(ctx context.Context, id int64, result map[string]any) error {
	var res []byte
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		res = b
	}
	return s.withSchemaRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
UPDATE jobs
SET status='done', result=$1, error=NULL, locked_at=NULL, locked_by=NULL,
    version=version+1, updated_at=NOW()
WHERE id=$2`, res, id)
		return err
	})
}

func (s *postgresStore) MarkError(ctx context.Context, id int64, errMsg string, retry bool, availableAt *time.Time) error {
	status := domain.StatusError
	if retry {
		status = domain.StatusRetry
	}
	return s.withSchemaRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
UPDATE jobs
SET status=$1, error=$2, available_at=$3, locked_at=NULL, locked_by=NULL,
    version=version+1, updated_at=NOW()
WHERE id=$4`, string(status), errMsg, availableAt, id)
		return err
	})
}

func (s *postgresStore) Get(ctx context.Context, id int64) (domain.Job, error) {
	var j domain.Job
	err := s.withSchemaRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id=$1`, id)
		var err error
		j, err = scanPgJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return j, err
}

func (s *postgresStore) ListRecent(ctx context.Context, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	err := s.withSchemaRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, `
SELECT `+pgJobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		jobs = jobs[:0]
		for rows.Next() {
			j, err := scanPgJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	return jobs, err
}

func (s *postgresStore) HasDuplicate(ctx context.Context, kind, correlationID string, notBefore time.Time) (bool, error) {
	var found bool
	err := s.withSchemaRetry(ctx, func() error {
		var one int
		err := s.pool.QueryRow(ctx, `
SELECT 1 FROM jobs
WHERE kind=$1 AND correlation_id=$2 AND status IN ('pending','retry')
  AND (available_at IS NULL OR available_at <= $3)
LIMIT 1`, kind, correlationID, notBefore).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			found = false
			return nil
		}
		found = err == nil
		return err
	})
	return found, err
}

func (s *postgresStore) UpsertRule(ctx context.Context, r domain.ScheduleRule) error {
	return s.withSchemaRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)
		if r.UserID == nil {
			_, err = tx.Exec(ctx, `DELETE FROM schedule_rules WHERE user_id IS NULL AND day_key=$1`, string(r.Day))
		} else {
			_, err = tx.Exec(ctx, `DELETE FROM schedule_rules WHERE user_id=$1 AND day_key=$2`, *r.UserID, string(r.Day))
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
INSERT INTO schedule_rules (user_id,day_key,hour,minute,enabled) VALUES ($1,$2,$3,$4,$5)`,
			r.UserID, string(r.Day), r.Hour, r.Minute, r.Enabled)
		if err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

func (s *postgresStore) DeleteRule(ctx context.Context, userID *int64, day domain.DayKey) error {
	return s.withSchemaRetry(ctx, func() error {
		var err error
		if userID == nil {
			_, err = s.pool.Exec(ctx, `DELETE FROM schedule_rules WHERE user_id IS NULL AND day_key=$1`, string(day))
		} else {
			_, err = s.pool.Exec(ctx, `DELETE FROM schedule_rules WHERE user_id=$1 AND day_key=$2`, *userID, string(day))
		}
		return err
	})
}

func (s *postgresStore) ListRules(ctx context.Context, userID *int64) ([]domain.ScheduleRule, error) {
	var rules []domain.ScheduleRule
	err := s.withSchemaRetry(ctx, func() error {
		var rows pgx.Rows
		var err error
		if userID == nil {
			rows, err = s.pool.Query(ctx, `
SELECT user_id,day_key,hour,minute,enabled FROM schedule_rules WHERE user_id IS NULL`)
		} else {
			rows, err = s.pool.Query(ctx, `
SELECT user_id,day_key,hour,minute,enabled FROM schedule_rules WHERE user_id=$1`, *userID)
		}
		if err != nil {
			return err
		}
		defer rows.Close()
		rules = rules[:0]
		for rows.Next() {
			var r domain.ScheduleRule
			var day string
			if err := rows.Scan(&r.UserID, &day, &r.Hour, &r.Minute, &r.Enabled); err != nil {
				return err
			}
			r.Day = domain.DayKey(day)
			rules = append(rules, r)
		}
		return rows.Err()
	})
	return rules, err
}

func (s *postgresStore) UpsertPrefs(ctx context.Context, p domain.CoachingPrefs) error {
	return s.withSchemaRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
INSERT INTO coaching_prefs (user_id,enabled,fast_minutes,timezone,onboard_complete,onboarding_active)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT(user_id) DO UPDATE SET
  enabled=EXCLUDED.enabled, fast_minutes=EXCLUDED.fast_minutes,
  timezone=EXCLUDED.timezone, onboard_complete=EXCLUDED.onboard_complete,
  onboarding_active=EXCLUDED.onboarding_active`,
			p.UserID, p.Enabled, p.FastMinutes, p.Timezone, p.OnboardComplete, p.OnboardingActive)
		return err
	})
}

func (s *postgresStore) GetPrefs(ctx context.Context, userID int64) (domain.CoachingPrefs, error) {
	var p domain.CoachingPrefs
	err := s.withSchemaRetry(ctx, func() error {
		err := s.pool.QueryRow(ctx, `
SELECT user_id,enabled,fast_minutes,timezone,onboard_complete,onboarding_active
FROM coaching_prefs WHERE user_id=$1`, userID).
			Scan(&p.UserID, &p.Enabled, &p.FastMinutes, &p.Timezone, &p.OnboardComplete, &p.OnboardingActive)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return p, err
}

func (s *postgresStore) ListEnabledPrefs(ctx context.Context) ([]domain.CoachingPrefs, error) {
	var prefs []domain.CoachingPrefs
	err := s.withSchemaRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, `
SELECT user_id,enabled,fast_minutes,timezone,onboard_complete,onboarding_active
FROM coaching_prefs WHERE enabled`)
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

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var status string
	err := row.Scan(&j.ID, &j.Kind, &j.Payload, &status, &j.UserID, &j.Attempts,
		&j.LockedAt, &j.LockedBy, &j.AvailableAt, &j.Result, &j.Error,
		&j.CorrelationID, &j.Version, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	j.Status = domain.JobStatus(status)
	return j, nil
}
