package queue

import (
	"context"
	"errors"
	"time"

	"coachflow/internal/domain"
)

var (
	// ErrEmpty signals a Claim poll found no eligible job.
	ErrEmpty = errors.New("no jobs ready")
	// ErrNotFound is returned for lookups of unknown job or pref rows.
	ErrNotFound = errors.New("not found")
)

// EnqueueOptions describes one job submission. AvailableAt nil means
// eligible immediately; CorrelationID empty means no dedup key.
type EnqueueOptions struct {
	Kind          string
	Payload       any
	UserID        *int64
	AvailableAt   *time.Time
	CorrelationID string
}

// ClaimOptions controls one Claim poll. A running job whose locked_at is
// older than LockTimeout is considered orphaned and claimable.
type ClaimOptions struct {
	WorkerID    string
	Kinds       []string // empty claims any kind
	LockTimeout time.Duration
}

// Store is the durable job table plus the scheduler's persisted state
// (rules and prefs). It is the sole coordination point between the main
// process and the worker fleet; every mutation is transactional.
//
// Two implementations exist: SQLite with an optimistic version-column CAS
// claim, and Postgres with FOR UPDATE SKIP LOCKED.
type Store interface {
	Enqueue(ctx context.Context, opts EnqueueOptions) (int64, error)
	Claim(ctx context.Context, opts ClaimOptions) (domain.Job, error)
	MarkDone(ctx context.Context, id int64, result map[string]any) error
	MarkError(ctx context.Context, id int64, errMsg string, retry bool, availableAt *time.Time) error
	Get(ctx context.Context, id int64) (domain.Job, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Job, error)

	// HasDuplicate reports whether a pending or retry job of kind with the
	// same correlation key is already eligible at or before notBefore.
	HasDuplicate(ctx context.Context, kind, correlationID string, notBefore time.Time) (bool, error)

	UpsertRule(ctx context.Context, r domain.ScheduleRule) error
	DeleteRule(ctx context.Context, userID *int64, day domain.DayKey) error
	ListRules(ctx context.Context, userID *int64) ([]domain.ScheduleRule, error)

	UpsertPrefs(ctx context.Context, p domain.CoachingPrefs) error
	GetPrefs(ctx context.Context, userID int64) (domain.CoachingPrefs, error)
	ListEnabledPrefs(ctx context.Context) ([]domain.CoachingPrefs, error)

	Close() error
}
