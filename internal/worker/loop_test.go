package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"coachflow/internal/domain"
	"coachflow/internal/queue"
)

type testHandler struct {
	kind string
	run  func(ctx context.Context, job domain.Job) domain.Result
}

func (h testHandler) Kind() string { return h.kind }
func (h testHandler) Run(ctx context.Context, job domain.Job) domain.Result {
	return h.run(ctx, job)
}

func newTestStore(t *testing.T) queue.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.db")
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	return queue.NewSQLiteStore(db)
}

// fastBackoff keeps retry delays near zero so tests can re-claim quickly.
var fastBackoff = queue.Backoff{Base: time.Millisecond, Step: 0, Max: time.Millisecond}

func newTestLoop(store queue.Store, maxAttempts int, handlers ...Handler) *Loop {
	return NewLoop(store, NewRegistry(handlers...), nil, Options{
		WorkerID:    "test-worker",
		MaxAttempts: maxAttempts,
		Backoff:     fastBackoff,
	})
}

// drain claims and processes until the queue is empty, waiting out retry
// backoff between polls. Returns the number of jobs processed.
func drain(t *testing.T, l *Loop, store queue.Store) int {
	t.Helper()
	ctx := context.Background()
	processed := 0
	for i := 0; i < 100; i++ {
		job, err := store.Claim(ctx, queue.ClaimOptions{WorkerID: "test-worker", LockTimeout: time.Minute})
		if errors.Is(err, queue.ErrEmpty) {
			time.Sleep(5 * time.Millisecond)
			job, err = store.Claim(ctx, queue.ClaimOptions{WorkerID: "test-worker", LockTimeout: time.Minute})
			if errors.Is(err, queue.ErrEmpty) {
				return processed
			}
		}
		require.NoError(t, err)
		l.process(ctx, job)
		processed++
	}
	t.Fatal("queue did not drain")
	return processed
}

func TestHandlerSuccess(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	calls := 0
	l := newTestLoop(store, 3, testHandler{kind: domain.KindLLMPrompt, run: func(ctx context.Context, job domain.Job) domain.Result {
		calls++
		return domain.Ok(map[string]any{"text": "hi"})
	}})

	id, err := store.Enqueue(ctx, queue.EnqueueOptions{Kind: domain.KindLLMPrompt, Payload: map[string]any{}})
	require.NoError(t, err)

	require.Equal(t, 1, drain(t, l, store))
	require.Equal(t, 1, calls)

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDone, job.Status)
	require.JSONEq(t, `{"text":"hi"}`, string(job.Result))
}

func TestRetryExhaustion(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	calls := 0
	l := newTestLoop(store, 3, testHandler{kind: domain.KindLLMPrompt, run: func(ctx context.Context, job domain.Job) domain.Result {
		calls++
		return domain.Failed(errors.New("always broken"))
	}})

	id, err := store.Enqueue(ctx, queue.EnqueueOptions{Kind: domain.KindLLMPrompt, Payload: map[string]any{}})
	require.NoError(t, err)

	drain(t, l, store)
	// exactly max_attempts claims, never fewer, never more
	require.Equal(t, 3, calls)

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusError, job.Status)
	require.Equal(t, 3, job.Attempts)
	require.Equal(t, "always broken", *job.Error)
}

func TestUnknownKindIsTerminal(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	l := newTestLoop(store, 3)

	id, err := store.Enqueue(ctx, queue.EnqueueOptions{Kind: "no_such_kind", Payload: map[string]any{}})
	require.NoError(t, err)

	require.Equal(t, 1, drain(t, l, store))

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusError, job.Status)
	require.Equal(t, 1, job.Attempts, "configuration errors must not retry")
}

func TestHandlerPanicIsContained(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	l := newTestLoop(store, 2, testHandler{kind: domain.KindLLMPrompt, run: func(ctx context.Context, job domain.Job) domain.Result {
		panic("handler exploded")
	}})

	id, err := store.Enqueue(ctx, queue.EnqueueOptions{Kind: domain.KindLLMPrompt, Payload: map[string]any{}})
	require.NoError(t, err)

	// must not panic out of process; exhausts attempts like any failure
	drain(t, l, store)

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusError, job.Status)
	require.Equal(t, 2, job.Attempts)
	require.Contains(t, *job.Error, "handler panic")
}

func TestFatalOutcomeSkipsRetry(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	l := newTestLoop(store, 5, testHandler{kind: domain.KindLLMPrompt, run: func(ctx context.Context, job domain.Job) domain.Result {
		return domain.Unrecoverable(errors.New("malformed payload"))
	}})

	id, err := store.Enqueue(ctx, queue.EnqueueOptions{Kind: domain.KindLLMPrompt, Payload: map[string]any{}})
	require.NoError(t, err)

	require.Equal(t, 1, drain(t, l, store))

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusError, job.Status)
	require.Equal(t, 1, job.Attempts)
}

func TestRequeueCarriesCounter(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	l := newTestLoop(store, 3, testHandler{kind: domain.KindHabitSeed, run: func(ctx context.Context, job domain.Job) domain.Result {
		return domain.Result{Outcome: domain.Requeue, NotBefore: time.Now().UTC().Add(time.Hour)}
	}})

	corr := "habit_seed:1:s:r:week1"
	id, err := store.Enqueue(ctx, queue.EnqueueOptions{
		Kind:          domain.KindHabitSeed,
		Payload:       domain.HabitSeedPayload{UserID: 1, SessionID: "s", RunID: "r", Week: 1},
		CorrelationID: corr,
	})
	require.NoError(t, err)

	job, err := store.Claim(ctx, queue.ClaimOptions{WorkerID: "test-worker", LockTimeout: time.Minute})
	require.NoError(t, err)
	l.process(ctx, job)

	// original closed out as requeued
	orig, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDone, orig.Status)
	require.JSONEq(t, `{"requeued":true,"next_job_id":2}`, string(orig.Result))

	// replacement carries the bumped counter and the NotBefore gate
	next, err := store.Get(ctx, id+1)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, next.Status)
	require.NotNil(t, next.AvailableAt)
	var p domain.HabitSeedPayload
	require.NoError(t, json.Unmarshal(next.Payload, &p))
	require.Equal(t, 1, p.Requeues)
	require.Equal(t, corr, *next.CorrelationID)
}

func TestRequeueDuplicateSuppressed(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	l := newTestLoop(store, 3, testHandler{kind: domain.KindHabitSeed, run: func(ctx context.Context, job domain.Job) domain.Result {
		return domain.Result{Outcome: domain.Requeue, NotBefore: time.Now().UTC().Add(time.Hour)}
	}})

	corr := "habit_seed:1:s:r:week1"
	id, err := store.Enqueue(ctx, queue.EnqueueOptions{
		Kind:          domain.KindHabitSeed,
		Payload:       domain.HabitSeedPayload{UserID: 1, SessionID: "s", RunID: "r", Week: 1},
		CorrelationID: corr,
	})
	require.NoError(t, err)

	// a pending duplicate with the same key, eligible sooner
	_, err = store.Enqueue(ctx, queue.EnqueueOptions{
		Kind:          domain.KindHabitSeed,
		Payload:       domain.HabitSeedPayload{UserID: 1, SessionID: "s", RunID: "r", Week: 1, Requeues: 1},
		CorrelationID: corr,
	})
	require.NoError(t, err)

	job, err := store.Claim(ctx, queue.ClaimOptions{WorkerID: "test-worker", LockTimeout: time.Minute})
	require.NoError(t, err)
	require.Equal(t, id, job.ID)
	l.process(ctx, job)

	orig, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDone, orig.Status)
	require.JSONEq(t, `{"requeued":false,"suppressed":true}`, string(orig.Result))

	// no third row was created
	jobs, err := store.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
}
