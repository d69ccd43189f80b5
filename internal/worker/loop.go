package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"coachflow/internal/audit"
	"coachflow/internal/domain"
	"coachflow/internal/queue"
)

// Handler processes one job kind. Implementations are pure payload→result
// functions with no knowledge of the queue; requeue-vs-fatal is an
// explicit branch on the returned Outcome, never an error type check.
type Handler interface {
	Kind() string
	Run(ctx context.Context, job domain.Job) domain.Result
}

type Registry map[string]Handler

func NewRegistry(handlers ...Handler) Registry {
	reg := make(Registry, len(handlers))
	for _, h := range handlers {
		reg[h.Kind()] = h
	}
	return reg
}

type Options struct {
	WorkerID     string
	Kinds        []string
	PollInterval time.Duration
	LockTimeout  time.Duration
	MaxAttempts  int
	Backoff      queue.Backoff
}

// Loop is one worker instance: single-threaded, one claimed job at a
// time. Horizontal scale-out is more Loop processes, each with its own
// WorkerID, all polling the shared store.
type Loop struct {
	store queue.Store
	reg   Registry
	sink  audit.Sink
	opts  Options
}

func NewLoop(store queue.Store, reg Registry, sink audit.Sink, opts Options) *Loop {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 30 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff == (queue.Backoff{}) {
		opts.Backoff = queue.DefaultBackoff()
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Loop{store: store, reg: reg, sink: sink, opts: opts}
}

func (l *Loop) Run(ctx context.Context) {
	log.Info().Str("worker_id", l.opts.WorkerID).
		Dur("poll", l.opts.PollInterval).Msg("worker loop started")
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := l.store.Claim(ctx, queue.ClaimOptions{
			WorkerID:    l.opts.WorkerID,
			Kinds:       l.opts.Kinds,
			LockTimeout: l.opts.LockTimeout,
		})
		if errors.Is(err, queue.ErrEmpty) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.opts.PollInterval):
			}
			continue
		}
		if err != nil {
			log.Error().Err(err).Msg("claim failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.opts.PollInterval):
			}
			continue
		}
		l.process(ctx, job)
	}
}

// process dispatches one claimed job and records its outcome. Handler
// panics are caught here; nothing a handler does may escape the loop.
func (l *Loop) process(ctx context.Context, job domain.Job) {
	h, ok := l.reg[job.Kind]
	if !ok {
		// configuration error, no backoff will resolve it
		log.Error().Int64("job_id", job.ID).Str("kind", job.Kind).Msg("unknown job kind")
		l.markError(ctx, job, fmt.Sprintf("unknown job kind %q", job.Kind), false)
		return
	}

	res := l.safeRun(ctx, h, job)

	switch res.Outcome {
	case domain.Done:
		if err := l.store.MarkDone(ctx, job.ID, res.Data); err != nil {
			log.Error().Err(err).Int64("job_id", job.ID).Msg("mark done failed")
			return
		}
		l.sink.Record(ctx, audit.Event{Event: "job.done", UserID: job.UserID, JobID: &job.ID})

	case domain.Requeue:
		l.requeue(ctx, job, res)

	case domain.Fatal:
		msg := "fatal handler error"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		log.Error().Int64("job_id", job.ID).Str("kind", job.Kind).Str("err", msg).Msg("job failed terminally")
		l.markError(ctx, job, msg, false)

	default: // Retry
		msg := "handler error"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		retry := job.Attempts < l.opts.MaxAttempts
		log.Warn().Int64("job_id", job.ID).Str("kind", job.Kind).
			Int("attempts", job.Attempts).Bool("retry", retry).Str("err", msg).
			Msg("job handler failed")
		l.markError(ctx, job, msg, retry)
	}
}

func (l *Loop) safeRun(ctx context.Context, h Handler, job domain.Job) (res domain.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Int64("job_id", job.ID).Interface("panic", r).
				Bytes("stack", debug.Stack()).Msg("handler panicked")
			res = domain.Failed(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h.Run(ctx, job)
}

func (l *Loop) markError(ctx context.Context, job domain.Job, msg string, retry bool) {
	var availableAt *time.Time
	if retry {
		t := time.Now().UTC().Add(l.opts.Backoff.Delay(job.Attempts - 1))
		availableAt = &t
	}
	if err := l.store.MarkError(ctx, job.ID, msg, retry, availableAt); err != nil {
		log.Error().Err(err).Int64("job_id", job.ID).Msg("mark error failed")
		return
	}
	event := "job.error"
	if retry {
		event = "job.retry"
	}
	l.sink.Record(ctx, audit.Event{Event: event, UserID: job.UserID, JobID: &job.ID, Detail: msg})
}

// requeue re-enqueues the same logical unit of work with its requeue
// counter bumped, then closes out the claimed row. A pending or retry
// duplicate with the same correlation key that is eligible at least as
// soon suppresses the new row, so repeated triggers cannot pile up
// copies. Requeues do not count against max attempts; the per-kind
// requeue budget is enforced by the handler before it returns Requeue.
func (l *Loop) requeue(ctx context.Context, job domain.Job, res domain.Result) {
	notBefore := res.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now().UTC().Add(l.opts.Backoff.Delay(0))
	}

	var payload map[string]any
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		l.markError(ctx, job, fmt.Sprintf("requeue: malformed payload: %v", err), false)
		return
	}
	requeues := 0
	if n, ok := payload["requeues"].(float64); ok {
		requeues = int(n)
	}
	payload["requeues"] = requeues + 1

	corr := ""
	if job.CorrelationID != nil {
		corr = *job.CorrelationID
	}
	if corr != "" {
		dup, err := l.store.HasDuplicate(ctx, job.Kind, corr, notBefore)
		if err != nil {
			log.Error().Err(err).Int64("job_id", job.ID).Msg("duplicate scan failed")
		} else if dup {
			log.Debug().Int64("job_id", job.ID).Str("correlation_id", corr).Msg("requeue suppressed, duplicate pending")
			_ = l.store.MarkDone(ctx, job.ID, map[string]any{"requeued": false, "suppressed": true})
			return
		}
	}

	newID, err := l.store.Enqueue(ctx, queue.EnqueueOptions{
		Kind:          job.Kind,
		Payload:       payload,
		UserID:        job.UserID,
		AvailableAt:   &notBefore,
		CorrelationID: corr,
	})
	if err != nil {
		// keep the claimed row alive as a retry so the work isn't lost
		l.markError(ctx, job, fmt.Sprintf("requeue enqueue failed: %v", err), true)
		return
	}
	if err := l.store.MarkDone(ctx, job.ID, map[string]any{"requeued": true, "next_job_id": newID}); err != nil {
		log.Error().Err(err).Int64("job_id", job.ID).Msg("mark done after requeue failed")
		return
	}
	l.sink.Record(ctx, audit.Event{Event: "job.requeued", UserID: job.UserID, JobID: &job.ID,
		Detail: fmt.Sprintf("next=%d", newID)})
}
