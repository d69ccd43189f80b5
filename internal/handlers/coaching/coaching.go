// Package coaching adapts queued jobs to the coaching content subsystem.
// Every handler is a pure payload→Result function; the queue, retries and
// locking all live on the other side of the worker boundary.
package coaching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"coachflow/internal/domain"
	"coachflow/internal/queue"
)

// Service is the opaque coaching collaborator: prompt assembly, LLM
// calls, audio, transport. Out of scope here, consumed as callables.
//
// RunHabitSeed reports seeded=false with a nil error when its
// prerequisite subsystem has not finished yet; that is dependency gating,
// not failure, and maps to a Requeue outcome.
type Service interface {
	RunDayPrompt(ctx context.Context, userID int64, day domain.DayKey) error
	RunAssessmentStep(ctx context.Context, userID int64, text string) error
	RunLLMPrompt(ctx context.Context, prompt string, meta map[string]string) (string, error)
	RunPillarSync(ctx context.Context, userID int64, sessionID string, week int) error
	RunHabitSeed(ctx context.Context, userID int64, sessionID, runID string, week int) (seeded bool, err error)
	RunWeekstart(ctx context.Context, userID int64, week int) error
}

// habitSeedRequeueBudget caps deliberate "not ready yet" requeues for a
// seed unit of work, separate from the worker's max attempts. Seeding is
// best-effort: an exhausted budget is a soft result, not an error row.
const habitSeedRequeueBudget = 30

// DayPromptHandler delivers one weekday touchpoint.
type DayPromptHandler struct {
	Svc   Service
	Store queue.Store
}

func (DayPromptHandler) Kind() string { return domain.KindDayPrompt }

func (h DayPromptHandler) Run(ctx context.Context, job domain.Job) domain.Result {
	var p domain.DayPromptPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return domain.Unrecoverable(fmt.Errorf("malformed day_prompt payload: %w", err))
	}
	if !domain.ValidDay(p.Day) {
		return domain.Unrecoverable(fmt.Errorf("invalid day %q", p.Day))
	}

	// Fire-time suppression also applies to enqueued prompts: onboarding
	// state may have changed between enqueue and claim.
	prefs, err := h.Store.GetPrefs(ctx, p.UserID)
	if err != nil && !errors.Is(err, queue.ErrNotFound) {
		return domain.Failed(fmt.Errorf("prefs lookup: %w", err))
	}
	if err != nil || !prefs.Enabled || !prefs.OnboardComplete || prefs.OnboardingActive {
		log.Debug().Int64("user_id", p.UserID).Str("day", string(p.Day)).Msg("day prompt suppressed at claim time")
		return domain.Ok(map[string]any{"suppressed": true})
	}

	if err := h.Svc.RunDayPrompt(ctx, p.UserID, p.Day); err != nil {
		return domain.Failed(err)
	}
	return domain.Ok(map[string]any{"day": string(p.Day)})
}

type AssessmentStepHandler struct{ Svc Service }

func (AssessmentStepHandler) Kind() string { return domain.KindAssessmentStep }

func (h AssessmentStepHandler) Run(ctx context.Context, job domain.Job) domain.Result {
	var p domain.AssessmentStepPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return domain.Unrecoverable(fmt.Errorf("malformed assessment_step payload: %w", err))
	}
	if err := h.Svc.RunAssessmentStep(ctx, p.UserID, p.Text); err != nil {
		return domain.Failed(err)
	}
	return domain.Ok(nil)
}

type LLMPromptHandler struct{ Svc Service }

func (LLMPromptHandler) Kind() string { return domain.KindLLMPrompt }

func (h LLMPromptHandler) Run(ctx context.Context, job domain.Job) domain.Result {
	var p domain.LLMPromptPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return domain.Unrecoverable(fmt.Errorf("malformed llm_prompt payload: %w", err))
	}
	if p.Prompt == "" {
		return domain.Unrecoverable(errors.New("llm_prompt requires a prompt"))
	}
	text, err := h.Svc.RunLLMPrompt(ctx, p.Prompt, p.Meta)
	if err != nil {
		return domain.Failed(err)
	}
	return domain.Ok(map[string]any{"text": text})
}

type PillarSyncHandler struct{ Svc Service }

func (PillarSyncHandler) Kind() string { return domain.KindPillarOKRSync }

func (h PillarSyncHandler) Run(ctx context.Context, job domain.Job) domain.Result {
	var p domain.PillarOKRSyncPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return domain.Unrecoverable(fmt.Errorf("malformed pillar_okr_sync payload: %w", err))
	}
	if err := h.Svc.RunPillarSync(ctx, p.UserID, p.SessionID, p.Week); err != nil {
		return domain.Failed(err)
	}
	return domain.Ok(nil)
}

// HabitSeedHandler seeds weekly habits once its prerequisite pipeline has
// finished. Not-ready is a Requeue with backoff, bounded by the seed
// budget rather than worker attempts.
type HabitSeedHandler struct {
	Svc     Service
	Backoff queue.Backoff
}

func (HabitSeedHandler) Kind() string { return domain.KindHabitSeed }

func (h HabitSeedHandler) Run(ctx context.Context, job domain.Job) domain.Result {
	var p domain.HabitSeedPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return domain.Unrecoverable(fmt.Errorf("malformed habit_seed payload: %w", err))
	}

	seeded, err := h.Svc.RunHabitSeed(ctx, p.UserID, p.SessionID, p.RunID, p.Week)
	if err != nil {
		return domain.Failed(err)
	}
	if seeded {
		return domain.Ok(map[string]any{"week": p.Week})
	}

	if p.Requeues >= habitSeedRequeueBudget {
		log.Warn().Int64("user_id", p.UserID).Str("run_id", p.RunID).Int("requeues", p.Requeues).
			Msg("habit seed budget exhausted")
		return domain.Ok(map[string]any{"exhausted": true, "requeues": p.Requeues})
	}
	return domain.Result{
		Outcome:   domain.Requeue,
		NotBefore: time.Now().UTC().Add(h.Backoff.Delay(p.Requeues)),
	}
}

type WeekstartHandler struct{ Svc Service }

func (WeekstartHandler) Kind() string { return domain.KindWeekstartFlow }

func (h WeekstartHandler) Run(ctx context.Context, job domain.Job) domain.Result {
	var p domain.WeekstartFlowPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return domain.Unrecoverable(fmt.Errorf("malformed weekstart_flow payload: %w", err))
	}
	if err := h.Svc.RunWeekstart(ctx, p.UserID, p.Week); err != nil {
		return domain.Failed(err)
	}
	return domain.Ok(nil)
}

// InlineRunner satisfies the scheduler's Runner boundary for inline
// (non-worker) mode.
type InlineRunner struct{ Svc Service }

func (r InlineRunner) RunTouchpoint(ctx context.Context, userID int64, day domain.DayKey) error {
	return r.Svc.RunDayPrompt(ctx, userID, day)
}

func (r InlineRunner) RunKickoff(ctx context.Context, userID int64) error {
	return r.Svc.RunWeekstart(ctx, userID, 1)
}
