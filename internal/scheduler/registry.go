package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"coachflow/internal/audit"
	"coachflow/internal/domain"
	"coachflow/internal/queue"
)

// Runner is the boundary to the coaching content subsystem. The registry
// only decides when to fire; what a touchpoint says is someone else's job.
type Runner interface {
	RunTouchpoint(ctx context.Context, userID int64, day domain.DayKey) error
	RunKickoff(ctx context.Context, userID int64) error
}

type Config struct {
	// PromptWorkerMode enqueues fired prompts for the worker fleet;
	// otherwise they run inline in a goroutine.
	PromptWorkerMode bool
	// TestFastMinutes, when >0, forces fast mode for every user.
	TestFastMinutes int
}

// Registry owns every live recurring trigger handle. It is process-local
// and holds no authoritative state: Start rebuilds it from persisted
// prefs, and the job store is the only thing trusted across processes.
// Pass it by reference into request handlers; never a package global.
type Registry struct {
	store    queue.Store
	sink     audit.Sink
	resolver *Resolver
	runner   Runner
	cfg      Config

	mu      sync.Mutex
	cron    *cron.Cron
	handles map[string]cron.EntryID
	started bool
}

func NewRegistry(store queue.Store, sink audit.Sink, resolver *Resolver, runner Runner, cfg Config) *Registry {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Registry{
		store:    store,
		sink:     sink,
		resolver: resolver,
		runner:   runner,
		cfg:      cfg,
		cron:     cron.New(),
		handles:  map[string]cron.EntryID{},
	}
}

// Start launches the trigger engine and re-registers handles for every
// enabled user. Per-user registration failures are logged and skipped;
// one bad row must not keep the rest of the fleet unscheduled.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.cron.Start()
	r.mu.Unlock()

	prefs, err := r.store.ListEnabledPrefs(ctx)
	if err != nil {
		return fmt.Errorf("load enabled prefs: %w", err)
	}
	for _, p := range prefs {
		if err := r.Schedule(ctx, p.UserID); err != nil {
			log.Error().Err(err).Int64("user_id", p.UserID).Msg("reschedule on start failed")
		}
	}
	log.Info().Int("users", len(prefs)).Msg("scheduler registry started")
	return nil
}

func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.started = false
	<-r.cron.Stop().Done()
}

func handleKey(day domain.DayKey, userID int64) string {
	return fmt.Sprintf("auto_prompt_%s_%d", day, userID)
}

// Schedule registers one handle per resolvable (user, day). Re-running it
// with the same inputs replaces handles in place — registration is
// idempotent, never additive.
func (r *Registry) Schedule(ctx context.Context, userID int64) error {
	prefs, err := r.store.GetPrefs(ctx, userID)
	if err != nil {
		return fmt.Errorf("prefs for user %d: %w", userID, err)
	}
	if !prefs.Enabled {
		return fmt.Errorf("coaching disabled for user %d", userID)
	}

	fastMinutes := prefs.FastMinutes
	if r.cfg.TestFastMinutes > 0 {
		fastMinutes = r.cfg.TestFastMinutes
	}
	loc := r.resolver.Location(prefs.Timezone)
	now := time.Now()

	if fastMinutes > 0 {
		for i, day := range domain.Week() {
			r.register(handleKey(day, userID), fastModeSchedule(now, i, fastMinutes), r.fireFunc(userID, day))
		}
		r.sink.Record(ctx, audit.Event{Event: "schedule.registered", UserID: &prefs.UserID,
			Detail: fmt.Sprintf("fast_minutes=%d", fastMinutes)})
		return nil
	}

	mondayHour, mondayMinute, mondayOK, err := r.resolver.EffectiveTime(ctx, userID, domain.Monday)
	if err != nil {
		return err
	}
	if !mondayOK {
		// anchor still needs a Monday date even when Monday itself is
		// disabled; use the fallback time for the date computation
		mondayHour, mondayMinute = fallbackHour, fallbackMinute
	}
	anchor := NextMondayAnchor(now, mondayHour, mondayMinute, loc)

	registered := 0
	for _, day := range domain.Week() {
		hour, minute, ok, err := r.resolver.EffectiveTime(ctx, userID, day)
		if err != nil {
			return err
		}
		key := handleKey(day, userID)
		if !ok {
			r.remove(key)
			continue
		}
		spec := fmt.Sprintf("CRON_TZ=%s %d %d * * %d", loc.String(), minute, hour, int(day.Weekday()))
		weekly, err := cron.ParseStandard(spec)
		if err != nil {
			return fmt.Errorf("cron spec for %s: %w", key, err)
		}
		first := DayFirstFire(anchor, day, hour, minute, loc)
		r.register(key, anchoredSchedule{inner: weekly, notBefore: first}, r.fireFunc(userID, day))
		registered++
	}
	r.sink.Record(ctx, audit.Event{Event: "schedule.registered", UserID: &prefs.UserID,
		Detail: fmt.Sprintf("days=%d anchor=%s", registered, anchor.Format(time.RFC3339))})
	return nil
}

func (r *Registry) register(key string, sched cron.Schedule, job func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.handles[key]; ok {
		r.cron.Remove(id)
	}
	r.handles[key] = r.cron.Schedule(sched, cron.FuncJob(job))
}

func (r *Registry) remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.handles[key]; ok {
		r.cron.Remove(id)
		delete(r.handles, key)
	}
}

// Handles returns the live handle keys, for introspection.
func (r *Registry) Handles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.handles))
	for k := range r.handles {
		keys = append(keys, k)
	}
	return keys
}

// NextFire reports the next fire time for a handle, zero if unknown.
func (r *Registry) NextFire(day domain.DayKey, userID int64) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.handles[handleKey(day, userID)]
	if !ok {
		return time.Time{}
	}
	return r.cron.Entry(id).Next
}

func (r *Registry) fireFunc(userID int64, day domain.DayKey) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		r.fire(ctx, userID, day)
	}
}

// fire runs one day-prompt trigger. The suppression guard re-checks
// onboarding state here, at fire time: it can change between registration
// and fire, and a registered handle must never message a user who is
// mid-onboarding or has never finished it.
func (r *Registry) fire(ctx context.Context, userID int64, day domain.DayKey) {
	prefs, err := r.store.GetPrefs(ctx, userID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("prefs lookup at fire time failed")
		return
	}
	if !prefs.Enabled || !prefs.OnboardComplete || prefs.OnboardingActive {
		log.Debug().Int64("user_id", userID).Str("day", string(day)).Msg("day prompt suppressed")
		r.sink.Record(ctx, audit.Event{Event: "prompt.suppressed", UserID: &userID, Detail: string(day)})
		return
	}

	if r.cfg.PromptWorkerMode {
		id, err := r.store.Enqueue(ctx, queue.EnqueueOptions{
			Kind:    domain.KindDayPrompt,
			Payload: domain.DayPromptPayload{UserID: userID, Day: day},
			UserID:  &userID,
		})
		if err != nil {
			log.Error().Err(err).Int64("user_id", userID).Str("day", string(day)).Msg("enqueue day prompt failed")
			return
		}
		r.sink.Record(ctx, audit.Event{Event: "prompt.enqueued", UserID: &userID, JobID: &id, Detail: string(day)})
		return
	}

	// inline mode: fire-and-forget, completion is not tracked
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := r.runner.RunTouchpoint(ctx, userID, day); err != nil {
			log.Error().Err(err).Int64("user_id", userID).Str("day", string(day)).Msg("inline day prompt failed")
		}
	}()
	r.sink.Record(ctx, audit.Event{Event: "prompt.fired", UserID: &userID, Detail: string(day)})
}

// EnableCoaching persists the preference, triggers the kickoff, and
// registers the weekly handles. fastMinutes 0 keeps the real cadence.
func (r *Registry) EnableCoaching(ctx context.Context, userID int64, fastMinutes int) error {
	prefs, err := r.store.GetPrefs(ctx, userID)
	if errors.Is(err, queue.ErrNotFound) {
		prefs = domain.CoachingPrefs{UserID: userID}
	} else if err != nil {
		return err
	}
	prefs.Enabled = true
	prefs.FastMinutes = fastMinutes
	if err := r.store.UpsertPrefs(ctx, prefs); err != nil {
		return fmt.Errorf("persist prefs: %w", err)
	}
	r.sink.Record(ctx, audit.Event{Event: "coaching.enabled", UserID: &userID,
		Detail: fmt.Sprintf("fast_minutes=%d", fastMinutes)})

	if r.cfg.PromptWorkerMode {
		if _, err := r.store.Enqueue(ctx, queue.EnqueueOptions{
			Kind:    domain.KindWeekstartFlow,
			Payload: domain.WeekstartFlowPayload{UserID: userID, Week: 1},
			UserID:  &userID,
		}); err != nil {
			log.Error().Err(err).Int64("user_id", userID).Msg("enqueue kickoff failed")
		}
	} else {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := r.runner.RunKickoff(ctx, userID); err != nil {
				log.Error().Err(err).Int64("user_id", userID).Msg("inline kickoff failed")
			}
		}()
	}

	return r.Schedule(ctx, userID)
}

// DisableCoaching persists the preference and removes the user's handles.
func (r *Registry) DisableCoaching(ctx context.Context, userID int64) error {
	prefs, err := r.store.GetPrefs(ctx, userID)
	if errors.Is(err, queue.ErrNotFound) {
		prefs = domain.CoachingPrefs{UserID: userID}
	} else if err != nil {
		return err
	}
	prefs.Enabled = false
	if err := r.store.UpsertPrefs(ctx, prefs); err != nil {
		return fmt.Errorf("persist prefs: %w", err)
	}
	r.ResetJobs(userID)
	r.sink.Record(ctx, audit.Event{Event: "coaching.disabled", UserID: &userID})
	return nil
}

// ResetJobs removes the user's handles without touching the persisted
// preference. Recovery hatch for corrupt handle state.
func (r *Registry) ResetJobs(userID int64) {
	for _, day := range domain.Week() {
		r.remove(handleKey(day, userID))
	}
}
