package scheduler

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coachflow/internal/domain"
	"coachflow/internal/queue"
)

type stubRunner struct {
	mu          sync.Mutex
	touchpoints []domain.DayKey
	kickoffs    int
}

func (r *stubRunner) RunTouchpoint(ctx context.Context, userID int64, day domain.DayKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touchpoints = append(r.touchpoints, day)
	return nil
}

func (r *stubRunner) RunKickoff(ctx context.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kickoffs++
	return nil
}

func newTestRegistry(t *testing.T, store queue.Store, cfg Config) (*Registry, *stubRunner) {
	t.Helper()
	runner := &stubRunner{}
	reg := NewRegistry(store, nil, NewResolver(store, "UTC"), runner, cfg)
	require.NoError(t, reg.Start(context.Background()))
	t.Cleanup(reg.Stop)
	return reg, runner
}

func enableUser(t *testing.T, store queue.Store, userID int64, fastMinutes int) {
	t.Helper()
	require.NoError(t, store.UpsertPrefs(context.Background(), domain.CoachingPrefs{
		UserID: userID, Enabled: true, FastMinutes: fastMinutes, OnboardComplete: true,
	}))
}

func TestScheduleIdempotent(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	reg, _ := newTestRegistry(t, store, Config{PromptWorkerMode: true})
	ctx := context.Background()

	enableUser(t, store, 42, 0)
	require.NoError(t, reg.Schedule(ctx, 42))
	require.Len(t, reg.Handles(), 7)

	// identical re-registration replaces, never accumulates
	require.NoError(t, reg.Schedule(ctx, 42))
	require.Len(t, reg.Handles(), 7)

	keys := reg.Handles()
	sort.Strings(keys)
	require.Contains(t, keys, "auto_prompt_monday_42")
	require.Contains(t, keys, "auto_prompt_sunday_42")
}

func TestScheduleSkipsDisabledDay(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	reg, _ := newTestRegistry(t, store, Config{PromptWorkerMode: true})
	ctx := context.Background()

	require.NoError(t, store.UpsertRule(ctx, domain.ScheduleRule{Day: domain.Saturday, Enabled: false}))
	enableUser(t, store, 7, 0)
	require.NoError(t, reg.Schedule(ctx, 7))

	handles := reg.Handles()
	require.Len(t, handles, 6)
	require.NotContains(t, handles, "auto_prompt_saturday_7")
}

func TestFastModeFirstFiresAreStaggered(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	reg, _ := newTestRegistry(t, store, Config{PromptWorkerMode: true})
	ctx := context.Background()

	enableUser(t, store, 9, 2)
	require.NoError(t, reg.Schedule(ctx, 9))
	require.Len(t, reg.Handles(), 7)

	var prev time.Time
	for i, day := range domain.Week() {
		next := reg.NextFire(day, 9)
		require.False(t, next.IsZero(), "%s must have a next fire", day)
		if i > 0 {
			require.Equal(t, 2*time.Minute, next.Sub(prev), "%s fires one fast-day after the previous day", day)
		}
		prev = next
	}
}

func TestWeeklyHandlesAnchorOnMonday(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	reg, _ := newTestRegistry(t, store, Config{PromptWorkerMode: true})
	ctx := context.Background()

	enableUser(t, store, 21, 0)
	require.NoError(t, reg.Schedule(ctx, 21))

	monday := reg.NextFire(domain.Monday, 21)
	require.False(t, monday.IsZero())
	require.Equal(t, time.Monday, monday.Weekday())
	require.Equal(t, fallbackHour, monday.Hour())

	// every other day fires inside the anchored week, in order
	prev := monday
	for _, day := range domain.Week()[1:] {
		next := reg.NextFire(day, 21)
		require.Equal(t, 24*time.Hour, next.Sub(prev), "%s follows the prior day", day)
		prev = next
	}
}

func TestEnableCoachingKicksOffAndSchedules(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	reg, _ := newTestRegistry(t, store, Config{PromptWorkerMode: true})
	ctx := context.Background()

	require.NoError(t, reg.EnableCoaching(ctx, 5, 0))
	require.Len(t, reg.Handles(), 7)

	prefs, err := store.GetPrefs(ctx, 5)
	require.NoError(t, err)
	require.True(t, prefs.Enabled)

	jobs, err := store.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, domain.KindWeekstartFlow, jobs[0].Kind)
}

func TestEnableCoachingInlineKickoff(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	reg, runner := newTestRegistry(t, store, Config{PromptWorkerMode: false})
	ctx := context.Background()

	require.NoError(t, reg.EnableCoaching(ctx, 6, 0))

	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return runner.kickoffs == 1
	}, time.Second, 10*time.Millisecond)

	jobs, err := store.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, jobs, "inline mode must not enqueue")
}

func TestDisableCoachingRemovesHandles(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	reg, _ := newTestRegistry(t, store, Config{PromptWorkerMode: true})
	ctx := context.Background()

	require.NoError(t, reg.EnableCoaching(ctx, 8, 1))
	require.Len(t, reg.Handles(), 7)

	require.NoError(t, reg.DisableCoaching(ctx, 8))
	require.Empty(t, reg.Handles())

	prefs, err := store.GetPrefs(ctx, 8)
	require.NoError(t, err)
	require.False(t, prefs.Enabled)
}

func TestResetJobsKeepsPrefs(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	reg, _ := newTestRegistry(t, store, Config{PromptWorkerMode: true})
	ctx := context.Background()

	require.NoError(t, reg.EnableCoaching(ctx, 13, 1))
	require.Len(t, reg.Handles(), 7)

	reg.ResetJobs(13)
	require.Empty(t, reg.Handles())

	prefs, err := store.GetPrefs(ctx, 13)
	require.NoError(t, err)
	require.True(t, prefs.Enabled, "reset must not touch the preference")
}

func TestStartRebuildsFromPrefs(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	enableUser(t, store, 30, 1)
	enableUser(t, store, 31, 0)
	require.NoError(t, store.UpsertPrefs(context.Background(), domain.CoachingPrefs{UserID: 32, Enabled: false}))

	reg, _ := newTestRegistry(t, store, Config{PromptWorkerMode: true})
	handles := reg.Handles()
	require.Len(t, handles, 14, "two enabled users, seven days each")
	require.NotContains(t, handles, "auto_prompt_monday_32")
}

func TestFireSuppressedDuringOnboarding(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	reg, _ := newTestRegistry(t, store, Config{PromptWorkerMode: true})
	ctx := context.Background()

	require.NoError(t, store.UpsertPrefs(ctx, domain.CoachingPrefs{
		UserID: 50, Enabled: true, OnboardComplete: false,
	}))
	reg.fire(ctx, 50, domain.Monday)
	jobs, err := store.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, jobs, "incomplete onboarding must suppress the prompt")

	// active onboarding session also suppresses, even when complete
	require.NoError(t, store.UpsertPrefs(ctx, domain.CoachingPrefs{
		UserID: 50, Enabled: true, OnboardComplete: true, OnboardingActive: true,
	}))
	reg.fire(ctx, 50, domain.Monday)
	jobs, err = store.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, jobs)

	// clear the session and the prompt goes out
	require.NoError(t, store.UpsertPrefs(ctx, domain.CoachingPrefs{
		UserID: 50, Enabled: true, OnboardComplete: true,
	}))
	reg.fire(ctx, 50, domain.Monday)
	jobs, err = store.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, domain.KindDayPrompt, jobs[0].Kind)
}
