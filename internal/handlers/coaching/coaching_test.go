package coaching

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

type fakeService struct {
	dayPrompts int
	seeded     bool
	seedErr    error
	llmOut     string
}

func (s *fakeService) RunDayPrompt(ctx context.Context, userID int64, day domain.DayKey) error {
	s.dayPrompts++
	return nil
}
func (s *fakeService) RunAssessmentStep(ctx context.Context, userID int64, text string) error {
	return nil
}
func (s *fakeService) RunLLMPrompt(ctx context.Context, prompt string, meta map[string]string) (string, error) {
	return s.llmOut, nil
}
func (s *fakeService) RunPillarSync(ctx context.Context, userID int64, sessionID string, week int) error {
	return nil
}
func (s *fakeService) RunHabitSeed(ctx context.Context, userID int64, sessionID, runID string, week int) (bool, error) {
	return s.seeded, s.seedErr
}
func (s *fakeService) RunWeekstart(ctx context.Context, userID int64, week int) error {
	return nil
}

func newTestStore(t *testing.T) queue.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coaching.db")
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	return queue.NewSQLiteStore(db)
}

func jobWith(t *testing.T, kind string, payload any) domain.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return domain.Job{ID: 1, Kind: kind, Payload: raw, Attempts: 1}
}

func TestDayPromptSuppressedWithoutOnboarding(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	svc := &fakeService{}
	h := DayPromptHandler{Svc: svc, Store: store}
	ctx := context.Background()

	require.NoError(t, store.UpsertPrefs(ctx, domain.CoachingPrefs{
		UserID: 42, Enabled: true, OnboardComplete: false,
	}))

	res := h.Run(ctx, jobWith(t, domain.KindDayPrompt, domain.DayPromptPayload{UserID: 42, Day: domain.Monday}))
	require.Equal(t, domain.Done, res.Outcome, "suppressed prompt is a no-op, not a failure")
	require.Equal(t, true, res.Data["suppressed"])
	require.Zero(t, svc.dayPrompts, "no outbound touchpoint may be produced")
}

func TestDayPromptDelivers(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	svc := &fakeService{}
	h := DayPromptHandler{Svc: svc, Store: store}
	ctx := context.Background()

	require.NoError(t, store.UpsertPrefs(ctx, domain.CoachingPrefs{
		UserID: 42, Enabled: true, OnboardComplete: true,
	}))

	res := h.Run(ctx, jobWith(t, domain.KindDayPrompt, domain.DayPromptPayload{UserID: 42, Day: domain.Friday}))
	require.Equal(t, domain.Done, res.Outcome)
	require.Equal(t, 1, svc.dayPrompts)
}

func TestDayPromptMalformedPayloadIsFatal(t *testing.T) {
	t.Parallel()
	h := DayPromptHandler{Svc: &fakeService{}, Store: newTestStore(t)}

	res := h.Run(context.Background(), domain.Job{Kind: domain.KindDayPrompt, Payload: []byte(`{"day":`)})
	require.Equal(t, domain.Fatal, res.Outcome)

	res = h.Run(context.Background(), jobWith(t, domain.KindDayPrompt, domain.DayPromptPayload{UserID: 42, Day: "someday"}))
	require.Equal(t, domain.Fatal, res.Outcome)
}

func TestHabitSeedNotReadyRequeues(t *testing.T) {
	t.Parallel()
	h := HabitSeedHandler{Svc: &fakeService{seeded: false}, Backoff: queue.DefaultBackoff()}

	payload := domain.HabitSeedPayload{UserID: 1, SessionID: "s", RunID: "r", Week: 2, Requeues: 3}
	res := h.Run(context.Background(), jobWith(t, domain.KindHabitSeed, payload))
	require.Equal(t, domain.Requeue, res.Outcome)
	require.False(t, res.NotBefore.IsZero())
	// delay follows the linear policy for the current requeue count
	wantDelay := queue.DefaultBackoff().Delay(3)
	require.WithinDuration(t, time.Now().UTC().Add(wantDelay), res.NotBefore, 2*time.Second)
}

func TestHabitSeedBudgetExhaustedIsSoft(t *testing.T) {
	t.Parallel()
	h := HabitSeedHandler{Svc: &fakeService{seeded: false}, Backoff: queue.DefaultBackoff()}

	payload := domain.HabitSeedPayload{UserID: 1, SessionID: "s", RunID: "r", Week: 2, Requeues: habitSeedRequeueBudget}
	res := h.Run(context.Background(), jobWith(t, domain.KindHabitSeed, payload))
	require.Equal(t, domain.Done, res.Outcome, "exhausted budget is best-effort, not an error row")
	require.Equal(t, true, res.Data["exhausted"])
}

func TestHabitSeedSucceeds(t *testing.T) {
	t.Parallel()
	h := HabitSeedHandler{Svc: &fakeService{seeded: true}, Backoff: queue.DefaultBackoff()}

	res := h.Run(context.Background(), jobWith(t, domain.KindHabitSeed, domain.HabitSeedPayload{UserID: 1, Week: 2}))
	require.Equal(t, domain.Done, res.Outcome)
}

func TestHabitSeedFailure(t *testing.T) {
	t.Parallel()
	h := HabitSeedHandler{Svc: &fakeService{seedErr: errors.New("store down")}, Backoff: queue.DefaultBackoff()}

	res := h.Run(context.Background(), jobWith(t, domain.KindHabitSeed, domain.HabitSeedPayload{UserID: 1}))
	require.Equal(t, domain.Retry, res.Outcome)
	require.Error(t, res.Err)
}

func TestLLMPromptReturnsText(t *testing.T) {
	t.Parallel()
	h := LLMPromptHandler{Svc: &fakeService{llmOut: "coaching reply"}}

	res := h.Run(context.Background(), jobWith(t, domain.KindLLMPrompt, domain.LLMPromptPayload{Prompt: "hello"}))
	require.Equal(t, domain.Done, res.Outcome)
	require.Equal(t, "coaching reply", res.Data["text"])

	res = h.Run(context.Background(), jobWith(t, domain.KindLLMPrompt, domain.LLMPromptPayload{}))
	require.Equal(t, domain.Fatal, res.Outcome, "empty prompt is a configuration error")
}

func TestHabitSeedCorrelationID(t *testing.T) {
	t.Parallel()
	p := domain.HabitSeedPayload{UserID: 7, SessionID: "sess", RunID: "run", Week: 3}
	require.Equal(t, "habit_seed:7:sess:run:week3", p.CorrelationID())
}
