package coaching

import (
	"context"

	"github.com/rs/zerolog/log"

	"coachflow/internal/domain"
)

// LogService is the stand-in Service used until the content subsystem
// (prompt assembly, LLM, audio, transport) is wired in. It logs each call
// and succeeds.
type LogService struct{}

func (LogService) RunDayPrompt(ctx context.Context, userID int64, day domain.DayKey) error {
	log.Info().Int64("user_id", userID).Str("day", string(day)).Msg("day prompt")
	return nil
}

func (LogService) RunAssessmentStep(ctx context.Context, userID int64, text string) error {
	log.Info().Int64("user_id", userID).Int("len", len(text)).Msg("assessment step")
	return nil
}

func (LogService) RunLLMPrompt(ctx context.Context, prompt string, meta map[string]string) (string, error) {
	log.Info().Int("len", len(prompt)).Msg("llm prompt")
	return "", nil
}

func (LogService) RunPillarSync(ctx context.Context, userID int64, sessionID string, week int) error {
	log.Info().Int64("user_id", userID).Str("session_id", sessionID).Int("week", week).Msg("pillar sync")
	return nil
}

func (LogService) RunHabitSeed(ctx context.Context, userID int64, sessionID, runID string, week int) (bool, error) {
	log.Info().Int64("user_id", userID).Str("run_id", runID).Int("week", week).Msg("habit seed")
	return true, nil
}

func (LogService) RunWeekstart(ctx context.Context, userID int64, week int) error {
	log.Info().Int64("user_id", userID).Int("week", week).Msg("weekstart flow")
	return nil
}
