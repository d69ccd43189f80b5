package domain

import (
	"encoding/json"
	"strconv"
	"time"
)

type JobStatus string

const (
	StatusPending JobStatus = "pending"
	StatusRunning JobStatus = "running"
	StatusRetry   JobStatus = "retry"
	StatusDone    JobStatus = "done"
	StatusError   JobStatus = "error"
)

// Job kinds dispatched by the worker loop. Adding a kind requires a
// matching Handler registered at bootstrap.
const (
	KindDayPrompt      = "day_prompt"
	KindAssessmentStep = "assessment_step"
	KindLLMPrompt      = "llm_prompt"
	KindPillarOKRSync  = "pillar_okr_sync"
	KindHabitSeed      = "habit_seed"
	KindWeekstartFlow  = "weekstart_flow"
)

type Job struct {
	ID            int64
	Kind          string
	Payload       json.RawMessage
	Status        JobStatus
	UserID        *int64
	Attempts      int
	LockedAt      *time.Time
	LockedBy      *string
	AvailableAt   *time.Time
	Result        json.RawMessage
	Error         *string
	CorrelationID *string
	Version       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type DayKey string

const (
	Monday    DayKey = "monday"
	Tuesday   DayKey = "tuesday"
	Wednesday DayKey = "wednesday"
	Thursday  DayKey = "thursday"
	Friday    DayKey = "friday"
	Saturday  DayKey = "saturday"
	Sunday    DayKey = "sunday"
)

// Week returns monday..sunday in programme order. Index in this slice is
// the day's offset from the Monday anchor.
func Week() []DayKey {
	return []DayKey{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}
}

func (d DayKey) Weekday() time.Weekday {
	switch d {
	case Monday:
		return time.Monday
	case Tuesday:
		return time.Tuesday
	case Wednesday:
		return time.Wednesday
	case Thursday:
		return time.Thursday
	case Friday:
		return time.Friday
	case Saturday:
		return time.Saturday
	default:
		return time.Sunday
	}
}

// Offset is days since Monday (monday=0 .. sunday=6).
func (d DayKey) Offset() int {
	for i, day := range Week() {
		if day == d {
			return i
		}
	}
	return 0
}

func ValidDay(d DayKey) bool {
	for _, day := range Week() {
		if day == d {
			return true
		}
	}
	return false
}

// ScheduleRule is one (user, day) trigger definition. UserID nil means the
// row is the global default for that day.
type ScheduleRule struct {
	UserID  *int64
	Day     DayKey
	Hour    int
	Minute  int
	Enabled bool
}

// CoachingPrefs is the persisted per-user coaching preference row. The
// scheduler registry is rebuilt from these on process restart.
type CoachingPrefs struct {
	UserID           int64
	Enabled          bool
	FastMinutes      int // 0 = real weekly cadence
	Timezone         string
	OnboardComplete  bool
	OnboardingActive bool
}

// Outcome tells the worker loop what to do with a finished handler call.
// Requeue is a deliberate "not ready yet" (dependency gating), distinct
// from Retry which counts against max attempts.
type Outcome int

const (
	Done Outcome = iota
	Retry
	Requeue
	Fatal
)

type Result struct {
	Outcome   Outcome
	Data      map[string]any
	Err       error
	NotBefore time.Time // earliest re-eligibility for Requeue
}

func Ok(data map[string]any) Result  { return Result{Outcome: Done, Data: data} }
func Failed(err error) Result        { return Result{Outcome: Retry, Err: err} }
func Unrecoverable(err error) Result { return Result{Outcome: Fatal, Err: err} }

// Typed payloads per kind.

type DayPromptPayload struct {
	UserID int64  `json:"user_id"`
	Day    DayKey `json:"day"`
	Week   int    `json:"week,omitempty"`
}

type AssessmentStepPayload struct {
	UserID int64  `json:"user_id"`
	Text   string `json:"text"`
}

type LLMPromptPayload struct {
	Prompt string            `json:"prompt"`
	Meta   map[string]string `json:"meta,omitempty"`
}

type PillarOKRSyncPayload struct {
	UserID    int64  `json:"user_id"`
	SessionID string `json:"session_id"`
	Week      int    `json:"week"`
}

type HabitSeedPayload struct {
	UserID    int64  `json:"user_id"`
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	Week      int    `json:"week"`
	Requeues  int    `json:"requeues"`
}

type WeekstartFlowPayload struct {
	UserID int64 `json:"user_id"`
	Week   int   `json:"week"`
}

// CorrelationID builds the dedup key for a habit seed unit of work: same
// user + session + run + target week is the same logical job.
func (p HabitSeedPayload) CorrelationID() string {
	return "habit_seed:" + strconv.FormatInt(p.UserID, 10) + ":" + p.SessionID +
		":" + p.RunID + ":week" + strconv.Itoa(p.Week)
}
