package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"coachflow/internal/audit"
	"coachflow/internal/domain"
	"coachflow/internal/queue"
	"coachflow/internal/scheduler"
)

type Server struct {
	r        *chi.Mux
	store    queue.Store
	registry *scheduler.Registry
	sink     audit.Sink
}

func NewServer(store queue.Store, registry *scheduler.Registry, sink audit.Sink) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: store, registry: registry, sink: sink}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/jobs", s.submitJob)
	r.Get("/api/jobs", s.listJobs)
	r.Get("/api/jobs/{id}", s.getJob)

	r.Post("/api/coaching/{userID}/enable", s.enableCoaching)
	r.Post("/api/coaching/{userID}/disable", s.disableCoaching)
	r.Post("/api/coaching/{userID}/reset", s.resetJobs)

	r.Get("/api/schedule/{userID}", s.listRules)
	r.Put("/api/schedule/{userID}/{day}", s.putRule)
	r.Delete("/api/schedule/{userID}/{day}", s.deleteRule)

	r.Get("/api/audit", s.listAudit)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("coachflow_up 1\n"))
}

type submitReq struct {
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	UserID        *int64          `json:"user_id"`
	AvailableAt   *time.Time      `json:"available_at"`
	CorrelationID string          `json:"correlation_id"`
}

type submitResp struct {
	ID int64 `json:"id"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Kind == "" {
		http.Error(w, "kind is required", 400)
		return
	}
	payload := any(map[string]any{})
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	id, err := s.store.Enqueue(r.Context(), queue.EnqueueOptions{
		Kind:          req.Kind,
		Payload:       payload,
		UserID:        req.UserID,
		AvailableAt:   req.AvailableAt,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	s.sink.Record(r.Context(), audit.Event{Event: "job.enqueued", UserID: req.UserID, JobID: &id, Detail: req.Kind})
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

func jobView(j domain.Job) map[string]any {
	v := map[string]any{
		"id":         j.ID,
		"kind":       j.Kind,
		"status":     string(j.Status),
		"attempts":   j.Attempts,
		"created_at": j.CreatedAt.Format(time.RFC3339),
	}
	if j.UserID != nil {
		v["user_id"] = *j.UserID
	}
	if j.AvailableAt != nil {
		v["available_at"] = j.AvailableAt.Format(time.RFC3339)
	}
	if j.LockedBy != nil {
		v["locked_by"] = *j.LockedBy
	}
	if j.Error != nil {
		v["error"] = *j.Error
	}
	if len(j.Result) > 0 {
		v["result"] = json.RawMessage(j.Result)
	}
	return v
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "bad id", 400)
		return
	}
	j, err := s.store.Get(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, jobView(j))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	jobs, err := s.store.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	views := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView(j))
	}
	writeJSON(w, 200, views)
}

func (s *Server) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "bad user id", 400)
		return 0, false
	}
	return id, true
}

type enableReq struct {
	FastMinutes int `json:"fast_minutes"`
}

func (s *Server) enableCoaching(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req enableReq
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
	}
	if err := s.registry.EnableCoaching(r.Context(), userID, req.FastMinutes); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{"enabled": true, "fast_minutes": req.FastMinutes})
}

func (s *Server) disableCoaching(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	if err := s.registry.DisableCoaching(r.Context(), userID); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{"enabled": false})
}

func (s *Server) resetJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	s.registry.ResetJobs(userID)
	w.WriteHeader(http.StatusNoContent)
}

type ruleView struct {
	Day     string `json:"day"`
	Hour    int    `json:"hour"`
	Minute  int    `json:"minute"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	rules, err := s.store.ListRules(r.Context(), &userID)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	views := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		views = append(views, ruleView{Day: string(rule.Day), Hour: rule.Hour, Minute: rule.Minute, Enabled: rule.Enabled})
	}
	writeJSON(w, 200, views)
}

type putRuleReq struct {
	Hour    int  `json:"hour"`
	Minute  int  `json:"minute"`
	Enabled bool `json:"enabled"`
}

func (s *Server) putRule(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	day := domain.DayKey(chi.URLParam(r, "day"))
	if !domain.ValidDay(day) {
		http.Error(w, "bad day", 400)
		return
	}
	var req putRuleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Hour < 0 || req.Hour > 23 || req.Minute < 0 || req.Minute > 59 {
		http.Error(w, "bad time", 400)
		return
	}
	err := s.store.UpsertRule(r.Context(), domain.ScheduleRule{
		UserID: &userID, Day: day, Hour: req.Hour, Minute: req.Minute, Enabled: req.Enabled,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	// re-register so the override takes effect without a restart; a user
	// without enabled coaching has nothing to reschedule
	if err := s.registry.Schedule(r.Context(), userID); err == nil {
		s.sink.Record(r.Context(), audit.Event{Event: "schedule.override", UserID: &userID, Detail: string(day)})
	}
	writeJSON(w, 200, ruleView{Day: string(day), Hour: req.Hour, Minute: req.Minute, Enabled: req.Enabled})
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	day := domain.DayKey(chi.URLParam(r, "day"))
	if !domain.ValidDay(day) {
		http.Error(w, "bad day", 400)
		return
	}
	if err := s.store.DeleteRule(r.Context(), &userID, day); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	_ = s.registry.Schedule(r.Context(), userID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	events, err := s.sink.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, events)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
