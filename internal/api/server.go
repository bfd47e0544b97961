// Package api serves a small JSON surface for defining tasks and inspecting
// runs and heartbeats.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"cadence/internal/domain"
)

type Repository interface {
	Ping(ctx context.Context) error
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasks(ctx context.Context) ([]domain.Task, error)
	GetRun(ctx context.Context, id string) (domain.TaskRun, error)
	ListRecentRuns(ctx context.Context, taskID string, limit int) ([]domain.TaskRun, error)
	CountRunsByState(ctx context.Context) (map[domain.RunState]int, error)
	StaleHeartbeats(ctx context.Context, cutoff time.Time) ([]domain.Heartbeat, error)
}

type TypeChecker interface {
	Validate(taskType string) error
}

type Server struct {
	r                 *chi.Mux
	repo              Repository
	types             TypeChecker
	heartbeatInterval time.Duration
	now               func() time.Time
	log               zerolog.Logger
	debug             bool
}

type Option func(*Server)

// WithTypeChecker rejects tasks whose type no worker can run.
func WithTypeChecker(tc TypeChecker) Option { return func(s *Server) { s.types = tc } }

func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Server) { s.heartbeatInterval = d }
}

func WithLogger(log zerolog.Logger) Option { return func(s *Server) { s.log = log } }

func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

// WithDebug mounts the pprof handlers under /debug/pprof.
func WithDebug(enabled bool) Option { return func(s *Server) { s.debug = enabled } }

func NewServer(repo Repository, opts ...Option) http.Handler {
	s := &Server{
		r:                 chi.NewRouter(),
		repo:              repo,
		heartbeatInterval: 10 * time.Second,
		now:               time.Now,
		log:               zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("component", "api").Logger()

	r := s.r
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", metricsHandler(repo))

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.createTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Get("/tasks/{id}/runs", s.listTaskRuns)
		r.Get("/runs", s.listRuns)
		r.Get("/runs/{id}", s.getRun)
		r.Get("/heartbeats/stale", s.staleHeartbeats)
	})

	if s.debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		http.Error(w, "database unavailable: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type createTaskReq struct {
	Name                string          `json:"name"`
	Type                string          `json:"type"`
	Args                json.RawMessage `json:"args"`
	RunFrequencySeconds int             `json:"run_frequency_seconds"`
	ScheduleLatest      bool            `json:"schedule_latest"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.types != nil {
		if err := s.types.Validate(req.Type); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	t, err := s.repo.CreateTask(r.Context(), domain.Task{
		Name:                req.Name,
		Type:                req.Type,
		Args:                req.Args,
		RunFrequencySeconds: req.RunFrequencySeconds,
		ScheduleLatest:      req.ScheduleLatest,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.log.Info().Str("task_id", t.ID).Str("task_name", t.Name).Str("task_type", t.Type).Msg("task created")
	writeJSON(w, http.StatusCreated, newTaskView(t))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.repo.ListTasks(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, newTaskView(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.repo.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(t))
}

func (s *Server) listTaskRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.repo.GetTask(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	s.writeRuns(w, r, id)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	s.writeRuns(w, r, r.URL.Query().Get("task_id"))
}

func (s *Server) writeRuns(w http.ResponseWriter, r *http.Request, taskID string) {
	limit, err := intParam(r, "limit", 50)
	if err != nil || limit < 1 {
		http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
		return
	}
	runs, err := s.repo.ListRecentRuns(r.Context(), taskID, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		out = append(out, newRunView(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.repo.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRunView(run))
}

// staleHeartbeats lists activities that missed more than ?misses= (default
// 3) heartbeat intervals.
func (s *Server) staleHeartbeats(w http.ResponseWriter, r *http.Request) {
	misses, err := intParam(r, "misses", 3)
	if err != nil || misses < 1 {
		http.Error(w, "misses must be a positive integer", http.StatusBadRequest)
		return
	}
	cutoff := s.now().Add(-time.Duration(misses) * s.heartbeatInterval)
	hbs, err := s.repo.StaleHeartbeats(r.Context(), cutoff)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]heartbeatView, 0, len(hbs))
	for _, hb := range hbs {
		out = append(out, heartbeatView{
			ID:                 hb.ID,
			TaskRunID:          hb.TaskRunID,
			TaskType:           hb.TaskType,
			HeartbeatStartTime: hb.HeartbeatStartTime.UTC().Format(time.RFC3339),
			LastHeartbeatTime:  hb.LastHeartbeatTime.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	var ce *domain.ConfigurationError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.As(err, &ce):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.Error().Err(err).Msg("request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
