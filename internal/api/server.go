// Package api is a thin HTTP surface over the engine's public operations.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"duraflow/internal/domain"
	"duraflow/internal/engine"
	"duraflow/internal/schedule"
	"duraflow/internal/store"
)

type Server struct {
	r   *chi.Mux
	eng *engine.Engine
	st  *store.Store
}

func NewServer(eng *engine.Engine, st *store.Store) http.Handler {
	return NewServerWithDebug(eng, st, false)
}

func NewServerWithDebug(eng *engine.Engine, st *store.Store, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, eng: eng, st: st}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/api/executions", s.startWorkflow)
	r.Get("/api/executions/{id}", s.getExecution)
	r.Post("/api/executions/{id}/signal", s.signalWorkflow)
	r.Post("/api/executions/{id}/cancel", s.cancelWorkflow)
	r.Post("/api/executions/{id}/query", s.queryWorkflow)
	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)

	if enableDebug {
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

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("duraflow_up 1\n"))
}

type startReq struct {
	WorkflowName   string         `json:"workflow_name"`
	Input          map[string]any `json:"input"`
	TimeoutSeconds float64        `json:"timeout_seconds"`
}

type startResp struct {
	ID string `json:"id"`
}

func (s *Server) startWorkflow(w http.ResponseWriter, r *http.Request) {
	var req startReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.WorkflowName == "" {
		http.Error(w, "workflow_name is required", 400)
		return
	}
	timeout := time.Duration(req.TimeoutSeconds * float64(time.Second))
	id, err := s.eng.StartWorkflow(r.Context(), req.WorkflowName, req.Input, timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startResp{ID: id})
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.eng.QueryWorkflow(r.Context(), id, "status", nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, res)
}

type signalReq struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) signalWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req signalReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	if err := s.eng.SignalWorkflow(r.Context(), id, req.Name, req.Payload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

type cancelReq struct {
	Reason     string `json:"reason"`
	KeepQueued bool   `json:"keep_queued"`
}

func (s *Server) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req cancelReq
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
	}
	if err := s.eng.CancelWorkflow(r.Context(), id, req.Reason, !req.KeepQueued); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true})
}

type queryReq struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) queryWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req queryReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		req.Name = "status"
	}
	res, err := s.eng.QueryWorkflow(r.Context(), id, req.Name, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, res)
}

type createScheduleReq struct {
	Name           string         `json:"name"`
	CronExpr       string         `json:"cron_expr"`
	WorkflowName   string         `json:"workflow_name"`
	Input          map[string]any `json:"input"`
	TimeoutSeconds float64        `json:"timeout_seconds"`
	Enabled        bool           `json:"enabled"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	if req.WorkflowName == "" {
		http.Error(w, "workflow_name is required", 400)
		return
	}
	if err := schedule.ValidateCronExpression(req.CronExpr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}
	nextRun, err := schedule.NextRunTime(req.CronExpr, time.Now().UTC())
	if err != nil {
		http.Error(w, "failed to calculate next run time: "+err.Error(), 400)
		return
	}
	id, err := s.st.CreateSchedule(r.Context(), domain.Schedule{
		Name:         req.Name,
		CronExpr:     req.CronExpr,
		WorkflowName: req.WorkflowName,
		Input:        req.Input,
		Timeout:      time.Duration(req.TimeoutSeconds * float64(time.Second)),
		Enabled:      req.Enabled,
		NextRun:      nextRun,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.st.ListSchedules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sch, err := s.st.GetSchedule(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, sch)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.st.DeleteSchedule(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true})
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	var de *domain.Error
	if errors.As(err, &de) {
		status := 500
		switch de.Kind {
		case domain.ErrNotRegistered:
			status = 404
		case domain.ErrSerialization:
			status = 400
		}
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(de)
		return
	}
	http.Error(w, err.Error(), 500)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
