package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tasque/internal/domain"
	"tasque/internal/scheduler"
	"tasque/internal/telemetry"
)

type Server struct {
	svc          *scheduler.Service
	maxBodyBytes int64
}

func NewServer(svc *scheduler.Service, maxBodyBytes int64) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{svc: svc, maxBodyBytes: maxBodyBytes}

	r.Get("/health", s.health)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/v1/schedules", s.createSchedule)
	r.Post("/v1/publish", s.createSchedule) // legacy alias
	r.Get("/v1/schedules/{id}", s.getSchedule)
	r.Delete("/v1/schedules/{id}", s.deleteSchedule)

	r.Post("/v1/queues", s.createQueue)
	r.Delete("/v1/queues/{queueName}", s.deleteQueue)
	r.Post("/v1/enqueue/{queueName}", s.enqueue)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req domain.JobRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.svc.CreateSchedule(r.Context(), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "id": id})
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sc, err := s.svc.GetSchedule(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": sc})
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.DeleteSchedule(r.Context(), id); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) createQueue(w http.ResponseWriter, r *http.Request) {
	var req domain.QueueRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	name, err := s.svc.CreateQueue(r.Context(), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "queueName": name})
}

func (s *Server) deleteQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queueName")
	removed, err := s.svc.DeleteQueue(r.Context(), name)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  map[string]any{"deletedMessages": removed},
	})
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queueName")
	var req domain.JobRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.svc.Enqueue(r.Context(), name, req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"result":  map[string]any{"messageId": id},
	})
}

func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case domain.IsValidation(err):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"success": false, "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
