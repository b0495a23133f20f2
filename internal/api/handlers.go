package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/newsletter/internal/models"
	"github.com/foxzi/newsletter/internal/scheduler"
)

const maxBodyBytes = 1 << 20

// CreateScheduleRequest is the request body for POST /schedules
type CreateScheduleRequest struct {
	Subject         string    `json:"subject"`
	TemplateKey     string    `json:"template_key,omitempty"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	CategoryIDs     []int64   `json:"category_ids,omitempty"`
	FrequencyFilter string    `json:"frequency_filter,omitempty"`
	ActiveOnly      *bool     `json:"active_only,omitempty"`
	VerifiedOnly    *bool     `json:"verified_only,omitempty"`
}

// EditScheduleRequest is the request body for PUT /schedules/{id}.
// Omitted fields keep their value; an empty category_ids list clears the filter.
type EditScheduleRequest struct {
	Subject     string     `json:"subject,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	CategoryIDs []int64    `json:"category_ids"`
}

// CloneScheduleRequest is the request body for POST /schedules/{id}/clone
type CloneScheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status    string                `json:"status"`
	Version   string                `json:"version"`
	Uptime    string                `json:"uptime"`
	Schedules *models.ScheduleStats `json:"schedules,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}

	stats, err := s.schedules.Stats(r.Context())
	if err != nil {
		s.logger.Error("health check could not read schedules", "error", err)
		resp.Status = "degraded"
		s.sendJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Schedules = &stats

	s.sendJSON(w, http.StatusOK, resp)
}

// handleListSchedules handles GET /api/v1/schedules
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, err := intParam(q.Get("page"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "page must be a number")
		return
	}
	pageSize, err := intParam(q.Get("page_size"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "page_size must be a number")
		return
	}

	result, err := s.schedules.List(r.Context(), scheduler.ListQuery{
		Status:   models.ScheduleStatus(q.Get("status")),
		Window:   q.Get("window"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, result)
}

// handleCreateSchedule handles POST /api/v1/schedules
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if !s.decode(w, r, &req) {
		return
	}

	frequency, ok := models.ParseFrequency(req.FrequencyFilter)
	if !ok {
		s.sendError(w, http.StatusBadRequest, "frequency_filter must be daily, weekly or monthly")
		return
	}

	sch, err := s.schedules.Create(r.Context(), models.ScheduleInput{
		Subject:         req.Subject,
		TemplateKey:     req.TemplateKey,
		ScheduledAt:     req.ScheduledAt,
		CategoryFilter:  req.CategoryIDs,
		FrequencyFilter: frequency,
		ActiveOnly:      req.ActiveOnly,
		VerifiedOnly:    req.VerifiedOnly,
	})
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusCreated, sch)
}

// handleStats handles GET /api/v1/schedules/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.schedules.Stats(r.Context())
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

// handleGetSchedule handles GET /api/v1/schedules/{id}
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.schedules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, sch)
}

// handleEditSchedule handles PUT /api/v1/schedules/{id}
func (s *Server) handleEditSchedule(w http.ResponseWriter, r *http.Request) {
	var req EditScheduleRequest
	if !s.decode(w, r, &req) {
		return
	}

	in := scheduler.EditInput{
		Subject:        req.Subject,
		CategoryFilter: req.CategoryIDs,
	}
	if req.ScheduledAt != nil {
		in.ScheduledAt = *req.ScheduledAt
	}

	sch, err := s.schedules.Edit(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, sch)
}

// handleCancelSchedule handles DELETE /api/v1/schedules/{id}
func (s *Server) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	if _, err := s.schedules.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.sendServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleProcessSchedule handles POST /api/v1/schedules/{id}/process.
// Delivery runs in the background; poll the schedule for the outcome.
func (s *Server) handleProcessSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.schedules.Trigger(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusAccepted, sch)
}

// handleCloneSchedule handles POST /api/v1/schedules/{id}/clone
func (s *Server) handleCloneSchedule(w http.ResponseWriter, r *http.Request) {
	var req CloneScheduleRequest
	if !s.decode(w, r, &req) {
		return
	}

	sch, err := s.schedules.Clone(r.Context(), chi.URLParam(r, "id"), req.ScheduledAt)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, sch)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// sendServiceError maps domain errors to status codes
func (s *Server) sendServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrAlreadyClaimed):
		s.sendError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
