package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"spool/internal/logging"
	"spool/internal/services"
	"spool/internal/store"
)

// listLimit caps the job listing.
const listLimit = 10

// redactedFields are config keys whose values are replaced with "***" on
// read and ignored on write when still redacted.
var redactedFields = map[string]struct{}{
	"tmdb_api_key": {},
	"makemkv_key":  {},
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			s.logger.Debug("encode response", logging.Error(err))
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, errorResponse{Error: message})
}

// respondServiceError maps the error taxonomy onto HTTP: missing entities
// are 404, invalid state transitions 400, everything else 500.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrValidation):
		s.respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", logging.Error(err))
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		s.respondError(w, http.StatusNotFound, "no such job")
		return 0, false
	}
	return id, true
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context(), listLimit)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	s.respondJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if job == nil {
		s.respondError(w, http.StatusNotFound, "no such job")
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleListTitles(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if job == nil {
		s.respondError(w, http.StatusNotFound, "no such job")
		return
	}
	titles, err := s.store.ListTitles(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if titles == nil {
		titles = []*store.Title{}
	}
	s.respondJSON(w, http.StatusOK, titles)
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.controller.StartJob(r.Context(), id); err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.controller.CancelJob(r.Context(), id, ""); err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

var episodeCodePattern = regexp.MustCompile(`(?i)^S\d{2}E\d{2}$`)

type reviewRequest struct {
	TitleID     int64  `json:"title_id"`
	EpisodeCode string `json:"episode_code"`
	Edition     string `json:"edition"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}

	var req reviewRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, "malformed review body: "+err.Error())
		return
	}
	if req.TitleID < 1 {
		s.respondError(w, http.StatusUnprocessableEntity, "title_id is required")
		return
	}
	if req.EpisodeCode != "" && !episodeCodePattern.MatchString(strings.TrimSpace(req.EpisodeCode)) {
		s.respondError(w, http.StatusUnprocessableEntity, "episode_code must look like S01E02")
		return
	}

	if err := s.controller.ApplyReview(r.Context(), id, req.TitleID, req.EpisodeCode, req.Edition); err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "review applied"})
}

func (s *Server) handleProcessMatched(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.controller.ProcessMatched(r.Context(), id); err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "processing matched titles"})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.controller.DeleteJob(r.Context(), id); err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.cfgMu.Lock()
	raw, err := json.Marshal(s.cfg)
	s.cfgMu.Unlock()
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		s.respondServiceError(w, err)
		return
	}
	for key := range redactedFields {
		if value, ok := fields[key]; ok && string(value) != `""` {
			fields[key] = json.RawMessage(`"***"`)
		}
	}
	s.respondJSON(w, http.StatusOK, fields)
}

// handlePutConfig merges the non-null fields of the request body into the
// running configuration and persists the result. Redacted secrets echoed
// back as "***" are left untouched.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, "unreadable body")
		return
	}
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(body, &patch); err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, "config body must be a JSON object")
		return
	}

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	current, err := json.Marshal(s.cfg)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(current, &merged); err != nil {
		s.respondServiceError(w, err)
		return
	}

	for key, value := range patch {
		if _, known := merged[key]; !known {
			s.respondError(w, http.StatusUnprocessableEntity, "unknown config field "+strconv.Quote(key))
			return
		}
		if string(value) == "null" {
			continue
		}
		if _, secret := redactedFields[key]; secret && string(value) == `"***"` {
			continue
		}
		merged[key] = value
	}

	remarshaled, err := json.Marshal(merged)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	updated := *s.cfg
	if err := json.Unmarshal(remarshaled, &updated); err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, "config field has wrong type: "+err.Error())
		return
	}
	if err := updated.Normalize(); err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := updated.Validate(); err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := s.store.SaveConfig(r.Context(), &updated); err != nil {
		s.respondServiceError(w, err)
		return
	}
	*s.cfg = updated

	s.respondJSON(w, http.StatusOK, map[string]string{"status": "config updated"})
}
