package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/log"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/owner"
)

type ownerRequest struct {
	UserID string `json:"user_id"`
	BotID  string `json:"bot_id"`
}

func (o ownerRequest) key() owner.Key {
	return owner.New(o.UserID, o.BotID)
}

type retrieveRequest struct {
	ownerRequest
	Query string `json:"query"`
}

type sweepResponse struct {
	Report interface{} `json:"report"`
	Errors []string    `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrInvalidOwnerKey), errors.Is(err, errors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrSweepInProgress):
		return http.StatusConflict
	case errors.Is(err, errors.ErrAllSpacesUnavailable), errors.Is(err, errors.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"embedder": true, "reranker": s.svc.RerankerReady()}
	if err := s.svc.Ready(r.Context()); err != nil {
		body["embedder"] = false
		body["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query required")
		return
	}

	res, err := s.svc.Retrieve(r.Context(), req.key(), req.Query)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			log.WarnContext(r.Context(), "Retrieve request failed", "status", status, "error", err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if !decode(w, r, &req) {
		return
	}

	c, plan := s.svc.Classify(r.Context(), req.Query)
	spaces := plan.Spaces()
	writeJSON(w, http.StatusOK, map[string]any{
		"classification": c,
		"mode":           plan.Mode,
		"spaces":         spaces,
	})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	if !decode(w, r, &req) {
		return
	}

	report, err := s.svc.RunTierSweep(r.Context(), req.key())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	resp := sweepResponse{Report: report}
	for _, e := range report.Errors {
		resp.Errors = append(resp.Errors, e.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}
