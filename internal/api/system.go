package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type pauseRequest struct {
	Mode   string `json:"mode"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid json"))
		return
	}
	if req.Actor == "" {
		req.Actor = "operator"
	}
	snap, err := s.queue.Pause(r.Context(), req.Mode, req.Reason, req.Actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type resumeRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Actor == "" {
		req.Actor = "operator"
	}
	snap, err := s.queue.Resume(r.Context(), req.Actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePauseStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.queue.PauseSnapshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type messageRequest struct {
	Message string `json:"message"`
	Actor   string `json:"actor"`
}

// handleJobMessage lets an operator attach a note to a job's control log.
func (s *Server) handleJobMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid json"))
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("message is required"))
		return
	}
	if req.Actor == "" {
		req.Actor = "operator"
	}
	ev, err := s.queue.Annotate(r.Context(), chi.URLParam(r, "id"), req.Message, req.Actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleControlEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.queue.ControlEvents(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}
