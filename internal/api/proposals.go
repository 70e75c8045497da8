package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"agent-task-queue/internal/models"
	"agent-task-queue/internal/proposals"
)

type submitProposalRequest struct {
	Repository        string   `json:"repository"`
	Title             string   `json:"title"`
	Body              string   `json:"body"`
	Target            string   `json:"target"`
	SignalTags        []string `json:"signal_tags"`
	RequestedPriority string   `json:"requested_priority"`
	SourceJobID       string   `json:"source_job_id"`
}

type submitProposalResponse struct {
	Proposal models.Proposal `json:"proposal"`
	Merged   bool            `json:"merged"`
}

func (s *Server) handleSubmitProposal(w http.ResponseWriter, r *http.Request) {
	var req submitProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid json"))
		return
	}
	prop, merged, err := s.proposals.Submit(r.Context(), proposals.SubmitParams{
		Repository:        req.Repository,
		Title:             req.Title,
		Body:              req.Body,
		Target:            req.Target,
		SignalTags:        req.SignalTags,
		RequestedPriority: req.RequestedPriority,
		SourceJobID:       req.SourceJobID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	code := http.StatusCreated
	if merged {
		code = http.StatusOK
	}
	writeJSON(w, code, submitProposalResponse{Proposal: prop, Merged: merged})
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	props, err := s.proposals.List(r.Context(), r.URL.Query().Get("status"), queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": props})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	prop, err := s.proposals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prop)
}

func (s *Server) handlePromoteProposal(w http.ResponseWriter, r *http.Request) {
	prop, err := s.proposals.Promote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prop)
}

type rejectProposalRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRejectProposal(w http.ResponseWriter, r *http.Request) {
	var req rejectProposalRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	prop, err := s.proposals.Reject(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prop)
}
