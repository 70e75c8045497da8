package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"agent-task-queue/internal/artifacts"
	"agent-task-queue/internal/models"
	"agent-task-queue/internal/store"
)

func contextWithWorker(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, ctxWorkerID, workerID)
}

// resolveWorker returns the authenticated worker ID, falling back to the
// self-reported one when token auth is disabled.
func resolveWorker(r *http.Request, claimed string) string {
	if id, ok := r.Context().Value(ctxWorkerID).(string); ok && id != "" {
		return id
	}
	return claimed
}

type claimRequest struct {
	WorkerID     string   `json:"worker_id"`
	AllowedTypes []string `json:"allowed_types"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid json"))
		return
	}
	res, err := s.queue.Claim(r.Context(), resolveWorker(r, req.WorkerID), req.AllowedTypes, req.Capabilities)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type heartbeatRequest struct {
	WorkerID string `json:"worker_id"`
	JobID    string `json:"job_id"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid json"))
		return
	}
	res, err := s.queue.Heartbeat(r.Context(), req.JobID, resolveWorker(r, req.WorkerID))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type completeRequest struct {
	WorkerID      string `json:"worker_id"`
	JobID         string `json:"job_id"`
	ResultSummary string `json:"result_summary"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid json"))
		return
	}
	job, err := s.queue.Complete(r.Context(), req.JobID, resolveWorker(r, req.WorkerID), req.ResultSummary)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type failRequest struct {
	WorkerID     string `json:"worker_id"`
	JobID        string `json:"job_id"`
	ErrorMessage string `json:"error_message"`
	Retryable    *bool  `json:"retryable"`
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid json"))
		return
	}
	retryable := true
	if req.Retryable != nil {
		retryable = *req.Retryable
	}
	job, err := s.queue.Fail(r.Context(), req.JobID, resolveWorker(r, req.WorkerID), req.ErrorMessage, retryable)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// maxArtifactUpload bounds worker artifact uploads.
const maxArtifactUpload = 32 << 20

// handleUploadArtifact stores an artifact pushed by the worker holding the
// job's lease. The request body is the raw artifact content; the name rides
// on the query string.
func (s *Server) handleUploadArtifact(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("name query parameter is required"))
		return
	}
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	worker := resolveWorker(r, r.URL.Query().Get("worker_id"))
	if worker != "" && (job.LeaseOwner == nil || *job.LeaseOwner != worker) {
		s.writeError(w, store.ErrLeaseMismatch)
		return
	}

	// Write-once per name; check before any bytes land in blob storage.
	existing, err := s.store.ListArtifacts(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, a := range existing {
		if a.Name == name {
			s.writeError(w, store.ErrArtifactExists)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxArtifactUpload+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("read request body"))
		return
	}
	if len(body) > maxArtifactUpload {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("artifact exceeds size limit"))
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	stored, err := s.blobs.Put(r.Context(), artifacts.Key(job.ID, name), body, contentType)
	if err != nil {
		s.writeError(w, err)
		return
	}
	art, err := s.store.CreateArtifact(r.Context(), models.Artifact{
		JobID:       job.ID,
		Name:        name,
		ContentType: contentType,
		SizeBytes:   int64(len(body)),
		Digest:      artifacts.Digest(body),
		StorageKey:  stored,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, art)
}
