package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"agent-task-queue/internal/contract"
	"agent-task-queue/internal/models"
	"agent-task-queue/internal/queue"
	"agent-task-queue/internal/ratelimit"
	"agent-task-queue/internal/store"
	"agent-task-queue/internal/telemetry"
)

type enqueueRequest struct {
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
	RunAt          *time.Time     `json:"run_at"`
	DelaySeconds   int            `json:"delay_seconds"`
	Priority       int            `json:"priority"`
	AffinityKey    string         `json:"affinity_key"`
	MaxAttempts    int            `json:"max_attempts"`
}

type enqueueResponse struct {
	Job        models.Job `json:"job"`
	Idempotent bool       `json:"idempotent"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid json"))
		return
	}
	if req.Type == "" {
		req.Type = contract.TypeTask
	}
	if req.Payload == nil {
		writeJSON(w, http.StatusBadRequest, errorBody("payload is required"))
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), ratelimit.RepoKey(repositoryHint(req.Payload)))
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, errorBody("rate limited"))
			return
		}
	}

	var runAt time.Time
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	if req.DelaySeconds > 0 {
		runAt = time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	job, idempotent, err := s.queue.Enqueue(r.Context(), queue.EnqueueParams{
		Type:           req.Type,
		Payload:        req.Payload,
		Priority:       req.Priority,
		AffinityKey:    req.AffinityKey,
		MaxAttempts:    req.MaxAttempts,
		RunAt:          runAt,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: job, Idempotent: idempotent})
}

// repositoryHint extracts the repository for rate limit bucketing without
// running full normalization. Unknown shapes share one bucket.
func repositoryHint(payload map[string]any) string {
	if repo, ok := payload["repository"].(string); ok && repo != "" {
		return repo
	}
	return "default"
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context(), store.ListJobsFilter{
		Status:     r.URL.Query().Get("status"),
		Type:       r.URL.Query().Get("type"),
		Repository: r.URL.Query().Get("repository"),
		Limit:      queryInt(r, "limit", 100),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type cancelRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Actor == "" {
		req.Actor = "api"
	}
	job, err := s.queue.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason, req.Actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStageEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		s.writeError(w, err)
		return
	}
	evs, err := s.queue.StageEvents(r.Context(), jobID, queryInt64(r, "after", 0), queryInt(r, "limit", 200))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// handleStageEventStream serves stage events over SSE: stored events are
// replayed first, then live ones as they arrive. Without a pub/sub bus the
// stream degrades to polling the store.
func (s *Server) handleStageEventStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		s.writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	lastSeq := queryInt64(r, "after", 0)
	send := func(ev models.StageEvent) {
		doc, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "id: %d\nevent: stage\ndata: %s\n\n", ev.Seq, doc)
		flusher.Flush()
		if ev.Seq > lastSeq {
			lastSeq = ev.Seq
		}
	}

	replay := func() bool {
		evs, err := s.queue.StageEvents(r.Context(), jobID, lastSeq, 500)
		if err != nil {
			return false
		}
		for _, ev := range evs {
			send(ev)
		}
		return true
	}
	if !replay() {
		return
	}

	if s.bus != nil {
		live, stop, err := s.bus.Subscribe(r.Context(), jobID)
		if err != nil {
			s.log.Warn("event subscribe failed, polling instead", "job_id", jobID, "error", err)
		} else {
			defer stop()
			// Catch anything published between replay and subscribe.
			replay()
			for {
				select {
				case <-r.Context().Done():
					return
				case ev, open := <-live:
					if !open {
						return
					}
					if ev.Seq > lastSeq {
						send(ev)
					}
				}
			}
		}
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !replay() {
				return
			}
		}
	}
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		s.writeError(w, err)
		return
	}
	arts, err := s.store.ListArtifacts(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": arts})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	art, err := s.store.GetArtifact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, art)
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	art, err := s.store.GetArtifact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	body, err := s.blobs.Get(r.Context(), art.StorageKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Name))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.log.Warn("artifact download interrupted", "artifact_id", art.ID, "error", err)
	}
}
