package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"agent-task-queue/internal/artifacts"
	"agent-task-queue/internal/config"
	"agent-task-queue/internal/events"
	"agent-task-queue/internal/proposals"
	"agent-task-queue/internal/queue"
	"agent-task-queue/internal/ratelimit"
	"agent-task-queue/internal/store"
	"agent-task-queue/internal/telemetry"
)

// Server wires the HTTP surface: producer endpoints, the worker protocol,
// operator controls and the proposal inbox.
type Server struct {
	cfg       config.Config
	store     store.Store
	queue     *queue.Service
	proposals *proposals.Service
	blobs     artifacts.Storage
	bus       *events.Bus
	limiter   *ratelimit.TokenBucket
	log       *slog.Logger

	// worker token digests, sha256(token) -> worker id
	workerTokens map[string]string
}

// New constructs the API server. bus and limiter may be nil; the event
// stream then falls back to polling and submissions are not rate limited.
func New(cfg config.Config, st store.Store, q *queue.Service, props *proposals.Service, blobs artifacts.Storage, bus *events.Bus, limiter *ratelimit.TokenBucket, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	srv := &Server{
		cfg:       cfg,
		store:     st,
		queue:     q,
		proposals: props,
		blobs:     blobs,
		bus:       bus,
		limiter:   limiter,
		log:       log,
	}
	// Only token digests are held once the server is built.
	srv.workerTokens = make(map[string]string, len(cfg.WorkerTokens))
	for workerID, token := range cfg.WorkerTokens {
		srv.workerTokens[hashToken(token)] = workerID
	}
	return srv
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.With(s.operatorAuth).Post("/jobs/{id}/message", s.handleJobMessage)
	r.Get("/jobs/{id}/events", s.handleStageEvents)
	r.Get("/jobs/{id}/events/stream", s.handleStageEventStream)
	r.Get("/jobs/{id}/artifacts", s.handleListArtifacts)
	r.With(s.workerAuth).Post("/jobs/{id}/artifacts", s.handleUploadArtifact)
	r.Get("/artifacts/{id}", s.handleGetArtifact)
	r.Get("/artifacts/{id}/download", s.handleDownloadArtifact)

	r.Route("/worker", func(r chi.Router) {
		r.Use(s.workerAuth)
		r.Post("/claim", s.handleClaim)
		r.Post("/heartbeat", s.handleHeartbeat)
		r.Post("/complete", s.handleComplete)
		r.Post("/fail", s.handleFail)
	})

	r.Route("/system/workers", func(r chi.Router) {
		r.Get("/pause", s.handlePauseStatus)
		r.Group(func(r chi.Router) {
			r.Use(s.operatorAuth)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Get("/control-events", s.handleControlEvents)
		})
	})

	r.Post("/proposals", s.handleSubmitProposal)
	r.Get("/proposals", s.handleListProposals)
	r.Get("/proposals/{id}", s.handleGetProposal)
	r.Post("/proposals/{id}/promote", s.handlePromoteProposal)
	r.Post("/proposals/{id}/reject", s.handleRejectProposal)

	return r
}

type ctxKey string

const ctxWorkerID ctxKey = "workerID"

// workerAuth resolves the calling worker from its bearer token. With no
// WORKER_TOKENS configured the endpoints are open and the worker names
// itself in the request body.
func (s *Server) workerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.workerTokens) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		workerID, ok := s.workerTokens[hashToken(bearerToken(r))]
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorBody("invalid worker token"))
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithWorker(r.Context(), workerID)))
	})
}

func (s *Server) operatorAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.OperatorToken != "" && bearerToken(r) != s.cfg.OperatorToken {
			writeJSON(w, http.StatusUnauthorized, errorBody("invalid operator token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	return strings.TrimPrefix(h, "Bearer ")
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryInt64(r *http.Request, name string, def int64) int64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps service errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, store.ErrJobNotFound),
		errors.Is(err, store.ErrProposalNotFound),
		errors.Is(err, store.ErrArtifactNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, store.ErrLeaseMismatch),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrArtifactExists):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	default:
		s.log.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}
