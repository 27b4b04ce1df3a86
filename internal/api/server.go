package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"voice-intent-pipeline/internal/config"
	"voice-intent-pipeline/internal/delivery"
	"voice-intent-pipeline/internal/intake"
	"voice-intent-pipeline/internal/queue"
	"voice-intent-pipeline/internal/ratelimit"
	"voice-intent-pipeline/internal/store"
	"voice-intent-pipeline/internal/telemetry"
	"voice-intent-pipeline/internal/verify"
)

// Server wires the channel-facing HTTP handlers. Handlers validate and
// enqueue; they never run the pipeline or compose a response themselves.
type Server struct {
	cfg     config.Config
	intake  *intake.Service
	store   *store.Store
	queue   *queue.RedisQueue
	limiter *ratelimit.UserLimiter
	hub     *delivery.Hub
	logger  *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, in *intake.Service, st *store.Store, q *queue.RedisQueue, limiter *ratelimit.UserLimiter, hub *delivery.Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		intake:  in,
		store:   st,
		queue:   q,
		limiter: limiter,
		hub:     hub,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/channels/{channel}/audio", s.handleSubmitAudio)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Get("/responses/{id}", s.handleGetResponse)
	r.Get("/sessions/{userID}", s.handleGetSession)
	r.Post("/verification/score", s.handleScorePreview)
	r.Get("/ws/{userID}", s.handleWebsocket)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type submitResponse struct {
	Accepted      bool   `json:"accepted"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// handleSubmitAudio accepts one clip and returns as soon as it is queued.
// The response for the clip itself arrives later through the delivery
// gateway, keyed by the returned correlation id.
func (s *Server) handleSubmitAudio(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, submitResponse{Error: "X-User-ID header is required"})
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), userID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, submitResponse{Error: "too many submissions"})
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxAudioBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, submitResponse{Error: "read body"})
		return
	}

	durationSec, _ := strconv.ParseFloat(r.Header.Get("X-Duration-Sec"), 64)
	task, err := s.intake.Accept(r.Context(), intake.Submission{
		Channel:      channel,
		UserID:       userID,
		Audio:        body,
		MIME:         r.Header.Get("Content-Type"),
		DurationSec:  durationSec,
		LanguageHint: r.Header.Get("X-Language-Hint"),
	})
	if err != nil {
		var verr *intake.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, submitResponse{Error: verr.Error()})
			return
		}
		s.logger.Error("intake failed", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "intake failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{Accepted: true, CorrelationID: task.CorrelationID})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleGetResponse lets a channel fetch a response it missed (e.g. the
// websocket was closed when the push happened).
func (s *Server) handleGetResponse(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := s.store.GetDelivery(r.Context(), id)
	if err != nil {
		http.Error(w, "response not ready", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sess, err := s.store.GetSession(r.Context(), userID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	turns, err := s.store.RecentTurns(r.Context(), userID, 10)
	if err != nil {
		s.logger.Warn("load turns", zap.String("user_id", userID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "recent_turns": turns})
}

// handleScorePreview scores a verification submission without persisting
// anything; agents use it to preview before the final submission.
func (s *Server) handleScorePreview(w http.ResponseWriter, r *http.Request) {
	var sub verify.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, verify.Score(sub, s.cfg.Scoring))
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		http.Error(w, "user id required", http.StatusBadRequest)
		return
	}
	if err := s.hub.Serve(w, r, userID); err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// handleDLQ returns the dead-lettered correlation IDs.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
