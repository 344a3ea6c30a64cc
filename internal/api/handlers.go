// Package api exposes the operator HTTP surface: health, metrics, stream
// inspection, and manual lifecycle controls.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"airtime/internal/models"
	"airtime/internal/observability/logging"
	"airtime/internal/observability/metrics"
	"airtime/internal/store"
)

// Controller is the slice of the scheduler the API drives.
type Controller interface {
	StopStreamByID(ctx context.Context, streamID string) error
	ForceCreateBroadcast(ctx context.Context, scheduleID string) (string, error)
	ActiveCount() int
}

// Server handles operator API requests.
type Server struct {
	repo      store.Repository
	control   Controller
	recorder  *metrics.Recorder
	logger    *slog.Logger
	tokenHash string
	cors      corsPolicy
}

// New assembles the operator API. An empty tokenHash disables authentication;
// intended only for loopback deployments.
func New(repo store.Repository, control Controller, recorder *metrics.Recorder, logger *slog.Logger, tokenHash string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Server{
		repo:      repo,
		control:   control,
		recorder:  recorder,
		logger:    logger,
		tokenHash: strings.TrimSpace(tokenHash),
	}
}

// SetAllowedOrigins configures the browser origins permitted to call the API
// cross-origin. Leaving it unset keeps the API same-origin only.
func (s *Server) SetAllowedOrigins(origins []string) error {
	policy, err := newCORSPolicy(origins)
	if err != nil {
		return err
	}
	s.cors = policy
	return nil
}

// Routes returns the handler tree wrapped with request logging and metrics.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", s.recorder.Handler())
	mux.HandleFunc("/v1/streams", s.handleStreams)
	mux.HandleFunc("/v1/streams/", s.handleStreamByID)
	mux.HandleFunc("/v1/schedules/", s.handleScheduleByID)
	mux.HandleFunc("/v1/events", s.handleEvents)
	var handler http.Handler = mux
	if !s.cors.empty() {
		handler = s.corsMiddleware(handler)
	}
	return logging.RequestLogger(s.logger)(metrics.HTTPMiddleware(s.recorder, handler))
}

func (s *Server) authorize(r *http.Request) bool {
	if s.tokenHash == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return false
	}
	token := strings.TrimSpace(header[7:])
	return VerifyToken(s.tokenHash, token) == nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"active_streams": s.control.ActiveCount(),
	})
}

type streamResponse struct {
	ID               string     `json:"id"`
	ChannelID        string     `json:"channelId"`
	Title            string     `json:"title"`
	SourcePath       string     `json:"sourcePath"`
	Status           string     `json:"status"`
	BroadcastID      string     `json:"broadcastId,omitempty"`
	ActiveScheduleID string     `json:"activeScheduleId,omitempty"`
	ScheduledEnd     *time.Time `json:"scheduledEnd,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

func toStreamResponse(stream models.Stream) streamResponse {
	return streamResponse{
		ID:               stream.ID,
		ChannelID:        stream.ChannelID,
		Title:            stream.Title,
		SourcePath:       stream.SourcePath,
		Status:           string(stream.Status),
		BroadcastID:      stream.BroadcastID,
		ActiveScheduleID: stream.ActiveScheduleID,
		ScheduledEnd:     stream.ScheduledEnd,
		UpdatedAt:        stream.UpdatedAt,
	}
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var (
		streams []models.Stream
		err     error
	)
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		streams, err = s.repo.ListStreamsByStatus(r.Context(), models.ParseStreamStatus(status))
	} else {
		streams, err = s.repo.ListStreams(r.Context())
	}
	if err != nil {
		s.logger.Error("list streams", "error", err)
		http.Error(w, "failed to list streams", http.StatusInternalServerError)
		return
	}
	out := make([]streamResponse, 0, len(streams))
	for _, stream := range streams {
		out = append(out, toStreamResponse(stream))
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": out})
}

// handleStreamByID serves GET /v1/streams/{id}, the stream's schedules at
// GET /v1/streams/{id}/schedules, and POST /v1/streams/{id}/stop.
func (s *Server) handleStreamByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/streams/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		stream, err := s.repo.GetStream(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			s.logger.Error("get stream", "stream_id", id, "error", err)
			http.Error(w, "failed to load stream", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, toStreamResponse(stream))
	case action == "schedules" && r.Method == http.MethodGet:
		schedules, err := s.repo.ListSchedulesByStream(r.Context(), id)
		if err != nil {
			s.logger.Error("list schedules", "stream_id", id, "error", err)
			http.Error(w, "failed to list schedules", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
	case action == "stop" && r.Method == http.MethodPost:
		ctx := logging.ContextWithStreamID(r.Context(), id)
		if err := s.control.StopStreamByID(ctx, id); err != nil {
			s.logger.Warn("operator stop rejected", "stream_id", id, "error", err)
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleScheduleByID serves POST /v1/schedules/{id}/broadcast, the operator
// retry for failed broadcast creation.
func (s *Server) handleScheduleByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/schedules/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || action != "broadcast" || r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := logging.ContextWithScheduleID(r.Context(), id)
	broadcastID, err := s.control.ForceCreateBroadcast(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Warn("operator broadcast creation failed", "schedule_id", id, "error", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"broadcastId": broadcastID})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	eventRows, err := s.repo.ListRecentEvents(r.Context(), limit)
	if err != nil {
		s.logger.Error("list events", "error", err)
		http.Error(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": eventRows})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("encode response", "error", err)
	}
}
