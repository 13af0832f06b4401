// Package server exposes the gateway's HTTP surface: the session REST API,
// the two WebSocket audio endpoints, and the health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/meetkit/bot-gateway/internal/bridge"
	"github.com/meetkit/bot-gateway/internal/config"
	"github.com/meetkit/bot-gateway/internal/observability"
	"github.com/meetkit/bot-gateway/internal/registry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// MaxSessionCount caps how many bot instances one request may start.
const MaxSessionCount = 5

// SessionStore is the slice of the registry the HTTP layer needs.
type SessionStore interface {
	Create(ctx context.Context, params registry.CreateParams) (*registry.Session, error)
	Get(id string) (*registry.Session, bool)
	List() []registry.Info
	Destroy(ctx context.Context, id string) error
}

// Server wires the HTTP routes to the registry and the audio bridge.
type Server struct {
	cfg    *config.Config
	store  SessionStore
	bridge *bridge.Bridge
	checks map[string]observability.HealthCheckFunc
	logger zerolog.Logger
}

// New creates the HTTP server layer.
func New(cfg *config.Config, store SessionStore, b *bridge.Bridge, checks map[string]observability.HealthCheckFunc) *Server {
	return &Server{
		cfg:    cfg,
		store:  store,
		bridge: b,
		checks: checks,
		logger: observability.GetLogger().With().Str("component", "server").Logger(),
	}
}

// Routes builds the full route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sessions", s.handleCreateSessions)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)

	mux.HandleFunc("GET /session-audio/{clientID}", func(w http.ResponseWriter, r *http.Request) {
		s.bridge.MeetingHandler(r.PathValue("clientID"))(w, r)
	})
	mux.HandleFunc("GET /pipeline-audio/{clientID}", func(w http.ResponseWriter, r *http.Request) {
		s.bridge.PipelineHandler(r.PathValue("clientID"))(w, r)
	})

	mux.HandleFunc("GET /health", observability.HealthCheckHandler())
	mux.HandleFunc("GET /ready", observability.ReadinessHandler(s.checks))
	if s.cfg.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return mux
}

type createRequest struct {
	MeetingURL     string         `json:"meeting_url"`
	Persona        string         `json:"persona"`
	Count          int            `json:"count"`
	RecorderOnly   bool           `json:"recorder_only"`
	EntryMessage   string         `json:"entry_message"`
	BotImage       string         `json:"bot_image"`
	PublicEndpoint string         `json:"public_endpoint"`
	Extra          map[string]any `json:"extra"`
}

type errorBody struct {
	Error   string   `json:"error"`
	Created []string `json:"created,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// handleCreateSessions starts count bot instances for one meeting. Each
// instance beyond the first carries an instance suffix so the external
// deduplication keys stay distinct. A single-instance request answers with
// one session object, a multi-instance request with an array.
func (s *Server) handleCreateSessions(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	if req.MeetingURL == "" {
		writeError(w, http.StatusBadRequest, "meeting_url is required")
		return
	}
	if !req.RecorderOnly && req.Persona == "" {
		writeError(w, http.StatusBadRequest, "persona is required for speaking bots")
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}
	if req.Count < 1 || req.Count > MaxSessionCount {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("count must be between 1 and %d", MaxSessionCount))
		return
	}

	infos := make([]registry.Info, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		suffix := ""
		if i > 0 {
			suffix = fmt.Sprintf("instance-%d", i+1)
		}

		sess, err := s.store.Create(r.Context(), registry.CreateParams{
			MeetingURL:     req.MeetingURL,
			Persona:        req.Persona,
			RecorderOnly:   req.RecorderOnly,
			EntryMessage:   req.EntryMessage,
			BotImage:       req.BotImage,
			DedupSuffix:    suffix,
			PublicEndpoint: req.PublicEndpoint,
			Extra:          req.Extra,
		})
		if err != nil {
			s.logger.Error().Err(err).Str("meeting_url", req.MeetingURL).Msg("Session creation failed")
			created := make([]string, 0, len(infos))
			for _, info := range infos {
				created = append(created, info.ID)
			}
			writeJSON(w, http.StatusInternalServerError, errorBody{
				Error:   err.Error(),
				Created: created,
			})
			return
		}
		infos = append(infos, sess.Snapshot())
	}

	if req.Count == 1 {
		writeJSON(w, http.StatusCreated, infos[0])
		return
	}
	writeJSON(w, http.StatusCreated, infos)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.store.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	err := s.store.Destroy(r.Context(), r.PathValue("id"))
	if errors.Is(err, registry.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		// Teardown is best-effort; partial failures still removed the
		// session, so the delete is reported as done.
		s.logger.Warn().Err(err).Msg("Session teardown finished with errors")
	}
	w.WriteHeader(http.StatusNoContent)
}
