// Package api exposes the gateway's HTTP endpoints: the WebSocket upgrade,
// health and metrics probes, event ingress for the CRUD app and a presence
// read endpoint.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"collab-realtime/internal/auth"
	"collab-realtime/internal/models"
	"collab-realtime/internal/ws"
)

const maxEventBody = 1 << 20

// Pinger reports whether the pub/sub transport is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EventPublisher hands a validated event to the transport.
type EventPublisher interface {
	Publish(ctx context.Context, channel models.Channel, kind models.Kind, payload any)
}

type RosterReader interface {
	Roster(channel string) []models.PresenceEntry
}

type Deps struct {
	Hub       *ws.Hub
	Presence  RosterReader
	Publisher EventPublisher
	Verifier  ws.TokenVerifier
	Transport Pinger
	Upgrader  *websocket.Upgrader
	// PublishToken guards POST /events; empty disables the endpoint.
	PublishToken string
	// HeartbeatInterval is advertised to clients so they refresh presence
	// well inside the tracker's TTL.
	HeartbeatInterval time.Duration
}

type Server struct {
	deps Deps
}

func NewServer(deps Deps) *Server {
	if deps.Upgrader == nil {
		deps.Upgrader = ws.NewUpgrader(nil)
	}
	return &Server{deps: deps}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(s.deps.Hub, s.deps.Verifier, s.deps.Upgrader, w, r)
	})
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /events", s.handlePublishEvent)
	mux.HandleFunc("GET /channels/{channel}/presence", s.handlePresence)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"transport": map[string]any{"status": "ok"},
	}

	if err := s.deps.Transport.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["transport"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

type publishRequest struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// handlePublishEvent is called by the CRUD app after a write has committed.
// Publishing is best effort, so a transport failure still answers 202.
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	if s.deps.PublishToken == "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "event ingress disabled", nil)
		return
	}
	given := r.Header.Get("X-Publish-Token")
	if subtle.ConstantTimeCompare([]byte(given), []byte(s.deps.PublishToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid publish token", nil)
		return
	}

	var req publishRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	channel, err := models.ParseChannel(req.Channel)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_CHANNEL", err.Error(), nil)
		return
	}
	kind := models.Kind(req.Type)
	if !kind.Publishable() {
		writeError(w, http.StatusBadRequest, "UNKNOWN_KIND", "event type cannot be published", map[string]any{"type": req.Type})
		return
	}
	if _, err := models.Decode(models.Envelope{Type: req.Type, Channel: req.Channel, Payload: req.Payload}); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED_PAYLOAD", err.Error(), nil)
		return
	}

	s.deps.Publisher.Publish(r.Context(), channel, kind, req.Payload)
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	token := auth.ExtractTokenFromRequest(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "token required", nil)
		return
	}
	if _, err := s.deps.Verifier.ValidateToken(token); err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token", nil)
		return
	}

	channel, err := models.ParseChannel(r.PathValue("channel"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_CHANNEL", err.Error(), nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"channel":             channel.String(),
		"editors":             s.deps.Presence.Roster(channel.String()),
		"heartbeatIntervalMs": s.deps.HeartbeatInterval.Milliseconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("[HTTP] Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err := dec.Decode(target); err != nil {
		return err
	}
	return nil
}
