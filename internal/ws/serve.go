package ws

import (
	"log/slog"
	"net/http"
	"slices"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collab-realtime/internal/auth"
	"collab-realtime/internal/models"
)

// TokenVerifier resolves a bearer token to its claims.
type TokenVerifier interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// NewUpgrader accepts any origin when allowedOrigins is empty.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			return slices.Contains(allowedOrigins, r.Header.Get("Origin"))
		},
	}
}

// ServeWS authenticates the request, subscribes the connection to the
// requested channel and starts its pumps. Subscribing does not announce
// presence; the client sends presence:enter when it opens an editor.
func ServeWS(hub *Hub, verifier TokenVerifier, upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr

	token := auth.ExtractTokenFromRequest(r)
	if token == "" {
		slog.Warn("[WS] No token provided", "from", remoteAddr)
		http.Error(w, "Unauthorized: token required", http.StatusUnauthorized)
		return
	}

	claims, err := verifier.ValidateToken(token)
	if err != nil {
		slog.Warn("[WS] Token validation failed", "from", remoteAddr, "error", err)
		http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
		return
	}
	identity := claims.Identity()

	channel, err := models.ParseChannel(r.URL.Query().Get("channel"))
	if err != nil {
		slog.Warn("[WS] Bad channel", "user", identity.UserID, "from", remoteAddr, "error", err)
		http.Error(w, "channel must look like <resourceType>:<resourceId>", http.StatusBadRequest)
		return
	}

	// TODO: check channel membership against the CRUD app's project/team
	// access rules before upgrading.

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("[WS] Failed to upgrade connection", "user", identity.UserID, "channel", channel.String(), "error", err)
		return
	}

	client := newClient(hub, conn, uuid.NewString(), channel.String(), identity)
	if !hub.Register(client) {
		slog.Warn("[WS] Hub stopped, refusing connection", "user", identity.UserID)
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
