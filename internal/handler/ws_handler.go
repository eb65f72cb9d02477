package handler

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"tripsync-server/internal/domain"
	"tripsync-server/internal/middleware"
	"tripsync-server/internal/websocket"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
)

// TokenVerifier validates a bearer token and yields the user it belongs
// to. Token issuance happens elsewhere; this service only verifies.
type TokenVerifier interface {
	Verify(token string) (userID string, err error)
}

// MembershipLookup resolves a user's role on a trip. It returns
// domain.ErrAccessDenied (or ErrNotFound) for non-members.
type MembershipLookup interface {
	Role(ctx context.Context, tripID, userID string) (domain.TripRole, error)
}

// WebSocketHandler is the connection gateway: it authenticates,
// rate-limits, and authorizes every inbound real-time connection before
// attaching it to the trip's session. Rejections always carry a
// reason-specific close frame so clients can tell a retryable refusal
// (rate limit) from a terminal one (unauthorized, access denied).
type WebSocketHandler struct {
	registry *websocket.Registry
	verifier TokenVerifier
	members  MembershipLookup
	limiter  *middleware.RateLimiter
	upgrader ws.Upgrader

	maxMessageSize int64
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
}

func NewWebSocketHandler(
	registry *websocket.Registry,
	verifier TokenVerifier,
	members MembershipLookup,
	limiter *middleware.RateLimiter,
	readBufferSize, writeBufferSize int,
	maxMessageSize int64,
	writeWait, pongWait, pingPeriod time.Duration,
) *WebSocketHandler {
	return &WebSocketHandler{
		registry: registry,
		verifier: verifier,
		members:  members,
		limiter:  limiter,
		upgrader: ws.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		maxMessageSize: maxMessageSize,
		writeWait:      writeWait,
		pongWait:       pongWait,
		pingPeriod:     pingPeriod,
	}
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
	}
	tripID := r.URL.Query().Get("trip_id")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WebSocket] upgrade failed: %v", err)
		return
	}

	if token == "" || tripID == "" {
		h.reject(conn, ws.ClosePolicyViolation, "unauthorized: missing token or trip id")
		return
	}

	userID, err := h.verifier.Verify(token)
	if err != nil {
		log.Printf("[WebSocket] token rejected: %v", err)
		h.reject(conn, ws.ClosePolicyViolation, "unauthorized: invalid or expired token")
		return
	}

	if !h.limiter.Allow(sourceAddr(r)) {
		log.Printf("[WebSocket] rate limit exceeded for %s", sourceAddr(r))
		h.reject(conn, ws.ClosePolicyViolation, "rate limit exceeded, retry later")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if _, err := h.members.Role(ctx, tripID, userID); err != nil {
		if errors.Is(err, domain.ErrAccessDenied) || errors.Is(err, domain.ErrNotFound) {
			h.reject(conn, ws.ClosePolicyViolation, "access denied")
			return
		}
		log.Printf("[WebSocket] membership lookup failed for trip %s: %v", tripID, err)
		h.reject(conn, ws.CloseInternalServerErr, "internal error")
		return
	}

	client := websocket.NewClient(uuid.New().String(), userID, tripID, conn, h.maxMessageSize, h.writeWait, h.pongWait, h.pingPeriod)
	h.registry.Attach(client)

	log.Printf("[WebSocket] user %s attached to trip %s", userID, tripID)

	go client.WritePump()
	go client.ReadPump()
}

// reject closes the connection with a reason-specific code. The close
// frame is the only data the client ever receives on a refused attempt.
func (h *WebSocketHandler) reject(conn *ws.Conn, code int, reason string) {
	deadline := time.Now().Add(h.writeWait)
	conn.WriteControl(ws.CloseMessage, ws.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

// sourceAddr strips the port so all connections from one host share a
// rate-limit window.
func sourceAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
