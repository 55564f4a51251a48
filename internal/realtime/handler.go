package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"videocall-platform/internal/auth"
	"videocall-platform/internal/config"
	"videocall-platform/internal/signaling"
	"videocall-platform/pkg/logger"
)

// EventHandler consumes the lifecycle and inbound events of connections.
type EventHandler interface {
	Connect(conn signaling.Conn)
	Handle(ctx context.Context, conn signaling.Conn, event string, data json.RawMessage)
	Disconnect(ctx context.Context, conn signaling.Conn)
}

// TokenVerifier validates handshake tokens.
type TokenVerifier interface {
	Verify(token string, now time.Time) (auth.Claims, error)
}

// Handler upgrades HTTP requests to websocket connections and runs one read
// loop per connection.
type Handler struct {
	events   EventHandler
	verifier TokenVerifier
	cfg      config.WSConfig
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*Client
	wg      sync.WaitGroup
}

// NewHandler builds the websocket endpoint. verifier may be nil, in which
// case handshake tokens are ignored and RequireToken must be false.
func NewHandler(events EventHandler, verifier TokenVerifier, cfg config.WSConfig, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		events:   events,
		verifier: verifier,
		cfg:      cfg,
		log:      log,
		clients:  make(map[string]*Client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range h.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// ServeWS is the gin handler for the realtime endpoint.
func (h *Handler) ServeWS(c *gin.Context) {
	reqLog := logger.FromGin(c)

	var userID int64
	if tok := auth.TokenFromRequest(c.Request); tok != "" && h.verifier != nil {
		claims, err := h.verifier.Verify(tok, time.Now())
		if err != nil {
			reqLog.Info("ws handshake rejected", "reason", "invalid token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		userID = claims.UserID
	} else if h.cfg.RequireToken {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		reqLog.Info("ws upgrade failed", "err", err)
		return
	}

	id := uuid.NewString()
	connLog := logger.ForConnection(reqLog, id, c.ClientIP())
	if userID != 0 {
		connLog = connLog.With("user_id", userID)
	}
	client := newClient(id, userID, conn, h.cfg, connLog)

	h.track(client)
	defer h.untrack(client)

	ctx := logger.With(context.WithoutCancel(c.Request.Context()), connLog)
	connLog.Info("ws connected")

	go client.writePump()
	h.events.Connect(client)
	h.readLoop(ctx, client)
	h.events.Disconnect(ctx, client)
	client.close(websocket.CloseNormalClosure, "")
	connLog.Info("ws disconnected")
}

func (h *Handler) readLoop(ctx context.Context, client *Client) {
	conn := client.conn
	conn.SetReadLimit(h.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, net.ErrClosed) {
				client.log.Debug("ws read ended", "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		if msgType != websocket.TextMessage {
			continue
		}

		var env signaling.Envelope
		if err := json.Unmarshal(msg, &env); err != nil || env.Event == "" {
			client.log.Debug("ws frame ignored", "reason", "not an event envelope")
			continue
		}
		h.events.Handle(ctx, client, env.Event, env.Data)
	}
}

func (h *Handler) track(c *Client) {
	h.wg.Add(1)
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Handler) untrack(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	h.wg.Done()
}

// Shutdown closes every open connection and waits for their read loops to
// finish disconnect handling, or for ctx to expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	open := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		open = append(open, c)
	}
	h.mu.Unlock()

	for _, c := range open {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
