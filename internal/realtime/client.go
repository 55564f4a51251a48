package realtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"videocall-platform/internal/config"
	"videocall-platform/internal/signaling"
)

var (
	ErrClosed       = errors.New("realtime: connection closed")
	ErrSlowConsumer = errors.New("realtime: send buffer full")
)

// Client is one websocket connection. Reads happen on the handler goroutine,
// writes only on writePump; Send never blocks.
type Client struct {
	id     string
	userID int64

	conn *websocket.Conn
	cfg  config.WSConfig
	log  *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id string, userID int64, conn *websocket.Conn, cfg config.WSConfig, log *slog.Logger) *Client {
	return &Client{
		id:     id,
		userID: userID,
		conn:   conn,
		cfg:    cfg,
		log:    log,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// UserID is the identity from the handshake token, or 0 when the client
// connected without one.
func (c *Client) UserID() int64 { return c.userID }

// Send encodes one event and queues it. A client whose buffer is full is
// disconnected rather than allowed to stall the sender.
func (c *Client) Send(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(signaling.Envelope{Event: event, Data: payload})
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		c.log.Warn("slow consumer, closing connection", "event", event)
		c.close(websocket.ClosePolicyViolation, "slow consumer")
		return ErrSlowConsumer
	}
}

// writePump owns all writes to the socket, including keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("write failed", "err", err)
				c.close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Debug("ping failed", "err", err)
				c.close(websocket.CloseInternalServerErr, "ping failure")
				return
			}
		case <-c.done:
			return
		}
	}
}

// close sends a close frame once and tears down the socket, which unblocks
// the read loop.
func (c *Client) close(code int, text string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.cfg.WriteTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
		_ = c.conn.Close()
	})
}
