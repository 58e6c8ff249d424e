package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ConnConfig bounds the WebSocket connection's resource use and
// keepalive timing.
type ConnConfig struct {
	MaxMessageSize int64
	PongWait       time.Duration
	PingPeriod     time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	AllowedOrigins []string
}

// DefaultConnConfig returns the production defaults.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		MaxMessageSize: 1 << 20,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		WriteWait:      10 * time.Second,
		SendBuffer:     256,
	}
}

func (c ConnConfig) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(c.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range c.AllowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
}

// wsConn wraps a WebSocket connection with a buffered send channel and
// a write pump handling keepalive. Sends never block the session actor:
// if the buffer fills, the connection is marked desynchronized and
// closed, forcing the client to reconnect and replay.
type wsConn struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	cfg    ConnConfig
	logger *slog.Logger

	desynced atomic.Bool
	closed   atomic.Bool
}

func newWSConn(conn *websocket.Conn, cfg ConnConfig, logger *slog.Logger) *wsConn {
	conn.SetReadLimit(cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})
	return &wsConn{
		conn:   conn,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
		cfg:    cfg,
		logger: logger,
	}
}

// sendMessage queues an outbound envelope. Dropping an event would
// break the in-order, gapless delivery contract, so overflow closes the
// connection instead.
func (w *wsConn) sendMessage(msg OutboundMessage) {
	if w.closed.Load() {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		w.logger.Error("marshal outbound message failed", "message_type", msg.Type, "error", err)
		return
	}
	select {
	case w.send <- data:
	default:
		if w.desynced.CompareAndSwap(false, true) {
			w.logger.Warn("send buffer full, closing desynchronized connection",
				"message_type", msg.Type)
			w.close()
		}
	}
}

// writePump serializes all writes to the connection and drives the
// ping/pong keepalive. Runs until the send channel or the connection
// closes.
func (w *wsConn) writePump() {
	ticker := time.NewTicker(w.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()

	for {
		select {
		case <-w.done:
			// Flush whatever was queued before the close was requested.
			for {
				select {
				case data := <-w.send:
					w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteWait))
					if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteWait))
					w.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		case data := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close signals the write pump to finish and drops the underlying
// connection. The send channel is never closed, so late fan-out from
// observers is harmless.
func (w *wsConn) close() {
	if w.closed.CompareAndSwap(false, true) {
		close(w.done)
	}
}
