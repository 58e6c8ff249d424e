package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/emberhost/ember/internal/agent"
	"github.com/emberhost/ember/internal/event"
)

// clientObserver forwards session events to one connection in strict
// sequence order. It starts in buffering mode so events fanned out
// while the replay is still streaming are held back and delivered once
// the replay catches up to the live tail.
type clientObserver struct {
	ws     *wsConn
	logger *slog.Logger

	mu        sync.Mutex
	lastSent  int64
	buffering bool
	buffered  []event.Event
}

func newClientObserver(ws *wsConn, afterSeq int64, logger *slog.Logger) *clientObserver {
	return &clientObserver{
		ws:        ws,
		logger:    logger,
		lastSent:  afterSeq,
		buffering: true,
	}
}

func (o *clientObserver) OnEvent(ev event.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.buffering {
		o.buffered = append(o.buffered, ev)
		return
	}
	o.deliverLocked(ev)
}

// replay sends one already-persisted event during catch-up.
func (o *clientObserver) replay(ev event.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deliverLocked(ev)
}

// live ends buffering mode, flushing anything fanned out mid-replay.
func (o *clientObserver) live() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buffering = false
	for _, ev := range o.buffered {
		o.deliverLocked(ev)
	}
	o.buffered = nil
}

// deliverLocked enforces the gapless in-order contract: duplicates are
// skipped, a gap marks the connection desynchronized and closes it so
// the client reconnects with replay.
func (o *clientObserver) deliverLocked(ev event.Event) {
	if ev.Seq <= o.lastSent {
		return
	}
	if ev.Seq != o.lastSent+1 {
		o.logger.Warn("sequence gap on connection, forcing resync",
			"expected_seq", o.lastSent+1,
			"got_seq", ev.Seq)
		o.ws.close()
		return
	}
	o.lastSent = ev.Seq
	o.ws.sendMessage(outboundFromEvent(ev))
}

// handleWS is the session WebSocket endpoint. The mandatory
// X-Device-ID header combines with the authenticated user identity to
// form the composite session key; the optional after_seq query
// parameter drives replay on reconnect.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Authenticate(r)
	if err != nil {
		s.logger.Warn("authentication rejected", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}
	deviceID := r.Header.Get("X-Device-ID")
	if deviceID == "" {
		http.Error(w, "missing X-Device-ID header", http.StatusBadRequest)
		return
	}
	afterSeq, err := parseAfterSeq(r.URL.Query().Get("after_seq"))
	if err != nil {
		http.Error(w, "invalid after_seq", http.StatusBadRequest)
		return
	}

	upgrader := s.connCfg.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	logger := s.logger.With("user_id", userID, "device_id", deviceID)
	ws := newWSConn(conn, s.connCfg, logger)
	go ws.writePump()

	s.metrics.connectionsOpened.Inc()
	s.metrics.connectionsActive.Inc()
	defer s.metrics.connectionsActive.Dec()

	sess, err := s.manager.GetOrCreate(r.Context(), userID, deviceID)
	if err != nil {
		logger.Error("session attach failed", "error", err)
		ws.sendMessage(OutboundMessage{Type: event.TypeError, Content: event.ErrorPayload{
			Message: "failed to attach session",
		}})
		ws.close()
		return
	}
	logger = logger.With("session_id", sess.ID())

	ws.sendMessage(OutboundMessage{Type: event.TypeConnectionEstablished, Content: event.ConnectionEstablishedPayload{
		Message:       "Connected to session",
		WorkspacePath: sess.WorkspaceDir(),
	}})

	// Register first, then replay: events appended during the replay are
	// buffered by the observer and flushed in order afterwards.
	obs := newClientObserver(ws, afterSeq, logger)
	sess.AddObserver(obs)
	defer sess.RemoveObserver(obs)

	history, err := sess.Replay(r.Context(), afterSeq)
	if err != nil {
		logger.Error("replay failed", "after_seq", afterSeq, "error", err)
		ws.close()
		return
	}
	for _, ev := range history {
		obs.replay(ev)
	}
	obs.live()

	logger.Info("client attached",
		"after_seq", afterSeq,
		"replayed", len(history))

	s.readLoop(ws, sess, logger)
	ws.close()
	logger.Info("client detached")
}

// readLoop dispatches inbound commands until the connection drops.
func (s *Server) readLoop(ws *wsConn, sess *agent.Session, logger *slog.Logger) {
	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			ws.sendMessage(localError("malformed message", err.Error()))
			continue
		}
		s.metrics.messagesInbound.WithLabelValues(msg.Type).Inc()

		switch msg.Type {
		case MsgInitAgent:
			path := sess.EnsureInitialized()
			ws.sendMessage(OutboundMessage{Type: event.TypeAgentInitialized, Content: event.SystemPayload{
				Message: "Agent initialized in " + path,
			}})

		case MsgQuery:
			s.handleQuery(ws, sess, msg.Content, logger)

		case MsgCancel:
			if !sess.Cancel() {
				ws.sendMessage(OutboundMessage{Type: event.TypeSystem, Content: event.SystemPayload{
					Message: "No active query to cancel",
				}})
			}

		case MsgEnhancePrompt:
			s.handleEnhance(ws, msg.Content, logger)

		case MsgPing:
			ws.sendMessage(OutboundMessage{Type: event.TypePong})

		case MsgWorkspaceInfo:
			ws.sendMessage(OutboundMessage{Type: event.TypeWorkspaceInfo, Content: event.WorkspaceInfoPayload{
				Path: sess.WorkspaceDir(),
			}})

		default:
			ws.sendMessage(localError("unknown message type: "+msg.Type, ""))
		}
	}
}

// handleQuery admits a query. Rejection of a concurrent query is
// connection-local: the shared log gets no events so other observers
// see nothing.
func (s *Server) handleQuery(ws *wsConn, sess *agent.Session, content json.RawMessage, logger *slog.Logger) {
	var qc QueryContent
	if err := json.Unmarshal(content, &qc); err != nil {
		ws.sendMessage(localError("malformed query content", err.Error()))
		return
	}
	if qc.Text == "" {
		ws.sendMessage(localError("query text must not be empty", ""))
		return
	}

	if _, err := sess.SubmitQuery(context.Background(), qc.Text, qc.Files, qc.Resume); err != nil {
		if errors.Is(err, agent.ErrQueryInFlight) {
			ws.sendMessage(localError("a query is already in progress", ""))
			return
		}
		// A failed log append is fatal to this connection; the client
		// reconnects and replays.
		logger.Error("query admission failed", "error", err)
		ws.sendMessage(localError("failed to record query", err.Error()))
		ws.close()
	}
}

// handleEnhance runs prompt enhancement off the connection goroutine;
// it is independent of the query lifecycle and touches no session state.
func (s *Server) handleEnhance(ws *wsConn, content json.RawMessage, logger *slog.Logger) {
	var ec EnhanceContent
	if err := json.Unmarshal(content, &ec); err != nil {
		ws.sendMessage(localError("malformed enhance_prompt content", err.Error()))
		return
	}
	go func() {
		result, err := agent.EnhancePrompt(context.Background(), s.llmClient, s.agentCfg.Model, ec.Text, ec.Files)
		if err != nil {
			logger.Warn("prompt enhancement failed", "error", err)
			ws.sendMessage(localError("prompt enhancement failed", err.Error()))
			return
		}
		ws.sendMessage(OutboundMessage{Type: event.TypePromptGenerated, Content: event.PromptGeneratedPayload{
			Result:          result,
			OriginalRequest: ec.Text,
		}})
	}()
}

func localError(message, details string) OutboundMessage {
	return OutboundMessage{Type: event.TypeError, Content: event.ErrorPayload{
		Message: message,
		Details: details,
	}}
}

func parseAfterSeq(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("after_seq must be a non-negative integer")
	}
	return n, nil
}
