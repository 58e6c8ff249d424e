package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emberhost/ember/internal/agent"
	"github.com/emberhost/ember/internal/event"
	"github.com/emberhost/ember/internal/llm"
	"github.com/emberhost/ember/internal/store"
)

type wireMessage struct {
	Type    string         `json:"type"`
	Seq     int64          `json:"seq"`
	Content map[string]any `json:"content"`
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, turns ...llm.MockTurn) (*httptest.Server, store.Repository) {
	t.Helper()

	repo, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	cfg := agent.Config{
		Model:        "claude-sonnet-4-5",
		MaxTokens:    4096,
		MaxTurns:     10,
		TokenBudget:  8000,
		SystemPrompt: "You are a helpful assistant.",
	}
	client := llm.NewMockClient(turns...)
	manager := agent.NewManager(repo, client, cfg, t.TempDir(), testLogger())

	s := New(Options{
		Manager:       manager,
		Repo:          repo,
		LLMClient:     client,
		AgentCfg:      cfg,
		Logger:        testLogger(),
		RatePerSecond: 1000,
		RateBurst:     1000,
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, repo
}

func dialWS(t *testing.T, ts *httptest.Server, deviceID string, afterSeq string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if afterSeq != "" {
		url += "?after_seq=" + afterSeq
	}
	header := http.Header{}
	if deviceID != "" {
		header.Set("X-Device-ID", deviceID)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func sendMessage(t *testing.T, conn *websocket.Conn, typ string, content any) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"type": typ, "content": content})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// readUntil collects messages until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) []wireMessage {
	t.Helper()
	var msgs []wireMessage
	for i := 0; i < 100; i++ {
		msg := readMessage(t, conn)
		msgs = append(msgs, msg)
		if msg.Type == typ {
			return msgs
		}
	}
	t.Fatalf("never received %s; got %d messages", typ, len(msgs))
	return nil
}

func TestQueryLifecycleOverWS(t *testing.T) {
	ts, _ := newTestServer(t, llm.MockTurn{Chunks: []string{"Hello", " there"}})
	conn := dialWS(t, ts, "D1", "")

	if msg := readMessage(t, conn); msg.Type != string(event.TypeConnectionEstablished) {
		t.Fatalf("first message = %s, want CONNECTION_ESTABLISHED", msg.Type)
	}

	sendMessage(t, conn, MsgInitAgent, map[string]any{})
	if msg := readMessage(t, conn); msg.Type != string(event.TypeAgentInitialized) {
		t.Fatalf("got %s, want AGENT_INITIALIZED", msg.Type)
	}

	sendMessage(t, conn, MsgQuery, QueryContent{Text: "hello"})
	msgs := readUntil(t, conn, string(event.TypeStreamComplete))

	var order []string
	var lastSeq int64
	for _, m := range msgs {
		order = append(order, m.Type)
		if m.Seq != 0 {
			if m.Seq != lastSeq+1 {
				t.Errorf("seq gap: %d after %d", m.Seq, lastSeq)
			}
			lastSeq = m.Seq
		}
	}

	wantOrder := []string{"USER_MESSAGE", "PROCESSING", "AGENT_THINKING", "AGENT_RESPONSE", "AGENT_RESPONSE", "STREAM_COMPLETE"}
	if len(order) != len(wantOrder) {
		t.Fatalf("got %v, want %v", order, wantOrder)
	}
	for i := range wantOrder {
		if order[i] != wantOrder[i] {
			t.Fatalf("message %d = %s, want %s (all: %v)", i, order[i], wantOrder[i], order)
		}
	}
}

func TestReplayOnReconnect(t *testing.T) {
	ts, _ := newTestServer(t, llm.MockTurn{Chunks: []string{"one", "two"}})

	conn := dialWS(t, ts, "D1", "")
	readMessage(t, conn) // CONNECTION_ESTABLISHED
	sendMessage(t, conn, MsgQuery, QueryContent{Text: "hello"})
	msgs := readUntil(t, conn, string(event.TypeStreamComplete))
	total := msgs[len(msgs)-1].Seq
	conn.Close()

	// Reconnect claiming we saw everything up to seq 2.
	conn2 := dialWS(t, ts, "D1", "2")
	readMessage(t, conn2) // CONNECTION_ESTABLISHED
	expect := int64(3)
	for expect <= total {
		msg := readMessage(t, conn2)
		if msg.Seq != expect {
			t.Fatalf("replayed seq = %d, want %d", msg.Seq, expect)
		}
		expect++
	}
}

func TestMissingDeviceHeaderRejected(t *testing.T) {
	ts, _ := newTestServer(t, llm.MockTurn{Chunks: []string{"x"}})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without X-Device-ID should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 handshake rejection, got %+v", resp)
	}
}

func TestConcurrentQueryGetsLocalError(t *testing.T) {
	ts, _ := newTestServer(t, llm.MockTurn{
		Chunks:     []string{"a", "b", "c"},
		ChunkDelay: 200 * time.Millisecond,
	})
	conn := dialWS(t, ts, "D1", "")
	readMessage(t, conn)

	sendMessage(t, conn, MsgQuery, QueryContent{Text: "first"})
	time.Sleep(50 * time.Millisecond)
	sendMessage(t, conn, MsgQuery, QueryContent{Text: "second"})

	msgs := readUntil(t, conn, string(event.TypeError))
	errMsg := msgs[len(msgs)-1]
	if errMsg.Seq != 0 {
		t.Error("concurrent-query ERROR must be connection-local, not logged")
	}

	sendMessage(t, conn, MsgCancel, map[string]any{})
	readUntil(t, conn, string(event.TypeSystem))
}

func TestCancelWithNothingRunning(t *testing.T) {
	ts, _ := newTestServer(t, llm.MockTurn{Chunks: []string{"x"}})
	conn := dialWS(t, ts, "D1", "")
	readMessage(t, conn)

	sendMessage(t, conn, MsgCancel, map[string]any{})
	msg := readMessage(t, conn)
	if msg.Type != string(event.TypeSystem) || msg.Seq != 0 {
		t.Fatalf("got %+v, want connection-local SYSTEM notice", msg)
	}
}

func TestPingPong(t *testing.T) {
	ts, _ := newTestServer(t, llm.MockTurn{Chunks: []string{"x"}})
	conn := dialWS(t, ts, "D1", "")
	readMessage(t, conn)

	sendMessage(t, conn, MsgPing, map[string]any{})
	if msg := readMessage(t, conn); msg.Type != string(event.TypePong) {
		t.Fatalf("got %s, want PONG", msg.Type)
	}
}

func TestMalformedMessageKeepsConnectionOpen(t *testing.T) {
	ts, _ := newTestServer(t, llm.MockTurn{Chunks: []string{"x"}})
	conn := dialWS(t, ts, "D1", "")
	readMessage(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if msg := readMessage(t, conn); msg.Type != string(event.TypeError) {
		t.Fatalf("got %s, want ERROR", msg.Type)
	}

	// Still usable.
	sendMessage(t, conn, MsgPing, map[string]any{})
	if msg := readMessage(t, conn); msg.Type != string(event.TypePong) {
		t.Fatalf("got %s, want PONG after protocol error", msg.Type)
	}
}

func TestWorkspaceInfo(t *testing.T) {
	ts, _ := newTestServer(t, llm.MockTurn{Chunks: []string{"x"}})
	conn := dialWS(t, ts, "D1", "")
	readMessage(t, conn)

	sendMessage(t, conn, MsgWorkspaceInfo, map[string]any{})
	msg := readMessage(t, conn)
	if msg.Type != string(event.TypeWorkspaceInfo) {
		t.Fatalf("got %s, want WORKSPACE_INFO", msg.Type)
	}
	if p, _ := msg.Content["path"].(string); p == "" {
		t.Error("workspace path missing")
	}
}

func TestEnhancePromptOverWS(t *testing.T) {
	ts, _ := newTestServer(t, llm.MockTurn{Chunks: []string{"A much better prompt."}})
	conn := dialWS(t, ts, "D1", "")
	readMessage(t, conn)

	sendMessage(t, conn, MsgEnhancePrompt, EnhanceContent{Text: "fix bug"})
	msg := readMessage(t, conn)
	if msg.Type != string(event.TypePromptGenerated) {
		t.Fatalf("got %s, want PROMPT_GENERATED", msg.Type)
	}
	if r, _ := msg.Content["result"].(string); r != "A much better prompt." {
		t.Errorf("result = %q", r)
	}
}

func TestSessionsAndEventsAPI(t *testing.T) {
	ts, _ := newTestServer(t, llm.MockTurn{Chunks: []string{"answer"}})

	conn := dialWS(t, ts, "D1", "")
	readMessage(t, conn)
	sendMessage(t, conn, MsgQuery, QueryContent{Text: "the question"})
	readUntil(t, conn, string(event.TypeAgentResponse))

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/sessions", nil)
	req.Header.Set("X-Device-ID", "D1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/sessions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var listing struct {
		Sessions []struct {
			SessionID    string `json:"session_id"`
			FirstMessage string `json:"first_message"`
		} `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listing.Sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(listing.Sessions))
	}
	if listing.Sessions[0].FirstMessage != "the question" {
		t.Errorf("first_message = %q", listing.Sessions[0].FirstMessage)
	}

	sessionID := listing.Sessions[0].SessionID
	resp2, err := http.Get(ts.URL + "/api/sessions/" + sessionID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp2.Body.Close()
	var history struct {
		Events []struct {
			Seq  int64  `json:"seq"`
			Type string `json:"type"`
		} `json:"events"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&history); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(history.Events) == 0 {
		t.Fatal("no events returned")
	}
	for i, ev := range history.Events {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d seq = %d", i, ev.Seq)
		}
	}
}

func TestUpload(t *testing.T) {
	ts, repo := newTestServer(t, llm.MockTurn{Chunks: []string{"x"}})

	conn := dialWS(t, ts, "D1", "")
	readMessage(t, conn)

	sessions, err := repo.ListSessionsByDevice(context.Background(), "D1")
	if err != nil || len(sessions) != 1 {
		t.Fatalf("sessions = %v, err = %v", sessions, err)
	}

	body := &strings.Builder{}
	const boundary = "ember-test-boundary"
	body.WriteString("--" + boundary + "\r\n")
	body.WriteString("Content-Disposition: form-data; name=\"file\"; filename=\"notes.txt\"\r\n\r\n")
	body.WriteString("uploaded content\r\n")
	body.WriteString("--" + boundary + "--\r\n")

	url := ts.URL + "/api/sessions/" + sessions[0].SessionID + "/upload"
	req, _ := http.NewRequest(http.MethodPost, url, strings.NewReader(body.String()))
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
}

func TestTokenAuthenticator(t *testing.T) {
	auth := NewTokenAuthenticator(map[string]string{"secret": "alice"})

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer secret")
	user, err := auth.Authenticate(r)
	if err != nil || user != "alice" {
		t.Fatalf("user=%q err=%v", user, err)
	}

	r2 := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r2.Header.Set("X-API-Key", "secret")
	user, err = auth.Authenticate(r2)
	if err != nil || user != "alice" {
		t.Fatalf("X-API-Key user=%q err=%v", user, err)
	}

	r3 := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r3.Header.Set("Authorization", "Bearer wrong")
	if _, err := auth.Authenticate(r3); err == nil {
		t.Fatal("expected rejection of unknown token")
	}
}
