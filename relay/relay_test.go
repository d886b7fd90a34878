package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jfld/openclaw-man/history"
	"github.com/jfld/openclaw-man/pkg/protocol"
)

// captureRecorder collects history entries and signals each write.
type captureRecorder struct {
	mu      sync.Mutex
	entries []history.Entry
	ops     []string
	ch      chan struct{}
}

func newCaptureRecorder() *captureRecorder {
	return &captureRecorder{ch: make(chan struct{}, 16)}
}

func (c *captureRecorder) Record(ctx context.Context, operatorID string, e history.Entry) error {
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.ops = append(c.ops, operatorID)
	c.mu.Unlock()
	c.ch <- struct{}{}
	return nil
}

func (c *captureRecorder) waitForEntry(t *testing.T) history.Entry {
	t.Helper()
	select {
	case <-c.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for history entry")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[len(c.entries)-1]
}

func setupRelayServer(t *testing.T) (*Server, *httptest.Server, *captureRecorder) {
	t.Helper()

	creds := &fakeCredStore{byHash: map[string]string{
		sha256hex("sk-api-good"): "agent-1",
	}}
	tokens := &fakeVerifier{byToken: map[string]string{
		"tok-good": "user-1",
	}}
	rec := newCaptureRecorder()

	srv := New(NewResolver(creds, tokens), rec, slog.Default(), Options{})
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleStream))
	t.Cleanup(ts.Close)
	return srv, ts, rec
}

func dialStream(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", query, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	return conn
}

func dialStreamHeader(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial with header: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStream_RejectsMissingCredential(t *testing.T) {
	_, ts, _ := setupRelayServer(t)

	conn := dialStream(t, ts, "")
	_, _, err := conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != websocket.ClosePolicyViolation {
		t.Errorf("expected close code 1008, got %d", ce.Code)
	}
	if ce.Text != ErrMissingCredential.Error() {
		t.Errorf("expected reason %q, got %q", ErrMissingCredential.Error(), ce.Text)
	}
}

func TestStream_RejectsInvalidSecret(t *testing.T) {
	_, ts, _ := setupRelayServer(t)

	conn := dialStream(t, ts, "api_key=sk-api-wrong")
	_, _, err := conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != websocket.ClosePolicyViolation || ce.Text != ErrInvalidCredential.Error() {
		t.Errorf("expected 1008 %q, got %d %q", ErrInvalidCredential.Error(), ce.Code, ce.Text)
	}
}

func TestStream_RejectsTokenWithoutTarget(t *testing.T) {
	_, ts, _ := setupRelayServer(t)

	conn := dialStream(t, ts, "token=tok-good")
	_, _, err := conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Text != ErrMissingTarget.Error() {
		t.Errorf("expected reason %q, got %q", ErrMissingTarget.Error(), ce.Text)
	}
}

func TestStream_AgentAPIKeyHeader(t *testing.T) {
	srv, ts, _ := setupRelayServer(t)

	for _, name := range []string{"X-API-Key", "apiKey"} {
		t.Run(name, func(t *testing.T) {
			h := http.Header{}
			h.Set(name, "sk-api-good")
			conn := dialStreamHeader(t, ts, h)
			waitFor(t, "agent registration via "+name+" header", func() bool {
				return srv.Registry().LookupAgent("agent-1") != nil
			})
			_ = conn.Close()
			waitFor(t, "agent cleanup", func() bool {
				return srv.Registry().LookupAgent("agent-1") == nil
			})
		})
	}
}

func TestStream_AgentToOperatorDelivery(t *testing.T) {
	srv, ts, _ := setupRelayServer(t)

	agent := dialStream(t, ts, "api_key=sk-api-good")
	operator := dialStream(t, ts, "token=tok-good&robot_id=agent-1")
	waitFor(t, "agent registration", func() bool { return srv.Registry().LookupAgent("agent-1") != nil })
	waitFor(t, "operator registration", func() bool { return srv.Registry().LookupOperator("user-1") != nil })

	err := agent.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"message","data":{"to":"user-1","text":"hello","mediaUrl":"http://x/img.png"}}`))
	if err != nil {
		t.Fatal(err)
	}

	var got protocol.OperatorDelivery
	readJSON(t, operator, &got)
	if got.Sender != protocol.SenderAgent {
		t.Errorf("expected sender agent, got %q", got.Sender)
	}
	if got.From != "agent-1" {
		t.Errorf("expected from agent-1, got %q", got.From)
	}
	if got.Text != "hello" || got.MediaURL != "http://x/img.png" {
		t.Errorf("payload mismatch: %+v", got)
	}
	if got.ConversationID != protocol.DefaultConversationID {
		t.Errorf("expected default conversation, got %q", got.ConversationID)
	}
}

func TestStream_AgentRecipientIDAlias(t *testing.T) {
	srv, ts, _ := setupRelayServer(t)

	agent := dialStream(t, ts, "api_key=sk-api-good")
	operator := dialStream(t, ts, "token=tok-good&robot_id=agent-1")
	waitFor(t, "operator registration", func() bool { return srv.Registry().LookupOperator("user-1") != nil })

	err := agent.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"message","data":{"recipientId":"user-1","text":"via alias"}}`))
	if err != nil {
		t.Fatal(err)
	}

	var got protocol.OperatorDelivery
	readJSON(t, operator, &got)
	if got.Text != "via alias" {
		t.Errorf("expected delivery via recipientId alias, got %+v", got)
	}

	// When both spellings are present, recipientId decides the target.
	err = agent.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"message","data":{"recipientId":"user-1","to":"someone-else","text":"both set"}}`))
	if err != nil {
		t.Fatal(err)
	}
	readJSON(t, operator, &got)
	if got.Text != "both set" {
		t.Errorf("expected recipientId to win over to, got %+v", got)
	}
}

func TestStream_OperatorToAgentDelivery(t *testing.T) {
	srv, ts, rec := setupRelayServer(t)

	agent := dialStream(t, ts, "api_key=sk-api-good")
	operator := dialStream(t, ts, "token=tok-good&robot_id=agent-1")
	waitFor(t, "agent registration", func() bool { return srv.Registry().LookupAgent("agent-1") != nil })

	if err := operator.WriteMessage(websocket.TextMessage, []byte(`{"text":"do the thing"}`)); err != nil {
		t.Fatal(err)
	}

	var got protocol.AgentDelivery
	readJSON(t, agent, &got)
	if got.Type != protocol.KindMessage {
		t.Errorf("expected type message, got %q", got.Type)
	}
	if got.Data.UserID != "user-1" {
		t.Errorf("expected userId user-1, got %q", got.Data.UserID)
	}
	if got.Data.Text != "do the thing" {
		t.Errorf("expected text passthrough, got %q", got.Data.Text)
	}
	if !strings.HasPrefix(got.Data.ID, "msg_") {
		t.Errorf("expected generated msg_ id, got %q", got.Data.ID)
	}
	if got.Data.ConversationID != protocol.DefaultConversationID {
		t.Errorf("expected default conversation, got %q", got.Data.ConversationID)
	}

	// Delivery notifies the history sink with the same message id.
	e := rec.waitForEntry(t)
	if e.MessageID != got.Data.ID {
		t.Errorf("history id %q does not match delivered id %q", e.MessageID, got.Data.ID)
	}
	if e.Sender != "operator" {
		t.Errorf("expected sender operator, got %q", e.Sender)
	}
}

func TestStream_OperatorBareTextIsTolerated(t *testing.T) {
	srv, ts, _ := setupRelayServer(t)

	agent := dialStream(t, ts, "api_key=sk-api-good")
	operator := dialStream(t, ts, "token=tok-good&robot_id=agent-1")
	waitFor(t, "agent registration", func() bool { return srv.Registry().LookupAgent("agent-1") != nil })

	// Not JSON at all; must be relayed as a plain text message.
	if err := operator.WriteMessage(websocket.TextMessage, []byte("just some words")); err != nil {
		t.Fatal(err)
	}

	var got protocol.AgentDelivery
	readJSON(t, agent, &got)
	if got.Data.Text != "just some words" {
		t.Errorf("expected bare text passthrough, got %q", got.Data.Text)
	}
}

func TestStream_AgentOfflineError(t *testing.T) {
	_, ts, _ := setupRelayServer(t)

	operator := dialStream(t, ts, "token=tok-good&robot_id=agent-1")

	if err := operator.WriteMessage(websocket.TextMessage, []byte(`{"text":"anyone there"}`)); err != nil {
		t.Fatal(err)
	}

	var got protocol.SystemError
	readJSON(t, operator, &got)
	if got.Sender != protocol.SenderSystem {
		t.Errorf("expected sender system, got %q", got.Sender)
	}
	if got.Error != protocol.ErrCodeAgentOffline {
		t.Errorf("expected error agent_offline, got %q", got.Error)
	}

	// The connection survives the routing failure.
	if err := operator.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	var pong protocol.Pong
	readJSON(t, operator, &pong)
	if pong.Type != protocol.KindPong {
		t.Errorf("expected pong after offline error, got %q", pong.Type)
	}
}

func TestStream_PingIsLocal(t *testing.T) {
	srv, ts, _ := setupRelayServer(t)

	// Operator ping answered with no agent online at all.
	operator := dialStream(t, ts, "token=tok-good&robot_id=agent-1")
	if err := operator.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	var pong protocol.Pong
	readJSON(t, operator, &pong)
	if pong.Type != protocol.KindPong {
		t.Errorf("expected pong, got %q", pong.Type)
	}

	// Agent ping likewise.
	agent := dialStream(t, ts, "api_key=sk-api-good")
	waitFor(t, "agent registration", func() bool { return srv.Registry().LookupAgent("agent-1") != nil })
	if err := agent.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	readJSON(t, agent, &pong)
	if pong.Type != protocol.KindPong {
		t.Errorf("expected pong for agent, got %q", pong.Type)
	}
}

func TestStream_EmptyPayloadDiscarded(t *testing.T) {
	srv, ts, _ := setupRelayServer(t)

	agent := dialStream(t, ts, "api_key=sk-api-good")
	operator := dialStream(t, ts, "token=tok-good&robot_id=agent-1")
	waitFor(t, "agent registration", func() bool { return srv.Registry().LookupAgent("agent-1") != nil })

	// Empty payload first, then a real one; only the real one arrives.
	if err := operator.WriteMessage(websocket.TextMessage, []byte(`{"text":""}`)); err != nil {
		t.Fatal(err)
	}
	if err := operator.WriteMessage(websocket.TextMessage, []byte(`{"text":"real"}`)); err != nil {
		t.Fatal(err)
	}

	var got protocol.AgentDelivery
	readJSON(t, agent, &got)
	if got.Data.Text != "real" {
		t.Errorf("expected the empty frame to be skipped, got %q", got.Data.Text)
	}
}

func TestStream_ConversationPrecedence(t *testing.T) {
	srv, ts, _ := setupRelayServer(t)

	agent := dialStream(t, ts, "api_key=sk-api-good")
	operator := dialStream(t, ts, "token=tok-good&robot_id=agent-1&conversation_id=conv-q")
	waitFor(t, "agent registration", func() bool { return srv.Registry().LookupAgent("agent-1") != nil })

	// No conversation in the body: the handshake value applies.
	if err := operator.WriteMessage(websocket.TextMessage, []byte(`{"text":"one"}`)); err != nil {
		t.Fatal(err)
	}
	var got protocol.AgentDelivery
	readJSON(t, agent, &got)
	if got.Data.ConversationID != "conv-q" {
		t.Errorf("expected handshake conversation conv-q, got %q", got.Data.ConversationID)
	}

	// Body value wins over the handshake value.
	if err := operator.WriteMessage(websocket.TextMessage, []byte(`{"text":"two","conversationId":"conv-b"}`)); err != nil {
		t.Fatal(err)
	}
	readJSON(t, agent, &got)
	if got.Data.ConversationID != "conv-b" {
		t.Errorf("expected body conversation conv-b, got %q", got.Data.ConversationID)
	}
}

func TestStream_LastConnectWinsOnReconnect(t *testing.T) {
	srv, ts, _ := setupRelayServer(t)

	operator := dialStream(t, ts, "token=tok-good&robot_id=agent-1")
	waitFor(t, "operator registration", func() bool { return srv.Registry().LookupOperator("user-1") != nil })

	first := dialStream(t, ts, "api_key=sk-api-good")
	waitFor(t, "first agent registration", func() bool { return srv.Registry().LookupAgent("agent-1") != nil })
	firstConn := srv.Registry().LookupAgent("agent-1")

	second := dialStream(t, ts, "api_key=sk-api-good")
	waitFor(t, "second agent registration", func() bool {
		c := srv.Registry().LookupAgent("agent-1")
		return c != nil && c != firstConn
	})

	// Closing the superseded connection must not evict the new one.
	_ = first.Close()
	time.Sleep(50 * time.Millisecond)
	if srv.Registry().LookupAgent("agent-1") == nil {
		t.Fatal("stale disconnect evicted the live agent session")
	}

	// Traffic flows to the new connection.
	if err := operator.WriteMessage(websocket.TextMessage, []byte(`{"text":"after reconnect"}`)); err != nil {
		t.Fatal(err)
	}
	var got protocol.AgentDelivery
	readJSON(t, second, &got)
	if got.Data.Text != "after reconnect" {
		t.Errorf("expected delivery on the new connection, got %q", got.Data.Text)
	}
}

func TestStream_DisconnectCleansRegistry(t *testing.T) {
	srv, ts, _ := setupRelayServer(t)

	agent := dialStream(t, ts, "api_key=sk-api-good")
	waitFor(t, "agent registration", func() bool { return srv.Registry().LookupAgent("agent-1") != nil })

	_ = agent.Close()
	waitFor(t, "agent cleanup", func() bool { return srv.Registry().LookupAgent("agent-1") == nil })
}
