// Package relay bridges two populations of long-lived WebSocket
// connections: agents, authenticated by a shared secret, and operators,
// authenticated by a bearer token and bound to one target agent for the
// lifetime of the connection. JSON messages are routed between an operator
// and its targeted agent; either side may be offline independently.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jfld/openclaw-man/history"
	"github.com/jfld/openclaw-man/pkg/protocol"
)

// Options configures the relay Server.
type Options struct {
	AllowedOrigins      []string // for WebSocket origin check
	MaxAgentMsgBytes    int64    // max WebSocket message size from agents (default 1MB)
	MaxOperatorMsgBytes int64    // max WebSocket message size from operators (default 64KB)
}

// Server owns the connection registry, accepts new stream connections,
// drives one receive loop per connection and cleans the registry up on
// disconnect. History notifications are dispatched as detached goroutines
// and never block or fail the routing path.
type Server struct {
	registry *Registry
	resolver *Resolver
	history  history.Recorder
	logger   *slog.Logger
	upgrader websocket.Upgrader

	maxAgentMessageSize    int64
	maxOperatorMessageSize int64
}

// New creates a relay Server. rec may be nil, in which case delivered
// messages are not recorded.
func New(resolver *Resolver, rec history.Recorder, logger *slog.Logger, opts Options) *Server {
	agentLimit := opts.MaxAgentMsgBytes
	if agentLimit == 0 {
		agentLimit = 1024 * 1024 // 1MB
	}
	operatorLimit := opts.MaxOperatorMsgBytes
	if operatorLimit == 0 {
		operatorLimit = 64 * 1024 // 64KB
	}

	return &Server{
		registry:               NewRegistry(),
		resolver:               resolver,
		history:                rec,
		logger:                 logger.With("component", "relay"),
		upgrader:               makeUpgrader(opts.AllowedOrigins),
		maxAgentMessageSize:    agentLimit,
		maxOperatorMessageSize: operatorLimit,
	}
}

// Registry exposes the connection registry for diagnostics (e.g. reporting
// which agents are online over the HTTP API).
func (s *Server) Registry() *Registry {
	return s.registry
}

// HandleStream is the single relay endpoint shared by both populations; the
// role is decided entirely by the handshake credentials.
func (s *Server) HandleStream(w http.ResponseWriter, req *http.Request) {
	creds, convID := extractCredentials(req)

	raw, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn := newWSConn(raw)
	defer func() { _ = raw.Close() }()

	identity, err := s.resolver.Resolve(req.Context(), creds)
	if err != nil {
		s.logger.Warn("handshake rejected", "reason", err)
		_ = conn.Close(websocket.ClosePolicyViolation, err.Error())
		return
	}

	switch identity.Role {
	case RoleAgent:
		raw.SetReadLimit(s.maxAgentMessageSize)
		s.runAgent(conn, identity.ID)
	case RoleOperator:
		raw.SetReadLimit(s.maxOperatorMessageSize)
		s.runOperator(conn, identity.ID, identity.TargetAgentID, convID)
	}
}

// runAgent registers the agent and pumps its receive loop until the socket
// closes. Cleanup is identity-matched: if a newer connection for the same
// agent id has replaced this one, its entry is left alone.
func (s *Server) runAgent(conn *wsConn, agentID string) {
	s.registry.RegisterAgent(agentID, conn)
	cancel := startKeepalive(conn)
	defer cancel()

	s.logger.Info("agent connected", "agent_id", agentID)
	defer func() {
		s.registry.UnregisterAgent(agentID, conn)
		s.logger.Info("agent disconnected", "agent_id", agentID)
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("agent read error", "agent_id", agentID, "error", err)
			return
		}
		_ = conn.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		s.routeAgentFrame(conn, agentID, data)
	}
}

// runOperator registers the operator and pumps its receive loop. The target
// agent is fixed at handshake time and never renegotiated mid-session.
func (s *Server) runOperator(conn *wsConn, operatorID, agentID, handshakeConvID string) {
	s.registry.RegisterOperator(operatorID, conn, agentID)
	cancel := startKeepalive(conn)
	defer cancel()

	s.logger.Info("operator connected", "operator_id", operatorID, "agent_id", agentID)
	defer func() {
		s.registry.UnregisterOperator(operatorID, conn)
		s.logger.Info("operator disconnected", "operator_id", operatorID)
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("operator read error", "operator_id", operatorID, "error", err)
			return
		}
		_ = conn.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		s.routeOperatorFrame(conn, operatorID, agentID, handshakeConvID, data)
	}
}

// routeAgentFrame handles one frame received from an agent connection.
// Misses toward operators are fire-and-forget: logged and dropped, no error
// goes back to the agent.
func (s *Server) routeAgentFrame(conn Conn, agentID string, raw []byte) {
	var frame protocol.AgentFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.logger.Warn("invalid frame from agent", "agent_id", agentID, "error", err)
		return
	}

	if frame.Type == protocol.KindPing {
		// Heartbeat is local to this connection; no counterpart lookup.
		s.send(conn, protocol.Pong{Type: protocol.KindPong})
		return
	}

	d := frame.Data
	if d.Text == "" && d.MediaURL == "" {
		return // nothing deliverable, discard silently
	}
	target := d.Target()
	if target == "" {
		s.logger.Debug("agent message without target, dropping", "agent_id", agentID)
		return
	}

	peer := s.registry.LookupOperator(target)
	if peer == nil {
		s.logger.Warn("operator not connected, dropping message",
			"operator_id", target, "agent_id", agentID)
		return
	}

	convID := d.ConversationID
	if convID == "" {
		convID = protocol.DefaultConversationID
	}

	ok := s.send(peer, protocol.OperatorDelivery{
		Sender:         protocol.SenderAgent,
		From:           agentID,
		Text:           d.Text,
		MediaURL:       d.MediaURL,
		ConversationID: convID,
	})
	if !ok {
		return
	}

	s.recordAsync(target, history.Entry{
		MessageID:      newMessageID(),
		Sender:         "agent",
		Text:           d.Text,
		MediaURL:       d.MediaURL,
		AgentID:        agentID,
		ConversationID: convID,
	})
}

// routeOperatorFrame handles one frame received from an operator
// connection. Decoding is tolerant: a frame that is not valid JSON is
// treated as a bare text message, never as a protocol error.
func (s *Server) routeOperatorFrame(conn Conn, operatorID, agentID, handshakeConvID string, raw []byte) {
	var frame protocol.OperatorFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		frame = protocol.OperatorFrame{Type: protocol.KindMessage, Text: string(raw)}
	}

	if frame.Type == protocol.KindPing {
		// Answer even when the target agent is offline.
		s.send(conn, protocol.Pong{Type: protocol.KindPong})
		return
	}

	if frame.Text == "" && frame.MediaURL == "" && frame.FilePath == "" {
		return // nothing deliverable, discard silently
	}

	// Conversation precedence: frame body, then handshake query, then default.
	convID := frame.ConversationID
	if convID == "" {
		convID = handshakeConvID
	}
	if convID == "" {
		convID = protocol.DefaultConversationID
	}

	peer := s.registry.LookupAgent(agentID)
	if peer == nil {
		online := s.registry.AgentIDs()
		s.logger.Warn("target agent offline", "agent_id", agentID, "online", online)
		s.send(conn, protocol.SystemError{
			Sender: protocol.SenderSystem,
			Error:  protocol.ErrCodeAgentOffline,
			Text:   fmt.Sprintf("agent %s is offline; currently online: %v", agentID, online),
		})
		return
	}

	msgID := newMessageID()
	ok := s.send(peer, protocol.AgentDelivery{
		Type: protocol.KindMessage,
		Data: protocol.AgentDeliveryData{
			UserID:         operatorID,
			Text:           frame.Text,
			ConversationID: convID,
			ID:             msgID,
			FilePath:       frame.FilePath,
			MediaType:      frame.MediaType,
		},
	})
	if !ok {
		return
	}

	s.recordAsync(operatorID, history.Entry{
		MessageID:      msgID,
		Sender:         "operator",
		Text:           frame.Text,
		MediaURL:       frame.MediaURL,
		AgentID:        agentID,
		ConversationID: convID,
	})
}

// send marshals and writes one frame. A failed send means the peer's own
// receive loop is tearing the connection down; the message is dropped.
func (s *Server) send(conn Conn, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("marshal error", "error", err)
		return false
	}
	if err := conn.WriteMessage(data); err != nil {
		s.logger.Debug("send failed, message dropped", "error", err)
		return false
	}
	return true
}

// recordAsync hands a delivered message to the history sink on a detached
// goroutine. Failures are logged here and surface nowhere else.
func (s *Server) recordAsync(operatorID string, e history.Entry) {
	if s.history == nil {
		return
	}
	go func() {
		if err := s.history.Record(context.Background(), operatorID, e); err != nil {
			s.logger.Warn("history record failed", "operator_id", operatorID, "error", err)
		}
	}()
}

func newMessageID() string {
	return "msg_" + uuid.New().String()
}

// extractCredentials merges the handshake inputs from query parameters and
// headers; query parameters take priority. The target agent id is accepted
// under robot_id (and its legacy camelCase spelling) as well as agent_id.
func extractCredentials(req *http.Request) (Credentials, string) {
	q := req.URL.Query()

	apiKey := firstNonEmpty(q.Get("api_key"), q.Get("apiKey"),
		req.Header.Get("X-API-Key"), req.Header.Get("apiKey"))

	token := q.Get("token")
	if token == "" {
		if h := req.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = h[len("Bearer "):]
		}
	}

	target := firstNonEmpty(q.Get("robot_id"), q.Get("robotId"), q.Get("agent_id"))
	convID := firstNonEmpty(q.Get("conversation_id"), q.Get("conversationId"))

	return Credentials{APIKey: apiKey, Token: token, TargetAgentID: target}, convID
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
