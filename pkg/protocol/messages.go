// Package protocol defines the JSON wire format exchanged over the relay
// stream between agents (automation backends), operators (end users) and the
// server.
//
// All frames are JSON-encoded. Inbound frames carry a "type" discriminator;
// unknown extra fields are ignored for forward compatibility, and a frame
// that fails to parse as JSON is treated as a bare text message rather than
// a protocol error.
package protocol

// Frame kinds.
const (
	KindMessage = "message"
	KindPing    = "ping"
	KindPong    = "pong"
)

// DefaultConversationID is used when neither the frame nor the handshake
// supplied a conversation.
const DefaultConversationID = "default"

// Senders as seen by operators.
const (
	SenderAgent  = "agent"
	SenderSystem = "system"
)

// AgentFrame is a frame received from an agent connection.
// The target operator is accepted under both "to" and the legacy
// "recipientId" alias.
type AgentFrame struct {
	Type string         `json:"type"`
	Data AgentFrameData `json:"data"`
}

// AgentFrameData is the payload of an agent message frame.
type AgentFrameData struct {
	To             string `json:"to,omitempty"`
	RecipientID    string `json:"recipientId,omitempty"`
	Text           string `json:"text,omitempty"`
	MediaURL       string `json:"mediaUrl,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Target returns the operator id the frame is addressed to, honoring the
// alias order: "recipientId" wins over "to".
func (d AgentFrameData) Target() string {
	if d.RecipientID != "" {
		return d.RecipientID
	}
	return d.To
}

// OperatorFrame is a frame received from an operator connection.
type OperatorFrame struct {
	Type           string `json:"type,omitempty"`
	Text           string `json:"text,omitempty"`
	MediaURL       string `json:"mediaUrl,omitempty"`
	FilePath       string `json:"filePath,omitempty"`
	MediaType      string `json:"mediaType,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// AgentDelivery is the envelope forwarded to an agent for an operator
// message.
type AgentDelivery struct {
	Type string            `json:"type"`
	Data AgentDeliveryData `json:"data"`
}

// AgentDeliveryData carries the operator message payload.
type AgentDeliveryData struct {
	UserID         string `json:"userId"`
	Text           string `json:"text,omitempty"`
	ConversationID string `json:"conversationId"`
	ID             string `json:"id"`
	FilePath       string `json:"filePath,omitempty"`
	MediaType      string `json:"mediaType,omitempty"`
}

// OperatorDelivery is the envelope forwarded to an operator for an agent
// message.
type OperatorDelivery struct {
	Sender         string `json:"sender"`
	From           string `json:"from"`
	Text           string `json:"text,omitempty"`
	MediaURL       string `json:"mediaUrl,omitempty"`
	ConversationID string `json:"conversationId"`
}

// SystemError is sent to an operator when routing fails locally, e.g. the
// targeted agent is offline. It terminates nothing; the connection stays up.
type SystemError struct {
	Sender string `json:"sender"`
	Error  string `json:"error"`
	Text   string `json:"text"`
}

// Pong answers a ping frame. Heartbeat is local to the peer and the server;
// no counterpart lookup is involved.
type Pong struct {
	Type string `json:"type"`
}

// Routing error codes carried in SystemError.Error.
const (
	ErrCodeAgentOffline = "agent_offline"
)
