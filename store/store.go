// Package store defines the persistence interface for users, agents and
// conversations, with SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface for the server. The relay consumes
// only GetAgentIDByKeyHash (its credential store); everything else backs
// the HTTP API.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByOpenID(ctx context.Context, openID string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentIDByKeyHash(ctx context.Context, keyHash string) (string, error)
	ListAgentsByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error
	DeleteAgent(ctx context.Context, id string) error

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, ownerID, agentID string, limit, offset int) ([]Conversation, error)
	UpdateConversationTitle(ctx context.Context, id, title string) error
	DeleteConversation(ctx context.Context, id string) error

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User is an operator account. Accounts created through the WeChat login
// flow carry an OpenID; accounts created through the builtin password login
// carry a Username and PasswordHash.
type User struct {
	ID           string    `json:"id"`
	OpenID       string    `json:"open_id,omitempty"`
	UnionID      string    `json:"union_id,omitempty"`
	Username     string    `json:"username,omitempty"`
	PasswordHash string    `json:"-"`
	Nickname     string    `json:"nickname,omitempty"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Agent is a registered automation backend. Only the SHA-256 hex digest of
// its API key is stored; the plaintext key is returned once at creation and
// never persisted.
type Agent struct {
	ID          string    `json:"robot_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Icon        string    `json:"icon,omitempty"` // base64 image payload
	KeyHash     string    `json:"-"`
	OwnerID     string    `json:"creator_id"`
	OwnerName   string    `json:"creator_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Conversation groups messages between an operator and an agent.
type Conversation struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"robot_id"`
	Title     string    `json:"title,omitempty"`
	OwnerID   string    `json:"creator_id"`
	CreatedAt time.Time `json:"created_at"`
}
