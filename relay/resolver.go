package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Handshake rejection reasons. Each maps to a distinct close reason so a
// peer can tell a missing credential from a bad one.
var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrMissingTarget     = errors.New("missing target agent")
)

// Role classifies a resolved peer.
type Role string

const (
	RoleAgent    Role = "agent"
	RoleOperator Role = "operator"
)

// Credentials are the raw handshake inputs, already merged from query
// parameters and headers by the caller.
type Credentials struct {
	APIKey        string // agent shared secret
	Token         string // operator bearer token
	TargetAgentID string // required for the operator role
}

// Identity is a successfully resolved peer.
type Identity struct {
	Role          Role
	ID            string
	TargetAgentID string // set for operators only
}

// CredentialStore looks up the agent a shared secret belongs to, keyed by
// the one-way hash of the secret. It returns "" with a nil error when the
// hash is unknown.
type CredentialStore interface {
	GetAgentIDByKeyHash(ctx context.Context, keyHash string) (string, error)
}

// TokenVerifier checks an operator bearer token's signature and expiry and
// returns the stable operator id it encodes.
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (string, error)
}

// Resolver decides whether a connecting peer is an agent or an operator.
// Resolution is a total, ordered policy: a shared secret is checked first,
// then a bearer token; exactly one role comes out of a handshake. It has no
// side effects beyond reads against the credential store and token verifier.
type Resolver struct {
	creds  CredentialStore
	tokens TokenVerifier
}

// NewResolver creates a Resolver over the given collaborators.
func NewResolver(creds CredentialStore, tokens TokenVerifier) *Resolver {
	return &Resolver{creds: creds, tokens: tokens}
}

// Resolve yields the peer's identity or one of the Err* rejections.
func (r *Resolver) Resolve(ctx context.Context, c Credentials) (*Identity, error) {
	switch {
	case c.APIKey != "":
		agentID, err := r.creds.GetAgentIDByKeyHash(ctx, sha256hex(c.APIKey))
		if err != nil || agentID == "" {
			return nil, ErrInvalidCredential
		}
		return &Identity{Role: RoleAgent, ID: agentID}, nil

	case c.Token != "":
		operatorID, err := r.tokens.VerifyAccessToken(ctx, c.Token)
		if err != nil || operatorID == "" {
			return nil, ErrInvalidCredential
		}
		if c.TargetAgentID == "" {
			return nil, ErrMissingTarget
		}
		return &Identity{Role: RoleOperator, ID: operatorID, TargetAgentID: c.TargetAgentID}, nil

	default:
		return nil, ErrMissingCredential
	}
}

func sha256hex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
