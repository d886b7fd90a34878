// Package auth provides token issuance and verification for operators,
// and API key generation for agents.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/jfld/openclaw-man/config"
	"github.com/jfld/openclaw-man/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	apiKeyPrefix = "sk-api-"
	apiKeyLength = 48
)

// Verifier validates operator access tokens and returns the user ID.
// The relay uses this to resolve operator identities at handshake time.
type Verifier interface {
	VerifyAccessToken(ctx context.Context, token string) (string, error)
}

// Claims are the JWT claims for access and refresh tokens. TokenType
// distinguishes the two so a refresh token can never pass as an access
// token.
type Claims struct {
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenPair is the response body for login and refresh operations.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
	Scope        string `json:"scope"`
}

// Service issues and verifies HS256 token pairs backed by the user store.
type Service struct {
	store         store.Store
	jwtSecret     []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	initialAdmin  *config.InitialAdmin
}

// NewService creates a new auth service.
func NewService(s store.Store, cfg config.AuthConfig) *Service {
	return &Service{
		store:         s,
		jwtSecret:     []byte(cfg.JWTSecret),
		accessExpiry:  cfg.AccessTokenExpiry.Duration,
		refreshExpiry: cfg.RefreshTokenExpiry.Duration,
		initialAdmin:  cfg.InitialAdmin,
	}
}

// Name returns the verifier name.
func (s *Service) Name() string { return "builtin" }

// Bootstrap creates the initial admin user if configured and not present.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.initialAdmin == nil {
		return nil
	}

	existing, err := s.store.GetUserByUsername(ctx, s.initialAdmin.Username)
	if err != nil {
		return fmt.Errorf("check existing user: %w", err)
	}
	if existing != nil {
		return nil // already bootstrapped
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(s.initialAdmin.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	now := time.Now()
	user := &store.User{
		ID:           uuid.New().String(),
		Username:     s.initialAdmin.Username,
		PasswordHash: string(hash),
		Role:         "admin",
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	return s.store.CreateUser(ctx, user)
}

// Login authenticates a username/password pair and returns a token pair.
func (s *Service) Login(ctx context.Context, username, password string) (*TokenPair, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil || user.PasswordHash == "" {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return s.IssueTokenPair(user.ID)
}

// IssueTokenPair mints a fresh access/refresh token pair for a user.
func (s *Service) IssueTokenPair(userID string) (*TokenPair, error) {
	access, err := s.signToken(userID, tokenTypeAccess, s.accessExpiry)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := s.signToken(userID, tokenTypeRefresh, s.refreshExpiry)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.accessExpiry.Seconds()),
		Scope:        "profile robots",
	}, nil
}

// Refresh validates a refresh token and rotates the pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.parseToken(refreshToken)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if claims.TokenType != tokenTypeRefresh {
		return nil, ErrUnauthorized
	}

	// The user must still exist.
	user, err := s.store.GetUser(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return nil, ErrUnauthorized
	}

	return s.IssueTokenPair(user.ID)
}

// VerifyAccessToken validates an access token and returns the user ID.
func (s *Service) VerifyAccessToken(ctx context.Context, token string) (string, error) {
	claims, err := s.parseToken(token)
	if err != nil {
		return "", ErrUnauthorized
	}
	if claims.TokenType != tokenTypeAccess {
		return "", ErrUnauthorized
	}
	if claims.Subject == "" {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}

func (s *Service) signToken(userID, typ string, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *Service) parseToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	return claims, nil
}

const apiKeyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateAPIKey creates a new agent API key. The plaintext is returned
// exactly once at creation time; only its hash is ever stored.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, apiKeyLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(apiKeyAlphabet))))
		if err != nil {
			return "", fmt.Errorf("generate api key: %w", err)
		}
		buf[i] = apiKeyAlphabet[n.Int64()]
	}
	return apiKeyPrefix + string(buf), nil
}

// HashAPIKey returns the SHA-256 hex digest of an API key as stored in the
// agents table.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
