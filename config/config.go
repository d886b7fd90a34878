// Package config handles server configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"your-secret-key-keep-it-secret": true,
	"changeme":                       true,
	"secret":                         true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level server configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Relay     RelayConfig     `json:"relay,omitempty"`
	History   HistoryConfig   `json:"history,omitempty"`
	Upload    UploadConfig    `json:"upload,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8811"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS + WebSocket origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider           string        `json:"provider,omitempty"`   // "builtin" (default) or "jwks"
	JWKSIssuer         string        `json:"jwks_issuer,omitempty"` // issuer URL when provider is "jwks"
	JWTSecret          string        `json:"jwt_secret"`
	AccessTokenExpiry  Duration      `json:"access_token_expiry,omitempty"`  // default 2h
	RefreshTokenExpiry Duration      `json:"refresh_token_expiry,omitempty"` // default 720h (30 days)
	WeappAppID         string        `json:"weapp_app_id,omitempty"`  // empty enables mock login
	WeappSecret        string        `json:"weapp_secret,omitempty"`
	InitialAdmin       *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user for builtin auth.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "manserver.db" or ":memory:"
}

// RelayConfig defines relay stream settings.
type RelayConfig struct {
	MaxAgentMsgBytes    int64 `json:"max_agent_msg_bytes,omitempty"`    // default 1MB
	MaxOperatorMsgBytes int64 `json:"max_operator_msg_bytes,omitempty"` // default 64KB
}

// HistoryConfig defines chat history storage.
type HistoryConfig struct {
	Directory  string `json:"directory,omitempty"`   // default "./chat_history"
	MaxRecords int    `json:"max_records,omitempty"` // per operator; default 100
}

// UploadConfig defines file upload settings.
type UploadConfig struct {
	Enabled           *bool    `json:"enabled,omitempty"` // default true
	Directory         string   `json:"directory,omitempty"`
	MaxFileBytes      int64    `json:"max_file_bytes,omitempty"`
	AllowedExtensions []string `json:"allowed_extensions,omitempty"`
}

// IsEnabled reports whether uploads are enabled (the default).
func (u UploadConfig) IsEnabled() bool {
	return u.Enabled == nil || *u.Enabled
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin token verifier.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	// Blocklist first: weak secrets are shorter than the length floor, so the
	// length check would shadow this one.
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if c.Auth.Provider == "jwks" && c.Auth.JWKSIssuer == "" {
		return fmt.Errorf("auth.jwks_issuer is required when provider is jwks")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.AccessTokenExpiry.Duration == 0 {
		c.Auth.AccessTokenExpiry.Duration = 2 * time.Hour
	}
	if c.Auth.RefreshTokenExpiry.Duration == 0 {
		c.Auth.RefreshTokenExpiry.Duration = 30 * 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "manserver.db"
	}
	if c.Relay.MaxAgentMsgBytes == 0 {
		c.Relay.MaxAgentMsgBytes = 1024 * 1024 // 1MB
	}
	if c.Relay.MaxOperatorMsgBytes == 0 {
		c.Relay.MaxOperatorMsgBytes = 64 * 1024 // 64KB
	}
	if c.History.Directory == "" {
		c.History.Directory = "./chat_history"
	}
	if c.History.MaxRecords == 0 {
		c.History.MaxRecords = 100
	}
	if c.Upload.Directory == "" {
		c.Upload.Directory = "./uploads"
	}
	if c.Upload.MaxFileBytes == 0 {
		c.Upload.MaxFileBytes = 10 * 1024 * 1024 // 10MB
	}
	if len(c.Upload.AllowedExtensions) == 0 {
		c.Upload.AllowedExtensions = []string{
			".jpg", ".jpeg", ".png", ".gif", ".pdf", ".doc", ".docx", ".txt", ".mp4", ".mov",
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
}
