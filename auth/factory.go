package auth

import (
	"fmt"

	"github.com/jfld/openclaw-man/config"
	"github.com/jfld/openclaw-man/store"
)

// NewVerifier creates the operator token verifier based on configuration.
// The builtin service is returned alongside so the API can issue tokens;
// it is nil when an external provider is selected.
func NewVerifier(cfg config.AuthConfig, s store.Store) (Verifier, *Service, error) {
	switch cfg.Provider {
	case "", "builtin":
		svc := NewService(s, cfg)
		return svc, svc, nil
	case "jwks":
		v, err := NewJWKSVerifier(cfg.JWKSIssuer)
		if err != nil {
			return nil, nil, err
		}
		return v, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
