package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSVerifier validates externally issued JWTs using the issuer's JWKS
// endpoint. It is used when operator tokens come from an external identity
// provider instead of the builtin service.
type JWKSVerifier struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewJWKSVerifier creates a JWKSVerifier that fetches keys from
// {issuer}/.well-known/jwks.json and refreshes them in the background.
func NewJWKSVerifier(issuer string) (*JWKSVerifier, error) {
	if issuer == "" {
		return nil, fmt.Errorf("jwks issuer URL is required")
	}

	jwksURL := issuer + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWKSVerifier{
		issuer: issuer,
		jwks:   jwks,
	}, nil
}

// Name returns the verifier name.
func (v *JWKSVerifier) Name() string { return "jwks" }

// VerifyAccessToken parses an externally issued JWT and returns its subject.
func (v *JWKSVerifier) VerifyAccessToken(ctx context.Context, tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, v.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", ErrUnauthorized
	}

	return sub, nil
}
