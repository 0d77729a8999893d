package mcp

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentworks/opsmcp/observability"
)

// TokenValidator checks a bearer token. The issuance flow (authorization
// code, PKCE) lives outside this package; the transport only needs the
// validation boundary.
type TokenValidator interface {
	Validate(token string) error
}

// JWTValidator validates HMAC-signed bearer tokens.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a JWTValidator with the given signing secret.
func NewJWTValidator(secret []byte) *JWTValidator {
	return &JWTValidator{secret: secret}
}

// Validate parses and verifies the token signature and expiry.
func (v *JWTValidator) Validate(token string) error {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if !parsed.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

// AuthGate authenticates inbound HTTP requests before envelopes reach the
// dispatcher. It accepts either a bearer token checked by the validator or
// a static API key. With neither configured, the gate is open.
type AuthGate struct {
	apiKeyHashes map[[sha256.Size]byte]struct{}
	validator    TokenValidator
	logger       observability.Logger
}

// NewAuthGate creates an AuthGate. apiKeys may be empty and validator nil.
func NewAuthGate(apiKeys []string, validator TokenValidator, logger observability.Logger) *AuthGate {
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	hashes := make(map[[sha256.Size]byte]struct{}, len(apiKeys))
	for _, key := range apiKeys {
		hashes[sha256.Sum256([]byte(key))] = struct{}{}
	}
	return &AuthGate{
		apiKeyHashes: hashes,
		validator:    validator,
		logger:       logger,
	}
}

// Enabled reports whether any credential check is configured.
func (g *AuthGate) Enabled() bool {
	return g != nil && (len(g.apiKeyHashes) > 0 || g.validator != nil)
}

// Middleware rejects unauthenticated requests with 401.
func (g *AuthGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		if g.authenticate(r) {
			next.ServeHTTP(w, r)
			return
		}
		g.logger.WithFields(map[string]interface{}{
			"path":   r.URL.Path,
			"remote": r.RemoteAddr,
		}).Warn("Rejected unauthenticated request")
		w.Header().Set("WWW-Authenticate", `Bearer realm="opsmcp"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}

func (g *AuthGate) authenticate(r *http.Request) bool {
	if key := r.Header.Get("X-API-Key"); key != "" && g.checkAPIKey(key) {
		return true
	}

	authz := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authz, "Bearer "); ok {
		if g.checkAPIKey(token) {
			return true
		}
		if g.validator != nil {
			if err := g.validator.Validate(token); err == nil {
				return true
			}
		}
	}
	return false
}

func (g *AuthGate) checkAPIKey(key string) bool {
	if len(g.apiKeyHashes) == 0 {
		return false
	}
	sum := sha256.Sum256([]byte(key))
	for stored := range g.apiKeyHashes {
		if subtle.ConstantTimeCompare(sum[:], stored[:]) == 1 {
			return true
		}
	}
	return false
}
