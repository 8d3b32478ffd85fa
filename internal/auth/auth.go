// Package auth verifies the bearer tokens agents present when opening a
// real-time event stream: a signed, single-tenant JWT carrying the agent's
// user id as its subject.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

var ErrUnauthorized = errors.New("unauthorized")

// Principal is the identity recovered from a verified bearer token.
type Principal struct {
	UserID string
	Scopes []string
}

type principalContextKey struct{}

func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(Principal)
	return principal, ok
}

// Service verifies HS256 JWTs signed with a single shared secret -- no
// multi-tenant issuer/audience concept, since this deployment serves one
// organization's support desk.
type Service struct {
	Secret []byte
	Now    func() time.Time
}

func NewService(secret string) *Service {
	return &Service{
		Secret: []byte(secret),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// AuthenticateRequest reads the Authorization header and returns the
// requesting agent's Principal.
func (s *Service) AuthenticateRequest(r *http.Request) (Principal, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return Principal{}, ErrUnauthorized
	}
	return s.VerifyJWT(authHeader)
}

func (s *Service) VerifyJWT(authHeader string) (Principal, error) {
	headerParts := strings.Fields(authHeader)
	if len(headerParts) != 2 || !strings.EqualFold(headerParts[0], "Bearer") {
		return Principal{}, ErrUnauthorized
	}
	token := strings.TrimSpace(headerParts[1])

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Principal{}, ErrUnauthorized
	}
	if err := s.verifySignature(parts[0], parts[1], parts[2]); err != nil {
		return Principal{}, err
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Principal{}, ErrUnauthorized
	}
	var claims map[string]any
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return Principal{}, ErrUnauthorized
	}
	if err := s.validateStandardClaims(claims); err != nil {
		return Principal{}, err
	}

	userID := claimString(claims["sub"])
	if userID == "" {
		return Principal{}, ErrUnauthorized
	}
	return Principal{
		UserID: userID,
		Scopes: extractScopes(claims["scope"]),
	}, nil
}

func (s *Service) verifySignature(header, payload, signature string) error {
	if len(s.Secret) == 0 {
		return ErrUnauthorized
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return ErrUnauthorized
	}
	mac := hmac.New(sha256.New, s.Secret)
	mac.Write([]byte(header + "." + payload))
	expected := mac.Sum(nil)
	if subtle.ConstantTimeCompare(sig, expected) != 1 {
		return ErrUnauthorized
	}
	return nil
}

func (s *Service) validateStandardClaims(claims map[string]any) error {
	now := s.Now().Unix()
	if exp := claimInt64(claims["exp"]); exp > 0 && now >= exp {
		return ErrUnauthorized
	}
	if nbf := claimInt64(claims["nbf"]); nbf > 0 && now < nbf {
		return ErrUnauthorized
	}
	return nil
}

func claimString(v any) string {
	if value, ok := v.(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func claimInt64(v any) int64 {
	switch value := v.(type) {
	case float64:
		return int64(value)
	case int64:
		return value
	case json.Number:
		i, _ := value.Int64()
		return i
	default:
		return 0
	}
}

func extractScopes(claim any) []string {
	var scopes []string
	switch value := claim.(type) {
	case string:
		for _, item := range strings.Fields(value) {
			scopes = append(scopes, item)
		}
	case []any:
		for _, item := range value {
			if scope := claimString(item); scope != "" {
				scopes = append(scopes, scope)
			}
		}
	}
	return scopes
}
