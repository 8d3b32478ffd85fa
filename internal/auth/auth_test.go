package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

func signedJWT(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	claimsBytes, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	header := base64.RawURLEncoding.EncodeToString(headerBytes)
	payload := base64.RawURLEncoding.EncodeToString(claimsBytes)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(header + "." + payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return header + "." + payload + "." + sig
}

func TestAuthenticateRequestValidToken(t *testing.T) {
	svc := &Service{Secret: []byte("s3cret"), Now: func() time.Time { return time.Unix(1000, 0) }}
	token := signedJWT(t, "s3cret", map[string]any{
		"sub":   "agent-1",
		"exp":   2000,
		"nbf":   500,
		"scope": "conversations.write conversations.read",
	})

	req, _ := http.NewRequest(http.MethodGet, "/realtime/sse", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	principal, err := svc.AuthenticateRequest(req)
	if err != nil {
		t.Fatalf("authenticate request: %v", err)
	}
	if principal.UserID != "agent-1" {
		t.Fatalf("expected userID agent-1, got %q", principal.UserID)
	}
	if len(principal.Scopes) != 2 {
		t.Fatalf("expected 2 scopes, got %v", principal.Scopes)
	}
}

func TestAuthenticateRequestRejectsBadSignature(t *testing.T) {
	svc := &Service{Secret: []byte("s3cret"), Now: func() time.Time { return time.Unix(1000, 0) }}
	token := signedJWT(t, "wrong-secret", map[string]any{"sub": "agent-1", "exp": 2000})

	req, _ := http.NewRequest(http.MethodGet, "/realtime/sse", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	if _, err := svc.AuthenticateRequest(req); err != ErrUnauthorized {
		t.Fatalf("expected unauthorized for tampered signature, got %v", err)
	}
}

func TestAuthenticateRequestRejectsExpiredToken(t *testing.T) {
	svc := &Service{Secret: []byte("s3cret"), Now: func() time.Time { return time.Unix(3000, 0) }}
	token := signedJWT(t, "s3cret", map[string]any{"sub": "agent-1", "exp": 2000})

	req, _ := http.NewRequest(http.MethodGet, "/realtime/sse", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	if _, err := svc.AuthenticateRequest(req); err != ErrUnauthorized {
		t.Fatalf("expected unauthorized for expired token, got %v", err)
	}
}

func TestAuthenticateRequestRejectsMissingHeader(t *testing.T) {
	svc := &Service{Secret: []byte("s3cret"), Now: time.Now}
	req, _ := http.NewRequest(http.MethodGet, "/realtime/sse", nil)

	if _, err := svc.AuthenticateRequest(req); err != ErrUnauthorized {
		t.Fatalf("expected unauthorized for missing header, got %v", err)
	}
}
