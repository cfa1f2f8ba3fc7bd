package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/metroo-hub/internal/protocol"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestAuthenticator(t *testing.T, ttl, grace time.Duration) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(Config{Secret: testSecret, TokenTTL: ttl, RotationGrace: grace})
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	return a
}

func TestNewAuthenticator_ShortSecret(t *testing.T) {
	if _, err := NewAuthenticator(Config{Secret: []byte("short")}); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestIssueValidate(t *testing.T) {
	a := newTestAuthenticator(t, time.Hour, 0)

	token, expires, err := a.Issue("agent-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(expires) < 59*time.Minute {
		t.Errorf("expires too early: %v", expires)
	}
	if err := a.Validate("agent-1", token); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate_Expired(t *testing.T) {
	a := newTestAuthenticator(t, time.Hour, 0)
	now := time.Now()
	a.now = func() time.Time { return now.Add(-2 * time.Hour) }
	token, _, err := a.Issue("agent-1")
	if err != nil {
		t.Fatal(err)
	}
	a.now = func() time.Time { return now }

	err = a.Validate("agent-1", token)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("Validate = %v, want ErrTokenExpired", err)
	}
	if Code(err) != protocol.CodeTokenExpired {
		t.Errorf("Code = %s", Code(err))
	}
	if CloseCode(err) != protocol.CloseTokenExpired {
		t.Errorf("CloseCode = %d", CloseCode(err))
	}
}

func TestValidate_Invalid(t *testing.T) {
	a := newTestAuthenticator(t, time.Hour, 0)
	other, err := NewAuthenticator(Config{Secret: []byte("another-secret-of-enough-length")})
	if err != nil {
		t.Fatal(err)
	}
	forged, _, _ := other.Issue("agent-1")
	good, _, _ := a.Issue("agent-1")

	tests := []struct {
		name    string
		agentID string
		token   string
	}{
		{"garbage", "agent-1", "not-a-jwt"},
		{"empty", "agent-1", ""},
		{"wrong key", "agent-1", forged},
		{"wrong agent", "agent-2", good},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Validate(tt.agentID, tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("Validate = %v, want ErrInvalidToken", err)
			}
			if Code(err) != protocol.CodeInvalidToken {
				t.Errorf("Code = %s", Code(err))
			}
		})
	}
}

func TestValidate_ExpiredForgeryIsInvalid(t *testing.T) {
	a := newTestAuthenticator(t, time.Hour, 0)
	other, _ := NewAuthenticator(Config{Secret: []byte("another-secret-of-enough-length"), TokenTTL: time.Hour})
	now := time.Now()
	other.now = func() time.Time { return now.Add(-3 * time.Hour) }
	forged, _, _ := other.Issue("agent-1")

	if err := a.Validate("agent-1", forged); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate = %v, want ErrInvalidToken", err)
	}
}

func TestValidate_ExpiredMismatchIsInvalid(t *testing.T) {
	a := newTestAuthenticator(t, time.Hour, 0)
	foreign, err := NewAuthenticator(Config{Secret: testSecret, TokenTTL: time.Hour, Issuer: "someone-else"})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	a.now = func() time.Time { return now.Add(-2 * time.Hour) }
	foreign.now = a.now
	stale, _, _ := a.Issue("agent-1")
	wrongIssuer, _, _ := foreign.Issue("agent-1")
	a.now = func() time.Time { return now }

	tests := []struct {
		name    string
		agentID string
		token   string
	}{
		{"other agent", "agent-2", stale},
		{"wrong issuer", "agent-1", wrongIssuer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Validate(tt.agentID, tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("Validate = %v, want ErrInvalidToken", err)
			}
			if Code(err) != protocol.CodeInvalidToken {
				t.Errorf("Code = %s", Code(err))
			}
		})
	}
}

func TestRotate(t *testing.T) {
	a := newTestAuthenticator(t, time.Hour, 24*time.Hour)
	now := time.Now()
	a.now = func() time.Time { return now.Add(-2 * time.Hour) }
	old, _, _ := a.Issue("agent-1")
	a.now = func() time.Time { return now }

	agentID, fresh, _, err := a.Rotate(old)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if agentID != "agent-1" {
		t.Errorf("agentID = %s", agentID)
	}
	if err := a.Validate("agent-1", fresh); err != nil {
		t.Errorf("fresh token invalid: %v", err)
	}
}

func TestRotate_BeyondGrace(t *testing.T) {
	a := newTestAuthenticator(t, time.Hour, time.Minute)
	now := time.Now()
	a.now = func() time.Time { return now.Add(-2 * time.Hour) }
	old, _, _ := a.Issue("agent-1")
	a.now = func() time.Time { return now }

	if _, _, _, err := a.Rotate(old); !errors.Is(err, ErrRotationWindowClosed) {
		t.Errorf("Rotate = %v, want ErrRotationWindowClosed", err)
	}
	if _, _, _, err := a.Rotate("junk"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Rotate(junk) = %v, want ErrInvalidToken", err)
	}
}

func TestErrorForCode(t *testing.T) {
	if ErrorForCode(protocol.CodeTokenExpired) != ErrTokenExpired {
		t.Error("TOKEN_EXPIRED should map to ErrTokenExpired")
	}
	if ErrorForCode(protocol.CodeInvalidToken) != ErrInvalidToken {
		t.Error("INVALID_TOKEN should map to ErrInvalidToken")
	}
	if ErrorForCode("OTHER") != nil {
		t.Error("unknown code should map to nil")
	}
}

func TestAdminCredentials(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	creds := AdminCredentials{User: "admin", PasswordHash: hash}

	if !creds.Valid("admin", "s3cret") {
		t.Error("valid credentials rejected")
	}
	if creds.Valid("admin", "wrong") {
		t.Error("wrong password accepted")
	}
	if creds.Valid("root", "s3cret") {
		t.Error("wrong user accepted")
	}
	if (AdminCredentials{}).Valid("", "") {
		t.Error("empty credentials accepted")
	}
	if _, err := HashPassword(""); err == nil {
		t.Error("expected error for empty password")
	}
}

func TestHandler_Issue(t *testing.T) {
	a := newTestAuthenticator(t, time.Hour, 0)
	hash, _ := HashPassword("pw")
	h := NewHandler(a, AdminCredentials{User: "admin", PasswordHash: hash}, nil)

	// No credentials
	req := httptest.NewRequest(http.MethodPost, "/api/tokens", strings.NewReader(`{"agentId":"a1"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no auth status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/tokens", strings.NewReader(`{"agentId":"a1"}`))
	req.SetBasicAuth("admin", "pw")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	var resp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if err := a.Validate("a1", resp.Token); err != nil {
		t.Errorf("issued token invalid: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/tokens", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", rec.Code)
	}
}

func TestHandler_IssueDisabled(t *testing.T) {
	h := NewHandler(newTestAuthenticator(t, time.Hour, 0), AdminCredentials{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/tokens", strings.NewReader(`{"agentId":"a1"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestHandler_Rotate(t *testing.T) {
	a := newTestAuthenticator(t, time.Hour, time.Hour)
	h := NewHandler(a, AdminCredentials{}, nil)
	token, _, _ := a.Issue("a1")

	req := httptest.NewRequest(http.MethodPost, "/api/tokens/rotate", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	var resp TokenResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.AgentID != "a1" || resp.Token == "" {
		t.Errorf("resp = %+v", resp)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/tokens/rotate", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing bearer status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), protocol.CodeInvalidToken) {
		t.Errorf("body = %s", rec.Body.String())
	}
}
