// ABOUTME: Tests for AuthContext construction and context propagation
// ABOUTME: Verifies expiry rejection at construction and scope checks

package auth

import (
	"context"
	"testing"
	"time"
)

func TestNewAuthContext(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	claims := &Claims{
		Subject:       "user-1",
		Scopes:        []string{"tools:generate"},
		Audience:      []string{"orchestrator-gateway"},
		ClientID:      "cli",
		IssuedAt:      now.Add(-time.Minute),
		ExpiresAt:     now.Add(time.Hour),
		TenantID:      "acme",
		CorrelationID: "from-token",
		Custom:        map[string]any{"team": "platform"},
	}

	authCtx, err := NewAuthContext(claims, "from-request", now)
	if err != nil {
		t.Fatalf("NewAuthContext() error = %v", err)
	}
	if authCtx.Subject != "user-1" || authCtx.TenantID != "acme" || authCtx.ClientID != "cli" {
		t.Errorf("identity fields not copied: %+v", authCtx)
	}
	if authCtx.CorrelationID != "from-request" {
		t.Errorf("CorrelationID = %q, want request id to win", authCtx.CorrelationID)
	}

	// Mutating the claims afterwards must not leak into the context.
	claims.Scopes[0] = "admin"
	claims.Custom["team"] = "other"
	if !authCtx.HasScope("tools:generate") || authCtx.Custom["team"] != "platform" {
		t.Error("AuthContext shares storage with Claims")
	}
}

func TestNewAuthContext_FallsBackToTokenCorrelationID(t *testing.T) {
	now := time.Now()
	authCtx, err := NewAuthContext(&Claims{Subject: "s", ExpiresAt: now.Add(time.Minute), CorrelationID: "tok"}, "", now)
	if err != nil {
		t.Fatalf("NewAuthContext() error = %v", err)
	}
	if authCtx.CorrelationID != "tok" {
		t.Errorf("CorrelationID = %q, want %q", authCtx.CorrelationID, "tok")
	}
}

func TestNewAuthContext_RejectsExpired(t *testing.T) {
	now := time.Now()
	for _, exp := range []time.Time{now, now.Add(-time.Second)} {
		_, err := NewAuthContext(&Claims{Subject: "s", ExpiresAt: exp}, "", now)
		if err == nil {
			t.Fatalf("NewAuthContext(exp=%v) should fail", exp)
		}
		if Reason(err) != ReasonInvalidToken {
			t.Errorf("Reason() = %q, want %q", Reason(err), ReasonInvalidToken)
		}
	}
}

func TestAuthContext_HasScopes(t *testing.T) {
	a := &AuthContext{Scopes: []string{"tools:generate", "tools:heal"}}

	tests := []struct {
		required []string
		want     bool
	}{
		{nil, true},
		{[]string{}, true},
		{[]string{"tools:generate"}, true},
		{[]string{"tools:heal", "tools:generate"}, true},
		{[]string{"tools:architecture"}, false},
		{[]string{"tools:generate", "analytics:read"}, false},
	}
	for _, tt := range tests {
		if got := a.HasScopes(tt.required); got != tt.want {
			t.Errorf("HasScopes(%v) = %v, want %v", tt.required, got, tt.want)
		}
	}
}

func TestWithAuth_FromContext(t *testing.T) {
	ctx := context.Background()
	if FromContext(ctx) != nil {
		t.Fatal("FromContext() on empty context should be nil")
	}

	a := &AuthContext{Subject: "user-1"}
	ctx = WithAuth(ctx, a)
	if got := FromContext(ctx); got != a {
		t.Errorf("FromContext() = %v, want %v", got, a)
	}
	if got := MustFromContext(ctx); got != a {
		t.Errorf("MustFromContext() = %v, want %v", got, a)
	}
}

func TestMustFromContext_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustFromContext() should panic without an AuthContext")
		}
	}()
	MustFromContext(context.Background())
}
