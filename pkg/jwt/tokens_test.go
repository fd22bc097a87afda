package jwt

import (
	"errors"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndParse(t *testing.T) {
	token, err := GenerateToken("agent-1", "secret", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := Parse(token, "secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.AgentID != "agent-1" || claims.ID == "" || claims.ExpiresAt == nil {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if !claims.Allows("agent-1") || claims.Allows("agent-2") {
		t.Fatal("expected token scoped to agent-1")
	}
}

func TestUnscopedTokenAllowsEveryAgent(t *testing.T) {
	token, err := GenerateToken("", "secret", 0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := Parse(token, "secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.ExpiresAt != nil || !claims.Allows("anyone") {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestParseRejectsBadTokens(t *testing.T) {
	token, _ := GenerateToken("agent-1", "secret", time.Hour)
	if _, err := Parse(token, "other"); !errors.Is(err, jwtlib.ErrTokenSignatureInvalid) {
		t.Fatalf("expected signature error, got %v", err)
	}
	unbounded, _ := GenerateToken("agent-1", "secret", -time.Hour)
	if _, err := Parse(unbounded, "secret"); err != nil {
		t.Fatalf("expected negative ttl to mean no expiry, got %v", err)
	}
	if _, err := GenerateToken("agent-1", "", time.Hour); err == nil {
		t.Fatal("expected missing secret rejected")
	}
}
