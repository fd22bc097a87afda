package jwt

import (
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "agentwatch"

// Claims defines the ingest token payload. An empty AgentID grants access to
// every agent.
type Claims struct {
	AgentID string `json:"agent_id,omitempty"`
	jwtlib.RegisteredClaims
}

// Allows reports whether the token may act for agentID.
func (c *Claims) Allows(agentID string) bool {
	return c.AgentID == "" || c.AgentID == agentID
}

// GenerateToken issues a signed ingest JWT with provided secret and ttl. A
// non-positive ttl issues a token without expiry.
func GenerateToken(agentID, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("token secret required")
	}
	now := time.Now()
	claims := Claims{
		AgentID: agentID,
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:       uuid.NewString(),
			Issuer:   issuer,
			IssuedAt: jwtlib.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwtlib.NewNumericDate(now.Add(ttl))
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token.
func Parse(token string, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}), jwtlib.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
