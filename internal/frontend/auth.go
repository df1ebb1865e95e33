// Package frontend hosts the HTTP/WebSocket surface of the sync
// engine: Echo route registration, session JWT auth, and wire-format
// translation between the external JSON protocol and the
// typed push/pull calls in internal/push and internal/pull.
package frontend

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session token scopes.
const (
	ScopeAccess  = "syncd.access"
	ScopeRefresh = "syncd.refresh"
)

// Token lifetimes.
const (
	AccessTTL  = 2 * time.Hour
	RefreshTTL = 30 * 24 * time.Hour
)

// Claims extends the standard JWT claims with a syncd token scope.
type Claims struct {
	jwt.RegisteredClaims
	Scope       string `json:"scope"`
	PartitionID string `json:"partitionId"`
}

// TokenPair holds an access/refresh JWT pair returned on login or refresh.
type TokenPair struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
}

// JWTManager signs and validates session JWTs using HS256.
type JWTManager struct {
	secret []byte
	issuer string
}

// NewJWTManager creates a manager with the given HMAC secret and issuer.
func NewJWTManager(secret, issuer string) *JWTManager {
	return &JWTManager{secret: []byte(secret), issuer: issuer}
}

// GenerateSecret returns a random 32-byte hex string for use as a JWT secret.
func GenerateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// CreateTokenPair generates an access/refresh token pair for an actor
// scoped to one partition.
func (m *JWTManager) CreateTokenPair(actorID, partitionID string) (*TokenPair, error) {
	now := time.Now()

	accessToken := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTTL)),
		},
		Scope:       ScopeAccess,
		PartitionID: partitionID,
	})
	accessStr, err := accessToken.SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("frontend: sign access token: %w", err)
	}

	refreshToken := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(RefreshTTL)),
		},
		Scope:       ScopeRefresh,
		PartitionID: partitionID,
	})
	refreshStr, err := refreshToken.SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("frontend: sign refresh token: %w", err)
	}

	return &TokenPair{AccessJwt: accessStr, RefreshJwt: refreshStr}, nil
}

// ValidateAccessToken parses an access token, returning the actor and
// partition it authorizes.
func (m *JWTManager) ValidateAccessToken(tokenStr string) (actorID, partitionID string, err error) {
	return m.validate(tokenStr, ScopeAccess)
}

// ValidateRefreshToken parses a refresh token, returning the actor and
// partition it authorizes.
func (m *JWTManager) ValidateRefreshToken(tokenStr string) (actorID, partitionID string, err error) {
	return m.validate(tokenStr, ScopeRefresh)
}

func (m *JWTManager) validate(tokenStr, expectedScope string) (string, string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("frontend: unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("frontend: invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", "", fmt.Errorf("frontend: invalid token claims")
	}
	if claims.Scope != expectedScope {
		return "", "", fmt.Errorf("frontend: wrong scope: got %q, want %q", claims.Scope, expectedScope)
	}
	if claims.Subject == "" {
		return "", "", fmt.Errorf("frontend: missing subject")
	}

	return claims.Subject, claims.PartitionID, nil
}
