// Package auth issues and validates local session tokens. Local
// sessions identify trusted callers of this instance (its own front-end
// and operator tooling); they bypass federation signature checks.
// Access tokens are short lived, refresh tokens obtain a new pair.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token scopes.
const (
	ScopeAccess  = "coop.access"
	ScopeRefresh = "coop.refresh"
)

// Token lifetimes.
const (
	AccessTTL  = 2 * time.Hour
	RefreshTTL = 30 * 24 * time.Hour
)

// ErrInvalidToken is returned for any token that fails validation.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims extends the registered claims with a session scope.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// TokenPair holds an access/refresh JWT pair.
type TokenPair struct {
	DID        string `json:"did"`
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
}

// JWTManager signs and validates HS256 session tokens.
type JWTManager struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTManager creates a manager with the given HMAC secret. issuer is
// the instance DID and is checked on validation.
func NewJWTManager(secret, issuer string) *JWTManager {
	return &JWTManager{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}
}

// GenerateSecret returns a random 32-byte hex string for use as a JWT secret.
func GenerateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// CreateTokenPair issues an access/refresh pair for did.
func (m *JWTManager) CreateTokenPair(did string) (*TokenPair, error) {
	access, err := m.sign(did, ScopeAccess, AccessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := m.sign(did, ScopeRefresh, RefreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{DID: did, AccessJwt: access, RefreshJwt: refresh}, nil
}

// Refresh exchanges a refresh token for a new pair.
func (m *JWTManager) Refresh(refreshToken string) (*TokenPair, error) {
	did, err := m.validate(refreshToken, ScopeRefresh)
	if err != nil {
		return nil, err
	}
	return m.CreateTokenPair(did)
}

func (m *JWTManager) sign(did, scope string, ttl time.Duration) (string, error) {
	now := m.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   did,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scope: scope,
	})
	s, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign %s token: %w", scope, err)
	}
	return s, nil
}

// ValidateAccessToken returns the subject DID of a valid access token.
func (m *JWTManager) ValidateAccessToken(tokenStr string) (string, error) {
	return m.validate(tokenStr, ScopeAccess)
}

// ValidateRefreshToken returns the subject DID of a valid refresh token.
func (m *JWTManager) ValidateRefreshToken(tokenStr string) (string, error) {
	return m.validate(tokenStr, ScopeRefresh)
}

func (m *JWTManager) validate(tokenStr, expectedScope string) (string, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Scope != expectedScope {
		return "", fmt.Errorf("%w: scope %q, want %q", ErrInvalidToken, claims.Scope, expectedScope)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}
