// Package auth verifies the bearer tokens that identify API callers.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingIdentity is returned for a valid token that names no user.
var ErrMissingIdentity = errors.New("token has no user_id")

// JWTManager signs and validates JWT tokens used by the API.
type JWTManager struct {
	keys      map[string]string // kid -> HMAC secret; "" is the single-key form
	activeKid string            // kid used to sign new tokens
	duration  time.Duration     // How long tokens are valid (e.g., 24 hours)
}

// Claims is the custom JWT payload. UserID is the external identity id of
// the caller.
type Claims struct {
	UserID               string `json:"user_id"`
	jwt.RegisteredClaims        // Includes ExpiresAt, IssuedAt, etc.
}

// NewJWTManager returns a JWTManager with a single secret and no kid.
func NewJWTManager(secretKey string, duration time.Duration) *JWTManager {
	return &JWTManager{
		keys:     map[string]string{"": secretKey},
		duration: duration,
	}
}

// NewJWTManagerFromKeys returns a JWTManager that signs with activeKid and
// accepts tokens signed by any of keys, selected by the kid header.
func NewJWTManagerFromKeys(keys map[string]string, activeKid string, duration time.Duration) *JWTManager {
	return &JWTManager{
		keys:      keys,
		activeKid: activeKid,
		duration:  duration,
	}
}

// GenerateToken issues a signed JWT token for a user. The service itself only
// verifies tokens; this is used by tests and local tooling.
func (m *JWTManager) GenerateToken(userID string) (string, time.Time, error) {
	secret, ok := m.keys[m.activeKid]
	if !ok {
		return "", time.Time{}, fmt.Errorf("no signing key for kid %q", m.activeKid)
	}

	now := time.Now()
	expiresAt := now.Add(m.duration)
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	// HS256 (HMAC with SHA-256); the kid header tells verifiers which key to use
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if m.activeKid != "" {
		token.Header["kid"] = m.activeKid
	}

	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// VerifyToken parses and validates a token and returns its claims.
func (m *JWTManager) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Security check: ensure token was signed with HMAC (not asymmetric key)
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		secret, ok := m.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	// Tokens from the identity system may carry the id only as sub.
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, ErrMissingIdentity
	}
	return claims, nil
}
