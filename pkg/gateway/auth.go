package gateway

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const streamTokenIssuer = "parley-gateway"

// AuthHandler checks the shared secret and signs stream tokens
type AuthHandler struct {
	sharedSecret string
	signingKey   []byte
	now          func() time.Time
}

// NewAuthHandler creates a new authentication handler. Stream tokens are
// signed with the shared secret, or with a random per-process key when the
// gateway runs without one.
func NewAuthHandler(sharedSecret string) *AuthHandler {
	key := []byte(sharedSecret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic(fmt.Sprintf("failed to generate stream signing key: %v", err))
		}
	}
	return &AuthHandler{
		sharedSecret: sharedSecret,
		signingKey:   key,
		now:          time.Now,
	}
}

// VerifySecret compares a presented secret in constant time. An empty
// configured secret accepts everything.
func (a *AuthHandler) VerifySecret(presented string) bool {
	if a.sharedSecret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(presented)) == 1
}

// IssueStreamToken returns an HS256 JWT whose subject is the session id
func (a *AuthHandler) IssueStreamToken(sessionID string, ttl time.Duration) (string, time.Time, error) {
	nonce, err := gonanoid.New()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate stream nonce: %w", err)
	}
	now := a.now()
	expiry := now.Add(ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    streamTokenIssuer,
		Subject:   sessionID,
		ID:        nonce,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiry),
	})
	signed, err := token.SignedString(a.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign stream token: %w", err)
	}
	return signed, expiry, nil
}

// VerifyStreamToken checks signature, expiry and session binding
func (a *AuthHandler) VerifyStreamToken(sessionID, token string) error {
	_, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(*jwt.Token) (interface{}, error) { return a.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(streamTokenIssuer),
		jwt.WithSubject(sessionID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("stream token expired")
	case errors.Is(err, jwt.ErrTokenInvalidSubject):
		return fmt.Errorf("stream token was issued for another session")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("invalid stream token signature")
	default:
		return fmt.Errorf("invalid stream token: %w", err)
	}
}
