package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Connection tokens are HS256 JWTs issued by the backend with the key the
// orchestrator hands this instance at spawn. The instance only verifies;
// it never issues.
//
// Required claims: sub (player subject), jti (one-shot token id),
// exp (expiry), and iid (the instance the token admits to).

var ErrTokenRejected = errors.New("connection token rejected")

type tokenClaims struct {
	jwt.RegisteredClaims
	InstanceID string `json:"iid"`
}

type TokenVerifier struct {
	key        []byte
	instanceID string
	now        func() time.Time
}

func NewTokenVerifier(key []byte, instanceID string, now func() time.Time) (*TokenVerifier, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("token key must be at least 32 bytes, got %d", len(key))
	}
	if instanceID == "" {
		return nil, errors.New("instance id is required")
	}
	if now == nil {
		now = time.Now
	}
	return &TokenVerifier{key: key, instanceID: instanceID, now: now}, nil
}

// Verify checks signature, expiry, and instance binding. Every failure maps
// to the same ErrTokenRejected so no retry guidance leaks to the client;
// the detail stays in the wrapped error for server logs.
func (v *TokenVerifier) Verify(tokenString string) (subject, tokenID string, err error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return "", "", fmt.Errorf("%w: empty token", ErrTokenRejected)
	}
	var claims tokenClaims
	_, err = jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrTokenRejected, err)
	}
	if claims.Subject == "" {
		return "", "", fmt.Errorf("%w: missing sub", ErrTokenRejected)
	}
	if claims.ID == "" {
		return "", "", fmt.Errorf("%w: missing jti", ErrTokenRejected)
	}
	if claims.InstanceID != v.instanceID {
		return "", "", fmt.Errorf("%w: token bound to instance %q", ErrTokenRejected, claims.InstanceID)
	}
	return claims.Subject, claims.ID, nil
}
