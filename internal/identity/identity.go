// Package identity implements IdentityProvider: verification of the
// bearer token presented at WebSocket upgrade (spec.md §6.1, §6.2).
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/typelo/raceserver/internal/model"
)

// ErrInvalidToken covers every way a presented bearer token can fail
// verification: bad signature, expired, missing subject.
var ErrInvalidToken = errors.New("identity: invalid token")

// Verifier checks HS256-signed JSON Web Tokens issued by the platform's
// auth service. The subject claim is the asserted PlayerID (spec.md
// §6.1's "token's subject MUST equal the asserted PlayerId").
type Verifier struct {
	secret []byte
}

// NewVerifier builds a Verifier against a shared HMAC secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Verify implements session.IdentityProvider.
func (v *Verifier) Verify(ctx context.Context, token string) (model.PlayerID, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return "", ErrInvalidToken
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("%w: missing subject claim", ErrInvalidToken)
	}
	return model.PlayerID(subject), nil
}
