// Package auth verifies bearer tokens and turns them into ledger actors.
//
// Authentication model:
//   - Every /v1 route requires a bearer JWT (HS256) with claims sub and role
//   - role is one of user, admin, system; sub is the caller's id
//   - Tokens are issued elsewhere; this service only verifies them
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/escrowd/internal/ledger"
)

// Errors
var (
	ErrNoToken      = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrInvalidRole  = errors.New("token carries an unknown role")
)

// Claims is the token payload.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier checks tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewVerifier creates a verifier. issuer may be empty to accept any.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, leeway: 30 * time.Second}
}

// Verify parses raw and returns the actor it names.
func (v *Verifier) Verify(raw string) (ledger.Actor, error) {
	if raw == "" {
		return ledger.Actor{}, ErrNoToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return ledger.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return ledger.Actor{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role := ledger.Role(claims.Role)
	if !role.Valid() {
		return ledger.Actor{}, ErrInvalidRole
	}
	return ledger.Actor{ID: claims.Subject, Role: role}, nil
}

// Sign issues a token for actor. Used by tests and the dev token command.
func (v *Verifier) Sign(actor ledger.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
