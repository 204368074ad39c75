// Package auth verifies the bearer credentials presented by clients at
// connection time. Verification is a stateless HS256 signature and expiry
// check against a shared secret; no database lookup happens in the hot path.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the verified identity extracted from a token. Identity is the
// token subject and is the key used throughout the presence directory.
type Claims struct {
	Identity   string
	ClientKind string
}

type tokenClaims struct {
	ClientKind string `json:"kind"`
	jwt.RegisteredClaims
}

// IdentityChecker optionally confirms that an identity exists before the
// connection is admitted. Deployments that trust the token signature alone
// leave it nil.
type IdentityChecker interface {
	Exists(ctx context.Context, identity string) (bool, error)
}

// Verifier validates bearer tokens with an HMAC shared secret.
type Verifier struct {
	secret  []byte
	checker IdentityChecker
	now     func() time.Time
}

// NewVerifier creates a Verifier using HS256 with the provided shared secret.
// checker may be nil.
func NewVerifier(secret string, checker IdentityChecker) *Verifier {
	return &Verifier{
		secret:  []byte(strings.TrimSpace(secret)),
		checker: checker,
		now:     time.Now,
	}
}

// Verify validates the token signature and expiry and returns the verified
// claims. declaredKind is the client kind the connecting app announced; when
// the token carries a kind claim the two must agree, and the token wins.
func (v *Verifier) Verify(ctx context.Context, token, declaredKind string) (*Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("%w: verifier secret not configured", ErrInvalidToken)
	}

	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithLeeway(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	identity := claims.RegisteredClaims.Subject
	if identity == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	if exp := claims.RegisteredClaims.ExpiresAt; exp != nil && !exp.Time.After(v.now()) {
		return nil, fmt.Errorf("%w: token expired", ErrInvalidToken)
	}

	kind := claims.ClientKind
	if kind == "" {
		kind = declaredKind
	} else if declaredKind != "" && declaredKind != kind {
		return nil, fmt.Errorf("%w: declared kind %q does not match token kind %q",
			ErrInvalidToken, declaredKind, kind)
	}
	if kind == "" {
		return nil, fmt.Errorf("%w: missing client kind", ErrInvalidToken)
	}

	if v.checker != nil {
		ok, err := v.checker.Exists(ctx, identity)
		if err != nil {
			return nil, fmt.Errorf("%w: identity check failed: %v", ErrInvalidToken, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: unknown identity", ErrInvalidToken)
		}
	}

	return &Claims{Identity: identity, ClientKind: kind}, nil
}

// ExtractBearerToken strips an optional "Bearer " prefix from a raw token
// value. Clients may send either the bare token or the full header form.
func ExtractBearerToken(value string) string {
	value = strings.TrimSpace(value)
	const prefix = "bearer "
	if len(value) > len(prefix) && strings.EqualFold(value[:len(prefix)], prefix) {
		return strings.TrimSpace(value[len(prefix):])
	}
	return value
}
