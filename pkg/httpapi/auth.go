package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/NicolasHaas/gopresence/pkg/crypto"
	"github.com/NicolasHaas/gopresence/pkg/model"
)

var (
	ErrMissingToken = errors.New("httpapi: missing bearer token")
	ErrInvalidToken = errors.New("httpapi: invalid bearer token")
)

// Principal is the authenticated caller.
type Principal struct {
	UserID int64
	Role   model.Role
}

// Claims are the JWT claims accepted from callers. Subject holds the
// numeric user id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// NewAuthenticator returns an Authenticator for secret. now may be nil.
func NewAuthenticator(secret []byte, now func() time.Time) (*Authenticator, error) {
	if len(secret) < crypto.MinSecretSize {
		return nil, fmt.Errorf("httpapi: jwt secret: %w", crypto.ErrSecretTooShort)
	}
	if now == nil {
		now = time.Now
	}
	return &Authenticator{secret: secret, now: now}, nil
}

// Issue signs a token for userID. Used by operators' tooling and tests.
func (a *Authenticator) Issue(userID int64, role model.Role, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Role: role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("httpapi: sign jwt: %w", err)
	}
	return signed, nil
}

// Authenticate extracts and verifies the bearer token of r.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return Principal{}, ErrMissingToken
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return Principal{}, fmt.Errorf("%w: subject %q is not a user id", ErrInvalidToken, claims.Subject)
	}
	return Principal{UserID: userID, Role: model.ParseRole(claims.Role)}, nil
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller stored by the auth middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
