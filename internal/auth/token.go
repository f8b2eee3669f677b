// Package auth resolves the caller identity from bearer tokens and issues
// tokens for stored users.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/jogardn/stylestore/pkg/models"
)

const bearerHeader = "Bearer"

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("admin privileges required")
)

// Identity is the authenticated caller.
type Identity struct {
	UserID  string
	IsAdmin bool
}

// CanAccess reports whether the caller may act on a resource owned by userID.
func (i Identity) CanAccess(userID string) bool {
	return i.IsAdmin || (i.UserID != "" && i.UserID == userID)
}

type identityCtxKey struct{}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, identity)
}

func FromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityCtxKey{}).(Identity)
	return identity, ok
}

type Claims struct {
	Admin bool `json:"admin"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (i *Issuer) Issue(user *models.User) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(i.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Admin: user.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})

	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("error while signing token: %w", err)
	}
	return signed, expiresAt, nil
}

func (i *Issuer) Parse(tokenString string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}

	return Identity{UserID: claims.Subject, IsAdmin: claims.Admin}, nil
}

// ParseHeader extracts the identity from an "Authorization: Bearer <token>" value.
func (i *Issuer) ParseHeader(header string) (Identity, error) {
	headerParts := strings.Split(header, " ")
	if len(headerParts) != 2 {
		return Identity{}, fmt.Errorf("%w: auth header doesn't contain two parts", ErrUnauthorized)
	}
	if headerParts[0] != bearerHeader {
		return Identity{}, fmt.Errorf("%w: first auth header part is invalid", ErrUnauthorized)
	}
	return i.Parse(headerParts[1])
}

func BearerHeader(token string) string {
	return fmt.Sprintf("%s %s", bearerHeader, token)
}
