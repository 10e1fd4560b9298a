package chatsync

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v4"
)

// ErrNoIdentity is returned when the local user cannot be resolved.
var ErrNoIdentity = errors.New("chatsync: local user unknown")

// IdentityProvider resolves the local user's ID.
type IdentityProvider interface {
	CurrentUserID() (string, error)
}

// StaticIdentity is a fixed user ID.
type StaticIdentity string

func (s StaticIdentity) CurrentUserID() (string, error) {
	if s == "" {
		return "", ErrNoIdentity
	}
	return string(s), nil
}

// DefaultIdentityClaims are the JWT claims searched for the user ID, in order.
var DefaultIdentityClaims = []string{"userId", "user_id", "id", "sub"}

// JWTIdentity reads the user ID from the bearer token's claims. The
// signature is not verified.
type JWTIdentity struct {
	Tokens TokenSource
	Claims []string
}

func (j JWTIdentity) CurrentUserID() (string, error) {
	if j.Tokens == nil {
		return "", ErrNoIdentity
	}
	token := j.Tokens.Token()
	if token == "" {
		return "", ErrNoIdentity
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoIdentity, err)
	}

	keys := j.Claims
	if len(keys) == 0 {
		keys = DefaultIdentityClaims
	}
	for _, key := range keys {
		if id := claimString(claims, key); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: no user claim in token", ErrNoIdentity)
}

func claimString(claims jwt.MapClaims, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
