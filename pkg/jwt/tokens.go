// Package jwt issues and checks the bearer tokens handed to users.
package jwt

import (
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const issuer = "hawkeye-central"

// Kind separates short-lived access tokens from refresh tokens.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// ErrWrongKind is returned when a token of one kind is presented as the other.
var ErrWrongKind = errors.New("jwt: unexpected token kind")

// Claims is the token payload.
type Claims struct {
	UserID string `json:"user_id"`
	Kind   Kind   `json:"kind"`
	jwtlib.RegisteredClaims
}

// GenerateToken signs a token of kind for userID that expires after ttl.
func GenerateToken(userID string, kind Kind, secret string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("jwt: user id required")
	}
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Kind:   kind,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("jwt: sign %s token: %w", kind, err)
	}
	return signed, nil
}

// Parse verifies token and requires it to be of kind.
func Parse(token, secret string, kind Kind) (*Claims, error) {
	claims := &Claims{}
	_, err := jwtlib.ParseWithClaims(token, claims, func(*jwtlib.Token) (any, error) {
		return []byte(secret), nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}),
		jwtlib.WithIssuer(issuer),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	if claims.Kind != kind {
		return nil, ErrWrongKind
	}
	return claims, nil
}
