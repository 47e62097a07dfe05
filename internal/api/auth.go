package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt"
)

// Tokens are minted by the identity service; this package only
// verifies them and extracts the principal id.
const (
	principalIdClaim = "principal-id"
	tokenCookieKey   = "token"
)

type contextKey string

const principalIdKey contextKey = "principal-id"

func WithPrincipalId(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, principalIdKey, id)
}

func PrincipalId(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(principalIdKey).(int)
	return id, ok
}

func (s *LivelineApp) extractPrincipalIdFromToken(tokenString string) (int, error) {
	token, err := s.verifyToken(tokenString)
	if err != nil {
		return 0, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, fmt.Errorf("invalid token claims")
	}

	id, ok := claims[principalIdClaim].(float64)
	if !ok {
		return 0, fmt.Errorf("invalid principal id claim")
	}

	return int(id), nil
}

// bearerToken returns the token from the Authorization header or the
// session cookie, preferring the header.
func bearerToken(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:], nil
	}

	cookie, err := r.Cookie(tokenCookieKey)
	if err != nil {
		return "", fmt.Errorf("get cookie: %w", err)
	}

	return cookie.Value, nil
}

func (s *LivelineApp) verifyToken(tokenString string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token, nil
}
