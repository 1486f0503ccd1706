// Package auth reads the hub bearer token. The client holds no signing
// secret, so claims are decoded without verification; the relay and the API
// verify the token on every request.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/domain"
)

var ErrNoUser = errors.New("auth: token carries no user_id")

// Claims is the payload issued by the hub backend.
type Claims struct {
	UserID domain.UserID `json:"user_id"`
	Email  string        `json:"email"`
	jwt.RegisteredClaims
}

// ParseToken decodes token without checking its signature.
func ParseToken(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if claims.UserID == 0 {
		return nil, ErrNoUser
	}
	return claims, nil
}

// Expired reports whether the token is past its exp claim at now.
func (c *Claims) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(c.ExpiresAt.Time)
}

// Identity builds the session identity for token.
func (c *Claims) Identity(token, displayName string) domain.Identity {
	if displayName == "" {
		displayName = c.Email
	}
	return domain.Identity{ID: c.UserID, Token: token, DisplayName: displayName}
}
