package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/carlmjohnson/requests"

	"github.com/pyromancerx/starcitizen-hub/hubrtc/internal/domain"
)

// ErrUnauthorized is returned when the API rejects the bearer token.
var ErrUnauthorized = errors.New("api: token rejected")

// Profile is the part of the hub user record the client needs.
type Profile struct {
	ID          domain.UserID `json:"id"`
	Email       string        `json:"email"`
	RSIHandle   string        `json:"rsi_handle"`
	DisplayName string        `json:"display_name"`
	AvatarURL   string        `json:"avatar_url"`
}

// Name is what other members see for this user.
func (p *Profile) Name() string {
	switch {
	case p.DisplayName != "":
		return p.DisplayName
	case p.RSIHandle != "":
		return p.RSIHandle
	default:
		return p.Email
	}
}

// Client talks to the hub REST API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates an API client for base, e.g. https://hub.example.com/api.
func NewClient(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(base, "/") + "/", http: hc}
}

// Me fetches the profile of the token's owner.
func (c *Client) Me(ctx context.Context, token string) (*Profile, error) {
	var p Profile
	err := requests.
		URL(c.base).
		Path("auth/me").
		Client(c.http).
		Bearer(token).
		ToJSON(&p).
		Fetch(ctx)
	switch {
	case requests.HasStatusErr(err, http.StatusUnauthorized, http.StatusForbidden):
		return nil, ErrUnauthorized
	case err != nil:
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	return &p, nil
}
