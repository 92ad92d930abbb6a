package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/g960059/ridewatch/internal/model"
)

type User struct {
	ID    string         `json:"id"`
	Email string         `json:"email"`
	Meta  map[string]any `json:"user_metadata,omitempty"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         User   `json:"user"`
}

func (t tokenResponse) session(now time.Time) model.Session {
	s := model.Session{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken, UserID: t.User.ID}
	switch {
	case t.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(t.ExpiresAt, 0).UTC()
	case t.ExpiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(t.ExpiresIn) * time.Second).UTC()
	default:
		s.ExpiresAt = now.Add(time.Hour).UTC()
	}
	return s
}

// SignUp registers a new account. Metadata lands in user_metadata.
func (c *Client) SignUp(ctx context.Context, email, password string, meta map[string]any) (model.Session, error) {
	body := map[string]any{"email": email, "password": password}
	if len(meta) > 0 {
		body["data"] = meta
	}
	return c.token(ctx, "/auth/v1/signup", nil, body)
}

func (c *Client) SignIn(ctx context.Context, email, password string) (model.Session, error) {
	q := url.Values{"grant_type": {"password"}}
	return c.token(ctx, "/auth/v1/token", q, map[string]string{"email": email, "password": password})
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (model.Session, error) {
	q := url.Values{"grant_type": {"refresh_token"}}
	return c.token(ctx, "/auth/v1/token", q, map[string]string{"refresh_token": refreshToken})
}

// CurrentUser returns the user behind the active access token.
func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	body, err := c.request(ctx, http.MethodGet, "/auth/v1/user", nil, nil, nil)
	if err != nil {
		return User{}, err
	}
	var u User
	if err := json.Unmarshal(body, &u); err != nil {
		return User{}, fmt.Errorf("decode user: %w", err)
	}
	return u, nil
}

func (c *Client) token(ctx context.Context, path string, q url.Values, body any) (model.Session, error) {
	raw, err := c.request(ctx, http.MethodPost, path, q, body, nil)
	if err != nil {
		return model.Session{}, err
	}
	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return model.Session{}, fmt.Errorf("decode session: %w", err)
	}
	if tr.AccessToken == "" {
		return model.Session{}, fmt.Errorf("decode session: missing access_token")
	}
	session := tr.session(time.Now())
	c.SetAccessToken(session.AccessToken)
	return session, nil
}
