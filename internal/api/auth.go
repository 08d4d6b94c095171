package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Credentials are exchanged for an access token by Login.
type Credentials struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// SignupRequest is the body of POST /users/.
type SignupRequest struct {
	Name     string `json:"name" validate:"required,max=100"`
	Username string `json:"username" validate:"required,max=100"`
	Password string `json:"password" validate:"required,min=8"`
	Email    string `json:"email" validate:"required,email"`
}

// Login posts the credentials as a form and returns the issued token.
func (c *Client) Login(ctx context.Context, creds Credentials) (Token, error) {
	creds.Username = strings.TrimSpace(creds.Username)
	if err := validateRequest(creds); err != nil {
		return Token{}, err
	}
	form := url.Values{}
	form.Set("username", creds.Username)
	form.Set("password", creds.Password)

	req, err := c.newRequest(ctx, http.MethodPost, "/login", strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.do(req, "")
	if err != nil {
		return Token{}, fmt.Errorf("login: %w", err)
	}
	var token Token
	if err := decodeBody(resp, &token); err != nil {
		return Token{}, err
	}
	if token.AccessToken == "" {
		return Token{}, fmt.Errorf("login: service returned an empty token")
	}
	return token, nil
}

// Signup creates an account. It does not log in.
func (c *Client) Signup(ctx context.Context, req SignupRequest) (User, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if err := validateRequest(req); err != nil {
		return User{}, err
	}
	var user User
	if err := c.sendJSON(ctx, http.MethodPost, "", "/users/", req, &user); err != nil {
		return User{}, fmt.Errorf("signup: %w", err)
	}
	return user, nil
}

// CurrentUser validates token against GET /users/me.
func (c *Client) CurrentUser(ctx context.Context, token string) (User, error) {
	var user User
	if err := c.getJSON(ctx, token, "/users/me", &user); err != nil {
		return User{}, fmt.Errorf("current user: %w", err)
	}
	return user, nil
}

// Health fetches the service health. It needs no token.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var health Health
	if err := c.getJSON(ctx, "", "/health", &health); err != nil {
		return Health{}, fmt.Errorf("health check: %w", err)
	}
	return health, nil
}
