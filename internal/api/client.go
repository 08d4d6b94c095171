package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultBaseURL matches the service's development address.
	DefaultBaseURL     = "http://localhost:5000/api"
	defaultHTTPTimeout = 30 * time.Second
)

// Notifier is told about every authentication failure the client observes.
// It is injected at construction so the session layer can tear itself down.
type Notifier interface {
	Unauthorized(token string)
}

// Config describes how to build a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Notifier   Notifier
	Logger     *zap.Logger
}

// Client is the single network layer used by every component. All calls go
// through do, which routes 401 responses to the Notifier.
type Client struct {
	base     string
	http     *http.Client
	stream   *http.Client
	notifier Notifier
	log      *zap.Logger
}

// New builds a Client. An empty BaseURL falls back to KBCHAT_API_URL and then
// DefaultBaseURL.
func New(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		if env := os.Getenv("KBCHAT_API_URL"); env != "" {
			base = env
		} else {
			base = DefaultBaseURL
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := pickHTTPClient(cfg.HTTPClient)
	// Chat streams stay open as long as the answer is generated; the caller's
	// context bounds them instead of the client timeout.
	streaming := *hc
	streaming.Timeout = 0
	return &Client{
		base:     strings.TrimRight(base, "/"),
		http:     hc,
		stream:   &streaming,
		notifier: cfg.Notifier,
		log:      logger.Named("api"),
	}
}

func pickHTTPClient(custom *http.Client) *http.Client {
	if custom != nil {
		return custom
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// BaseURL reports the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.base
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, token string) (*http.Response, error) {
	return c.send(c.http, req, token)
}

func (c *Client) send(hc *http.Client, req *http.Request, token string) (*http.Response, error) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	started := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		c.log.Debug("request failed", zap.String("method", req.Method), zap.String("path", req.URL.Path), zap.Error(err))
		return nil, err
	}
	c.log.Debug("request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(started)),
	)

	// Anonymous calls (login, signup, health) report 401 as an ordinary
	// failure; there is no session to tear down.
	if resp.StatusCode == http.StatusUnauthorized && token != "" {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		c.log.Warn("session rejected", zap.String("method", req.Method), zap.String("path", req.URL.Path))
		if c.notifier != nil {
			c.notifier.Unauthorized(token)
		}
		return nil, ErrUnauthorized
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, parseHTTPError(resp)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, token, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req, token)
	if err != nil {
		return err
	}
	return decodeBody(resp, out)
}

func (c *Client) sendJSON(ctx context.Context, method, token, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.do(req, token)
	if err != nil {
		return err
	}
	return decodeBody(resp, out)
}

func decodeBody(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", resp.Request.URL.Path, err)
	}
	return nil
}

func projectPath(projectID string, rest ...string) string {
	parts := append([]string{"/projects", url.PathEscape(projectID)}, rest...)
	return strings.Join(parts, "/")
}
