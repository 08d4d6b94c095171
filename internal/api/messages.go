package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// MessageRequest is the body of POST /projects/{id}/messages.
type MessageRequest struct {
	Role         string `json:"role" validate:"required,oneof=user assistant"`
	Content      string `json:"content" validate:"required"`
	HybridSearch bool   `json:"hybridSearch"`
	GraphSearch  bool   `json:"graphSearch"`
	Reranking    bool   `json:"reranking"`
}

// Messages fetches the authoritative transcript of a project.
func (c *Client) Messages(ctx context.Context, token, projectID string) ([]Message, error) {
	var messages []Message
	if err := c.getJSON(ctx, token, projectPath(projectID, "messages"), &messages); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// OpenMessageStream posts a user message and returns the chunked answer body.
// The caller owns the body and must close it. Failure statuses are reported
// before any byte is handed out.
func (c *Client) OpenMessageStream(ctx context.Context, token, projectID string, msg MessageRequest) (io.ReadCloser, error) {
	if msg.Role == "" {
		msg.Role = RoleUser
	}
	msg.Content = strings.TrimSpace(msg.Content)
	if err := validateRequest(msg); err != nil {
		return nil, err
	}
	buf, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, projectPath(projectID, "messages"), bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.send(c.stream, req, token)
	if err != nil {
		return nil, fmt.Errorf("open message stream: %w", err)
	}
	return resp.Body, nil
}

// CitationURL resolves the display URL of a citation.
func (c *Client) CitationURL(ctx context.Context, token, projectID, messageID, citationID string) (string, error) {
	path := projectPath(projectID, "messages", url.PathEscape(messageID), "citations", url.PathEscape(citationID), "view")
	var payload struct {
		URL string `json:"url"`
	}
	if err := c.getJSON(ctx, token, path, &payload); err != nil {
		return "", fmt.Errorf("view citation: %w", err)
	}
	if payload.URL == "" {
		return "", fmt.Errorf("view citation: service returned an empty url")
	}
	return payload.URL, nil
}
