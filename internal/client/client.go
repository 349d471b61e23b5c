// Package client talks to a boardsync server: the board history endpoints
// and the awareness relay.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"boardsync/internal/model"
	"boardsync/internal/replica"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// New returns a client for the server at baseURL (http or https) that
// authenticates with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func boardPath(boardID, suffix string) string {
	return "/v1/boards/" + url.PathEscape(boardID) + suffix
}

func (c *Client) State(ctx context.Context, boardID string) (model.HistoryResponse, error) {
	var out model.HistoryResponse
	err := c.do(ctx, http.MethodGet, boardPath(boardID, ""), nil, &out)
	return out, err
}

// Append commits a new action. data is the action payload, marshalled to
// JSON.
func (c *Client) Append(ctx context.Context, boardID, actionType string, data any) (model.HistoryResponse, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return model.HistoryResponse{}, err
	}
	body := map[string]any{"type": actionType, "data": json.RawMessage(raw)}
	var out model.HistoryResponse
	err = c.do(ctx, http.MethodPost, boardPath(boardID, "/actions"), body, &out)
	return out, err
}

func (c *Client) Undo(ctx context.Context, boardID string) (model.HistoryResponse, error) {
	var out model.HistoryResponse
	err := c.do(ctx, http.MethodPost, boardPath(boardID, "/undo"), nil, &out)
	return out, err
}

func (c *Client) Redo(ctx context.Context, boardID string) (model.HistoryResponse, error) {
	var out model.HistoryResponse
	err := c.do(ctx, http.MethodPost, boardPath(boardID, "/redo"), nil, &out)
	return out, err
}

// Touch marks the board as recently active.
func (c *Client) Touch(ctx context.Context, boardID string) error {
	return c.do(ctx, http.MethodPost, boardPath(boardID, "/touch"), nil, nil)
}

// AwarenessURL is the relay websocket URL for boardID.
func (c *Client) AwarenessURL(boardID string) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	q := url.Values{"board": {boardID}, "token": {c.token}}
	return base + "/ws?" + q.Encode()
}

// JoinAwareness connects to the relay and returns the board's replicated
// presence map.
func (c *Client) JoinAwareness(ctx context.Context, boardID string) (*replica.WSMap, error) {
	return replica.DialWS(ctx, c.AwarenessURL(boardID), nil, c.logger.With("board", boardID))
}
