// Package client is an HTTP client for the session store API. It implements
// history.Store so that callers can switch between an in-process store and a
// remote one without code changes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/txn2/chat-session-store/pkg/history"
	mw "github.com/txn2/chat-session-store/pkg/http"
)

const (
	// DefaultTimeout bounds a single request when the caller supplies no
	// http.Client of its own.
	DefaultTimeout = 10 * time.Second

	// maxErrorBody caps how much of an error response is read.
	maxErrorBody = 4 << 10
)

// Client talks to a session store over HTTP.
type Client struct {
	baseURL string
	hc      *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.hc = &http.Client{Timeout: d}
	}
}

// New creates a client for the store at baseURL, e.g. "http://localhost:8000".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must use http or https", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type appendRequest struct {
	Role      history.Role `json:"role"`
	Content   string       `json:"content"`
	Timestamp *time.Time   `json:"timestamp,omitempty"`
}

type appendResponse struct {
	TotalMessages int `json:"total_messages"`
}

type messagesResponse struct {
	Messages []history.Message `json:"messages"`
}

type infoResponse struct {
	MessageCount int        `json:"message_count"`
	TTLSeconds   int64      `json:"ttl_seconds"`
	LastActivity *time.Time `json:"last_activity"`
}

type listResponse struct {
	Sessions []string `json:"sessions"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Append adds msg to the session and returns the resulting message count.
func (c *Client) Append(ctx context.Context, sessionID string, msg history.Message) (int, error) {
	if err := history.ValidateSessionID(sessionID); err != nil {
		return 0, err
	}

	req := appendRequest{Role: msg.Role, Content: msg.Content}
	if !msg.Timestamp.IsZero() {
		req.Timestamp = &msg.Timestamp
	}

	var resp appendResponse
	if err := c.do(ctx, "append", http.MethodPost, sessionPath(sessionID, "messages"), req, &resp); err != nil {
		return 0, err
	}
	return resp.TotalMessages, nil
}

// Read returns the session history oldest first. A missing session, or one
// the server reports as not found, yields an empty history.
func (c *Client) Read(ctx context.Context, sessionID string) ([]history.Message, error) {
	if err := history.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	var resp messagesResponse
	err := c.do(ctx, "read", http.MethodGet, sessionPath(sessionID, "messages"), nil, &resp)
	if errors.Is(err, history.ErrNotFound) {
		return []history.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	if resp.Messages == nil {
		resp.Messages = []history.Message{}
	}
	return resp.Messages, nil
}

// Delete removes the session.
func (c *Client) Delete(ctx context.Context, sessionID string) error {
	if err := history.ValidateSessionID(sessionID); err != nil {
		return err
	}
	return c.do(ctx, "delete", http.MethodDelete, sessionPath(sessionID), nil, nil)
}

// List returns the ids of all live sessions.
func (c *Client) List(ctx context.Context) ([]string, error) {
	var resp listResponse
	if err := c.do(ctx, "list", http.MethodGet, "/sessions", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Sessions == nil {
		resp.Sessions = []string{}
	}
	return resp.Sessions, nil
}

// Info returns the session summary.
func (c *Client) Info(ctx context.Context, sessionID string) (history.Info, error) {
	if err := history.ValidateSessionID(sessionID); err != nil {
		return history.Info{}, err
	}

	var resp infoResponse
	if err := c.do(ctx, "info", http.MethodGet, sessionPath(sessionID, "info"), nil, &resp); err != nil {
		return history.Info{}, err
	}
	return history.Info{
		SessionID:    sessionID,
		MessageCount: resp.MessageCount,
		TTL:          time.Duration(resp.TTLSeconds) * time.Second,
		LastActivity: resp.LastActivity,
	}, nil
}

// Ping checks the server's /health endpoint, which in turn pings the backend.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/health", nil, nil)
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.hc.CloseIdleConnections()
	return nil
}

// do sends one request and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := mw.RequestIDFromContext(ctx); id != "" {
		req.Header.Set(mw.RequestIDHeader, id)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return history.Unavailable(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: decoding response: %w", op, err)
		}
		return nil
	}

	return statusError(op, resp)
}

// statusError maps a non-2xx response onto the history error taxonomy.
func statusError(op string, resp *http.Response) error {
	msg := http.StatusText(resp.StatusCode)
	var e errorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&e); err == nil && e.Error != "" {
		msg = e.Error
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%s: %w: %s", op, history.ErrInvalidMessage, msg)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, history.ErrNotFound)
	case resp.StatusCode >= http.StatusInternalServerError:
		return history.Unavailable(op, fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	default:
		return fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode, msg)
	}
}

func sessionPath(id string, parts ...string) string {
	p := "/sessions/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

var _ history.Store = (*Client)(nil)
