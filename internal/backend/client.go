// Package backend talks to the chat backend's REST endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/omochice/roomchat/pkg/protocol"
)

// REST paths.
const (
	HistoryPath  = "/api/messages"
	RegisterPath = "/api/auth/register"
	LoginPath    = "/api/auth/login"
)

const maxBodySize = 4 << 20

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

// LoginResult is the body of a successful login.
type LoginResult struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

// Client is a REST client bound to one base URL.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a Client for baseURL, e.g. http://localhost:8080.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchHistory returns every persisted message, oldest first.
func (c *Client) FetchHistory(ctx context.Context) ([]protocol.ChatMessage, error) {
	body, err := c.do(ctx, http.MethodGet, HistoryPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	msgs, err := protocol.DecodeHistory(body)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("history fetched", "count", len(msgs))
	return msgs, nil
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, creds protocol.Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	if _, err := c.do(ctx, http.MethodPost, RegisterPath, creds); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	return nil
}

// Login verifies credentials.
func (c *Client) Login(ctx context.Context, creds protocol.Credentials) (LoginResult, error) {
	if err := creds.Validate(); err != nil {
		return LoginResult{}, err
	}
	body, err := c.do(ctx, http.MethodPost, LoginPath, creds)
	if err != nil {
		return LoginResult{}, fmt.Errorf("failed to login: %w", err)
	}

	result := LoginResult{Username: creds.Username}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			c.logger.Debug("login response is not json", "error", err)
			result = LoginResult{Username: creds.Username, Message: string(body)}
		}
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return body, nil
}
