// Package api is the REST client for the Assemble backend. It covers the
// message store (conversations, history, fallback send) and the handful of
// adjacent endpoints the chat core consumes: user lookup and search, unread
// counters and the thin auth surface that yields the session identity.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 15 * time.Second

// TokenSource supplies the bearer token attached to every request.
// An empty token leaves the request unauthenticated (login).
type TokenSource interface {
	Token() string
}

// Error is a non-2xx backend response.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend responded %d", e.Status)
	}
	return fmt.Sprintf("backend responded %d: %s", e.Status, e.Message)
}

// Client issues requests against one backend base URL.
type Client struct {
	logger  *zap.SugaredLogger
	http    *http.Client
	baseURL string
	creds   TokenSource
}

// New returns a Client for baseURL. creds may be nil until a session exists.
func New(logger *zap.SugaredLogger, baseURL string, creds TokenSource, opts ...Option) *Client {
	c := &Client{
		logger:  logger,
		http:    &http.Client{Timeout: defaultRequestTimeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
	}

	for _, opt := range opts {
		opt.apply(c)
	}

	return c
}

// Login exchanges credentials for a token pair and the profile of the
// authenticated user.
func (c *Client) Login(ctx context.Context, username, password string) (Credentials, User, error) {
	var out struct {
		Credentials
		User User `json:"user"`
	}

	body := map[string]string{"username": username, "password": password}
	if err := c.post(ctx, "/auth/login", body, &out); err != nil {
		return Credentials{}, User{}, err
	}

	return out.Credentials, out.User, nil
}

// Me returns the profile behind the current token.
func (c *Client) Me(ctx context.Context) (User, error) {
	var u User
	err := c.get(ctx, "/auth/me", nil, &u)
	return u, err
}

// UserByID resolves a public profile, used when a peer is selected that is
// not present in the loaded conversation list.
func (c *Client) UserByID(ctx context.Context, id int64) (User, error) {
	var u User
	err := c.get(ctx, "/auth/users/"+strconv.FormatInt(id, 10), nil, &u)
	return u, err
}

// Conversations lists every conversation of the current user, each with its
// last message and unread count, newest first.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	err := c.get(ctx, "/chat/conversations", nil, &out)
	return out, err
}

// Messages fetches one page of history with a peer, oldest first. Fetching
// history marks the peer's messages as read on the backend.
func (c *Client) Messages(ctx context.Context, peerID int64, page, perPage int) ([]Message, Pagination, error) {
	query := url.Values{}
	if page > 0 {
		query.Set("page", strconv.Itoa(page))
	}
	if perPage > 0 {
		query.Set("per_page", strconv.Itoa(perPage))
	}

	var out struct {
		Messages   []Message  `json:"messages"`
		Pagination Pagination `json:"pagination"`
	}
	err := c.get(ctx, "/chat/messages/"+strconv.FormatInt(peerID, 10), query, &out)
	return out.Messages, out.Pagination, err
}

// SendMessage persists a message over HTTP. This is the fallback transport
// used when the real-time channel is unavailable.
func (c *Client) SendMessage(ctx context.Context, receiverID int64, content string) (Message, error) {
	body := map[string]any{"receiver_id": receiverID, "content": content}

	var m Message
	err := c.post(ctx, "/chat/messages", body, &m)
	return m, err
}

// SearchUsers looks up users by username or full name. A blank query is
// rejected locally: no request is issued and no results are returned.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	q := url.Values{}
	q.Set("q", query)

	var out []User
	err := c.get(ctx, "/chat/users/search", q, &out)
	return out, err
}

// UnreadCount returns the aggregate count of unread chat messages.
func (c *Client) UnreadCount(ctx context.Context) (int64, error) {
	body, err := c.getRaw(ctx, "/chat/unread-count", nil)
	if err != nil {
		return 0, err
	}
	return int64(fastjson.GetInt(body, "unread_count")), nil
}

// NotificationCount returns the count of unread notifications.
func (c *Client) NotificationCount(ctx context.Context) (int64, error) {
	body, err := c.getRaw(ctx, "/notifications/count", nil)
	if err != nil {
		return 0, err
	}
	return int64(fastjson.GetInt(body, "unread")), nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.getRaw(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) getRaw(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// do executes a request with auth and correlation headers and maps non-2xx
// responses to *Error.
func (c *Client) do(req *http.Request) ([]byte, error) {
	id := xid.New().String()
	req.Header.Set("X-Request-ID", id)

	if c.creds != nil {
		if token := c.creds.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Errorw("http request failed",
			"id", id,
			"method", req.Method,
			"url", req.URL.String(),
			"error", err,
		)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", req.URL.Path, err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{Status: resp.StatusCode, Message: fastjson.GetString(body, "error")}
		c.logger.Debugw("backend rejected request",
			"id", id,
			"method", req.Method,
			"url", req.URL.String(),
			"status", resp.StatusCode,
			"message", apiErr.Message,
		)
		return nil, apiErr
	}

	return body, nil
}
