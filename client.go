package chatsync

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
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "http://localhost:5000/api"
	DefaultTimeout = 30 * time.Second

	maxResponseBytes = 8 << 20
)

// ============================================================================
// Token source
// ============================================================================

// TokenSource supplies the bearer token for REST calls and the realtime
// session. An empty token means "not signed in".
type TokenSource interface {
	Token() string
}

// StaticToken is a fixed token.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// MutableToken is a TokenSource that can be swapped after sign-in or refresh.
type MutableToken struct {
	mu    sync.RWMutex
	token string
}

func (t *MutableToken) Token() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

func (t *MutableToken) Set(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
}

// ============================================================================
// Client
// ============================================================================

// Client is the REST side of the messaging service.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *zap.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithTokenSource(tokens TokenSource) ClientOption {
	return func(c *Client) { c.tokens = tokens }
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a REST client. token may be "" and supplied later through
// WithTokenSource or a MutableToken.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		tokens:  StaticToken(token),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// BaseURL returns the REST base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	if c.tokens == nil {
		return ""
	}
	return c.tokens.Token()
}

// ============================================================================
// Internal request helper
// ============================================================================

// doRequest performs an authenticated request and returns the body on 2xx.
// Non-2xx responses become *APIError carrying the status code.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	token := c.Token()
	if token == "" {
		return nil, ErrNoToken
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	c.logger.Debug("request failed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)
	return nil, apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// decodeList accepts a bare array or an object carrying the array under one
// of keys, optionally nested once more under "data".
func decodeList[T any](data []byte, keys ...string) ([]T, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var items []T
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal list: %w", err)
		}
		return items, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	for _, key := range append(keys, "data") {
		raw, ok := envelope[key]
		if !ok {
			continue
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			return nil, nil
		}
		if raw[0] == '{' && key == "data" {
			return decodeList[T](raw, keys...)
		}
		return decodeList[T](raw)
	}
	return nil, fmt.Errorf("unrecognized list response: no %s field", strings.Join(append(keys, "data"), "/"))
}

// decodeOne accepts a bare object or one wrapped under key or "data".
func decodeOne[T any](data []byte, key string) (*T, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if raw, ok := envelope[key]; ok && len(raw) > 0 && raw[0] == '{' {
		return decodeJSON[T](raw)
	}
	if raw, ok := envelope["data"]; ok && len(raw) > 0 && raw[0] == '{' {
		return decodeOne[T](raw, key)
	}
	return decodeJSON[T](data)
}

// ============================================================================
// Conversations
// ============================================================================

func conversationQuery(filter ConversationFilter) url.Values {
	q := url.Values{}
	if filter.Page > 0 {
		q.Set("page", strconv.Itoa(filter.Page))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Search != "" {
		q.Set("search", filter.Search)
	}
	if filter.Type != "" {
		q.Set("type", string(filter.Type))
	}
	if filter.Archived != nil {
		q.Set("archived", strconv.FormatBool(*filter.Archived))
	}
	return q
}

// ListConversations fetches one page of conversations.
func (c *Client) ListConversations(ctx context.Context, filter ConversationFilter) ([]Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/conversations", nil, conversationQuery(filter))
	if err != nil {
		return nil, err
	}
	return decodeConversationPage(data)
}

func (c *Client) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeOne[Conversation](data, "conversation")
}

func (c *Client) CreateConversation(ctx context.Context, req CreateConversationRequest) (*Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/conversations", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeOne[Conversation](data, "conversation")
}

func (c *Client) SetArchived(ctx context.Context, conversationID string, archived bool) error {
	_, err := c.doRequest(ctx, http.MethodPatch, "/conversations/"+url.PathEscape(conversationID)+"/archive",
		map[string]bool{"archived": archived}, nil)
	return err
}

// ============================================================================
// Messages
// ============================================================================

func messageQuery(query MessageQuery) url.Values {
	q := url.Values{}
	if query.Page > 0 {
		q.Set("page", strconv.Itoa(query.Page))
	}
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Before != "" {
		q.Set("before", query.Before)
	}
	if query.After != "" {
		q.Set("after", query.After)
	}
	return q
}

// ListMessages fetches one page of a conversation's messages, oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID string, query MessageQuery) ([]Message, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, messageQuery(query))
	if err != nil {
		return nil, err
	}
	messages, err := decodeList[Message](data, "messages")
	if err != nil {
		return nil, err
	}
	for i := range messages {
		if messages[i].ConversationID == "" {
			messages[i].ConversationID = conversationID
		}
	}
	return messages, nil
}

// SendMessage posts a message and returns the server's authoritative copy.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/conversations/"+url.PathEscape(req.ConversationID)+"/messages", req, nil)
	if err != nil {
		return nil, err
	}
	msg, err := decodeOne[Message](data, "message")
	if err != nil {
		return nil, err
	}
	if msg.ConversationID == "" {
		msg.ConversationID = req.ConversationID
	}
	return msg, nil
}

func (c *Client) MarkMessageRead(ctx context.Context, messageID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/read", nil, nil)
	return err
}

// BulkMarkRead marks messageIDs read in one call.
func (c *Client) BulkMarkRead(ctx context.Context, conversationID string, messageIDs []string) (*BulkReadResult, error) {
	data, err := c.doRequest(ctx, http.MethodPost,
		"/conversations/"+url.PathEscape(conversationID)+"/messages/bulk-mark-read",
		map[string][]string{"messageIds": messageIDs}, nil)
	if err != nil {
		return nil, err
	}
	return decodeOne[BulkReadResult](data, "result")
}
