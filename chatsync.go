// Package chatsync keeps a chat widget's client state in sync with a
// marketplace chat backend.
//
// It covers the conversation list, the paginated history of the open
// conversation, a session-scoped "viewed" override for unread counters, a
// realtime push subscription and the outbound send pipeline.
//
// Example:
//
//	client := chatsync.NewClient("token", chatsync.WithBaseURL("https://shop.example"))
//	source := client.Realtime.ConnectWS(&chatsync.RealtimeConfig{Token: "token", AutoReconnect: true})
//
//	engine := chatsync.NewEngine(client, &chatsync.EngineConfig{Role: chatsync.RoleBuyer, Source: source})
//	_ = engine.Open(ctx)
//	defer engine.Close()
//
//	_ = engine.OpenChatWith(ctx, chatsync.Partner{ID: "seller-7", DisplayName: "Tea Shop"})
//	_, _ = engine.Send(ctx, "Is this still available?")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second

	// maxResponseSize limits response body reads.
	maxResponseSize = 10 * 1024 * 1024
)

// Backend is the chat API the engine talks to.
type Backend interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	FetchMessages(ctx context.Context, conversationID, cursor string, limit int) (*Page, error)
	SendMessage(ctx context.Context, req *SendRequest) (*SendResult, error)
	UploadImage(ctx context.Context, file ImageFile) (*UploadResult, error)
}

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the chat backend. It implements Backend.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Conversations *ConversationsClient
	Messages      *MessagesClient
	Images        *ImagesClient
	Realtime      *RealtimeFactory
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

// NewClient creates a new chat client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Conversations = &ConversationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Images = &ImagesClient{c: c}
	c.Realtime = &RealtimeFactory{c: c}
	return c
}

// SetToken updates the bearer token used for requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
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
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*Result, error) {
	req.Header.Set("Accept", "application/json")
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		if resp.StatusCode >= 300 {
			return nil, &APIError{Status: resp.StatusCode, Code: "HTTP_ERROR", Message: strings.TrimSpace(string(data))}
		}
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Code: "HTTP_ERROR", Message: http.StatusText(resp.StatusCode)}
		if result.Error != nil {
			apiErr.Code = result.Error.Code
			apiErr.Message = result.Error.Message
		}
		return nil, apiErr
	}
	return &result, nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func decodeData[T any](res *Result, fallback string) (*T, error) {
	if err := res.Err(fallback); err != nil {
		return nil, err
	}
	var v T
	if err := res.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", fallback, err)
	}
	return &v, nil
}

// ============================================================================
// Backend implementation
// ============================================================================

func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	return c.Conversations.List(ctx)
}

func (c *Client) FetchMessages(ctx context.Context, conversationID, cursor string, limit int) (*Page, error) {
	return c.Messages.Page(ctx, conversationID, &PageOptions{Cursor: cursor, Limit: limit})
}

func (c *Client) SendMessage(ctx context.Context, req *SendRequest) (*SendResult, error) {
	return c.Messages.Send(ctx, req)
}

func (c *Client) UploadImage(ctx context.Context, file ImageFile) (*UploadResult, error) {
	return c.Images.Upload(ctx, file)
}

// ============================================================================
// Sub-Clients
// ============================================================================

// ConversationsClient lists the current user's conversations.
type ConversationsClient struct{ c *Client }

func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	res, err := cv.c.doRequest(ctx, "GET", "/api/chat/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	list, err := decodeData[[]Conversation](res, "list conversations")
	if err != nil {
		return nil, err
	}
	return *list, nil
}

// PageOptions selects one page of message history.
type PageOptions struct {
	Cursor string
	Limit  int
}

// MessagesClient reads and sends messages.
type MessagesClient struct{ c *Client }

// Page fetches one page of history. An empty cursor returns the newest page.
func (m *MessagesClient) Page(ctx context.Context, conversationID string, opts *PageOptions) (*Page, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversationID is required")
	}
	var query map[string]string
	if opts != nil {
		query = map[string]string{}
		if opts.Limit > 0 {
			query["limit"] = strconv.Itoa(opts.Limit)
		}
		if opts.Cursor != "" {
			query["cursor"] = opts.Cursor
		}
	}
	res, err := m.c.doRequest(ctx, "GET", "/api/chat/conversations/"+url.PathEscape(conversationID)+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeData[Page](res, "fetch messages")
}

// Send submits a message. ConversationID may be nil for a new thread.
func (m *MessagesClient) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	if req == nil || req.RecipientID == "" && req.ConversationID == nil {
		return nil, ErrNoRecipient
	}
	if req.ImageURLs == nil {
		req.ImageURLs = []string{}
	}
	res, err := m.c.doRequest(ctx, "POST", "/api/chat/messages", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[SendResult](res, "send message")
}

// ImagesClient uploads chat images.
type ImagesClient struct{ c *Client }

// Upload posts one image as multipart form data and returns its hosted URL.
func (f *ImagesClient) Upload(ctx context.Context, file ImageFile) (*UploadResult, error) {
	if file.Name == "" {
		return nil, fmt.Errorf("file name is required")
	}
	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(file.Name)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreatePart(map[string][]string{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename=%q`, file.Name)},
		"Content-Type":        {mimeType},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", f.c.baseURL+"/api/chat/images", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	res, err := f.c.do(req)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", file.Name, err)
	}
	uploaded, err := decodeData[UploadResult](res, "upload image")
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", file.Name, err)
	}
	return uploaded, nil
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Not in every platform's builtin registry
	fallback := map[string]string{
		".webp": "image/webp", ".jpg": "image/jpeg", ".jpeg": "image/jpeg",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

// ============================================================================
// Realtime factory
// ============================================================================

// RealtimeFactory builds realtime clients against the client's base URL.
type RealtimeFactory struct{ c *Client }

// WSUrl returns the WebSocket URL.
func (r *RealtimeFactory) WSUrl(token string) string {
	base := strings.Replace(r.c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/ws?token=" + url.QueryEscape(token)
	}
	return base + "/ws"
}

// SSEUrl returns the SSE URL.
func (r *RealtimeFactory) SSEUrl(token string) string {
	if token != "" {
		return r.c.baseURL + "/sse?token=" + url.QueryEscape(token)
	}
	return r.c.baseURL + "/sse"
}

// ConnectWS creates a WebSocket realtime client. Call Connect() to establish the connection.
func (r *RealtimeFactory) ConnectWS(config *RealtimeConfig) *RealtimeWSClient {
	return NewRealtimeWSClient(r.WSUrl(config.Token), config)
}

// ConnectSSE creates an SSE realtime client. Call Connect() to establish the connection.
func (r *RealtimeFactory) ConnectSSE(config *RealtimeConfig) *RealtimeSSEClient {
	return NewRealtimeSSEClient(r.SSEUrl(config.Token), config)
}
