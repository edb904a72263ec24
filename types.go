package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrEmptyMessage     = errors.New("message has no text and no images")
	ErrNoRecipient      = errors.New("no conversation or partner to send to")
	ErrTooManyImages    = errors.New("too many images")
	ErrUnsupportedImage = errors.New("unsupported image type")
	ErrImageTooLarge    = errors.New("image too large")
	ErrClosed           = errors.New("chat is closed")
	ErrNotConnected     = errors.New("not connected")
	ErrBusy             = errors.New("operation already in progress")
	ErrNoSuchImage      = errors.New("no pending image at that index")
)

// APIError represents a backend error.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
	}
	return e.Code + ": " + e.Message
}

// ============================================================================
// Domain Types
// ============================================================================

// Role is one of the two participant roles of a conversation.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Partner is the other participant of a conversation.
type Partner struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Conversation is a thread between the current user and one partner.
// An empty ID marks a thread that has not been persisted yet.
type Conversation struct {
	ID            string       `json:"conversationId,omitempty"`
	Partner       Partner      `json:"partner"`
	LastMessage   string       `json:"lastMessage,omitempty"`
	LastMessageAt time.Time    `json:"lastMessageAt,omitempty"`
	UnreadCounts  map[Role]int `json:"unreadCounts,omitempty"`
}

// Persisted reports whether the backend has assigned an id.
func (c Conversation) Persisted() bool {
	return c.ID != ""
}

func (c Conversation) clone() Conversation {
	if c.UnreadCounts != nil {
		counts := make(map[Role]int, len(c.UnreadCounts))
		for k, v := range c.UnreadCounts {
			counts[k] = v
		}
		c.UnreadCounts = counts
	}
	return c
}

// Message is a single chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderRole     Role      `json:"senderRole"`
	SenderID       string    `json:"senderId,omitempty"`
	Content        string    `json:"content,omitempty"`
	Images         []string  `json:"images,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	IsRead         bool      `json:"isRead"`
	ClientMsgID    string    `json:"clientMsgId,omitempty"`

	// Local marks a record built on the client from a realtime payload;
	// its ID is temporary.
	Local bool `json:"-"`
}

// Empty reports whether the message has neither text nor images.
func (m Message) Empty() bool {
	return strings.TrimSpace(m.Content) == "" && len(m.Images) == 0
}

// Page is one page of message history, as returned by the backend.
type Page struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

// SendRequest is the body of a send-message call. Nil pointers are sent as
// JSON null.
type SendRequest struct {
	RecipientID    string   `json:"recipientId"`
	Content        *string  `json:"content"`
	ImageURLs      []string `json:"imageUrls"`
	ConversationID *string  `json:"conversationId"`
	ClientMsgID    string   `json:"clientMsgId,omitempty"`
}

// SendResult is the committed message plus its conversation id.
type SendResult struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// ImageFile is an image selected for upload.
type ImageFile struct {
	Name     string
	MimeType string
	Data     []byte
}

// UploadResult is the hosted location of an uploaded image.
type UploadResult struct {
	URL string `json:"url"`
}

// ============================================================================
// Realtime Event Payloads
// ============================================================================

// Event types carried on the push channel.
const (
	EventChat          = "CHAT"
	EventNotification  = "NOTIFICATION"
	EventAuthenticated = "authenticated"
	EventPong          = "pong"
	EventError         = "error"
)

// ChatEvent is the payload of a CHAT event.
type ChatEvent struct {
	ConversationID string    `json:"conversationId"`
	Sender         Role      `json:"sender"`
	SenderID       string    `json:"senderId,omitempty"`
	Content        string    `json:"content,omitempty"`
	Images         []string  `json:"images,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	ClientMsgID    string    `json:"clientMsgId,omitempty"`
}

// NotificationEvent is the payload of a NOTIFICATION event. A zero Count
// announces a single new notification.
type NotificationEvent struct {
	Count int `json:"count"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeEnvelope is the wire format for all realtime events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command (WebSocket only).
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Responses
// ============================================================================

// Result is the generic backend response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Err returns the envelope's error, or a generic one when the envelope is not ok.
func (r *Result) Err(fallback string) error {
	if r.OK {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	return &APIError{Code: "UNKNOWN", Message: fallback}
}
