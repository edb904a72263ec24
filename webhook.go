package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// WebhookSignatureHeader carries the hex HMAC-SHA256 of the request body,
// optionally prefixed with "sha256=".
const WebhookSignatureHeader = "X-Chat-Signature"

const maxWebhookBody = 1 << 20

// VerifyWebhookSignature checks an HMAC-SHA256 body signature in constant time.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookEnvelope parses a webhook body into a realtime envelope.
func ParseWebhookEnvelope(body string) (*RealtimeEnvelope, error) {
	var env RealtimeEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	switch env.Type {
	case EventChat, EventNotification:
	case "":
		return nil, fmt.Errorf("missing type field in webhook body")
	default:
		return nil, fmt.Errorf("unsupported webhook event: %s", env.Type)
	}
	return &env, nil
}

// WebhookSource is an EventSource fed by signed HTTP posts from the chat
// backend. Mount HTTPHandler on a route the backend can reach. Posts are
// rejected while the source is disconnected.
type WebhookSource struct {
	*eventDispatcher

	secret string
	log    *zap.Logger

	// deliver serializes dispatch so handlers see posts one at a time.
	deliver sync.Mutex
	mu      sync.Mutex
	state   RealtimeState
}

// NewWebhookSource creates a disconnected source verifying posts with secret.
func NewWebhookSource(secret string, log *zap.Logger) (*WebhookSource, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := newEventDispatcher()
	d.log = log
	return &WebhookSource{eventDispatcher: d, secret: secret, log: log, state: StateDisconnected}, nil
}

// Connect starts accepting posts.
func (w *WebhookSource) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	already := w.state == StateConnected
	w.state = StateConnected
	w.mu.Unlock()
	if !already {
		w.emitConnected()
	}
	return nil
}

// Disconnect stops accepting posts.
func (w *WebhookSource) Disconnect() error {
	w.mu.Lock()
	was := w.state == StateConnected
	w.state = StateDisconnected
	w.mu.Unlock()
	if was {
		w.emitDisconnected(1000, "client disconnect")
	}
	return nil
}

// State returns the source state.
func (w *WebhookSource) State() RealtimeState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Handle verifies, parses and dispatches one post. It returns the status
// code and response body for the caller to write.
func (w *WebhookSource) Handle(body, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	if w.State() != StateConnected {
		return http.StatusServiceUnavailable, map[string]string{"error": "Not accepting events"}
	}

	env, err := ParseWebhookEnvelope(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	w.deliver.Lock()
	w.dispatch(*env)
	w.deliver.Unlock()
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook posts.
//
// Example:
//
//	src, _ := chatsync.NewWebhookSource("secret", nil)
//	http.Handle("/chat/webhook", src.HTTPHandler())
func (w *WebhookSource) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		defer r.Body.Close()
		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(WebhookSignatureHeader))
		if statusCode != http.StatusOK {
			w.log.Warn("webhook rejected", zap.Int("status", statusCode))
		}
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
