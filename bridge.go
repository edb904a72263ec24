package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Bridge applies push events from an EventSource to the window, the store
// and the unread hub. It holds at most one subscription at a time.
type Bridge struct {
	source  EventSource
	role    Role
	window  *MessageWindow
	store   *ConversationStore
	badge   *UnreadHub
	refresh func()
	metrics *Metrics
	log     *zap.Logger

	mu       sync.Mutex
	attached bool
	removes  []func()
}

// Attach registers the event handlers and connects the source. Attaching an
// attached bridge does nothing.
func (b *Bridge) Attach(ctx context.Context) error {
	b.mu.Lock()
	if b.attached {
		b.mu.Unlock()
		return nil
	}
	b.attached = true
	b.removes = []func(){
		b.source.OnChat(b.handleChat),
		b.source.OnNotification(b.handleNotification),
	}
	b.mu.Unlock()

	if err := b.source.Connect(ctx); err != nil {
		b.unregister()
		return fmt.Errorf("connect realtime: %w", err)
	}
	return nil
}

// Detach unregisters the handlers and disconnects the source. It is safe to
// call on a bridge that was never attached.
func (b *Bridge) Detach() error {
	if !b.unregister() {
		return nil
	}
	return b.source.Disconnect()
}

func (b *Bridge) unregister() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attached {
		return false
	}
	for _, remove := range b.removes {
		remove()
	}
	b.removes = nil
	b.attached = false
	return true
}

// Attached reports whether the bridge holds a subscription.
func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attached
}

// localMessage shapes a CHAT payload as a message with a temporary id.
func localMessage(ev ChatEvent) Message {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return Message{
		ID:             "local-" + uuid.NewString(),
		ConversationID: ev.ConversationID,
		SenderRole:     ev.Sender,
		SenderID:       ev.SenderID,
		Content:        ev.Content,
		Images:         ev.Images,
		CreatedAt:      createdAt,
		ClientMsgID:    ev.ClientMsgID,
		Local:          true,
	}
}

func (b *Bridge) handleChat(ev ChatEvent) {
	if ev.ConversationID == "" {
		b.metrics.RecordEvent(EventChat, "invalid")
		b.log.Warn("dropping CHAT event without conversation id")
		return
	}

	outcome := "dropped"
	if b.window.ReceiveRealtime(localMessage(ev)) {
		outcome = "appended"
	}
	if ev.Sender != b.role && b.window.ConversationID() == ev.ConversationID {
		b.store.MarkViewed(ev.ConversationID)
	}
	b.metrics.RecordEvent(EventChat, outcome)
	b.log.Debug("chat event", zap.String("conversation_id", ev.ConversationID), zap.String("outcome", outcome))

	b.refresh()
}

func (b *Bridge) handleNotification(ev NotificationEvent) {
	if ev.Count > 0 {
		b.badge.SetNotifications(ev.Count)
	} else {
		b.badge.AddNotifications(1)
	}
	b.metrics.RecordEvent(EventNotification, "applied")
}
