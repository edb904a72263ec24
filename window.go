package chatsync

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// WindowChangeKind describes how the window's message sequence changed.
type WindowChangeKind int

const (
	// WindowReplaced means the whole sequence was swapped.
	WindowReplaced WindowChangeKind = iota
	// WindowPrepended means older messages were added at the front.
	WindowPrepended
	// WindowAppended means one message was added at the end.
	WindowAppended
)

func (k WindowChangeKind) String() string {
	switch k {
	case WindowPrepended:
		return "prepended"
	case WindowAppended:
		return "appended"
	default:
		return "replaced"
	}
}

// WindowChange is delivered to window observers after each mutation.
// Messages holds the added records, or the full sequence for WindowReplaced.
type WindowChange struct {
	Kind           WindowChangeKind
	ConversationID string
	Messages       []Message
	ScrollToNewest bool
}

// WindowSnapshot is a read-only copy of the window.
type WindowSnapshot struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
	NextCursor     string    `json:"nextCursor,omitempty"`
	HasMore        bool      `json:"hasMore"`
	Loading        bool      `json:"loading"`
	LoadingOlder   bool      `json:"loadingOlder"`
}

// WindowConfig configures a MessageWindow.
type WindowConfig struct {
	PageSize int
	Metrics  *Metrics
	Logger   *zap.Logger
	// OnOpened runs after the first page of a conversation is installed.
	OnOpened func(conversationID string)
}

func (c *WindowConfig) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = 20
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.OnOpened == nil {
		c.OnOpened = func(string) {}
	}
}

// MessageWindow holds the ordered history of the open conversation.
//
// Each Open starts a new generation; results belonging to an earlier
// generation are discarded when they land. At most one page fetch runs per
// generation.
type MessageWindow struct {
	backend Backend
	cfg     WindowConfig

	mu           sync.Mutex
	gen          uint64
	active       bool
	convID       string
	messages     []Message
	ids          map[string]struct{}
	keys         map[string]struct{}
	cursor       string
	hasMore      bool
	loading      bool
	loadingOlder bool

	subs observers[WindowChange]
}

// NewMessageWindow creates a closed window.
func NewMessageWindow(backend Backend, config *WindowConfig) *MessageWindow {
	var cfg WindowConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &MessageWindow{backend: backend, cfg: cfg}
}

// Subscribe registers fn for window changes.
func (w *MessageWindow) Subscribe(fn func(WindowChange)) (unsubscribe func()) {
	return w.subs.add(fn)
}

// reset clears the window and starts a new generation. Callers hold mu.
func (w *MessageWindow) reset(active bool, conversationID string) uint64 {
	w.gen++
	w.active = active
	w.convID = conversationID
	w.messages = nil
	w.ids = make(map[string]struct{})
	w.keys = make(map[string]struct{})
	w.cursor = ""
	w.hasMore = false
	w.loading = false
	w.loadingOlder = false
	return w.gen
}

// track records the identity of m. Callers hold mu.
func (w *MessageWindow) track(m Message) {
	if m.ID != "" {
		w.ids[m.ID] = struct{}{}
	}
	if m.ClientMsgID != "" {
		w.keys[m.ClientMsgID] = struct{}{}
	}
}

// seen reports whether m is already in the window. Callers hold mu.
func (w *MessageWindow) seen(m Message) bool {
	if m.ClientMsgID != "" {
		if _, ok := w.keys[m.ClientMsgID]; ok {
			return true
		}
	}
	if m.ID != "" && !m.Local {
		if _, ok := w.ids[m.ID]; ok {
			return true
		}
	}
	return false
}

// Open replaces the window with the newest page of conversationID. An empty
// id opens a window for a conversation that does not exist yet, with no
// fetch. A result that lands after another Open is dropped.
func (w *MessageWindow) Open(ctx context.Context, conversationID string) error {
	w.mu.Lock()
	gen := w.reset(true, conversationID)
	w.loading = conversationID != ""
	w.mu.Unlock()

	w.subs.notify(WindowChange{Kind: WindowReplaced, ConversationID: conversationID})
	if conversationID == "" {
		return nil
	}

	page, err := w.backend.FetchMessages(ctx, conversationID, "", w.cfg.PageSize)
	w.cfg.Metrics.RecordPage("first", err)

	w.mu.Lock()
	if w.gen != gen {
		w.mu.Unlock()
		w.cfg.Metrics.RecordStale("open")
		w.cfg.Logger.Debug("discarding stale page", zap.String("conversation_id", conversationID))
		return nil
	}
	w.loading = false
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("open conversation %s: %w", conversationID, err)
	}
	msgs := sortedPage(page.Messages)
	w.messages = msgs
	for _, m := range msgs {
		w.track(m)
	}
	w.cursor = page.NextCursor
	w.hasMore = page.HasMore
	out := cloneMessages(msgs)
	w.mu.Unlock()

	w.subs.notify(WindowChange{
		Kind:           WindowReplaced,
		ConversationID: conversationID,
		Messages:       out,
		ScrollToNewest: true,
	})
	w.cfg.OnOpened(conversationID)
	return nil
}

// LoadOlder prepends the next older page. It does nothing, and reports
// false, unless more history exists and no fetch is in flight.
func (w *MessageWindow) LoadOlder(ctx context.Context) (bool, error) {
	w.mu.Lock()
	if w.convID == "" || !w.hasMore || w.loading || w.loadingOlder {
		w.mu.Unlock()
		return false, nil
	}
	w.loadingOlder = true
	gen, id, cursor := w.gen, w.convID, w.cursor
	w.mu.Unlock()

	page, err := w.backend.FetchMessages(ctx, id, cursor, w.cfg.PageSize)
	w.cfg.Metrics.RecordPage("older", err)

	w.mu.Lock()
	if w.gen != gen {
		w.mu.Unlock()
		w.cfg.Metrics.RecordStale("older")
		return false, nil
	}
	w.loadingOlder = false
	if err != nil {
		w.mu.Unlock()
		return false, fmt.Errorf("load older messages for %s: %w", id, err)
	}
	var older []Message
	for _, m := range sortedPage(page.Messages) {
		if w.seen(m) {
			continue
		}
		w.track(m)
		older = append(older, m)
	}
	w.messages = append(older, w.messages...)
	w.cursor = page.NextCursor
	w.hasMore = page.HasMore
	out := cloneMessages(older)
	w.mu.Unlock()

	w.subs.notify(WindowChange{Kind: WindowPrepended, ConversationID: id, Messages: out})
	return true, nil
}

// ReceiveRealtime appends msg when it belongs to the open conversation. A
// message whose client key is already in the window is an echo and is
// dropped.
func (w *MessageWindow) ReceiveRealtime(msg Message) bool {
	return w.add(msg)
}

// Append adds a message committed by the send pipeline.
func (w *MessageWindow) Append(msg Message) bool {
	return w.add(msg)
}

func (w *MessageWindow) add(msg Message) bool {
	w.mu.Lock()
	if !w.active || w.convID == "" || msg.ConversationID != w.convID || w.seen(msg) {
		w.mu.Unlock()
		return false
	}
	w.track(msg)
	w.messages = append(w.messages, msg)
	w.mu.Unlock()

	w.subs.notify(WindowChange{
		Kind:           WindowAppended,
		ConversationID: msg.ConversationID,
		Messages:       cloneMessages([]Message{msg}),
		ScrollToNewest: true,
	})
	return true
}

// Generation returns the current window generation. Every Open and Reset
// starts a new one.
func (w *MessageWindow) Generation() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gen
}

// Retarget attaches conversationID to an open window whose conversation had
// no id yet, provided the window is still in generation gen. It reports
// whether the window changed.
func (w *MessageWindow) Retarget(gen uint64, conversationID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gen != gen || !w.active || w.convID != "" || conversationID == "" {
		return false
	}
	w.convID = conversationID
	return true
}

// Reset closes the window and invalidates any fetch in flight.
func (w *MessageWindow) Reset() {
	w.mu.Lock()
	w.reset(false, "")
	w.mu.Unlock()
	w.subs.notify(WindowChange{Kind: WindowReplaced})
}

// ConversationID returns the open conversation, or "" when none is open or
// it has no id yet.
func (w *MessageWindow) ConversationID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.convID
}

// Snapshot returns a copy of the window state.
func (w *MessageWindow) Snapshot() WindowSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WindowSnapshot{
		ConversationID: w.convID,
		Messages:       cloneMessages(w.messages),
		NextCursor:     w.cursor,
		HasMore:        w.hasMore,
		Loading:        w.loading,
		LoadingOlder:   w.loadingOlder,
	}
}

func sortedPage(msgs []Message) []Message {
	out := cloneMessages(msgs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func cloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		if m.Images != nil {
			m.Images = append([]string(nil), m.Images...)
		}
		out[i] = m
	}
	return out
}
