package chatsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Tab selects which conversations a filtered view shows.
type Tab string

const (
	TabAll    Tab = "all"
	TabUnread Tab = "unread"
	TabRead   Tab = "read"
)

// ParseTab parses a tab name. The empty string means TabAll.
func ParseTab(s string) (Tab, error) {
	switch Tab(strings.ToLower(strings.TrimSpace(s))) {
	case "", TabAll:
		return TabAll, nil
	case TabUnread:
		return TabUnread, nil
	case TabRead:
		return TabRead, nil
	}
	return "", fmt.Errorf("unknown tab %q (want all, unread or read)", s)
}

// ConversationView is a conversation with its effective unread count.
type ConversationView struct {
	Conversation
	Unread int `json:"unread"`
}

// StoreConfig configures a ConversationStore.
type StoreConfig struct {
	Role      Role
	ViewState *ViewState
	Badge     *UnreadHub
	Metrics   *Metrics
	Logger    *zap.Logger
	// OpenConversation reports the conversation on screen when a refresh
	// lands. Only the ViewStateRefresh policy consults it.
	OpenConversation func() string
}

func (c *StoreConfig) defaults() {
	if c.Role == "" {
		c.Role = RoleBuyer
	}
	if c.ViewState == nil {
		c.ViewState = NewViewState(ViewStateSession)
	}
	if c.Badge == nil {
		c.Badge = NewUnreadHub()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.OpenConversation == nil {
		c.OpenConversation = func() string { return "" }
	}
}

// ConversationStore owns the current user's conversation list.
//
// The server list is replaced wholesale on every refresh. Conversations
// opened with a new partner are kept as placeholders beside it until the
// server list contains a conversation with that partner.
type ConversationStore struct {
	backend Backend
	cfg     StoreConfig

	mu           sync.RWMutex
	list         []Conversation
	placeholders []Conversation
	loaded       bool
	started      uint64
	applied      uint64
}

// NewConversationStore creates an empty store.
func NewConversationStore(backend Backend, config *StoreConfig) *ConversationStore {
	var cfg StoreConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &ConversationStore{backend: backend, cfg: cfg}
}

// Refresh fetches the full list and replaces the collection. A refresh that
// started before the last applied one is discarded. On failure the previous
// list is kept.
func (s *ConversationStore) Refresh(ctx context.Context) error {
	s.mu.Lock()
	s.started++
	seq := s.started
	s.mu.Unlock()

	start := time.Now()
	list, err := s.backend.ListConversations(ctx)
	s.cfg.Metrics.RecordRefresh(err, time.Since(start))
	if err != nil {
		return fmt.Errorf("refresh conversations: %w", err)
	}

	s.mu.Lock()
	if seq < s.applied {
		s.mu.Unlock()
		s.cfg.Metrics.RecordStale("refresh")
		s.cfg.Logger.Debug("discarding stale conversation refresh", zap.Uint64("seq", seq))
		return nil
	}
	s.applied = seq
	s.list = make([]Conversation, len(list))
	partners := make(map[string]struct{}, len(list))
	for i, c := range list {
		s.list[i] = c.clone()
		partners[c.Partner.ID] = struct{}{}
	}
	kept := s.placeholders[:0:0]
	for _, p := range s.placeholders {
		if _, ok := partners[p.Partner.ID]; !ok {
			kept = append(kept, p)
		}
	}
	s.placeholders = kept
	s.loaded = true
	s.mu.Unlock()

	s.cfg.ViewState.onRefresh(s.cfg.OpenConversation())
	s.publishUnread()
	s.cfg.Logger.Debug("conversations refreshed", zap.Int("count", len(list)))
	return nil
}

// Loaded reports whether at least one refresh has been applied.
func (s *ConversationStore) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Find returns the conversation with partnerID, looking at the server list
// before placeholders.
func (s *ConversationStore) Find(partnerID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.list {
		if c.Partner.ID == partnerID {
			return c.clone(), true
		}
	}
	for _, c := range s.placeholders {
		if c.Partner.ID == partnerID {
			return c.clone(), true
		}
	}
	return Conversation{}, false
}

// Get returns the conversation with the given id.
func (s *ConversationStore) Get(conversationID string) (Conversation, bool) {
	if conversationID == "" {
		return Conversation{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.all() {
		if c.ID == conversationID {
			return c.clone(), true
		}
	}
	return Conversation{}, false
}

// AddPlaceholder returns the conversation with partner, registering a
// not-persisted one if none exists yet.
func (s *ConversationStore) AddPlaceholder(partner Partner) Conversation {
	if c, ok := s.Find(partner.ID); ok {
		return c
	}
	c := Conversation{Partner: partner}
	s.mu.Lock()
	s.placeholders = append(s.placeholders, c)
	s.mu.Unlock()
	return c
}

// Promote attaches a server-assigned id to the placeholder for partnerID.
// It reports whether a placeholder was updated.
func (s *ConversationStore) Promote(partnerID, conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.placeholders {
		if s.placeholders[i].Partner.ID == partnerID && !s.placeholders[i].Persisted() {
			s.placeholders[i].ID = conversationID
			return true
		}
	}
	return false
}

// all returns placeholders followed by the server list. Callers hold mu.
func (s *ConversationStore) all() []Conversation {
	out := make([]Conversation, 0, len(s.placeholders)+len(s.list))
	out = append(out, s.placeholders...)
	return append(out, s.list...)
}

// List returns every conversation, placeholders first.
func (s *ConversationStore) List() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.all()
	for i := range all {
		all[i] = all[i].clone()
	}
	return all
}

// Filter projects the collection by a case-insensitive query on the partner
// name or last message, and by tab. It never fetches.
func (s *ConversationStore) Filter(query string, tab Tab) []ConversationView {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []ConversationView
	for _, c := range s.List() {
		if q != "" &&
			!strings.Contains(strings.ToLower(c.Partner.DisplayName), q) &&
			!strings.Contains(strings.ToLower(c.LastMessage), q) {
			continue
		}
		unread := s.cfg.ViewState.EffectiveUnread(c, s.cfg.Role)
		switch tab {
		case TabUnread:
			if unread == 0 {
				continue
			}
		case TabRead:
			if unread > 0 {
				continue
			}
		}
		out = append(out, ConversationView{Conversation: c, Unread: unread})
	}
	return out
}

// EffectiveUnread returns the unread count for c as shown to the user.
func (s *ConversationStore) EffectiveUnread(c Conversation) int {
	return s.cfg.ViewState.EffectiveUnread(c, s.cfg.Role)
}

// TotalUnread sums the effective unread counts.
func (s *ConversationStore) TotalUnread() int {
	total := 0
	for _, c := range s.List() {
		total += s.cfg.ViewState.EffectiveUnread(c, s.cfg.Role)
	}
	return total
}

// MarkViewed records that the user has seen conversationID.
func (s *ConversationStore) MarkViewed(conversationID string) {
	if s.cfg.ViewState.MarkViewed(conversationID) {
		s.publishUnread()
	}
}

func (s *ConversationStore) publishUnread() {
	total := s.TotalUnread()
	s.cfg.Badge.SetChatUnread(total)
	s.cfg.Metrics.UnreadTotal.Set(float64(total))
}
