package chatsync

import "sync"

// ViewStatePolicy decides how long a "viewed" mark overrides the server's
// unread counter.
type ViewStatePolicy int

const (
	// ViewStateSession keeps every mark for the lifetime of the tracker,
	// across widget close and reopen.
	ViewStateSession ViewStatePolicy = iota
	// ViewStateRefresh drops all marks on each conversation list refresh,
	// keeping only the conversation open at that moment.
	ViewStateRefresh
)

func (p ViewStatePolicy) String() string {
	switch p {
	case ViewStateRefresh:
		return "refresh"
	default:
		return "session"
	}
}

// ViewState is the set of conversations the local session has seen since the
// server last reported their unread counters. It is an override layered over
// server data, never a replacement for it.
type ViewState struct {
	mu     sync.RWMutex
	policy ViewStatePolicy
	viewed map[string]struct{}
}

// NewViewState creates an empty tracker.
func NewViewState(policy ViewStatePolicy) *ViewState {
	return &ViewState{
		policy: policy,
		viewed: make(map[string]struct{}),
	}
}

// MarkViewed adds id to the set. Empty ids are ignored. Reports whether the
// set changed.
func (v *ViewState) MarkViewed(id string) bool {
	if id == "" {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.viewed[id]; ok {
		return false
	}
	v.viewed[id] = struct{}{}
	return true
}

// Viewed reports whether id has been marked.
func (v *ViewState) Viewed(id string) bool {
	if id == "" {
		return false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.viewed[id]
	return ok
}

// EffectiveUnread is 0 for a viewed conversation, otherwise the server
// counter for role.
func (v *ViewState) EffectiveUnread(c Conversation, role Role) int {
	if v.Viewed(c.ID) {
		return 0
	}
	return c.UnreadCounts[role]
}

// Len returns the number of marked conversations.
func (v *ViewState) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.viewed)
}

// onRefresh applies the policy after an authoritative list refresh.
// openID is the conversation on screen when the refresh landed.
func (v *ViewState) onRefresh(openID string) {
	if v.policy != ViewStateRefresh {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.viewed = make(map[string]struct{})
	if openID != "" {
		v.viewed[openID] = struct{}{}
	}
}
