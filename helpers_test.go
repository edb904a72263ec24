package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testMessage(id, conv string, minute int) Message {
	return Message{
		ID:             id,
		ConversationID: conv,
		SenderRole:     RoleSeller,
		Content:        "message " + id,
		CreatedAt:      baseTime.Add(time.Duration(minute) * time.Minute),
	}
}

func testConversation(id, partnerID, name string, buyerUnread int) Conversation {
	return Conversation{
		ID:            id,
		Partner:       Partner{ID: partnerID, DisplayName: name},
		LastMessage:   "hello from " + name,
		LastMessageAt: baseTime,
		UnreadCounts:  map[Role]int{RoleBuyer: buyerUnread, RoleSeller: 0},
	}
}

func messageIDs(msgs []Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// waitFor receives from ch or fails the test.
func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting")
	}
	var zero T
	return zero
}

// ============================================================================
// fakeBackend
// ============================================================================

// fakeBackend is an in-memory Backend. Page fetches can be held open with
// gate, keyed by "conversationID|cursor".
type fakeBackend struct {
	mu sync.Mutex

	listFn   func(call int) ([]Conversation, error)
	listGate map[int]chan struct{}
	pages    map[string]*Page
	pageErr  map[string]error
	gates    map[string]chan struct{}
	started  chan string
	sendFn   func(req *SendRequest) (*SendResult, error)
	sendGate chan struct{}
	uploadFn func(f ImageFile) (*UploadResult, error)

	listCalls   int
	pageCalls   int
	sendCalls   int
	uploadCalls int
	fetches     []string
	sent        []*SendRequest
}

func newFakeBackend(convs ...Conversation) *fakeBackend {
	return &fakeBackend{
		listFn:   func(int) ([]Conversation, error) { return convs, nil },
		listGate: make(map[int]chan struct{}),
		pages:    make(map[string]*Page),
		pageErr:  make(map[string]error),
		gates:    make(map[string]chan struct{}),
		started:  make(chan string, 64),
		uploadFn: func(f ImageFile) (*UploadResult, error) {
			return &UploadResult{URL: "https://cdn.example/" + f.Name}, nil
		},
	}
}

func (f *fakeBackend) setPage(conv, cursor string, p *Page) {
	f.mu.Lock()
	f.pages[conv+"|"+cursor] = p
	f.mu.Unlock()
}

func (f *fakeBackend) gate(conv, cursor string) chan struct{} {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[conv+"|"+cursor] = ch
	f.mu.Unlock()
	return ch
}

func (f *fakeBackend) calls() (list, page, send, upload int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.pageCalls, f.sendCalls, f.uploadCalls
}

func (f *fakeBackend) ListConversations(ctx context.Context) ([]Conversation, error) {
	f.mu.Lock()
	f.listCalls++
	call := f.listCalls
	gate := f.listGate[call]
	fn := f.listFn
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return fn(call)
}

func (f *fakeBackend) FetchMessages(ctx context.Context, conversationID, cursor string, limit int) (*Page, error) {
	key := conversationID + "|" + cursor
	f.mu.Lock()
	f.pageCalls++
	f.fetches = append(f.fetches, key)
	gate := f.gates[key]
	page, err := f.pages[key], f.pageErr[key]
	f.mu.Unlock()

	f.started <- key
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if page == nil {
		return &Page{}, nil
	}
	cp := *page
	cp.Messages = cloneMessages(page.Messages)
	return &cp, nil
}

func (f *fakeBackend) SendMessage(ctx context.Context, req *SendRequest) (*SendResult, error) {
	f.mu.Lock()
	f.sendCalls++
	f.sent = append(f.sent, req)
	fn, gate := f.sendFn, f.sendGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fn == nil {
		return nil, fmt.Errorf("send not configured")
	}
	return fn(req)
}

func (f *fakeBackend) UploadImage(ctx context.Context, file ImageFile) (*UploadResult, error) {
	f.mu.Lock()
	f.uploadCalls++
	fn := f.uploadFn
	f.mu.Unlock()
	return fn(file)
}

// ============================================================================
// fakeSource
// ============================================================================

// fakeSource is an EventSource driven by the test.
type fakeSource struct {
	*eventDispatcher

	mu          sync.Mutex
	state       RealtimeState
	connectErr  error
	connects    int
	disconnects int
}

func newFakeSource() *fakeSource {
	return &fakeSource{eventDispatcher: newEventDispatcher(), state: StateDisconnected}
}

func (s *fakeSource) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.connectErr != nil {
		return s.connectErr
	}
	s.state = StateConnected
	return nil
}

func (s *fakeSource) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	s.state = StateDisconnected
	return nil
}

func (s *fakeSource) State() RealtimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSource) emit(t *testing.T, eventType string, payload any) {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	s.dispatch(RealtimeEnvelope{Type: eventType, Payload: b})
}

// handlerCount returns the number of registered CHAT and NOTIFICATION handlers.
func (s *fakeSource) handlerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventDispatcher.mu.RLock()
	defer s.eventDispatcher.mu.RUnlock()
	return len(s.onChat) + len(s.onNotification)
}
