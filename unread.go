package chatsync

import "sync"

// observers is a goroutine-safe list of callbacks. Callbacks run outside the
// lock, in registration order.
type observers[T any] struct {
	mu     sync.Mutex
	nextID int
	list   handlerList[func(T)]
}

func (o *observers[T]) add(fn func(T)) func() {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.list = append(o.list, handlerEntry[func(T)]{id, fn})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			o.list = o.list.without(id)
			o.mu.Unlock()
		})
	}
}

func (o *observers[T]) notify(v T) {
	o.mu.Lock()
	fns := o.list.funcs()
	o.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Badge is the unread summary shown outside the chat widget.
type Badge struct {
	ChatUnread    int `json:"chatUnread"`
	Notifications int `json:"notifications"`
}

// UnreadHub broadcasts unread totals to every interested component. Build one
// per application session and pass it to each engine and view that needs it.
type UnreadHub struct {
	mu    sync.Mutex
	badge Badge
	subs  observers[Badge]
}

// NewUnreadHub creates a hub with zero counts.
func NewUnreadHub() *UnreadHub {
	return &UnreadHub{}
}

// Badge returns the current totals.
func (h *UnreadHub) Badge() Badge {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.badge
}

// Subscribe calls fn with the current totals and again on every change.
func (h *UnreadHub) Subscribe(fn func(Badge)) (unsubscribe func()) {
	unsubscribe = h.subs.add(fn)
	fn(h.Badge())
	return unsubscribe
}

// SetChatUnread publishes the effective chat unread total.
func (h *UnreadHub) SetChatUnread(n int) {
	h.update(func(b *Badge) { b.ChatUnread = n })
}

// SetNotifications publishes the notification count.
func (h *UnreadHub) SetNotifications(n int) {
	h.update(func(b *Badge) { b.Notifications = n })
}

// AddNotifications raises the notification count by n.
func (h *UnreadHub) AddNotifications(n int) {
	h.update(func(b *Badge) { b.Notifications += n })
}

func (h *UnreadHub) update(apply func(*Badge)) {
	h.mu.Lock()
	before := h.badge
	apply(&h.badge)
	after := h.badge
	h.mu.Unlock()
	if after != before {
		h.subs.notify(after)
	}
}
