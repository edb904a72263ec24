package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EngineState is the widget state.
type EngineState int

const (
	EngineClosed EngineState = iota
	EngineListLoading
	EngineListReady
	EngineConversationSelected
	EngineMessagesLoading
	EngineMessagesReady
)

func (s EngineState) String() string {
	switch s {
	case EngineListLoading:
		return "list_loading"
	case EngineListReady:
		return "list_ready"
	case EngineConversationSelected:
		return "conversation_selected"
	case EngineMessagesLoading:
		return "messages_loading"
	case EngineMessagesReady:
		return "messages_ready"
	default:
		return "closed"
	}
}

// Flags are the sub-states of an open conversation.
type Flags struct {
	Sending      bool `json:"sending"`
	LoadingOlder bool `json:"loadingOlder"`
	Uploading    bool `json:"uploading"`
}

// Notice is a user-facing failure message raised by an engine operation.
type Notice struct {
	Op      string    `json:"op"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
	At      time.Time `json:"at"`
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Role is the current user's side of every conversation.
	Role              Role
	PageSize          int
	MaxImages         int
	MaxImageSize      int64
	UploadConcurrency int
	ViewStatePolicy   ViewStatePolicy
	// Badge receives unread totals. Share one hub across the session.
	Badge *UnreadHub
	// Source is the push channel. Nil disables realtime updates.
	Source  EventSource
	Metrics *Metrics
	Logger  *zap.Logger
}

func (c *EngineConfig) defaults() {
	if c.Role == "" {
		c.Role = RoleBuyer
	}
	if c.PageSize <= 0 {
		c.PageSize = 20
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
}

// background tracks goroutines started on behalf of one widget-open session.
type background struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

func newBackground() *background {
	ctx, cancel := context.WithCancel(context.Background())
	return &background{ctx: ctx, cancel: cancel}
}

// stoppedBackground is the group of an engine that has never been opened.
func stoppedBackground() *background {
	return &background{ctx: context.Background(), cancel: func() {}, stopped: true}
}

func (b *background) Go(fn func(ctx context.Context)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(b.ctx)
	}()
	return true
}

func (b *background) wait() { b.wg.Wait() }

func (b *background) stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
}

// Engine is the conversation sync engine behind one chat widget.
//
// The conversation store and the view-state tracker live as long as the
// engine. The message window, the composer and the realtime subscription
// live from Open to Close.
type Engine struct {
	cfg      EngineConfig
	log      *zap.Logger
	views    *ViewState
	store    *ConversationStore
	window   *MessageWindow
	composer *Composer
	sender   *sendPipeline
	bridge   *Bridge

	mu       sync.Mutex
	state    EngineState
	selected *Conversation
	selGen   uint64
	sending  bool
	uploads  int
	bg       *background
	notice   *Notice

	notices observers[Notice]
}

// NewEngine wires an engine over backend. It starts closed.
func NewEngine(backend Backend, config *EngineConfig) *Engine {
	var cfg EngineConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	e := &Engine{
		cfg:   cfg,
		log:   cfg.Logger,
		views: NewViewState(cfg.ViewStatePolicy),
		bg:    stoppedBackground(),
	}
	e.window = NewMessageWindow(backend, &WindowConfig{
		PageSize: cfg.PageSize,
		Metrics:  cfg.Metrics,
		Logger:   cfg.Logger,
		OnOpened: func(id string) { e.store.MarkViewed(id) },
	})
	e.store = NewConversationStore(backend, &StoreConfig{
		Role:             cfg.Role,
		ViewState:        e.views,
		Badge:            cfg.Badge,
		Metrics:          cfg.Metrics,
		Logger:           cfg.Logger,
		OpenConversation: e.window.ConversationID,
	})
	e.composer = NewComposer(backend, &ComposerConfig{
		MaxImages:         cfg.MaxImages,
		MaxImageSize:      cfg.MaxImageSize,
		UploadConcurrency: cfg.UploadConcurrency,
		Metrics:           cfg.Metrics,
		Logger:            cfg.Logger,
	})
	e.sender = &sendPipeline{
		backend: backend,
		store:   e.store,
		window:  e.window,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
	}
	if cfg.Source != nil {
		e.bridge = &Bridge{
			source:  cfg.Source,
			role:    cfg.Role,
			window:  e.window,
			store:   e.store,
			badge:   cfg.Badge,
			refresh: e.refreshInBackground,
			metrics: cfg.Metrics,
			log:     cfg.Logger,
		}
	}
	return e
}

// ============================================================================
// Lifecycle
// ============================================================================

// Open shows the widget: it subscribes to realtime events and loads the
// conversation list. Opening an open engine does nothing.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	if e.state != EngineClosed {
		e.mu.Unlock()
		return nil
	}
	e.state = EngineListLoading
	e.bg = newBackground()
	e.mu.Unlock()
	e.log.Debug("chat opened")

	var connErr error
	if e.bridge != nil {
		if err := e.bridge.Attach(ctx); err != nil {
			connErr = e.fail("connect", err)
		}
	}

	err := e.store.Refresh(ctx)
	e.mu.Lock()
	if e.state == EngineListLoading {
		e.state = EngineListReady
	}
	e.mu.Unlock()
	if err != nil {
		err = e.fail("refresh", err)
	}
	return errors.Join(connErr, err)
}

// Close hides the widget. The realtime subscription, the window and the
// composer are discarded; the store and the view state are kept. Close
// returns after background work has stopped.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.state == EngineClosed {
		e.mu.Unlock()
		return nil
	}
	e.state = EngineClosed
	e.selected = nil
	e.selGen++
	bg := e.bg
	e.mu.Unlock()

	var err error
	if e.bridge != nil {
		err = e.bridge.Detach()
	}
	e.window.Reset()
	e.composer.Reset()
	bg.stop()
	e.log.Debug("chat closed")
	return err
}

func (e *Engine) refreshInBackground() {
	e.mu.Lock()
	bg := e.bg
	e.mu.Unlock()
	bg.Go(func(ctx context.Context) {
		if err := e.store.Refresh(ctx); err != nil && ctx.Err() == nil {
			e.fail("refresh", err)
		}
	})
}

// wait blocks until background work started so far has finished.
func (e *Engine) wait() {
	e.mu.Lock()
	bg := e.bg
	e.mu.Unlock()
	bg.wait()
}

func (e *Engine) isOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state != EngineClosed
}

// ============================================================================
// Actions
// ============================================================================

// Refresh reloads the conversation list.
func (e *Engine) Refresh(ctx context.Context) error {
	if !e.isOpen() {
		return ErrClosed
	}
	if err := e.store.Refresh(ctx); err != nil {
		return e.fail("refresh", err)
	}
	return nil
}

// OpenChatWith opens the widget if needed and selects the conversation with
// partner, creating a not-yet-persisted one when none exists.
func (e *Engine) OpenChatWith(ctx context.Context, partner Partner) error {
	if partner.ID == "" {
		return e.fail("open_chat", ErrNoRecipient)
	}
	if err := e.Open(ctx); err != nil && !e.store.Loaded() {
		return err
	}
	conv, ok := e.store.Find(partner.ID)
	if !ok {
		conv = e.store.AddPlaceholder(partner)
		e.log.Debug("new conversation placeholder", zap.String("partner_id", partner.ID))
	}
	return e.Select(ctx, conv)
}

// Select opens conv in the message window. Selecting another conversation
// while a page is loading discards that page when it lands.
func (e *Engine) Select(ctx context.Context, conv Conversation) error {
	e.mu.Lock()
	if e.state == EngineClosed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.selGen++
	gen := e.selGen
	c := conv.clone()
	e.selected = &c
	e.state = EngineConversationSelected
	if conv.Persisted() {
		e.state = EngineMessagesLoading
	}
	e.mu.Unlock()

	err := e.window.Open(ctx, conv.ID)

	e.mu.Lock()
	current := e.selGen == gen
	if current {
		e.state = EngineMessagesReady
	}
	e.mu.Unlock()
	if err != nil && current {
		return e.fail("open", err)
	}
	return nil
}

// Deselect returns to the conversation list.
func (e *Engine) Deselect() {
	e.mu.Lock()
	if e.state == EngineClosed {
		e.mu.Unlock()
		return
	}
	e.selected = nil
	e.selGen++
	e.state = EngineListReady
	e.mu.Unlock()
	e.window.Reset()
}

// LoadOlder prepends the next page of history. It reports whether a page
// was loaded.
func (e *Engine) LoadOlder(ctx context.Context) (bool, error) {
	if !e.isOpen() {
		return false, ErrClosed
	}
	ok, err := e.window.LoadOlder(ctx)
	if err != nil {
		return false, e.fail("load_older", err)
	}
	return ok, nil
}

// Send submits text plus the pending images to the selected conversation.
// On success the composer is cleared; on failure it keeps its content.
func (e *Engine) Send(ctx context.Context, text string) (*Message, error) {
	e.mu.Lock()
	if e.state == EngineClosed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	var p SendParams
	if e.selected != nil {
		p.ConversationID = e.selected.ID
		p.PartnerID = e.selected.Partner.ID
	}
	p.Text = text
	p.ImageURLs = e.composer.PendingImages()
	if err := p.check(); err != nil {
		e.mu.Unlock()
		return nil, e.fail("send", err)
	}
	// EngineConversationSelected lasts until the window has opened.
	if e.sending || e.uploads > 0 || e.state == EngineConversationSelected {
		e.mu.Unlock()
		return nil, e.fail("send", ErrBusy)
	}
	e.sending = true
	gen := e.selGen
	windowGen := e.window.Generation()
	e.mu.Unlock()

	e.composer.SetText(text)
	msg, err := e.sender.Send(ctx, p, windowGen)

	e.mu.Lock()
	e.sending = false
	if err == nil && e.selGen == gen && e.selected != nil && !e.selected.Persisted() {
		e.selected.ID = msg.ConversationID
	}
	e.mu.Unlock()

	if err != nil {
		return nil, e.fail("send", err)
	}
	e.composer.Reset()
	return msg, nil
}

// AttachImages uploads files for the next message. The composer is locked
// while a send is in flight.
func (e *Engine) AttachImages(ctx context.Context, files []ImageFile) ([]string, error) {
	e.mu.Lock()
	if e.state == EngineClosed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if e.sending {
		e.mu.Unlock()
		return nil, e.fail("upload", ErrBusy)
	}
	e.uploads++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.uploads--
		e.mu.Unlock()
	}()

	urls, err := e.composer.AttachImages(ctx, files)
	if err != nil {
		return urls, e.fail("upload", err)
	}
	return urls, nil
}

// RemoveImage drops a pending image.
func (e *Engine) RemoveImage(i int) error {
	e.mu.Lock()
	sending := e.sending
	e.mu.Unlock()
	if sending {
		return e.fail("remove_image", ErrBusy)
	}
	if err := e.composer.RemoveImage(i); err != nil {
		return e.fail("remove_image", err)
	}
	return nil
}

// ============================================================================
// Views
// ============================================================================

// Conversations returns the filtered conversation list.
func (e *Engine) Conversations(query string, tab Tab) []ConversationView {
	return e.store.Filter(query, tab)
}

// Window returns a copy of the message window.
func (e *Engine) Window() WindowSnapshot {
	return e.window.Snapshot()
}

// Selected returns the selected conversation.
func (e *Engine) Selected() (Conversation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.selected == nil {
		return Conversation{}, false
	}
	return e.selected.clone(), true
}

// State returns the widget state.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Flags returns the sub-states of the open conversation.
func (e *Engine) Flags() Flags {
	e.mu.Lock()
	sending := e.sending
	e.mu.Unlock()
	return Flags{
		Sending:      sending,
		LoadingOlder: e.window.Snapshot().LoadingOlder,
		Uploading:    e.composer.Uploading(),
	}
}

// Notice returns the last notice raised.
func (e *Engine) Notice() (Notice, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.notice == nil {
		return Notice{}, false
	}
	return *e.notice, true
}

// OnNotice registers fn for every notice raised.
func (e *Engine) OnNotice(fn func(Notice)) (unsubscribe func()) {
	return e.notices.add(fn)
}

// OnWindowChange registers fn for message window changes.
func (e *Engine) OnWindowChange(fn func(WindowChange)) (unsubscribe func()) {
	return e.window.Subscribe(fn)
}

// Draft returns the composer's text and pending images.
func (e *Engine) Draft() (string, []string) {
	return e.composer.Text(), e.composer.PendingImages()
}

// Store returns the conversation store.
func (e *Engine) Store() *ConversationStore { return e.store }

// ViewState returns the view-state tracker.
func (e *Engine) ViewState() *ViewState { return e.views }

// Badge returns the unread hub.
func (e *Engine) Badge() *UnreadHub { return e.cfg.Badge }

// ============================================================================
// Notices
// ============================================================================

// fail raises a notice for err and returns err.
func (e *Engine) fail(op string, err error) error {
	n := Notice{Op: op, Message: noticeMessage(op, err, e.cfg.maxImages()), Err: err, At: time.Now()}
	e.mu.Lock()
	e.notice = &n
	e.mu.Unlock()
	e.log.Warn("chat operation failed", zap.String("op", op), zap.Error(err))
	e.notices.notify(n)
	return err
}

func (c EngineConfig) maxImages() int {
	if c.MaxImages > 0 {
		return c.MaxImages
	}
	return DefaultMaxImages
}

func noticeMessage(op string, err error, maxImages int) string {
	switch {
	case errors.Is(err, ErrEmptyMessage):
		return "Type a message or attach an image."
	case errors.Is(err, ErrNoRecipient):
		return "Choose a conversation first."
	case errors.Is(err, ErrTooManyImages):
		return fmt.Sprintf("You can attach up to %d images.", maxImages)
	case errors.Is(err, ErrUnsupportedImage):
		return "Only JPEG, PNG, GIF and WebP images can be attached."
	case errors.Is(err, ErrImageTooLarge):
		return "That image is too large."
	case errors.Is(err, ErrBusy):
		return "Please wait for the current action to finish."
	case errors.Is(err, ErrNoSuchImage):
		return "That image is no longer attached."
	}
	switch op {
	case "send":
		return "Message could not be sent. Please try again."
	case "upload":
		return "Image upload failed. Please try again."
	case "open", "load_older":
		return "Messages could not be loaded. Please try again."
	case "connect":
		return "Live updates are unavailable."
	default:
		return "Conversations could not be loaded. Please try again."
	}
}
