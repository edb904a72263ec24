package chatsync

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// EventSource is a push channel delivering CHAT and NOTIFICATION events.
// Handlers run on the source's delivery goroutine, in arrival order.
type EventSource interface {
	Connect(ctx context.Context) error
	Disconnect() error
	State() RealtimeState
	OnChat(h func(ChatEvent)) (remove func())
	OnNotification(h func(NotificationEvent)) (remove func())
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures realtime clients.
type RealtimeConfig struct {
	Token         string
	AutoReconnect bool
	// MaxReconnectAttempts defaults to 10; negative means unlimited.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	// RequireAuth makes the WebSocket client wait for an "authenticated"
	// frame before reporting the connection as established.
	RequireAuth bool
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

type handlerEntry[T any] struct {
	id int
	fn T
}

type handlerList[T any] []handlerEntry[T]

func (l handlerList[T]) without(id int) handlerList[T] {
	out := l[:0:0]
	for _, e := range l {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

func (l handlerList[T]) funcs() []T {
	out := make([]T, len(l))
	for i, e := range l {
		out[i] = e.fn
	}
	return out
}

type eventDispatcher struct {
	mu             sync.RWMutex
	nextID         int
	log            *zap.Logger
	generic        map[string]handlerList[RealtimeEventHandler]
	onChat         handlerList[func(ChatEvent)]
	onNotification handlerList[func(NotificationEvent)]
	onError        handlerList[func(RealtimeErrorPayload)]
	onConnected    handlerList[func()]
	onDisconnected handlerList[func(int, string)]
	onReconnecting handlerList[func(int, time.Duration)]
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		log:     zap.NewNop(),
		generic: make(map[string]handlerList[RealtimeEventHandler]),
	}
}

func (d *eventDispatcher) register(add func(id int), del func(id int)) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	add(id)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			del(id)
			d.mu.Unlock()
		})
	}
}

// OnChat registers a handler for CHAT events.
func (d *eventDispatcher) OnChat(h func(ChatEvent)) func() {
	return d.register(
		func(id int) { d.onChat = append(d.onChat, handlerEntry[func(ChatEvent)]{id, h}) },
		func(id int) { d.onChat = d.onChat.without(id) },
	)
}

// OnNotification registers a handler for NOTIFICATION events.
func (d *eventDispatcher) OnNotification(h func(NotificationEvent)) func() {
	return d.register(
		func(id int) {
			d.onNotification = append(d.onNotification, handlerEntry[func(NotificationEvent)]{id, h})
		},
		func(id int) { d.onNotification = d.onNotification.without(id) },
	)
}

// OnError registers a handler for server errors.
func (d *eventDispatcher) OnError(h func(RealtimeErrorPayload)) func() {
	return d.register(
		func(id int) { d.onError = append(d.onError, handlerEntry[func(RealtimeErrorPayload)]{id, h}) },
		func(id int) { d.onError = d.onError.without(id) },
	)
}

// OnConnected registers a handler for the connected meta-event.
func (d *eventDispatcher) OnConnected(h func()) func() {
	return d.register(
		func(id int) { d.onConnected = append(d.onConnected, handlerEntry[func()]{id, h}) },
		func(id int) { d.onConnected = d.onConnected.without(id) },
	)
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (d *eventDispatcher) OnDisconnected(h func(code int, reason string)) func() {
	return d.register(
		func(id int) { d.onDisconnected = append(d.onDisconnected, handlerEntry[func(int, string)]{id, h}) },
		func(id int) { d.onDisconnected = d.onDisconnected.without(id) },
	)
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (d *eventDispatcher) OnReconnecting(h func(attempt int, delay time.Duration)) func() {
	return d.register(
		func(id int) {
			d.onReconnecting = append(d.onReconnecting, handlerEntry[func(int, time.Duration)]{id, h})
		},
		func(id int) { d.onReconnecting = d.onReconnecting.without(id) },
	)
}

// On registers a generic event handler.
func (d *eventDispatcher) On(eventType string, h RealtimeEventHandler) func() {
	return d.register(
		func(id int) {
			d.generic[eventType] = append(d.generic[eventType], handlerEntry[RealtimeEventHandler]{id, h})
		},
		func(id int) { d.generic[eventType] = d.generic[eventType].without(id) },
	)
}

// safeCall swallows panics in user callbacks so one handler cannot kill a read loop.
func (d *eventDispatcher) safeCall(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("realtime handler panicked", zap.String("event", event), zap.Any("panic", r))
		}
	}()
	fn()
}

func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	d.mu.RLock()
	chat := d.onChat.funcs()
	notif := d.onNotification.funcs()
	errs := d.onError.funcs()
	generic := d.generic[env.Type].funcs()
	d.mu.RUnlock()

	switch env.Type {
	case EventChat:
		var p ChatEvent
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			d.log.Warn("dropping malformed CHAT event", zap.Error(err))
			break
		}
		for _, h := range chat {
			d.safeCall(env.Type, func() { h(p) })
		}
	case EventNotification:
		var p NotificationEvent
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				d.log.Warn("dropping malformed NOTIFICATION event", zap.Error(err))
				break
			}
		}
		for _, h := range notif {
			d.safeCall(env.Type, func() { h(p) })
		}
	case EventError:
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range errs {
				d.safeCall(env.Type, func() { h(p) })
			}
		}
	}

	for _, h := range generic {
		d.safeCall(env.Type, func() { h(env.Type, env.Payload) })
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := d.onConnected.funcs()
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safeCall("connected", h)
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := d.onDisconnected.funcs()
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safeCall("disconnected", func() { h(code, reason) })
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := d.onReconnecting.funcs()
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safeCall("reconnecting", func() { h(attempt, delay) })
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the attempt number and its jittered exponential delay.
// A connection that stayed up for a minute resets the attempt counter.
func (r *reconnector) nextDelay() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return r.attempt, delay
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

// RealtimeWSClient is a WebSocket realtime client with auto-reconnect and heartbeat.
type RealtimeWSClient struct {
	*eventDispatcher

	url              string
	config           *RealtimeConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	recon            *reconnector
	lifeCtx          context.Context
	lifeCancel       context.CancelFunc
	cancelFn         context.CancelFunc
	pingCounter      int
	pendingPings     map[string]chan PongPayload
	pendingMu        sync.Mutex
}

// NewRealtimeWSClient creates a WebSocket client for an explicit URL.
func NewRealtimeWSClient(wsURL string, config *RealtimeConfig) *RealtimeWSClient {
	cfg := *config
	cfg.defaults()
	d := newEventDispatcher()
	d.log = cfg.Logger
	return &RealtimeWSClient{
		eventDispatcher: d,
		url:             wsURL,
		config:          &cfg,
		state:           StateDisconnected,
		recon:           newReconnector(&cfg),
		pendingPings:    make(map[string]chan PongPayload),
	}
}

// State returns the current connection state.
func (ws *RealtimeWSClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect establishes the WebSocket connection. The connection lives until
// Disconnect is called; ctx only bounds the dial.
func (ws *RealtimeWSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	if ws.lifeCtx == nil || ws.lifeCtx.Err() != nil {
		ws.lifeCtx, ws.lifeCancel = context.WithCancel(context.Background())
	}
	ws.mu.Unlock()

	return ws.dial(ctx)
}

func (ws *RealtimeWSClient) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, ws.url, &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	if ws.config.RequireAuth {
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			ws.setState(StateDisconnected)
			return fmt.Errorf("read auth message: %w", err)
		}
		var env RealtimeEnvelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
			conn.Close(websocket.StatusNormalClosure, "")
			ws.setState(StateDisconnected)
			return fmt.Errorf("expected '%s', got '%s'", EventAuthenticated, env.Type)
		}
		ws.dispatch(env)
	}

	ws.mu.Lock()
	if ws.intentionalClose {
		ws.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrNotConnected
	}
	ws.conn = conn
	ws.state = StateConnected
	connCtx, cancel := context.WithCancel(ws.lifeCtx)
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.config.Logger.Debug("websocket connected", zap.String("url", redactToken(ws.url)))

	ws.emitConnected()

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)

	return nil
}

func (ws *RealtimeWSClient) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

// Disconnect gracefully closes the connection and stops reconnecting.
func (ws *RealtimeWSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	if ws.lifeCancel != nil {
		ws.lifeCancel()
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()
	ws.recon.reset()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	ws.emitDisconnected(1000, "client disconnect")
	return err
}

// Send sends a raw command over the WebSocket.
func (ws *RealtimeWSClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for pong.
func (ws *RealtimeWSClient) Ping(ctx context.Context) (*PongPayload, error) {
	ws.pendingMu.Lock()
	ws.pingCounter++
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter)
	ch := make(chan PongPayload, 1)
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	forget := func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}

	err := ws.Send(ctx, &RealtimeCommand{
		Type:      "ping",
		Payload:   map[string]string{"requestId": requestID},
		RequestID: requestID,
	})
	if err != nil {
		forget()
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		forget()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (ws *RealtimeWSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if !intentional {
				ws.state = StateDisconnected
				ws.conn = nil
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.config.Logger.Warn("websocket read failed", zap.Error(err))
			ws.emitDisconnected(int(websocket.CloseStatus(err)), err.Error())

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Type == EventPong {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				ch, ok := ws.pendingPings[p.RequestID]
				if ok {
					delete(ws.pendingPings, p.RequestID)
				}
				ws.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
			continue
		}

		ws.dispatch(env)
	}
}

func (ws *RealtimeWSClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}

			if _, err := ws.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				// Heartbeat failed, force close so the read loop reconnects
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeWSClient) scheduleReconnect() {
	ws.mu.Lock()
	life := ws.lifeCtx
	ws.mu.Unlock()

	for ws.recon.shouldReconnect() {
		attempt, delay := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.emitReconnecting(attempt, delay)
		ws.config.Logger.Info("websocket reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))

		if !sleepCtx(life, delay) {
			return
		}

		dialCtx, cancel := context.WithTimeout(life, 30*time.Second)
		err := ws.dial(dialCtx)
		cancel()
		if err == nil {
			return
		}
		ws.config.Logger.Warn("websocket reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	ws.setState(StateDisconnected)
}

func (ws *RealtimeWSClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}

// ============================================================================
// RealtimeSSEClient
// ============================================================================

// RealtimeSSEClient is an SSE realtime client (server-push only) with auto-reconnect.
type RealtimeSSEClient struct {
	*eventDispatcher

	url              string
	config           *RealtimeConfig
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	recon            *reconnector
	lifeCtx          context.Context
	lifeCancel       context.CancelFunc
	cancelFn         context.CancelFunc
	lastDataTime     time.Time
}

// NewRealtimeSSEClient creates an SSE client for an explicit URL.
func NewRealtimeSSEClient(sseURL string, config *RealtimeConfig) *RealtimeSSEClient {
	cfg := *config
	cfg.defaults()
	d := newEventDispatcher()
	d.log = cfg.Logger
	return &RealtimeSSEClient{
		eventDispatcher: d,
		url:             sseURL,
		config:          &cfg,
		state:           StateDisconnected,
		recon:           newReconnector(&cfg),
	}
}

// State returns the current connection state.
func (sse *RealtimeSSEClient) State() RealtimeState {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

// Connect establishes the SSE connection.
func (sse *RealtimeSSEClient) Connect(ctx context.Context) error {
	sse.mu.Lock()
	if sse.state == StateConnected || sse.state == StateConnecting {
		sse.mu.Unlock()
		return nil
	}
	sse.state = StateConnecting
	sse.intentionalClose = false
	if sse.lifeCtx == nil || sse.lifeCtx.Err() != nil {
		sse.lifeCtx, sse.lifeCancel = context.WithCancel(context.Background())
	}
	sse.mu.Unlock()

	return sse.open(ctx)
}

func (sse *RealtimeSSEClient) open(ctx context.Context) error {
	sse.mu.Lock()
	connCtx, cancel := context.WithCancel(sse.lifeCtx)
	sse.mu.Unlock()

	// The stream must outlive ctx, so only the dial is bound to it.
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(connCtx, "GET", sse.url, nil)
	if err != nil {
		stop()
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := sse.config.HTTPClient.Do(req)
	stop()
	if err != nil {
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE connect: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	sse.mu.Lock()
	sse.state = StateConnected
	sse.lastDataTime = time.Now()
	sse.cancelFn = cancel
	sse.mu.Unlock()
	sse.recon.markConnected()
	sse.emitConnected()

	go sse.readLoop(connCtx, resp)
	go sse.heartbeatWatchdog(connCtx, cancel)

	return nil
}

func (sse *RealtimeSSEClient) setState(s RealtimeState) {
	sse.mu.Lock()
	sse.state = s
	sse.mu.Unlock()
}

// Disconnect closes the SSE connection and stops reconnecting.
func (sse *RealtimeSSEClient) Disconnect() error {
	sse.mu.Lock()
	sse.intentionalClose = true
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	if sse.lifeCancel != nil {
		sse.lifeCancel()
	}
	sse.state = StateDisconnected
	sse.mu.Unlock()

	sse.recon.reset()
	sse.emitDisconnected(1000, "client disconnect")
	return nil
}

func (sse *RealtimeSSEClient) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventType string
	var dataLines []string
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := scanner.Text()

		sse.mu.Lock()
		sse.lastDataTime = time.Now()
		sse.mu.Unlock()

		switch {
		case line == "":
			if len(dataLines) > 0 {
				sse.dispatchData(eventType, strings.Join(dataLines, "\n"))
			}
			eventType, dataLines = "", nil
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	sse.mu.Lock()
	intentional := sse.intentionalClose
	if !intentional {
		sse.state = StateDisconnected
	}
	sse.mu.Unlock()
	if intentional {
		return
	}

	sse.emitDisconnected(0, "stream ended")

	if sse.config.AutoReconnect && sse.recon.shouldReconnect() {
		sse.scheduleReconnect()
	}
}

// dispatchData accepts either a full envelope in data, or a bare payload
// with the type in the "event:" field.
func (sse *RealtimeSSEClient) dispatchData(eventType, data string) {
	var env RealtimeEnvelope
	if json.Unmarshal([]byte(data), &env) == nil && env.Type != "" {
		sse.dispatch(env)
		return
	}
	if eventType != "" {
		sse.dispatch(RealtimeEnvelope{Type: eventType, Payload: json.RawMessage(data)})
	}
}

func (sse *RealtimeSSEClient) heartbeatWatchdog(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.mu.Lock()
			stale := time.Since(sse.lastDataTime) > 45*time.Second
			sse.mu.Unlock()
			if stale {
				sse.config.Logger.Warn("SSE stream stale, closing")
				cancel()
				return
			}
		}
	}
}

func (sse *RealtimeSSEClient) scheduleReconnect() {
	sse.mu.Lock()
	life := sse.lifeCtx
	sse.mu.Unlock()

	for sse.recon.shouldReconnect() {
		attempt, delay := sse.recon.nextDelay()
		sse.setState(StateReconnecting)
		sse.emitReconnecting(attempt, delay)

		if !sleepCtx(life, delay) {
			return
		}
		err := sse.open(life)
		if err == nil {
			return
		}
		sse.config.Logger.Warn("SSE reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	sse.setState(StateDisconnected)
}

func redactToken(u string) string {
	if i := strings.Index(u, "token="); i >= 0 {
		return u[:i] + "token=REDACTED"
	}
	return u
}
