package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig configures a NATSSource.
type NATSConfig struct {
	URL   string
	Token string
	// SubjectPrefix defaults to "chat.events"; the source subscribes to
	// "<prefix>.<UserID>".
	SubjectPrefix string
	UserID        string
	Logger        *zap.Logger
	Options       []nats.Option
}

func (c *NATSConfig) defaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "chat.events"
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// NATSSource receives realtime envelopes fanned out over NATS. Each message
// on the user's subject carries one {type, payload} envelope.
type NATSSource struct {
	*eventDispatcher

	cfg   NATSConfig
	mu    sync.Mutex
	conn  *nats.Conn
	sub   *nats.Subscription
	state RealtimeState
}

// NewNATSSource creates a disconnected source.
func NewNATSSource(config *NATSConfig) *NATSSource {
	var cfg NATSConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	d := newEventDispatcher()
	d.log = cfg.Logger
	return &NATSSource{eventDispatcher: d, cfg: cfg, state: StateDisconnected}
}

// Subject returns the subject the source listens on.
func (n *NATSSource) Subject() string {
	return n.cfg.SubjectPrefix + "." + n.cfg.UserID
}

// State returns the connection state.
func (n *NATSSource) State() RealtimeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *NATSSource) setState(s RealtimeState) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// Connect dials the server and subscribes. The NATS client reconnects on
// its own after the first successful dial.
func (n *NATSSource) Connect(ctx context.Context) error {
	if n.cfg.UserID == "" {
		return fmt.Errorf("nats source: user id is required")
	}
	n.mu.Lock()
	if n.conn != nil {
		n.mu.Unlock()
		return nil
	}
	n.state = StateConnecting
	n.mu.Unlock()

	if err := ctx.Err(); err != nil {
		n.setState(StateDisconnected)
		return err
	}

	log := n.cfg.Logger
	opts := []nats.Option{
		nats.Name("chatsync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				return
			}
			log.Warn("NATS disconnected", zap.Error(err))
			n.setState(StateReconnecting)
			n.emitDisconnected(0, err.Error())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
			n.setState(StateConnected)
			n.emitConnected()
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error("NATS error", zap.Error(err))
		}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}
	if n.cfg.Token != "" {
		opts = append(opts, nats.Token(n.cfg.Token))
	}
	opts = append(opts, n.cfg.Options...)

	nc, err := nats.Connect(n.cfg.URL, opts...)
	if err != nil {
		n.setState(StateDisconnected)
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	sub, err := nc.Subscribe(n.Subject(), n.handleMsg)
	if err != nil {
		nc.Close()
		n.setState(StateDisconnected)
		return fmt.Errorf("failed to subscribe to %s: %w", n.Subject(), err)
	}

	n.mu.Lock()
	n.conn = nc
	n.sub = sub
	n.state = StateConnected
	n.mu.Unlock()
	log.Debug("NATS subscribed", zap.String("subject", n.Subject()))
	n.emitConnected()
	return nil
}

// Disconnect unsubscribes and closes the connection.
func (n *NATSSource) Disconnect() error {
	n.mu.Lock()
	nc, sub := n.conn, n.sub
	n.conn, n.sub = nil, nil
	n.state = StateDisconnected
	n.mu.Unlock()

	if nc == nil {
		return nil
	}
	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	nc.Close()
	n.emitDisconnected(1000, "client disconnect")
	return err
}

// handleMsg runs on the subscription's delivery goroutine, one message at a
// time.
func (n *NATSSource) handleMsg(msg *nats.Msg) {
	var env RealtimeEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil || env.Type == "" {
		n.cfg.Logger.Warn("dropping malformed NATS envelope", zap.String("subject", msg.Subject))
		return
	}
	n.dispatch(env)
}
