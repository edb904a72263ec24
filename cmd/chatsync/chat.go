package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bazaarline/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsTab   string
	conversationsQuery string
	conversationsJSON  bool

	// messages
	messagesOlder int
	messagesJSON  bool

	// send
	sendTo           string
	sendConversation string
	sendImages       []string
	sendJSON         bool

	// watch
	watchTransport   string
	watchListen      string
	watchMetricsAddr string
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations with their unread counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tab, err := chatsync.ParseTab(conversationsTab)
		if err != nil {
			return err
		}
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		engine := s.engine(nil, nil, nil)
		if err := engine.Open(ctx); err != nil {
			return err
		}
		defer engine.Close()

		views := engine.Conversations(conversationsQuery, tab)
		if conversationsJSON {
			return printJSON(views)
		}
		if len(views) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, v := range views {
			fmt.Printf("%-24s %-20s %3d  %s\n",
				valueOrDefault(v.ID, "(new)"),
				truncate(v.Partner.DisplayName, 20),
				v.Unread,
				truncate(v.LastMessage, 40))
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		engine := s.engine(nil, nil, nil)
		if err := engine.Open(ctx); err != nil {
			return err
		}
		defer engine.Close()

		conv, ok := engine.Store().Get(args[0])
		if !ok {
			conv = chatsync.Conversation{ID: args[0]}
		}
		if err := engine.Select(ctx, conv); err != nil {
			return err
		}
		for i := 0; i < messagesOlder; i++ {
			loaded, err := engine.LoadOlder(ctx)
			if err != nil {
				return err
			}
			if !loaded {
				break
			}
		}

		w := engine.Window()
		if messagesJSON {
			return printJSON(w)
		}
		for _, m := range w.Messages {
			printMessage(m)
		}
		if w.HasMore {
			fmt.Println("(older messages available, use --older)")
		}
		return nil
	},
}

func printMessage(m chatsync.Message) {
	fmt.Printf("[%s] %-6s %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), m.SenderRole, m.Content)
	for _, img := range m.Images {
		fmt.Printf("%26s %s\n", "image:", img)
	}
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send [text]",
	Short: "Send a message to a conversation or a new partner",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if sendTo == "" && sendConversation == "" {
			return fmt.Errorf("one of --to or --conversation is required")
		}
		var text string
		if len(args) == 1 {
			text = args[0]
		}
		files, err := readImages(sendImages)
		if err != nil {
			return err
		}

		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		engine := s.engine(nil, nil, nil)
		if err := engine.Open(ctx); err != nil {
			return err
		}
		defer engine.Close()

		if sendConversation != "" {
			conv, ok := engine.Store().Get(sendConversation)
			if !ok {
				conv = chatsync.Conversation{ID: sendConversation, Partner: chatsync.Partner{ID: sendTo}}
			}
			err = engine.Select(ctx, conv)
		} else {
			err = engine.OpenChatWith(ctx, chatsync.Partner{ID: sendTo})
		}
		if err != nil {
			return err
		}

		if len(files) > 0 {
			if _, err := engine.AttachImages(ctx, files); err != nil {
				return err
			}
		}

		msg, err := engine.Send(ctx, text)
		if err != nil {
			return err
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent to conversation %s\n", msg.ConversationID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		if msg.Content != "" {
			fmt.Printf("  Content:    %s\n", msg.Content)
		}
		for _, img := range msg.Images {
			fmt.Printf("  Image:      %s\n", img)
		}
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print realtime chat events and unread totals until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		name := watchTransport
		if name == "" {
			name = s.cfg.Realtime.Transport
		}
		t, err := parseTransport(name)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		source, handler, err := s.source(t)
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		metrics := chatsync.NewMetrics(reg)
		badge := chatsync.NewUnreadHub()

		var servers []*http.Server
		if handler != nil {
			mux := http.NewServeMux()
			mux.Handle("/chat/webhook", handler)
			servers = append(servers, serve(s.log, watchListen, mux))
		}
		if watchMetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			servers = append(servers, serve(s.log, watchMetricsAddr, mux))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for _, srv := range servers {
				_ = srv.Shutdown(shutdownCtx)
			}
		}()

		source.OnChat(func(ev chatsync.ChatEvent) {
			fmt.Printf("CHAT %s from %s: %s\n", ev.ConversationID, ev.Sender, ev.Content)
			for _, img := range ev.Images {
				fmt.Printf("     image: %s\n", img)
			}
		})
		badge.Subscribe(func(b chatsync.Badge) {
			fmt.Printf("UNREAD chat=%d notifications=%d\n", b.ChatUnread, b.Notifications)
		})

		engine := s.engine(source, metrics, badge)
		engine.OnNotice(func(n chatsync.Notice) {
			fmt.Fprintf(os.Stderr, "! %s\n", n.Message)
		})

		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = engine.Open(dialCtx)
		cancel()
		if err != nil {
			engine.Close()
			return err
		}
		fmt.Printf("Watching via %s. Press Ctrl+C to stop.\n", t)

		<-ctx.Done()
		return engine.Close()
	},
}

// source builds the event source for t. The webhook transport also returns
// the handler to mount.
func (s *session) source(t transport) (chatsync.EventSource, http.Handler, error) {
	rt := &chatsync.RealtimeConfig{
		Token:         s.cfg.Auth.Token,
		AutoReconnect: true,
		Logger:        s.log,
	}
	switch t {
	case transportSSE:
		return s.client.Realtime.ConnectSSE(rt), nil, nil
	case transportNATS:
		return chatsync.NewNATSSource(&chatsync.NATSConfig{
			URL:           s.cfg.Realtime.NATSURL,
			Token:         s.cfg.Auth.Token,
			SubjectPrefix: s.cfg.Realtime.SubjectPrefix,
			UserID:        s.cfg.Auth.UserID,
			Logger:        s.log,
		}), nil, nil
	case transportWebhook:
		src, err := chatsync.NewWebhookSource(s.cfg.Realtime.WebhookSecret, s.log)
		if err != nil {
			return nil, nil, err
		}
		return src, src.HTTPHandler(), nil
	default:
		return s.client.Realtime.ConnectWS(rt), nil, nil
	}
}

func serve(log *zap.Logger, addr string, h http.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return srv
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	conversationsCmd.Flags().StringVar(&conversationsTab, "tab", "all", "Filter: all, unread or read")
	conversationsCmd.Flags().StringVarP(&conversationsQuery, "query", "q", "", "Match partner name or last message")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output as JSON")

	messagesCmd.Flags().IntVar(&messagesOlder, "older", 0, "Also load this many older pages")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output as JSON")

	sendCmd.Flags().StringVar(&sendTo, "to", "", "Partner id (starts a new conversation if none exists)")
	sendCmd.Flags().StringVar(&sendConversation, "conversation", "", "Existing conversation id")
	sendCmd.Flags().StringArrayVar(&sendImages, "image", nil, "Image file to attach (repeatable, max 5)")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output as JSON")

	watchCmd.Flags().StringVar(&watchTransport, "transport", "", "Push channel: ws, sse, nats or webhook")
	watchCmd.Flags().StringVar(&watchListen, "listen", ":8787", "Listen address for the webhook transport")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
}
