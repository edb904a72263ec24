package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bazaarline/chatsync"
	"github.com/bazaarline/chatsync/internal/logger"
	"go.uber.org/zap"
)

// session is everything a command needs to talk to the backend.
type session struct {
	cfg    *Config
	client *chatsync.Client
	log    *zap.Logger
}

// newSession loads the effective config and builds an authenticated client.
func newSession() (*session, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token. Run 'chatsync init <base-url> <token>' first")
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return &session{
		cfg:    cfg,
		client: chatsync.NewClient(cfg.Auth.Token, opts...),
		log:    log,
	}, nil
}

func (s *session) role() chatsync.Role {
	if s.cfg.Default.Role == string(chatsync.RoleSeller) {
		return chatsync.RoleSeller
	}
	return chatsync.RoleBuyer
}

// engine builds an engine over the session's client.
func (s *session) engine(source chatsync.EventSource, metrics *chatsync.Metrics, badge *chatsync.UnreadHub) *chatsync.Engine {
	return chatsync.NewEngine(s.client, &chatsync.EngineConfig{
		Role:     s.role(),
		PageSize: s.cfg.Default.PageSize,
		Source:   source,
		Metrics:  metrics,
		Badge:    badge,
		Logger:   s.log,
	})
}

// close flushes the logger.
func (s *session) close() {
	_ = s.log.Sync()
}

// transport names a realtime source implementation.
type transport string

const (
	transportWS      transport = "ws"
	transportSSE     transport = "sse"
	transportNATS    transport = "nats"
	transportWebhook transport = "webhook"
)

func parseTransport(s string) (transport, error) {
	switch t := transport(strings.ToLower(s)); t {
	case "":
		return transportWS, nil
	case transportWS, transportSSE, transportNATS, transportWebhook:
		return t, nil
	}
	return "", fmt.Errorf("unknown transport %q (valid: ws, sse, nats, webhook)", s)
}

// readImages loads image files from disk for upload.
func readImages(paths []string) ([]chatsync.ImageFile, error) {
	files := make([]chatsync.ImageFile, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p, err)
		}
		files = append(files, chatsync.ImageFile{Name: filepath.Base(p), Data: data})
	}
	return files, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
