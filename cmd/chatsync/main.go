package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default" json:"default"`
	Auth     ConfigAuth     `toml:"auth" json:"auth"`
	Realtime ConfigRealtime `toml:"realtime" json:"realtime"`
	Log      ConfigLog      `toml:"log" json:"log"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url" json:"base_url"`
	Role     string `toml:"role" json:"role"`
	PageSize int    `toml:"page_size,omitempty" json:"page_size,omitempty"`
}

// ConfigAuth holds the chat credentials.
type ConfigAuth struct {
	Token  string `toml:"token" json:"token"`
	UserID string `toml:"user_id,omitempty" json:"user_id,omitempty"`
}

// ConfigRealtime selects and configures the push channel used by watch.
type ConfigRealtime struct {
	Transport     string `toml:"transport,omitempty" json:"transport,omitempty"`
	NATSURL       string `toml:"nats_url,omitempty" json:"nats_url,omitempty"`
	SubjectPrefix string `toml:"subject_prefix,omitempty" json:"subject_prefix,omitempty"`
	WebhookSecret string `toml:"webhook_secret,omitempty" json:"webhook_secret,omitempty"`
}

// ConfigLog controls diagnostic output on stderr.
type ConfigLog struct {
	Level  string `toml:"level,omitempty" json:"level,omitempty"`
	Format string `toml:"format,omitempty" json:"format,omitempty"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig with CHATSYNC_* environment overrides
// applied. The result is never saved.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKeys maps environment variables to config keys.
var envKeys = map[string]string{
	"CHATSYNC_BASE_URL":       "default.base_url",
	"CHATSYNC_ROLE":           "default.role",
	"CHATSYNC_PAGE_SIZE":      "default.page_size",
	"CHATSYNC_TOKEN":          "auth.token",
	"CHATSYNC_USER_ID":        "auth.user_id",
	"CHATSYNC_TRANSPORT":      "realtime.transport",
	"CHATSYNC_NATS_URL":       "realtime.nats_url",
	"CHATSYNC_SUBJECT_PREFIX": "realtime.subject_prefix",
	"CHATSYNC_WEBHOOK_SECRET": "realtime.webhook_secret",
	"CHATSYNC_LOG_LEVEL":      "log.level",
	"CHATSYNC_LOG_FORMAT":     "log.format",
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for env, key := range envKeys {
		v, ok := lookup(env)
		if !ok || v == "" {
			continue
		}
		if err := setConfigValue(cfg, key, v); err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
	}
	return nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "role":
			if value != "buyer" && value != "seller" {
				return fmt.Errorf("role must be buyer or seller, got %q", value)
			}
			cfg.Default.Role = value
		case "page_size":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("page_size must be a non-negative integer, got %q", value)
			}
			cfg.Default.PageSize = n
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "realtime":
		switch field {
		case "transport":
			if _, err := parseTransport(value); err != nil {
				return err
			}
			cfg.Realtime.Transport = value
		case "nats_url":
			cfg.Realtime.NATSURL = value
		case "subject_prefix":
			cfg.Realtime.SubjectPrefix = value
		case "webhook_secret":
			cfg.Realtime.WebhookSecret = value
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "format":
			cfg.Log.Format = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, realtime, log)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Marketplace chat CLI",
	Long: `Command-line client for the marketplace chat backend.
List conversations, read and send messages, and watch realtime events.

Settings come from ~/.chatsync/config.toml. A .env file in the working
directory and CHATSYNC_* environment variables override them.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
