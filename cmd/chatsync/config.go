package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// secretKeys are masked whenever a value is echoed back.
var secretKeys = map[string]bool{
	"auth.token":              true,
	"realtime.webhook_secret": true,
}

// redacted returns a copy of cfg with secrets masked.
func (c Config) redacted() Config {
	c.Auth.Token = maskKey(c.Auth.Token)
	c.Realtime.WebhookSecret = maskKey(c.Realtime.WebhookSecret)
	return c
}

// writeConfig renders cfg as TOML, or as JSON when asJSON is set.
func writeConfig(w io.Writer, cfg Config, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}
	enc := toml.NewEncoder(w)
	enc.SetIndentTables(true)
	return enc.Encode(cfg)
}

var (
	configShowFile bool
	configShowJSON bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().BoolVar(&configShowFile, "file", false, "show only the saved file, without CHATSYNC_* overrides")
	configShowCmd.Flags().BoolVar(&configShowJSON, "json", false, "output as JSON")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration in effect, with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		load := loadEffectiveConfig
		if configShowFile {
			load = loadConfig
		}
		cfg, err := load()
		if err != nil {
			return err
		}
		return writeConfig(os.Stdout, cfg.redacted(), configShowJSON)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.role seller",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		if secretKeys[key] {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
