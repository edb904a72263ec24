package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bazaarline/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the effective configuration and check that the backend accepts the token.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL+" (default)"))
		fmt.Printf("  Role:      %s\n", valueOrDefault(cfg.Default.Role, "buyer (default)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:     %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}
		fmt.Printf("  User ID:   %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Printf("  Transport: %s\n", valueOrDefault(cfg.Realtime.Transport, "ws (default)"))

		if cfg.Auth.Token == "" {
			return nil
		}

		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		engine := s.engine(nil, nil, nil)
		if err := engine.Open(ctx); err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		defer engine.Close()

		fmt.Printf("  Conversations: %d\n", len(engine.Conversations("", chatsync.TabAll)))
		fmt.Printf("  Unread:        %d\n", engine.Badge().Badge().ChatUnread)
		return nil
	},
}
