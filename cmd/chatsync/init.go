package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initRole string

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initRole, "role", "buyer", "Your side of conversations (buyer or seller)")
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> <token>",
	Short: "Store the backend URL and token in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing the chat backend URL and your bearer token.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, "default.base_url", args[0]); err != nil {
			return err
		}
		if err := setConfigValue(cfg, "auth.token", args[1]); err != nil {
			return err
		}
		if err := setConfigValue(cfg, "default.role", initRole); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
