package main

import (
	"fmt"

	chatsync "github.com/souqly/chatsync-go"
	"github.com/spf13/cobra"
)

var (
	loginUserRef     string
	loginDisplayName string
	loginRole        string
)

func init() {
	loginCmd.Flags().StringVar(&loginUserRef, "user", "", "user reference of the identity (required)")
	loginCmd.Flags().StringVar(&loginDisplayName, "name", "", "display name shown to counterparties")
	loginCmd.Flags().StringVar(&loginRole, "role", "customer", "role: customer, vendor or moderator")
	loginCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store credentials in ~/.souqchat/config.toml",
	Long:  "Store the service token and identity in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role := chatsync.Role(loginRole)
		switch role {
		case chatsync.RoleCustomer, chatsync.RoleVendor, chatsync.RoleModerator:
		default:
			return fmt.Errorf("invalid role %q (valid: customer, vendor, moderator)", loginRole)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		cfg.Auth.UserRef = loginUserRef
		cfg.Auth.DisplayName = loginDisplayName
		cfg.Auth.Role = string(role)

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Credentials saved to %s\n", path)
		return nil
	},
}
