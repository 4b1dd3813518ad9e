package main

import (
	"context"
	"fmt"
	"time"

	chatsync "github.com/souqly/chatsync-go"
	"github.com/spf13/cobra"
)

var blockReason string

func init() {
	blockCmd.Flags().StringVar(&blockReason, "reason", "", "reason recorded with the block (required)")
	blockCmd.MarkFlagRequired("reason")

	moderateCmd.AddCommand(blockCmd)
	moderateCmd.AddCommand(unblockCmd)
	rootCmd.AddCommand(moderateCmd)
}

var moderateCmd = &cobra.Command{
	Use:   "moderate",
	Short: "Moderator actions",
	Long:  "Block and unblock conversations. Requires a moderator identity (auth.role).",
}

var blockCmd = &cobra.Command{
	Use:   "block <conversation-id>",
	Short: "Block a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if getIdentity().Role != chatsync.RoleModerator {
			return fmt.Errorf("blocking requires auth.role = moderator")
		}
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		conv, err := client.Conversations.SetStatus(ctx, args[0], chatsync.StatusBlocked, blockReason)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Blocked %s", conv.ID)
		if conv.AdminActions != nil {
			fmt.Printf(" (%s)", conv.AdminActions.Reason)
		}
		fmt.Println()
		return nil
	},
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <conversation-id>",
	Short: "Unblock a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if getIdentity().Role != chatsync.RoleModerator {
			return fmt.Errorf("unblocking requires auth.role = moderator")
		}
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		conv, err := client.Conversations.SetStatus(ctx, args[0], chatsync.StatusActive, "")
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Unblocked %s (now %s)\n", conv.ID, conv.Status)
		return nil
	},
}
