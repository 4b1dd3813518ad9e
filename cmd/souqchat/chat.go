package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	chatsync "github.com/souqly/chatsync-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsJSON   bool
	conversationsUnread bool

	// messages
	messagesJSON bool

	// send
	sendListingRef string

	// send-file
	sendFileCaption string
)

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "output raw JSON")
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "only conversations with unread messages")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "output raw JSON")
	sendCmd.Flags().StringVar(&sendListingRef, "listing", "", "listing reference when starting a new thread (with a counterparty ref instead of a conversation id)")
	sendFileCmd.Flags().StringVar(&sendFileCaption, "caption", "", "caption text for the attachment")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(sendFileCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(unreadCmd)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		identity := getIdentity()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		list, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			data, _ := json.MarshalIndent(list, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		shown := 0
		for _, conv := range list {
			unread := chatsync.UnreadCount(conv, identity.UserRef)
			if conversationsUnread && unread == 0 {
				continue
			}
			shown++

			badge := " "
			if unread > 0 {
				badge = "*"
			}
			preview := ""
			if conv.LastMessage != nil {
				preview = conv.LastMessage.Preview
			}
			counterparty := "?"
			if p := conv.Counterparty(identity.UserRef); p != nil {
				counterparty = p.DisplayName
			}
			fmt.Printf("%s %-28s %-10s %-20s %s\n", badge, conv.ID, conv.Status, counterparty, preview)
		}
		if shown == 0 {
			fmt.Println("No conversations.")
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		history, err := client.Messages.List(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesJSON {
			data, _ := json.MarshalIndent(history, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		for _, msg := range history {
			fmt.Printf("[%s] %-12s %s\n",
				msg.CreatedAt.Local().Format("2006-01-02 15:04"),
				msg.Sender.UserRef,
				msg.Content.Preview())
		}
		if len(history) == 0 {
			fmt.Println("No messages.")
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id|counterparty-ref> <text>",
	Short: "Send a text message",
	Long: "Send a text message into an existing conversation, or start a new one\n" +
		"about a listing: souqchat send --listing lst-42 vend-7 \"still available?\"",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, text := args[0], args[1]
		engine := newEngine()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := engine.Connect(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		defer engine.Disconnect()

		if err := engine.LoadConversations(ctx); err != nil {
			return err
		}

		convID := target
		if sendListingRef != "" {
			conv, err := engine.CreateOrGet(ctx, sendListingRef, target)
			if err != nil {
				return err
			}
			convID = conv.ID
		}

		if err := engine.OpenConversation(ctx, convID); err != nil {
			return err
		}
		msg, err := engine.SendText(ctx, text)
		if err != nil {
			return err
		}
		fmt.Printf("Sent %s to %s\n", msg.ID, convID)
		return nil
	},
}

// ============================================================================
// send-file
// ============================================================================

var sendFileCmd = &cobra.Command{
	Use:   "send-file <conversation-id> <path>",
	Short: "Upload a file and send it as an attachment message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, path := args[0], args[1]
		client := getClient()

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("cannot read %s: %w", path, err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		msg, err := client.Files.UploadAttachmentMessage(ctx, convID, filepath.Base(path), data, sendFileCaption)
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		fmt.Printf("Sent %s (%s) to %s\n", msg.ID, msg.Content.Kind, convID)
		return nil
	},
}

// ============================================================================
// archive / delete / read / unread
// ============================================================================

var archiveCmd = &cobra.Command{
	Use:   "archive <conversation-id>",
	Short: "Archive a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if _, err := client.Conversations.SetStatus(ctx, args[0], chatsync.StatusArchived, ""); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Archived %s\n", args[0])
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Conversations.Delete(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Conversations.MarkRead(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Marked %s read\n", args[0])
		return nil
	},
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show the total unread count",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		identity := getIdentity()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		list, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println(chatsync.TotalUnread(list, identity.UserRef))
		return nil
	},
}
