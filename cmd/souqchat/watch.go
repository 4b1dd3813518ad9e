package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	chatsync "github.com/souqly/chatsync-go"
	"github.com/spf13/cobra"
)

var watchConversation string

func init() {
	watchCmd.Flags().StringVar(&watchConversation, "open", "", "conversation to open for full message and typing traffic")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live conversation events until interrupted",
	Long: "Connect to the push transport and print incoming messages and status\n" +
		"changes as they arrive. With --open, also joins one conversation's room.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, closeLog := getLogger()
		defer closeLog()

		identity := getIdentity()
		engine := chatsync.NewEngine(getClient(), identity, &chatsync.EngineOptions{
			Logger: logger,
			OnMessage: func(m *chatsync.Message) {
				fmt.Printf("[%s] %s %s: %s\n",
					m.CreatedAt.Local().Format("15:04:05"),
					m.ConversationID, m.Sender.UserRef, m.Content.Preview())
			},
			OnStatusChanged: func(c *chatsync.Conversation) {
				fmt.Printf("-- conversation %s is now %s\n", c.ID, c.Status)
			},
			OnOffline: func() {
				fmt.Fprintln(os.Stderr, "-- connection lost, reconnection exhausted; restart to retry")
			},
		})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := engine.Connect(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		defer engine.Disconnect()

		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		err = engine.LoadConversations(ctx)
		cancel()
		if err != nil {
			return err
		}
		fmt.Printf("Watching %d conversations as %s (%s). Ctrl-C to stop.\n",
			len(engine.Conversations()), identity.UserRef, identity.Role)

		if watchConversation != "" {
			ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
			err = engine.OpenConversation(ctx, watchConversation)
			cancel()
			if err != nil {
				return err
			}
			fmt.Printf("Opened %s\n", watchConversation)
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Println("\nStopping.")
		return nil
	},
}
