package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zulandar/switchboard/internal/chat"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/queue"

	"github.com/rs/zerolog"
)

// chatEnv is the shared setup for the chat admin verbs: config, database,
// and a facade scheduling on the shared DB queue, so a running serve
// process picks the work up.
type chatEnv struct {
	facade *chat.Facade
}

func newChatEnv(configPath string) (*chatEnv, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return nil, err
	}
	q, err := queue.NewDBQueue(queue.DBQueueOpts{
		DB:                gormDB,
		DefaultMaxRetries: cfg.Queues.DefaultMaxRetries,
		MaxRetries:        cfg.MaxRetriesByQueue(),
		Logger:            zerolog.Nop(),
	})
	if err != nil {
		return nil, err
	}
	return &chatEnv{facade: newFacade(gormDB, cfg, q, zerolog.Nop())}, nil
}

func newChatCmd() *cobra.Command {
	var configPath, owner string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Administer chats from the command line",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to config file")
	cmd.PersistentFlags().StringVar(&owner, "owner", "admin", "owner id to act as")

	cmd.AddCommand(newChatCreateCmd(&configPath, &owner))
	cmd.AddCommand(newChatPostCmd(&configPath, &owner))
	cmd.AddCommand(newChatCloseCmd(&configPath, &owner))
	cmd.AddCommand(newChatShowCmd(&configPath, &owner))
	return cmd
}

func printSnapshot(out io.Writer, snap chat.Snapshot) {
	fmt.Fprintf(out, "chat:    %s\n", snap.ChatID)
	fmt.Fprintf(out, "status:  %s\n", snap.Status)
	fmt.Fprintf(out, "session: %s\n", snap.SessionID)
	if snap.LastError != "" {
		fmt.Fprintf(out, "error:   %s\n", snap.LastError)
	}
}

func newChatCreateCmd(configPath, owner *string) *cobra.Command {
	var assistantConfig string

	cmd := &cobra.Command{
		Use:   "create [message...]",
		Short: "Create a chat and schedule its first turn",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newChatEnv(*configPath)
			if err != nil {
				return err
			}
			snap, err := env.facade.Create(cmd.Context(), *owner, assistantConfig, args, "")
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.Flags().StringVar(&assistantConfig, "assistant", `{"engine":"echo"}`, "assistant config JSON")
	return cmd
}

func newChatPostCmd(configPath, owner *string) *cobra.Command {
	return &cobra.Command{
		Use:   "post <chat-id> <message...>",
		Short: "Post user messages to a chat",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newChatEnv(*configPath)
			if err != nil {
				return err
			}
			snap, err := env.facade.PostMessage(cmd.Context(), *owner, args[0], args[1:])
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func newChatCloseCmd(configPath, owner *string) *cobra.Command {
	return &cobra.Command{
		Use:   "close <chat-id> [farewell...]",
		Short: "Close a chat",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newChatEnv(*configPath)
			if err != nil {
				return err
			}
			snap, err := env.facade.CloseChat(cmd.Context(), *owner, args[0], args[1:])
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func newChatShowCmd(configPath, owner *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <chat-id>",
		Short: "Show a chat and its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newChatEnv(*configPath)
			if err != nil {
				return err
			}
			snap, err := env.facade.Get(cmd.Context(), *owner, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printSnapshot(out, snap)
			msgs, err := env.facade.Messages(cmd.Context(), *owner, args[0])
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fmt.Fprintf(out, "[%s] %s\n", m.Role, m.Content)
			}
			return nil
		},
	}
}
