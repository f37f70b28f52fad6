package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/LuminPulse-AI/duochat"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	sendReplyTo string
	sendJSON    bool

	logJSON bool
	logIDs  bool

	deleteForMe bool
)

func init() {
	rootCmd.AddCommand(sendCmd, logCmd, deleteCmd, clearCmd, readCmd, logoutCmd)

	for _, c := range []*cobra.Command{sendCmd, logCmd, deleteCmd, clearCmd, readCmd, logoutCmd} {
		addSessionFlags(c)
	}

	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Id of the message being answered")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Print the sent message as JSON")

	logCmd.Flags().BoolVar(&logJSON, "json", false, "Print the view as JSON")
	logCmd.Flags().BoolVar(&logIDs, "ids", false, "Show message ids")

	deleteCmd.Flags().BoolVar(&deleteForMe, "for-me", false, "Hide the message for yourself only")
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// withSession runs fn against a started session and always closes it.
func withSession(fn func(ctx context.Context, env *chatEnv) error) error {
	ctx, stop := signalContext()
	defer stop()

	env, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer env.close(ctx)
	return fn(ctx, env)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <text...>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, env *chatEnv) error {
			m, err := env.session.Send(strings.Join(args, " "), sendReplyTo)
			if err != nil {
				return err
			}
			if sendJSON {
				data, err := json.Marshal(struct {
					ID      string          `json:"id"`
					Message duochat.Message `json:"message"`
				}{m.ID, m})
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}
			fmt.Printf("Sent %s\n", m.ID)
			return nil
		})
	},
}

// ============================================================================
// log
// ============================================================================

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, env *chatEnv) error {
			view, err := env.session.View()
			if err != nil {
				return err
			}
			if logJSON {
				data, err := json.MarshalIndent(view, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}
			fmt.Printf("%s (%s)\n\n", env.session.Partner(), env.session.PartnerStatus())
			if len(view) == 0 {
				fmt.Println("No messages.")
				return nil
			}
			for _, m := range view {
				printMessage(os.Stdout, m, logIDs)
			}
			return nil
		})
	},
}

// ============================================================================
// delete / clear / read
// ============================================================================

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a message for everyone, or only for you with --for-me",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, env *chatEnv) error {
			if deleteForMe {
				if err := env.session.DeleteForMe(args[0]); err != nil {
					return err
				}
				fmt.Println("Deleted for you.")
				return nil
			}
			if err := env.session.DeleteForEveryone(args[0]); err != nil {
				return err
			}
			fmt.Println("Deleted for everyone.")
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the chat for yourself",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, env *chatEnv) error {
			n, err := env.session.ClearChat()
			if err != nil {
				return err
			}
			fmt.Printf("Chat cleared (%d messages hidden).\n", n)
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Mark the partner's messages read",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, env *chatEnv) error {
			n, err := env.session.MarkRead()
			if err != nil {
				return err
			}
			fmt.Printf("Marked %d messages read.\n", n)
			return nil
		})
	},
}

// ============================================================================
// logout
// ============================================================================

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Go offline and forget the saved identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		env, err := openSession(ctx)
		if err != nil {
			return err
		}
		who := env.session.Self()
		err = env.session.Logout(ctx)
		env.close(ctx)
		if err != nil {
			return err
		}

		cfg, err := loadFileConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Default.Participant == who {
			cfg.Default.Participant = ""
			if err := saveConfig(cfg); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
		}
		fmt.Printf("Logged out %s.\n", who)
		return nil
	},
}
