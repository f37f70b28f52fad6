package main

import (
	"context"
	"fmt"

	"github.com/LuminPulse-AI/duochat"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	addSessionFlags(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, identity and partner status",
	Long:  "Display the effective configuration, then open the chat to show the partner's status and message counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Participant: %s\n", valueOrDefault(cfg.Default.Participant, "(saved identity)"))
		fmt.Printf("  Status rule: %s\n", cfg.Default.StatusRule)
		fmt.Printf("  Store:       %s (%s)\n", cfg.Store.Kind, cfg.Store.Path)
		switch cfg.Mirror.Kind {
		case "redis":
			fmt.Printf("  Mirror:      redis %s, path %s\n", cfg.Mirror.RedisAddr, cfg.Mirror.Path)
		case "relay":
			fmt.Printf("  Mirror:      relay %s, path %s\n", cfg.Mirror.URL, cfg.Mirror.Path)
		default:
			fmt.Println("  Mirror:      none (local only)")
		}

		return withSession(func(ctx context.Context, env *chatEnv) error {
			s := env.session
			ms, err := s.Messages()
			if err != nil {
				return err
			}
			view, err := s.View()
			if err != nil {
				return err
			}
			unread := 0
			for _, m := range view {
				if !m.Mine && m.Status != duochat.StatusRead {
					unread++
				}
			}

			fmt.Println()
			fmt.Println("Chat:")
			fmt.Printf("  You:      %s\n", s.Self())
			fmt.Printf("  Partner:  %s (%s)\n", s.Partner(), s.PartnerStatus())
			fmt.Printf("  Messages: %d stored, %d visible\n", len(ms), len(view))
			fmt.Printf("  Unread:   %d\n", unread)
			return nil
		})
	},
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
