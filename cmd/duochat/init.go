package main

import (
	"fmt"

	"github.com/LuminPulse-AI/duochat"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <participant>",
	Short: "Choose who you are and write ~/.duochat/config.toml",
	Long: fmt.Sprintf("Initialize duochat by choosing your participant id (%s or %s)\nand storing it in the local configuration file.",
		duochat.DefaultParticipants[0], duochat.DefaultParticipants[1]),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		who := args[0]
		if who != duochat.DefaultParticipants[0] && who != duochat.DefaultParticipants[1] {
			return fmt.Errorf("%w: %q", duochat.ErrUnknownParticipant, who)
		}

		cfg, err := loadFileConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Participant = who
		if cfg.Store.Kind == "" {
			cfg.Store.Kind = "pebble"
		}
		if cfg.Mirror.Kind == "" {
			cfg.Mirror.Kind = "none"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Participant %s saved to %s\n", who, path)
		return nil
	},
}
