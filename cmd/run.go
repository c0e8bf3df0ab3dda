package cmd

import (
	"fmt"

	"github.com/mrzappu/deyvam-bot/deyvam"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Connects the bot to discord and starts the API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		bot, err := deyvam.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}
		if err = bot.Run(cmd.Context()); err != nil {
			return fmt.Errorf("error running bot: %w", err)
		}
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
