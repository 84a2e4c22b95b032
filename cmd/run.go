package cmd

import (
	"fmt"
	"github.com/sazfasqq/jamespy/jamespy"
	"github.com/spf13/cobra"
	"log/slog"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Connect to the discord gateway and serve the admin API",
	Long: `Connects the bot to the discord gateway, where it handles the purge
and purge-in prefix commands, starboard reactions and reviews, snippets,
and message logging. The admin API is served on api.listen.

Runs until interrupted, or until stopped through the admin API.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		bot, err := jamespy.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}

		slog.Info(
			"starting jamespy",
			"version", jamespy.Version,
			"database_type", cfg.DatabaseType,
			"api_listen", cfg.API.Listen,
			"command_prefix", cfg.Discord.CommandPrefix,
		)
		if err = bot.Run(cmd.Context()); err != nil {
			return fmt.Errorf("bot stopped with error: %w", err)
		}
		slog.Info("jamespy stopped")
		return nil
	},
}

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
