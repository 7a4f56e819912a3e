package cmd

import (
	"github.com/spf13/cobra"

	"buddy/internal/logger"
)

var (
	verbose    bool
	configPath string
)

const defaultConfigPath = "buddy.yml"

var rootCmd = &cobra.Command{
	Use:   "buddy",
	Short: "Buddy - real-time interaction broker for agent-driven clients",
	Long: `Buddy sits between an agent runtime and the live client connections of each user.
It delivers canvas commands, subtitles and speech in order, holds confirmation and form
requests open until the user answers, and queues background events for offline users.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetSilentMode(false)
			logger.SetLevel(logger.LOG_DEBUG)
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default buddy.yml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(hashKeyCmd)
	rootCmd.AddCommand(statusCmd)
}
