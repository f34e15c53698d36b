// Package cli is the caltrigger command tree.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "caltrigger",
	Short: "Publish start/stop notifications for calendar events",
	Long: `caltrigger watches an iCalendar feed and publishes a notification when
an event is about to start and again after it has ended. Each transition
is published at most once per direction.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/caltrigger/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides config")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
