// Package cli provides the command-line interface for forumspy.
package cli

import (
	"fmt"

	"github.com/ppiankov/forumspy/internal/config"
	"github.com/spf13/cobra"
)

// Version and Commit are set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

var (
	configDir string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "forumspy",
	Short: "Relay new forum posts to a chat webhook",
	Long:  "forumspy polls the forum spy listing, turns each new post into a chat message and delivers it to a Discord or Slack webhook exactly once.",

	SilenceUsage: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return config.LoadDotEnv(configDir)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("forumspy %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", config.DefaultConfigDir, "config directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level from config")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
