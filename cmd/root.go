package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the entry point when tasknest is called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "tasknest",
	Short: "Personal task assistant behind an embedded OAuth 2.1 server",
	Long: `tasknest serves a personal task-management MCP assistant over HTTP,
protected by an embedded OAuth 2.1 authorization server with PKCE,
dynamic client registration, and refresh token rotation.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "tasknest version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
