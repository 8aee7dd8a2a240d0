package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"mcpbridge/internal/bridge"
	"mcpbridge/internal/oauth"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates authentication is required but not available.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed indicates the OAuth flow or upstream authentication failed.
	ExitCodeAuthFailed = 3
)

// rootCmd represents the base command for mcpbridge.
var rootCmd = &cobra.Command{
	Use:   "mcpbridge",
	Short: "Bridge request/response clients to an OAuth-protected MCP SSE server",
	Long: `mcpbridge runs a local proxy that manages OAuth credentials against an
OAuth-protected upstream MCP server and bridges plain request/response
HTTP clients to the upstream's SSE push-stream transport.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// that are handled by the application.
	SilenceUsage: true,
}

// configPath holds the --config-path persistent flag value.
var configPath string

// SetVersion sets the version for the root command. Called from main with
// the build-time version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcpbridge version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps error types to semantic exit codes for scripting.
func getExitCode(err error) int {
	var reauth *oauth.ReauthRequiredError
	if errors.As(err, &reauth) {
		return ExitCodeAuthRequired
	}

	var authFailed *bridge.AuthenticationFailedError
	if errors.As(err, &authFailed) {
		return ExitCodeAuthFailed
	}

	return ExitCodeError
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", "",
		"configuration directory (default is $HOME/.config/mcpbridge)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newAuthCmd())
	rootCmd.AddCommand(newVersionCmd())
}
