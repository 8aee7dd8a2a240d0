package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mcpbridge/internal/oauth"
	"mcpbridge/internal/server"
)

// authUser selects which user's credentials auth subcommands operate on.
var authUser string

// newAuthCmd creates the auth command group.
func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage OAuth credentials",
		Long: `Inspect and manage the stored OAuth credentials for the configured
upstream server.

Examples:
  mcpbridge auth status                # status for the default user
  mcpbridge auth status --user alice   # status for a specific user
  mcpbridge auth clear --user alice    # wipe a user's credentials`,
	}

	cmd.PersistentFlags().StringVar(&authUser, "user", server.DefaultUserID,
		"user identity to operate on")

	cmd.AddCommand(newAuthStatusCmd())
	cmd.AddCommand(newAuthClearCmd())

	return cmd
}

// newAuthStatusCmd creates the auth status command.
func newAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show authentication status",
		Long: `Show whether stored credentials exist for the user, when the access
token expires, and whether a refresh token is available. Read-only: no
refresh or registration is triggered.`,
		RunE: runAuthStatus,
	}
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	manager, err := buildManager(cfg)
	if err != nil {
		return err
	}

	status, err := manager.Status(authUser)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Upstream:  %s\n", cfg.Upstream.URL)
	fmt.Fprintf(out, "User:      %s\n", authUser)
	if status.ClientID != "" {
		fmt.Fprintf(out, "Client ID: %s\n", status.ClientID)
	}

	if !status.Authenticated {
		fmt.Fprintln(out, "Status:    not authenticated")
		return &oauth.ReauthRequiredError{Reason: oauth.ReasonNotAuthenticated}
	}

	fmt.Fprintln(out, "Status:    authenticated")
	if !status.ExpiresAt.IsZero() {
		fmt.Fprintf(out, "Expires:   %s (in %s)\n",
			status.ExpiresAt.Format(time.RFC3339),
			time.Until(status.ExpiresAt).Round(time.Second))
	}
	fmt.Fprintf(out, "Refresh:   %v\n", status.HasRefreshToken)

	return nil
}

// newAuthClearCmd creates the auth clear command.
func newAuthClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Clear stored credentials",
		Long: `Remove the stored client registration, tokens, and any pending
authorization flow for the user. Idempotent.`,
		RunE: runAuthClear,
	}
}

func runAuthClear(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	manager, err := buildManager(cfg)
	if err != nil {
		return err
	}

	if err := manager.ClearCredentials(authUser); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Credentials cleared for user %q\n", authUser)
	return nil
}
