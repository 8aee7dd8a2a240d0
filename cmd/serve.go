package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mcpbridge/internal/bridge"
	"mcpbridge/internal/server"
)

// serveDebug enables verbose logging across the application.
var serveDebug bool

// newServeCmd creates the serve command, the main command of mcpbridge.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge server",
		Long: `Starts the local bridge server.

The server exposes:
  POST /message          bridged request/response calls to the upstream
  GET  /sse              pass-through of the upstream's SSE stream
  GET  /api/auth/status  authentication status
  POST /api/auth/start   begin a browser authorization flow
  POST /api/auth/clear   wipe stored credentials
  GET  /oauth/callback   authorization callback target

Callers select a user identity with the X-MCP-User header; requests
without it run as the "default" user. The upstream server is configured
via config.yaml or MCPBRIDGE_UPSTREAM_URL.`,
		RunE: runServe,
	}

	cmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveDebug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

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

	b := bridge.New(bridge.Config{
		UpstreamURL:   cfg.Upstream.URL,
		ClientName:    cfg.OAuth.ClientName,
		ClientVersion: GetVersion(),
		CallTimeout:   cfg.Upstream.CallTimeout,
		IdleTimeout:   cfg.Upstream.IdleTimeout,
	}, manager)
	defer b.Close()

	srv := server.New(server.Config{
		Addr:        cfg.ListenAddr(),
		UpstreamURL: cfg.Upstream.URL,
	}, manager, b)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}
