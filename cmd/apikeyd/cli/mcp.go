package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	amcp "github.com/apikeyd/apikeyd/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		port      int
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol server that exposes key management and
verification as tools. Supports stdio (default) and streamable HTTP transports.

In stdio mode the server speaks JSON-RPC over stdin/stdout; logs go to stderr.`,
		Example: `  apikeyd mcp                            # stdio mode
  apikeyd mcp --transport http --port 3001  # HTTP mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(cmd.Context(), transport, port)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().IntVar(&port, "port", 3001, "HTTP port (only used with --transport http)")

	return cmd
}

func runMCP(ctx context.Context, transport string, port int) error {
	if transport != "stdio" && transport != "http" {
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", transport)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if transport == "stdio" {
		cfg.Logging.Output = "stderr"
	}
	logger, err := newLogger(cfg.Logging, true)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	a.recorder.Start()
	defer a.close(context.Background())

	srv := amcp.NewMCPServer(a.mgr, a.pipeline, versionString(), logger.Named("mcp"))

	if transport == "stdio" {
		return srv.ServeStdio()
	}
	return srv.ServeHTTP(fmt.Sprintf(":%d", port))
}
