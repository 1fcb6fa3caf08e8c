package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/docsync/gateway"
)

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	var addr string
	var mcpEnabled bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("mcp") {
				cfg.MCPEnabled = mcpEnabled
			}

			logger := newLogger(stderr, cfg.LogLevel)
			slog.SetDefault(logger)

			srv, err := gateway.New(cfg, logger)
			if err != nil {
				return err
			}
			logger.Info("docsync: starting",
				"addr", cfg.Addr, "db", cfg.DBPath,
				"load_failure_policy", cfg.LoadFailurePolicy, "mcp", cfg.MCPEnabled)
			return srv.ListenAndServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&mcpEnabled, "mcp", false, "serve the MCP admin endpoint on /mcp")
	return cmd
}
