package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Atomixxxx/mon-atelier-ia/internal/mcptools"
)

func newMCPCmd(a *app) *cobra.Command {
	var httpAddr string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the conversation and preview tools over MCP",
		Long: `mcp exposes send_message, force_launch, retry, stop_generation,
job_status, get_preview and outline_file as MCP tools. It serves stdio by
default, or streamable HTTP with --http.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng := a.engine(a.client())
			defer eng.Close()
			// Nobody reads engine events here.
			go func() {
				for range eng.Events() {
				}
			}()

			server := mcptools.NewAtelierMCPServer(mcptools.NewAtelierService(eng, nil))
			if httpAddr != "" {
				a.logger.Info("mcp server listening", "addr", httpAddr)
				return mcptools.RunHTTP(ctx, server, httpAddr)
			}
			return mcptools.RunStdio(ctx, server)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "serve streamable HTTP on this address instead of stdio")
	return cmd
}
