package main

import (
	"context"
	"fmt"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Atomixxxx/mon-atelier-ia/internal/devserver"
)

func newSimCmd(a *app) *cobra.Command {
	var (
		addr       string
		chunkDelay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Run a simulated job-execution service",
		Long: `sim serves the chat, job, file and push endpoints with scripted
projects, so the chat command can run without the real backend. The route
prefix is taken from the path of the configured service URL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			prefix := ""
			if u, err := url.Parse(a.cfg.Service.URL); err == nil {
				prefix = u.Path
			}
			srv := devserver.New(
				devserver.WithPrefix(prefix),
				devserver.WithChunkDelay(chunkDelay),
				devserver.WithLogger(a.logger),
			)
			bound, err := srv.Start(addr)
			if err != nil {
				return fmt.Errorf("sim: listen: %w", err)
			}
			a.logger.Info("simulator listening", "addr", bound, "prefix", prefix)
			fmt.Fprintf(cmd.OutOrStdout(), "http://%s%s\n", bound, prefix)

			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Close(shutdown)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8000", "listen address")
	cmd.Flags().DurationVar(&chunkDelay, "chunk-delay", 50*time.Millisecond, "delay between streamed chunks")
	return cmd
}
