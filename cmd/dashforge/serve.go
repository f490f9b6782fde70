package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	srv "github.com/mohammad-safakhou/dashforge/internal/server"
	"github.com/spf13/cobra"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			deps := srv.Deps{
				Pipeline:  a.orchestrator,
				Launcher:  a.launcher,
				Telemetry: a.telemetry,
			}
			if a.store != nil {
				deps.Store = a.store
			}
			if a.events != nil {
				deps.Notifier = a.events
			}
			s, err := srv.New(cfg, deps)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- s.Start(serveAddr) }()
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				return s.Shutdown(context.Background())
			}
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default server.address)")

	return serve
}
