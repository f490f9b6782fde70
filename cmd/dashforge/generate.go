package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	core "github.com/mohammad-safakhou/dashforge/internal/agent/core"
	"github.com/mohammad-safakhou/dashforge/internal/tui"
	"github.com/spf13/cobra"
)

func generateCMD(cfgPath *string) *cobra.Command {
	var showCode, launch, plain bool
	var generate = &cobra.Command{
		Use:   "generate <request>",
		Short: "Generate a dashboard for a plain-language request",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request := strings.TrimSpace(strings.Join(args, " "))
			if request == "" {
				return core.ErrEmptyRequest
			}
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			var gen core.Generation
			if plain {
				gen, err = a.orchestrator.Generate(ctx, request, tui.PlainObserver(cmd.OutOrStdout(), showCode))
			} else {
				gen, err = tui.Run(ctx, a.orchestrator, request, showCode)
			}
			if err != nil {
				if gen.Error != "" {
					return errors.New(gen.Error)
				}
				return err
			}
			if gen.Status != core.StatusSuccess {
				fmt.Fprintf(cmd.ErrOrStderr(), "Debugging did not converge: %s\n", gen.Debug.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Dashboard code saved to %s\n", gen.OutputPath)

			if !launch {
				return nil
			}
			info, err := a.launcher.Launch(ctx, gen.OutputPath)
			if err != nil {
				return fmt.Errorf("launch: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Dashboard running at %s (pid %d). Press Ctrl+C to stop.\n", info.URL, info.PID)
			<-ctx.Done()
			return nil
		},
	}
	generate.Flags().BoolVar(&showCode, "show-code", false, "print the data and dashboard code as it is generated")
	generate.Flags().BoolVar(&launch, "launch", false, "serve the finished dashboard until interrupted")
	generate.Flags().BoolVar(&plain, "plain", false, "print progress lines instead of the interactive view")

	return generate
}
