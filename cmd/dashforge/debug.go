package main

import (
	"fmt"
	"os"
	"os/signal"

	core "github.com/mohammad-safakhou/dashforge/internal/agent/core"
	"github.com/mohammad-safakhou/dashforge/internal/runtime"
	"github.com/spf13/cobra"
)

func debugCMD(cfgPath *string) *cobra.Command {
	var iterations int
	var debug = &cobra.Command{
		Use:   "debug <file>",
		Short: "Run the debug loop on an existing dashboard program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read program: %w", err)
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

			d := a.orchestrator.Debugger()
			if cmd.Flags().Changed("iterations") {
				d = d.WithIterations(iterations)
			}
			out := cmd.OutOrStdout()
			res := d.DebugObserved(ctx, string(code), func(i, total int, l runtime.RunLog, passed bool) {
				fmt.Fprintf(out, "run %d/%d: timed_out=%t passed=%t\n", i, total, l.TimedOut, passed)
			})
			fmt.Fprintf(out, "Cleaned code written to %s\n", core.OutputPath(cfg))
			if res.Status != core.DebugSuccess {
				return fmt.Errorf("debugging failed: %s", res.Error)
			}
			fmt.Fprintln(out, "Dashboard code debugged successfully.")
			return nil
		},
	}
	debug.Flags().IntVar(&iterations, "iterations", 3, "maximum debug iterations")

	return debug
}
