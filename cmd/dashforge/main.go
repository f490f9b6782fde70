package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var cfgPath string
	var root = &cobra.Command{
		Use:          "dashforge",
		Short:        "Generate, debug and serve data dashboards from plain-language requests",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.json)")

	root.AddCommand(
		serveCMD(&cfgPath),
		generateCMD(&cfgPath),
		debugCMD(&cfgPath),
		migrateCMD(&cfgPath),
		tokenCMD(&cfgPath),
		eventsCMD(&cfgPath),
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
