package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gatewarden:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "gatewarden",
		Short: "Gatewarden - admission control and abuse detection in front of a web app",
		Long: `Gatewarden serves the demo application behind the admission pipeline:
block list, login attempt guard, rate limiter and attack signature scanner.

Configuration is read from the YAML file given with --config, then from
.env and GATEWARDEN_* environment variables.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("GATEWARDEN_CONFIG"), "path to the YAML configuration file")
	return cmd
}
