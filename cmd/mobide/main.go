package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "mobide",
		Short: "mobide: a browser terminal backed by one sandboxed container per session",
		Long: "Serves a WebSocket terminal and a workspace file API. Each session gets its own\n" +
			"workspace directory and a container that is provisioned on first connect and\n" +
			"reclaimed after it has been idle.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", envOr("MOBIDE_CONFIG", ""), "path to a YAML config file")

	serve := serveCmd(&configPath)
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(
		serve,
		ensureImageCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("mobide failed")
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
