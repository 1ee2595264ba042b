package main

import (
	"github.com/jackzampolin/auralens/internal/api"
	"github.com/jackzampolin/auralens/internal/config"
	"github.com/jackzampolin/auralens/internal/server/endpoints"
)

var serverURL string

// getServerURL returns the server URL at runtime (after flag parsing).
func getServerURL() string {
	return serverURL
}

func init() {
	registry := api.NewRegistry()
	for _, ep := range endpoints.All() {
		registry.Register(ep)
	}
	apiCmd := registry.BuildCommands(getServerURL)

	// Persistent so all subcommands inherit it
	apiCmd.PersistentFlags().StringVar(
		&serverURL, "server", config.DefaultConfig().Server.URL(), "daemon URL",
	)
	rootCmd.AddCommand(apiCmd)
}
