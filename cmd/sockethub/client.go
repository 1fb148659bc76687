package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sockethub/sockethub/internal/client"
)

type clientConfig struct {
	apiKey string
	apiURL string
}

func addClientFlags(cmd *cobra.Command, cfg *clientConfig, defaultURL string) {
	url := os.Getenv("SOCKETHUB_API_URL")
	if url == "" {
		url = defaultURL
	}
	cmd.Flags().StringVar(&cfg.apiKey, "api-key", os.Getenv("SOCKETHUB_API_KEY"), "admin API key")
	cmd.Flags().StringVar(&cfg.apiURL, "api-url", url, "server URL")
}

func (cfg *clientConfig) newClient(needKey bool) (*client.Client, error) {
	if cfg.apiURL == "" {
		return nil, fmt.Errorf("API URL required (use --api-url flag or SOCKETHUB_API_URL env var)")
	}
	if needKey && cfg.apiKey == "" {
		return nil, fmt.Errorf("API key required (use --api-key flag or SOCKETHUB_API_KEY env var)")
	}
	return client.NewClient(cfg.apiURL, cfg.apiKey), nil
}
