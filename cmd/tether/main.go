// Command tether runs the offline-first sync daemon and talks to a running
// daemon over its HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	apiURL     string
	apiToken   string
	outputFmt  string
)

var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Offline-first record sync",
	Long: `tether keeps a local copy of records usable while the network is down.

Local mutations are written to a durable store and queued. When the remote is
reachable the queue is drained in order, conflicts are resolved by the
configured strategy, and failures are retried with backoff or dead-lettered.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch outputFmt {
		case "text", "json", "yaml":
			return nil
		default:
			return fmt.Errorf("unknown output format %q (must be text, json, or yaml)", outputFmt)
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "daemon", Title: "Daemon:"},
		&cobra.Group{ID: "client", Title: "Talking to a running daemon:"},
	)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("TETHER_CONFIG"), "Path to TOML config file")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "http://127.0.0.1:8080", "Address of a running daemon's API")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("TETHER_API_TOKEN"), "Bearer token for the daemon's API")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "text", "Output format: text, json, or yaml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
