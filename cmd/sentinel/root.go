package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Sentinel - identity-aware TLS-terminating reverse proxy",
	Long: `Sentinel is a TLS-terminating reverse proxy built to front an identity
provider cluster (SSO logins, token issuance, credential flows).

It provides:
  - TLS termination with a configurable protocol floor and cipher policy
  - Ordered host/path routing to health-checked upstream groups
  - Round-robin and weighted upstream selection with failover
  - Zero-downtime configuration reload with per-connection pinning
  - Long-lived session tracking for upgraded (WebSocket) connections`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
}
