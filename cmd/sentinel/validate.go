package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"sentinel-gw/sentinel/pkg/cli"
	"sentinel-gw/sentinel/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load, default and validate a configuration file without starting the
proxy.

Examples:
  # Validate the default config path
  sentinel validate

  # Validate a specific file
  sentinel validate --config /etc/sentinel/config.yaml`,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateConfig(cmd *cobra.Command, args []string) error {
	_, err := config.Load(cfgFile)
	if err == nil {
		fmt.Printf("✓ %s is valid\n", cfgFile)
		return nil
	}

	var verr *config.ValidationError
	if errors.As(err, &verr) {
		fmt.Printf("✗ %s: [%s] %s\n", cfgFile, verr.Check, verr.Message)
		return cli.NewConfigError(verr.Check, verr.Message)
	}
	return cli.NewConfigError("", err.Error())
}
