package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Run the startup handshake and print the readiness flags",
	Long: `Run the lifecycle hooks against the configured storage and print the
resulting readiness flags and mount table as JSON.

The command fails when the handshake fails; the JSON is printed either way.`,
	Args: cobra.NoArgs,
	RunE: runBoot,
}

func init() {
	rootCmd.AddCommand(bootCmd)
}

func runBoot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	s, err := newSystem(cfg)
	if err != nil {
		return err
	}
	defer s.close()

	bootErr := s.boot(cmd.Context())

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.report(bootErr)); err != nil {
		return err
	}
	return bootErr
}
