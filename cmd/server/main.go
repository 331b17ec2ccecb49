package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "openkitchen",
		Short: "OpenKitchenCore: control core for an automated food preparation machine",
		Long: `OpenKitchenCore drives heating zones, dispensers and the assembly arm,
supervises safety inputs and sensors, and serves the operator API.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configFile)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/config.yaml", "config file path")

	rootCmd.AddCommand(buildTokenCommand(&configFile))
	rootCmd.AddCommand(buildValidateCommand(&configFile))

	return rootCmd
}
