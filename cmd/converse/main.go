package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "converse",
		Short: "Multi-tenant conversational messaging platform",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml")

	root.AddCommand(
		newOrchestratorCmd(),
		newGatewayCmd(),
		newIngestionCmd(),
		newAutomationCmd(),
		newMigrateCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
