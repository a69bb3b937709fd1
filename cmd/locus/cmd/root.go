// Package cmd provides the CLI commands for the locus server.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/locussearch/locus/pkg/version"
)

var configPath string

// NewRootCmd creates the root command for the locus CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locus",
		Short: "Local emulation of a cloud search service",
		Long: `Locus is a single-node emulation of a cloud search service REST API.

It accepts the same HTTP requests, returns equivalent response shapes,
and runs the same pull-mode enrichment lifecycle (data source, document
cracking, skillset, field mapping, index) without a cloud subscription.

Run 'locus serve' to start the server.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("locus version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to config file (default: locus.yaml in the working directory)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
