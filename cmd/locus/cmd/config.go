package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/locussearch/locus/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage service configuration",
		Long: `Manage the service configuration file.

Configuration precedence (lowest to highest):
  1. Hardcoded defaults
  2. YAML config file (locus.yaml)
  3. .env file in the working directory
  4. Environment variables (LOCUS_*)`,
		Example: `  # Write a config file with the defaults filled in
  locus config init

  # Show the effective configuration (merged from all sources)
  locus config show`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file with defaults",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath
			if path == "" {
				path = "locus.yaml"
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Default().WriteYAML(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing configuration file")

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			// Secrets stay out of terminal output.
			redacted := *cfg
			if redacted.AdminAPIKey != "" {
				redacted.AdminAPIKey = "<set>"
			}
			if redacted.QueryAPIKey != "" {
				redacted.QueryAPIKey = "<set>"
			}
			if redacted.Auth.JWT.Secret != "" {
				redacted.Auth.JWT.Secret = "<set>"
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(&redacted)
		},
	}
}
