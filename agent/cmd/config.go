package cmd

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"snapstream/agent/internal/config"
)

func newConfigCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML (secrets omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(config.Get()); err != nil {
				return err
			}
			return enc.Close()
		},
	})
	return c
}
