// File: cmd/configcmd.go
package cmd

import (
	"fmt"
	"net/url"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/registrar/internal/config"
)

func newConfigCmd(v *viper.Viper) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration as YAML with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Resolve(v)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(redacted(cfg))
			if err != nil {
				return fmt.Errorf("failed to render configuration: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check that the configuration is complete",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			for _, w := range cfg.Warnings() {
				fmt.Fprintln(cmd.OutOrStdout(), pterm.Warning.Sprint(w))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})
	return configCmd
}

// redacted returns a copy of cfg safe to print.
func redacted(cfg *config.Config) *config.Config {
	c := *cfg
	c.Network.ProxyURL = redactURL(c.Network.ProxyURL)
	c.Database.URL = redactURL(c.Database.URL)
	return &c
}

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
