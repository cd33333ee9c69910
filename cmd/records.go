// File: cmd/records.go
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/registrar/internal/config"
	"github.com/xkilldash9x/registrar/internal/observability"
	"github.com/xkilldash9x/registrar/internal/store"
)

func newRecordsCmd(v *viper.Viper) *cobra.Command {
	var file string

	recordsCmd := &cobra.Command{
		Use:   "records",
		Short: "Summarise the accounts log with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := file
			if path == "" {
				cfg, err := config.Resolve(v)
				if err != nil {
					return err
				}
				path = cfg.Output.AccountsFile
			}
			expanded, err := homedir.Expand(path)
			if err != nil {
				return fmt.Errorf("could not resolve path %q: %w", path, err)
			}
			path = expanded

			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open accounts log: %w", err)
			}
			defer f.Close()

			records, bad, err := store.ReadRecords(f)
			if err != nil {
				return err
			}
			renderRecords(cmd.OutOrStdout(), path, records, bad)
			return nil
		},
	}
	recordsCmd.Flags().StringVarP(&file, "file", "f", "", "accounts log to read (default output.accounts_file)")
	return recordsCmd
}

func renderRecords(w io.Writer, path string, records []store.Record, bad []*store.LineError) {
	withKey := 0
	data := pterm.TableData{{"#", "Email", "Password", "API key"}}
	for i, r := range records {
		key := "-"
		if r.APIKey != "" {
			withKey++
			key = observability.Mask(r.APIKey)
		}
		data = append(data, []string{fmt.Sprintf("%d", i+1), r.Email, observability.Mask(r.Password), key})
	}

	fmt.Fprintln(w, pterm.DefaultSection.Sprint(path))
	if len(records) > 0 {
		if table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender(); err == nil {
			fmt.Fprintln(w, table)
		}
	}
	fmt.Fprintf(w, "%d accounts, %d with an API key, %d malformed lines\n", len(records), withKey, len(bad))
	for _, b := range bad {
		fmt.Fprintln(w, pterm.Warning.Sprint(b.Error()))
	}
}
