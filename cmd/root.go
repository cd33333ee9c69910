// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/registrar/internal/orchestrator"
)

// Exit codes returned by the registrar binary.
const (
	ExitOK        = 0
	ExitError     = 1
	ExitExhausted = 2
)

// NewRootCommand builds a fresh command tree with its own viper instance, so
// repeated executions (and tests) share no state.
func NewRootCommand() *cobra.Command {
	return newRootCommand(runRegistration)
}

func newRootCommand(run registrationRunner) *cobra.Command {
	v := viper.New()
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "registrar",
		Short:         "Registrar drives a web signup funnel end to end and stores the resulting credential.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initializeConfig(v, cfgFile)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newRegisterCmd(v, run),
		newRecordsCmd(v),
		newConfigCmd(v),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command tree under ctx.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// ExitCode maps an Execute error onto the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, orchestrator.ErrAttemptsExhausted):
		return ExitExhausted
	default:
		return ExitError
	}
}

// initializeConfig attaches the config file and environment to v.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("REGISTRAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars
	}
	return nil
}
