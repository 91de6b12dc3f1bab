// Package cli implements the tenantsync command line.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/tenantsync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string

	v *viper.Viper
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the tenantsync root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{v: config.NewViper()}

	cmd := &cobra.Command{
		Use:   "tenantsync",
		Short: "tenantsync - keeps per-tenant stores monitored",
		Long: `tenantsync keeps one live connection per tenant workspace store, mirrors
the authoritative workspace directory, answers new user messages and runs
recurring tasks at most once per scheduled occurrence.

Configuration is read from TENANTSYNC_* environment variables, optionally
layered over a YAML file given with --config. Flags such as --db override
both.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			setupLogging(opts.Verbose)
			if opts.ConfigFile != "" {
				if err := config.ReadFile(opts.v, opts.ConfigFile); err != nil {
					return WrapExitError(ExitCommandError, "cannot read config file", err)
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "YAML config file (keys as TENANTSYNC_* names without prefix, lower-cased)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewClaimsCommand(opts))
	cmd.AddCommand(NewTasksCommand(opts))
	cmd.AddCommand(NewWorkspacesCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// bindFlag makes flag override the option read from envName.
func (o *RootOptions) bindFlag(envName string, flag *pflag.Flag) error {
	if flag == nil {
		return nil
	}
	return o.v.BindPFlag(config.Key(envName), flag)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
