package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/roach88/docbind/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // path to a .yaml/.yml/.toml project file
	Backend string // overrides backend.kind from the config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the docbind CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "docbind",
		Short: "docbind - document models over a pooled connection",
		Long: `Save, load and destroy model documents declared in a project file.

Models, the storage backend and the connection pool are configured in a
YAML or TOML file passed with --config. Without one, an in-memory backend
with no models is used.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "project file (.yaml, .yml or .toml)")
	cmd.PersistentFlags().StringVar(&opts.Backend, "backend", "", "storage backend (memory|sqlite|mongodb), overrides the config")

	cmd.AddCommand(NewPingCommand(opts))
	cmd.AddCommand(NewSaveCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewDestroyCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// formatter builds the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}

// loadConfig reads --config (or the defaults) and applies --backend.
func (o *RootOptions) loadConfig() (*config.File, error) {
	f := config.Default()
	if o.Config != "" {
		loaded, err := config.Load(o.Config)
		if err != nil {
			return nil, err
		}
		f = loaded
	}
	if o.Backend != "" {
		f.Backend.Kind = o.Backend
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// openEnv loads the project and opens its connection. Callers close the
// returned env.
func (o *RootOptions) openEnv(cmd *cobra.Command, out *OutputFormatter) (*config.Env, error) {
	f, err := o.loadConfig()
	if err != nil {
		out.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	out.VerboseLog("Backend: %s, %d model(s)", f.Backend.Kind, len(f.Models))

	env, err := f.Open(NewLogger(cmd.ErrOrStderr(), o.Verbose))
	if err != nil {
		out.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "open connection", err)
	}
	return env, nil
}

// NewLogger returns a slog logger writing through charmbracelet/log with
// timestamps. Debug records are shown only when verbose is set.
//
// The writer defaults to os.Stderr.
func NewLogger(w io.Writer, verbose bool) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := charmlog.WarnLevel
	if verbose {
		level = charmlog.DebugLevel
	}
	handler := charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
		Level:           level,
		Prefix:          "docbind",
	})
	return slog.New(handler)
}
