// Package cli implements the cobra-based CLI commands for tenantbox.
//
// Each subcommand (create, list, remove, migrate, serve, resolve,
// containers, ports) is defined in its own file within this package. This
// file defines the root command that serves as the parent for all
// subcommands and handles global flags, configuration and logging.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shinji-kodama/tenantbox/internal/config"
	"github.com/shinji-kodama/tenantbox/internal/logging"
	"github.com/shinji-kodama/tenantbox/internal/model"
)

// Global flag variables shared across all subcommands.
// These are bound to cobra persistent flags on the root command,
// which makes them available to every subcommand automatically.
var (
	// jsonOutput controls whether command output is formatted as JSON.
	jsonOutput bool

	// verbose lowers the log level to debug.
	verbose bool

	// configPath points at an optional YAML or JSONC config file.
	configPath string

	// envFile is loaded into the process environment before the
	// configuration is read. Variables already set are not overridden.
	envFile string

	// logLevel overrides log.level from the configuration when set.
	logLevel string

	// loaded is the configuration resolved by the root PersistentPreRunE.
	loaded *config.Config
)

// version, commit, and date are set at build time via ldflags.
// They are injected from the main package to display version information.
var (
	// Version is the semantic version of the binary (e.g., "1.0.0").
	Version = "dev"

	// Commit is the Git commit hash the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

const defaultEnvFile = ".env"

// NewRootCommand creates and configures the root cobra command.
//
// The root command itself does not perform any action. Before any
// subcommand runs it loads the env file, resolves the configuration and
// configures the global zerolog logger.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tenantbox",
		Short: "Database-per-tenant Postgres provisioning and routing",
		Long: `tenantbox gives every tenant its own Postgres database, running in its
own container on its own host port, and routes requests to the right
database by domain.

Tenants are registered in a master database. Schema changes are plain SQL
migration files applied to every tenant.`,

		// Errors are printed by Execute, in text or JSON.
		SilenceUsage:  true,
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	flags.StringVarP(&configPath, "config", "c", "", "Path to a YAML or JSONC config file")
	flags.StringVar(&envFile, "env-file", defaultEnvFile, "Environment file loaded before the configuration")
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config")

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return model.WrapError(model.ExitInvalidInput, "invalid flags", err)
	})

	rootCmd.AddCommand(NewCreateCommand())
	rootCmd.AddCommand(NewListCommand())
	rootCmd.AddCommand(NewRemoveCommand())
	rootCmd.AddCommand(NewMigrateCommand())
	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewResolveCommand())
	rootCmd.AddCommand(NewContainersCommand())
	rootCmd.AddCommand(NewPortsCommand())

	return rootCmd
}

// setup loads the env file and the configuration, then initializes
// logging. An explicitly requested env file must exist; the default one is
// optional.
func setup(cmd *cobra.Command) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if cmd.Flags().Changed("env-file") || !errors.Is(err, os.ErrNotExist) {
				return model.WrapError(model.ExitConfigError, fmt.Sprintf("failed to load env file %s", envFile), err)
			}
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	if err := logging.Init(level, cfg.Log.Format, cmd.ErrOrStderr()); err != nil {
		return model.WrapError(model.ExitConfigError, "failed to configure logging", err)
	}
	if verbose {
		logging.Verbose()
	}

	loaded = cfg
	VerboseLog("configuration loaded (registry %s, ports %d-%d)", cfg.Registry, cfg.Tenant.MinPort, cfg.Tenant.MaxPort)
	return nil
}

// Execute runs the root command and handles exit codes.
// This is the main entry point called from main.go.
//
// SIGINT and SIGTERM cancel the command context. Errors carrying a
// model.Error exit with its code; other errors exit with code 1.
func Execute(rootCmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		printError(rootCmd.ErrOrStderr(), err)
		os.Exit(int(model.CodeOf(err)))
	}
}

// errorJSON is the JSON error envelope written to stderr.
type errorJSON struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
	Tenant  string `json:"tenant,omitempty"`
	Stage   string `json:"stage,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// printError outputs an error in the format selected by --json. Errors go
// to stderr even in JSON mode; stdout is reserved for command output.
func printError(w io.Writer, err error) {
	body := errorBody{Message: err.Error(), Code: int(model.CodeOf(err))}

	var e *model.Error
	if errors.As(err, &e) {
		body.Message = e.Message
		body.Tenant = e.Tenant
		body.Stage = e.Stage
		if e.Err != nil {
			body.Detail = e.Err.Error()
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(errorJSON{Error: body}, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}
	fmt.Fprintf(w, "Error: %s\n", err)
}

// VerboseLog emits a debug log line. It shows only with --verbose or a
// debug log level.
func VerboseLog(format string, args ...any) {
	log.Debug().Msgf(format, args...)
}

// IsJSONOutput returns whether the --json flag is set.
// Subcommands use this to decide their output format.
func IsJSONOutput() bool {
	return jsonOutput
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// exactArgs is cobra.ExactArgs with an invalid-input exit code.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return model.WrapError(model.ExitInvalidInput, "invalid arguments", err)
		}
		return nil
	}
}
