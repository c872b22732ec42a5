// Package cli implements the cobra-based CLI commands for rebase-migrations.
//
// Each subcommand (fix, status) is defined in its own file within this
// package. This file defines the root command that serves as the parent for
// all subcommands and handles global flags, logging and exit codes.
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

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/shinji-kodama/rebase-migrations/internal/config"
	"github.com/shinji-kodama/rebase-migrations/internal/model"
)

// Global flag variables shared across all subcommands.
// These are bound to cobra persistent flags on the root command,
// which makes them available to every subcommand automatically.
var (
	// jsonOutput switches command output to JSON for machine consumption.
	jsonOutput bool

	// verbose lowers the log level to debug.
	verbose bool

	// configPath forces a specific config file instead of the project
	// file lookup at the scan root.
	configPath string
)

// Version, Commit, and Date are set at build time via ldflags.
// They are injected from the main package to display version information.
var (
	// Version is the semantic version of the binary (e.g., "1.0.0").
	Version = "dev"

	// Commit is the Git commit hash the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// NewRootCommand creates and configures the root cobra command.
//
// The root command itself does not perform any action; it provides help
// text and global flags. Functionality lives in the fix and status
// subcommands.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rebase-migrations",
		Short: "Renumber Django migrations after a rebase",
		Long: `rebase-migrations resolves migration number collisions left behind by
rebasing a branch that adds Django migrations.

For every app whose max_migration.txt contains merge conflict markers, the
migrations of the rebased branch are renumbered after the head migration,
every dependency tuple that points at a renamed migration is rewritten (in
any app), and max_migration.txt is set to the new highest migration.`,

		// SilenceUsage prevents cobra from printing usage on every error.
		SilenceUsage: true,

		// SilenceErrors lets Execute format errors (text or JSON).
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: .rebase-migrations.{jsonc,json,yaml,yml} in --path)")

	rootCmd.AddCommand(NewFixCommand())
	rootCmd.AddCommand(NewStatusCommand())

	return rootCmd
}

// Execute runs the root command and exits with the resulting code.
// This is the main entry point called from main.go.
func Execute(rootCmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, rootCmd)
	stop()
	os.Exit(int(code))
}

// run executes rootCmd and translates its error into an exit code.
// CLIError values carry their own code; other errors map to
// ExitGeneralError.
func run(ctx context.Context, rootCmd *cobra.Command) model.ExitCode {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return model.ExitSuccess
	}

	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		printError(rootCmd.ErrOrStderr(), cliErr.Message, cliErr.Err)
		return cliErr.Code
	}

	printError(rootCmd.ErrOrStderr(), err.Error(), nil)
	return model.ExitGeneralError
}

// printError outputs an error message in the appropriate format
// (JSON or text) based on the --json global flag.
func printError(w io.Writer, message string, underlying error) {
	if jsonOutput {
		errObj := map[string]any{
			"error": map[string]any{
				"message": message,
			},
		}
		if underlying != nil {
			if errMap, ok := errObj["error"].(map[string]any); ok {
				errMap["detail"] = underlying.Error()
			}
		}
		// Errors go to stderr even in JSON mode; stdout is reserved for
		// successful command output.
		data, _ := json.MarshalIndent(errObj, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}

	if underlying != nil {
		fmt.Fprintf(w, "Error: %s: %v\n", message, underlying)
	} else {
		fmt.Fprintf(w, "Error: %s\n", message)
	}
}

// newLogger returns the stderr logger shared by a command run.
func newLogger(w io.Writer) *log.Logger {
	logger := log.NewWithOptions(w, log.Options{
		Prefix: "rebase-migrations",
		Level:  log.InfoLevel,
	})
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

// loadConfig resolves the configuration for a scan rooted at root.
func loadConfig(ctx context.Context, root string, logger *log.Logger) (*config.Config, error) {
	cfg, path, err := config.Load(ctx, config.LoadOptions{Root: root, ConfigFilePath: configPath})
	if err != nil {
		return nil, err
	}
	if path != "" {
		logger.Debug("loaded config", "path", path)
	}
	return cfg, nil
}

// IsJSONOutput returns whether the --json flag is set.
func IsJSONOutput() bool {
	return jsonOutput
}
