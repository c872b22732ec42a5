package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/shinji-kodama/rebase-migrations/internal/config"
	"github.com/shinji-kodama/rebase-migrations/internal/discovery"
	"github.com/shinji-kodama/rebase-migrations/internal/model"
	"github.com/shinji-kodama/rebase-migrations/internal/rebase"
	"github.com/shinji-kodama/rebase-migrations/internal/report"
)

// fixFlags holds the flag values for the fix command.
type fixFlags struct {
	path        string // --path: directory scanned for apps
	appPath     string // --app-path: process only this app
	dryRun      bool   // --dry-run: plan without writing
	allDirs     bool   // --all-dirs: do not prune skip dirs
	noReanchor  bool   // --no-reanchor: keep the first local dependency as is
	manifest    string // --manifest: YAML apply manifest path
	concurrency int    // --concurrency: planning task limit
}

// NewFixCommand creates the "fix" cobra command.
func NewFixCommand() *cobra.Command {
	flags := &fixFlags{}

	cmd := &cobra.Command{
		Use:   "fix",
		Short: "Renumber conflicting migrations and rewrite their references",
		Long: `Find every app with a conflicted max_migration.txt, renumber the migrations
of the rebased branch after the head migration, rewrite dependency tuples in
all apps, and update max_migration.txt.

With --dry-run nothing is written; the planned changes are printed instead.

Examples:
  rebase-migrations fix
  rebase-migrations fix --dry-run
  rebase-migrations fix --dry-run --json
  rebase-migrations fix --path src --manifest .rebase-manifest.yaml
  rebase-migrations fix --app-path shop/orders`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runFix(cmd.Context(), cmd, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.path, "path", "p", ".", "Directory to search for migrations folders")
	cmd.Flags().StringVar(&flags.appPath, "app-path", "", "Only process the app rooted at this directory")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Show what would be done without making changes")
	cmd.Flags().BoolVar(&flags.allDirs, "all-dirs", false, "Scan all directories without skipping build/cache directories")
	cmd.Flags().BoolVar(&flags.noReanchor, "no-reanchor", false, "Do not redirect the first rebased migration onto the head migration")
	cmd.Flags().StringVar(&flags.manifest, "manifest", "", "Write a YAML manifest of every apply step to this file")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "Maximum apps planned concurrently (default: number of CPUs)")

	return cmd
}

// engineOptions merges the loaded config with explicitly set flags.
func engineOptions(cmd *cobra.Command, cfg *config.Config, flags *fixFlags) rebase.Options {
	if cmd.Flags().Changed("all-dirs") {
		cfg.AllDirs = flags.allDirs
	}
	if cmd.Flags().Changed("no-reanchor") {
		cfg.Reanchor = !flags.noReanchor
	}
	if cmd.Flags().Changed("manifest") {
		cfg.Manifest = flags.manifest
	}
	if cmd.Flags().Changed("concurrency") {
		cfg.Concurrency = flags.concurrency
	}

	return rebase.Options{
		Root:    flags.path,
		AppPath: flags.appPath,
		Discovery: discovery.Options{
			MigrationsDir: cfg.MigrationsDir,
			TrackingFile:  cfg.TrackingFile,
			SkipDirs:      cfg.SkipDirs,
			AllDirs:       cfg.AllDirs,
		},
		Reanchor:     cfg.Reanchor,
		Concurrency:  cfg.Concurrency,
		DryRun:       flags.dryRun,
		ManifestPath: cfg.Manifest,
	}
}

// runFix loads configuration, runs the engine and prints the result.
func runFix(ctx context.Context, cmd *cobra.Command, flags *fixFlags) error {
	logger := newLogger(cmd.ErrOrStderr())

	cfg, err := loadConfig(ctx, flags.path, logger)
	if err != nil {
		return err
	}
	if flags.concurrency < 0 {
		return model.NewCLIError(model.ExitInvalidConfig,
			fmt.Sprintf("invalid --concurrency %d: must be >= 0", flags.concurrency))
	}

	opts := engineOptions(cmd, cfg, flags)
	if flags.dryRun {
		logger.Info("Dry run detected. No changes will be made.")
	}

	out, err := rebase.New(logger, opts).Run(ctx)
	if errors.Is(err, rebase.ErrNoModules) {
		return model.WrapCLIError(model.ExitNoModules, "no Django apps with migrations found", err)
	}
	if out == nil {
		return err
	}

	if printErr := printFixResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), out, flags.dryRun, logger); printErr != nil {
		return errors.Join(err, printErr)
	}

	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "rebase incomplete", err)
	}
	return nil
}

// printFixResult writes the change set and summary in the selected format.
// Diagnostics always go to stderr.
func printFixResult(stdout, stderr io.Writer, out *rebase.Outcome, dryRun bool, logger *log.Logger) error {
	report.RenderDiagnostics(stderr, out.Summary.Warnings)

	if IsJSONOutput() {
		data, err := report.BuildPreview(out.ChangeSet).JSON()
		if err != nil {
			return fmt.Errorf("failed to encode preview: %w", err)
		}
		fmt.Fprintln(stdout, string(data))
		return nil
	}

	if out.ChangeSet != nil {
		report.RenderChangeSet(stdout, out.ChangeSet)
	}
	report.RenderSummary(stdout, out.Summary, dryRun)
	logger.Debug("done", "changed", len(out.Summary.Changed), "failed", len(out.Summary.Failed))
	return nil
}
