package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/rebase-migrations/internal/model"
	"github.com/shinji-kodama/rebase-migrations/internal/rebase"
	"github.com/shinji-kodama/rebase-migrations/internal/report"
)

// statusFlags holds the flag values for the status command.
type statusFlags struct {
	path    string
	allDirs bool
}

// NewStatusCommand creates the "status" cobra command. It plans every app
// without rewriting or writing anything.
func NewStatusCommand() *cobra.Command {
	flags := &statusFlags{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List apps and whether their max_migration.txt is conflicted",
		Long: `List every discovered app with its tracking state, migration count and
the number of migrations a fix would rename.

Examples:
  rebase-migrations status
  rebase-migrations status --path src --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.path, "path", "p", ".", "Directory to search for migrations folders")
	cmd.Flags().BoolVar(&flags.allDirs, "all-dirs", false, "Scan all directories without skipping build/cache directories")

	return cmd
}

func runStatus(ctx context.Context, cmd *cobra.Command, flags *statusFlags) error {
	logger := newLogger(cmd.ErrOrStderr())

	cfg, err := loadConfig(ctx, flags.path, logger)
	if err != nil {
		return err
	}
	opts := engineOptions(cmd, cfg, &fixFlags{path: flags.path, allDirs: flags.allDirs})
	engine := rebase.New(logger, opts)

	found, err := engine.Discover(ctx)
	if err != nil {
		return err
	}
	if len(found.Modules) == 0 {
		return model.WrapCLIError(model.ExitNoModules, "no Django apps with migrations found", rebase.ErrNoModules)
	}
	report.RenderDiagnostics(cmd.ErrOrStderr(), found.Diagnostics)

	results := engine.Plan(ctx, found.Modules)
	if IsJSONOutput() {
		return printStatusJSON(cmd.OutOrStdout(), results)
	}
	report.RenderStatus(cmd.OutOrStdout(), results)

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Module.Name, r.Err))
		}
	}
	if len(errs) > 0 {
		return model.WrapCLIError(model.ExitGeneralError, "some apps could not be read", errors.Join(errs...))
	}
	return nil
}

// statusJSON is the JSON output structure for one app.
type statusJSON struct {
	App        string `json:"app"`
	Path       string `json:"path"`
	Status     string `json:"status"`
	Current    string `json:"current,omitempty"`
	Head       string `json:"head,omitempty"`
	Incoming   string `json:"incoming,omitempty"`
	Migrations int    `json:"migrations"`
	Renames    int    `json:"renames"`
	Error      string `json:"error,omitempty"`
}

func printStatusJSON(w io.Writer, results []*rebase.ModuleResult) error {
	type resultJSON struct {
		Apps []statusJSON `json:"apps"`
	}

	out := resultJSON{Apps: make([]statusJSON, 0, len(results))}
	for _, r := range results {
		entry := statusJSON{
			App:     r.Module.Name,
			Path:    r.Module.Dir,
			Status:  string(r.Status),
			Current: string(r.Tracking.Current),
		}
		if r.Tracking.Conflict != nil {
			entry.Head = string(r.Tracking.Conflict.Head)
			entry.Incoming = string(r.Tracking.Conflict.Incoming)
		}
		if r.Graph != nil {
			entry.Migrations = r.Graph.Len()
		}
		if r.Plan != nil {
			entry.Renames = len(r.Plan.Renames)
		}
		if r.Err != nil {
			entry.Error = r.Err.Error()
		}
		out.Apps = append(out.Apps, entry)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}
