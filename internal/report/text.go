package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/shinji-kodama/rebase-migrations/internal/model"
	"github.com/shinji-kodama/rebase-migrations/internal/rebase"
)

// Color palette shared by every renderer.
const (
	ColorPrimary = lipgloss.Color("#7C3AED")
	ColorMuted   = lipgloss.Color("#6B7280")
	ColorSuccess = lipgloss.Color("#10B981")
	ColorError   = lipgloss.Color("#EF4444")
	ColorWarning = lipgloss.Color("#F59E0B")
)

var (
	TitleStyle   = lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary)
	MutedStyle   = lipgloss.NewStyle().Foreground(ColorMuted)
	SuccessStyle = lipgloss.NewStyle().Foreground(ColorSuccess)
	ErrorStyle   = lipgloss.NewStyle().Bold(true).Foreground(ColorError)
	WarningStyle = lipgloss.NewStyle().Foreground(ColorWarning)

	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// newTable returns a table with the shared look.
func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(MutedStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

// RenderChangeSet writes one table per module listing renames and
// dependency updates, followed by the tracking file change.
func RenderChangeSet(w io.Writer, cs *model.ChangeSet) {
	preview := BuildPreview(cs)
	if len(preview) == 0 {
		fmt.Fprintln(w, MutedStyle.Render("No changes."))
		return
	}

	apps := make([]string, 0, len(preview))
	for app := range preview {
		apps = append(apps, app)
	}
	sort.Strings(apps)

	for _, app := range apps {
		entry := preview[app]
		fmt.Fprintln(w, TitleStyle.Render(app))
		if entry.LastCommonMigration != nil {
			fmt.Fprintln(w, MutedStyle.Render("last common migration: "+*entry.LastCommonMigration))
		}

		if len(entry.MigrationChanges) > 0 {
			t := newTable("MIGRATION", "RENAME", "DEPENDENCIES")
			for _, c := range entry.MigrationChanges {
				rename := "-"
				if c.FileRename != nil {
					rename = string(c.FileRename.New)
				}
				t.Row(c.MigrationFileName, rename, formatUpdates(c.DependencyUpdates))
			}
			fmt.Fprintln(w, t.Render())
		}

		if entry.MaxMigrationUpdate != nil {
			fmt.Fprintf(w, "%s %s -> %s\n",
				MutedStyle.Render(model.TrackingFileName+":"),
				entry.MaxMigrationUpdate.Old,
				SuccessStyle.Render(entry.MaxMigrationUpdate.New))
		}
		fmt.Fprintln(w)
	}
}

// formatUpdates renders dependency updates one per line, or "-".
func formatUpdates(updates []model.DependencyUpdate) string {
	if len(updates) == 0 {
		return "-"
	}
	lines := make([]string, 0, len(updates))
	for _, u := range updates {
		lines = append(lines, fmt.Sprintf("%s -> %s", u.Old, u.New))
	}
	return strings.Join(lines, "\n")
}

// RenderStatus writes the state of every planned module.
func RenderStatus(w io.Writer, results []*rebase.ModuleResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, MutedStyle.Render("No modules found."))
		return
	}

	t := newTable("APP", "STATUS", "TRACKING", "MIGRATIONS", "RENAMES", "PATH")
	for _, r := range results {
		tracking, migrations, renames := "-", "-", "-"
		switch {
		case r.Tracking.HasConflict():
			tracking = fmt.Sprintf("%s | %s", r.Tracking.Conflict.Head, r.Tracking.Conflict.Incoming)
		case r.Tracking.Current != "":
			tracking = string(r.Tracking.Current)
		}
		if r.Graph != nil {
			migrations = strconv.Itoa(r.Graph.Len())
		}
		if r.Plan != nil {
			renames = strconv.Itoa(len(r.Plan.Renames))
		}
		t.Row(r.Module.Name, statusLabel(r), tracking, migrations, renames, r.Module.Dir)
	}
	fmt.Fprintln(w, t.Render())
}

func statusLabel(r *rebase.ModuleResult) string {
	switch r.Status {
	case rebase.StatusConflict:
		return WarningStyle.Render(string(r.Status))
	case rebase.StatusFailed:
		return ErrorStyle.Render(string(r.Status))
	default:
		return SuccessStyle.Render(string(r.Status))
	}
}

// RenderDiagnostics writes warnings, one per line.
func RenderDiagnostics(w io.Writer, diags []model.Diagnostic) {
	for _, d := range diags {
		style := WarningStyle
		if d.Severity == model.SeverityError {
			style = ErrorStyle
		}
		fmt.Fprintln(w, style.Render(d.String()))
	}
}

// RenderSummary writes the closing summary of a run.
func RenderSummary(w io.Writer, s rebase.Summary, dryRun bool) {
	t := newTable("PROCESSED", "CHANGED", "UNCHANGED", "FAILED", "WARNINGS")
	t.Row(
		strconv.Itoa(s.Processed),
		strconv.Itoa(len(s.Changed)),
		strconv.Itoa(len(s.Skipped)),
		strconv.Itoa(len(s.Failed)),
		strconv.Itoa(len(s.Warnings)),
	)
	fmt.Fprintln(w, t.Render())

	for _, f := range s.Failed {
		fmt.Fprintln(w, ErrorStyle.Render(fmt.Sprintf("failed %s: %v", f.App, f.Err)))
	}

	switch {
	case dryRun:
		fmt.Fprintln(w, MutedStyle.Render("Dry run: no files were changed."))
	case s.Steps != nil && !s.OK():
		fmt.Fprintln(w, ErrorStyle.Render(fmt.Sprintf("Apply incomplete: %d done, %d failed, %d skipped.",
			s.Steps[model.StepDone], s.Steps[model.StepFailed], s.Steps[model.StepSkipped])))
	case s.Steps != nil:
		fmt.Fprintln(w, SuccessStyle.Render(fmt.Sprintf("Applied %d change(s).", s.Steps[model.StepDone])))
	}
}
