package rebase

import (
	"sort"

	"github.com/shinji-kodama/rebase-migrations/internal/model"
)

// Failure names a module that could not be processed.
type Failure struct {
	App  string
	Path string
	Err  error
}

// Summary condenses an Outcome for reporting.
type Summary struct {
	// Processed counts discovered modules.
	Processed int

	// Changed lists modules with at least one planned or applied change.
	Changed []string

	// Skipped lists modules without a conflict and without edits.
	Skipped []string

	Failed   []Failure
	Warnings []model.Diagnostic

	// Steps counts apply steps by status; nil on dry runs.
	Steps map[model.StepStatus]int
}

// OK reports whether the run finished without failures.
func (s Summary) OK() bool {
	if len(s.Failed) > 0 {
		return false
	}
	return s.Steps[model.StepFailed] == 0 && s.Steps[model.StepSkipped] == 0
}

func summarize(out *Outcome) Summary {
	s := Summary{Processed: len(out.Discovery.Modules)}
	s.Warnings = append(s.Warnings, out.Discovery.Diagnostics...)

	changed := make(map[string]bool)
	if out.ChangeSet != nil {
		for _, app := range out.ChangeSet.Apps() {
			changed[app] = true
		}
	}

	for _, r := range out.Modules {
		s.Warnings = append(s.Warnings, r.Diagnostics...)
		switch {
		case r.Err != nil:
			s.Failed = append(s.Failed, Failure{App: r.Module.Name, Path: r.Module.Dir, Err: r.Err})
		case changed[r.Module.Name]:
			s.Changed = append(s.Changed, r.Module.Name)
		default:
			s.Skipped = append(s.Skipped, r.Module.Name)
		}
	}
	sort.Strings(s.Changed)
	sort.Strings(s.Skipped)

	if out.ChangeSet != nil {
		s.Warnings = append(s.Warnings, out.ChangeSet.Warnings...)
	}

	if out.Applied != nil {
		s.Steps = make(map[model.StepStatus]int)
		for _, step := range out.Applied.Steps {
			s.Steps[step.Status]++
		}
	}
	return s
}
