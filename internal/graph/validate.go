package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shinji-kodama/rebase-migrations/internal/model"
)

// Validate checks the sequence integrity of the module.
//
// Duplicate numbers are fatal only among migrations that the renumbering
// will not move: isLocal reports which migrations are about to be
// renumbered, and any collision involving at most one non-local migration
// is resolved by the plan. A nil isLocal treats every migration as
// non-local and downgrades duplicates to warnings, which is what modules
// without a pending conflict need (they are never renumbered).
//
// Gaps in the sequence and same-module dependencies on missing or later
// migrations are reported as warnings.
func (g *Graph) Validate(isLocal func(model.MigrationName) bool) ([]model.Diagnostic, error) {
	var diags []model.Diagnostic
	app := g.Module.Name

	for _, number := range g.Collisions() {
		var fixed []string
		for _, m := range g.ByNumber(number) {
			if isLocal == nil || !isLocal(m.Name) {
				fixed = append(fixed, string(m.Name))
			}
		}
		if len(fixed) < 2 {
			continue
		}
		detail := fmt.Sprintf("sequence number %04d is used by %s", number, strings.Join(fixed, ", "))
		if isLocal == nil {
			diags = append(diags, model.Warn("duplicate_number", app, g.Module.MigrationsDir, detail))
			continue
		}
		return diags, &model.ConflictIntegrityError{App: app, Kind: model.KindDuplicateNumber, Detail: detail}
	}

	if gaps := g.Gaps(); len(gaps) > 0 {
		parts := make([]string, len(gaps))
		for i, n := range gaps {
			parts[i] = fmt.Sprintf("%04d", n)
		}
		diags = append(diags, model.Warn("sequence_gap", app, g.Module.MigrationsDir,
			fmt.Sprintf("no migration numbered %s", strings.Join(parts, ", "))))
	}

	for _, m := range g.All() {
		for _, d := range m.Dependencies {
			if d.App != app || d.IsRunBefore() {
				continue
			}
			target, ok := d.TargetName()
			if !ok {
				continue
			}
			dep, found := g.ByName(target)
			switch {
			case !found:
				diags = append(diags, model.Warn("missing_dependency", app, m.Path,
					fmt.Sprintf("%s depends on %s, which does not exist", m.Name, d)))
			case dep.Number() >= m.Number() && (isLocal == nil || !isLocal(m.Name)):
				diags = append(diags, model.Warn("forward_dependency", app, m.Path,
					fmt.Sprintf("%s depends on later migration %s", m.Name, d)))
			}
		}
	}

	return diags, nil
}

// CheckReferences reports cross-module dependency tuples whose target
// module was discovered but does not contain the target migration.
// Tuples naming modules outside graphs (third-party apps such as "auth")
// are not checked.
func CheckReferences(graphs map[string]*Graph) []model.Diagnostic {
	apps := make([]string, 0, len(graphs))
	for app := range graphs {
		apps = append(apps, app)
	}
	sort.Strings(apps)

	var diags []model.Diagnostic
	for _, app := range apps {
		for _, m := range graphs[app].All() {
			for _, d := range m.Dependencies {
				if d.App == app {
					continue
				}
				other, known := graphs[d.App]
				if !known {
					continue
				}
				target, ok := d.TargetName()
				if !ok {
					continue
				}
				if _, found := other.ByName(target); !found {
					diags = append(diags, model.Warn("missing_dependency", app, m.Path,
						fmt.Sprintf("%s depends on %s, which does not exist", m.Name, d)))
				}
			}
		}
	}
	return diags
}
