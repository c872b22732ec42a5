// Package rewrite turns renumbering plans into a ChangeSet: merged
// byte-span edits for every migration file that references a renamed
// migration (in any module), the file renames themselves, and the new
// tracking-file contents.
//
// Source is never regenerated. Each edit replaces exactly the characters
// between the quotes of one dependency target literal; every other byte of
// the file is preserved.
package rewrite

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shinji-kodama/rebase-migrations/internal/graph"
	"github.com/shinji-kodama/rebase-migrations/internal/model"
	"github.com/shinji-kodama/rebase-migrations/internal/pyparse"
)

// lookup maps app -> old name -> new name.
type lookup map[string]map[string]model.MigrationName

func (l lookup) get(app, target string) (model.MigrationName, bool) {
	names, ok := l[app]
	if !ok {
		return "", false
	}
	name, ok := names[target]
	return name, ok
}

func (l lookup) set(app, old string, name model.MigrationName) {
	if l[app] == nil {
		l[app] = make(map[string]model.MigrationName)
	}
	l[app][old] = name
}

// renameIndex resolves a dependency target to its new name.
//
// References inside a module (the tuple names the module's own app label)
// resolve against that module's plan only, so two modules sharing a label
// never see each other's renames. References to another app resolve by
// label over every plan; a label whose plans rename the same migration
// differently cannot be resolved.
type renameIndex struct {
	byDir     map[string]map[string]model.MigrationName
	byApp     lookup
	ambiguous map[string]map[string]bool
}

func newRenameIndex() *renameIndex {
	return &renameIndex{
		byDir:     make(map[string]map[string]model.MigrationName),
		byApp:     make(lookup),
		ambiguous: make(map[string]map[string]bool),
	}
}

func (x *renameIndex) add(plan *model.RenumberPlan) {
	dir := plan.Module.Dir
	app := plan.Module.Name
	for _, r := range plan.Renames {
		if x.byDir[dir] == nil {
			x.byDir[dir] = make(map[string]model.MigrationName, len(plan.Renames))
		}
		x.byDir[dir][string(r.Old)] = r.New

		if prev, ok := x.byApp.get(app, string(r.Old)); ok && prev != r.New {
			if x.ambiguous[app] == nil {
				x.ambiguous[app] = make(map[string]bool)
			}
			x.ambiguous[app][string(r.Old)] = true
			continue
		}
		x.byApp.set(app, string(r.Old), r.New)
	}
}

// resolve returns the new name for d as seen from module m.
func (x *renameIndex) resolve(m model.Module, d model.Dependency) (model.MigrationName, bool, error) {
	if d.App == m.Name {
		name, ok := x.byDir[m.Dir][d.Target]
		return name, ok, nil
	}
	if x.ambiguous[d.App][d.Target] {
		return "", false, &model.ConflictIntegrityError{
			App:  m.Name,
			Kind: model.KindAmbiguousApp,
			Detail: fmt.Sprintf("%s references %s, which is renamed differently by more than one module named %q",
				m.Dir, d, d.App),
		}
	}
	name, ok := x.byApp.get(d.App, d.Target)
	return name, ok, nil
}

// Rewrite builds the ChangeSet for plans. graphs must contain every loaded
// module, not only the planned ones: any module may reference a renamed
// migration. Keys of graphs only order the scan; modules are identified by
// their directory, so two modules sharing an app label are both rewritten.
//
// Failing to locate a reference (span mismatch, dynamic declaration) is a
// DependencyNotFound warning and the edit is skipped. A rewritten buffer
// that does not re-parse to the expected dependencies, or a reference that
// cannot be resolved because of a shared app label, is an error: no
// ChangeSet with a broken file is ever returned.
func Rewrite(ctx context.Context, plans []*model.RenumberPlan, graphs map[string]*graph.Graph) (*model.ChangeSet, error) {
	cs := &model.ChangeSet{}

	index := newRenameIndex()
	reanchors := make(map[string]map[model.MigrationName]model.Reanchor)
	for _, plan := range plans {
		app := plan.Module.Name
		dir := plan.Module.Dir
		cs.Plans = append(cs.Plans, plan)

		index.add(plan)
		for _, r := range plan.Renames {
			cs.Renames = append(cs.Renames, model.FileRename{
				App:     app,
				Dir:     plan.Module.MigrationsDir,
				Rename:  r,
				OldPath: plan.Module.MigrationPath(r.Old),
				NewPath: plan.Module.MigrationPath(r.New),
			})
		}
		for _, ra := range plan.Reanchors {
			if reanchors[dir] == nil {
				reanchors[dir] = make(map[model.MigrationName]model.Reanchor)
			}
			reanchors[dir][ra.Migration] = ra
		}

		cs.TrackingUpdates = append(cs.TrackingUpdates, model.TrackingUpdate{
			App:    app,
			Path:   plan.Module.TrackingPath,
			Change: plan.Tracking,
		})
	}

	keys := make([]string, 0, len(graphs))
	for key := range graphs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		g := graphs[key]
		for _, m := range g.All() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			edit, warnings, err := editFor(g.Module, m, index, reanchors[g.Module.Dir])
			if err != nil {
				return nil, err
			}
			cs.Warnings = append(cs.Warnings, warnings...)
			if edit == nil {
				continue
			}
			if err := verify(ctx, m, edit); err != nil {
				return nil, err
			}
			cs.Edits = append(cs.Edits, *edit)
		}
	}

	return cs, nil
}

// editFor collects every replacement needed in one migration file and
// merges them into a single FileEdit.
func editFor(module model.Module, m *model.Migration, index *renameIndex, reanchors map[model.MigrationName]model.Reanchor) (*model.FileEdit, []model.Diagnostic, error) {
	var (
		replacements []model.Replacement
		updates      []model.DependencyUpdate
		warnings     []model.Diagnostic
	)

	reanchor, hasReanchor := reanchors[m.Name]

	for _, d := range m.Dependencies {
		var target model.MigrationName
		switch {
		case hasReanchor && d.App == m.App && !d.IsRunBefore() && d.Target == string(reanchor.From):
			target = reanchor.To
		default:
			renamed, ok, err := index.resolve(module, d)
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				continue
			}
			target = renamed
		}
		if string(target) == d.Target {
			continue
		}

		if !d.TargetSpan.Valid(len(m.Source)) ||
			!bytes.Equal(m.Source[d.TargetSpan.Start:d.TargetSpan.End], []byte(d.Target)) {
			nf := &model.DependencyNotFound{
				App:       m.App,
				Path:      m.Path,
				Reference: d.String(),
				Reason:    "recorded literal span no longer matches the source",
			}
			warnings = append(warnings, nf.Diagnostic())
			continue
		}

		replacements = append(replacements, model.Replacement{
			Span: d.TargetSpan,
			Old:  d.Target,
			New:  string(target),
		})
		updated := d
		updated.Target = string(target)
		updates = append(updates, model.DependencyUpdate{Old: d, New: updated})
	}

	for _, u := range m.Unresolved {
		if ref, ok := mentionsRenamed(u.Expression, index.byApp); ok {
			nf := &model.DependencyNotFound{
				App:       m.App,
				Path:      m.Path,
				Reference: ref,
				Reason:    fmt.Sprintf("declaration %q is not a static tuple (%s)", u.Expression, u.Reason),
			}
			warnings = append(warnings, nf.Diagnostic())
		}
	}

	if len(replacements) == 0 {
		return nil, warnings, nil
	}

	updated, err := Splice(m.Source, replacements)
	if err != nil {
		nf := &model.DependencyNotFound{App: m.App, Path: m.Path, Reference: string(m.Name), Reason: err.Error()}
		return nil, append(warnings, nf.Diagnostic()), nil
	}

	return &model.FileEdit{
		App:          m.App,
		Migration:    m.Name,
		Path:         m.Path,
		Original:     m.Source,
		Updated:      updated,
		Replacements: replacements,
		Updates:      updates,
	}, warnings, nil
}

// mentionsRenamed reports whether a dynamic declaration textually names a
// migration that is being renamed, so the user knows to fix it by hand.
func mentionsRenamed(expression string, renames lookup) (string, bool) {
	apps := make([]string, 0, len(renames))
	for app := range renames {
		apps = append(apps, app)
	}
	sort.Strings(apps)

	for _, app := range apps {
		olds := make([]string, 0, len(renames[app]))
		for old := range renames[app] {
			olds = append(olds, old)
		}
		sort.Strings(olds)
		for _, old := range olds {
			if strings.Contains(expression, old) {
				return fmt.Sprintf("('%s', '%s')", app, old), true
			}
		}
	}
	return "", false
}

// verify re-parses the edited buffer and checks that exactly the planned
// targets changed.
func verify(ctx context.Context, m *model.Migration, edit *model.FileEdit) error {
	parsed, err := pyparse.Parse(ctx, edit.Updated)
	if err != nil {
		return fmt.Errorf("re-parsing %s: %w", m.Path, err)
	}
	if len(parsed.Dependencies) != len(m.Dependencies) {
		return fmt.Errorf("rewriting %s changed the number of dependencies from %d to %d",
			filepath.Base(m.Path), len(m.Dependencies), len(parsed.Dependencies))
	}

	expected := make(map[string]string, len(edit.Updates))
	for _, u := range edit.Updates {
		expected[spanKey(u.Old.TargetSpan)] = u.New.Target
	}
	for i, before := range m.Dependencies {
		after := parsed.Dependencies[i]
		want := before.Target
		if target, ok := expected[spanKey(before.TargetSpan)]; ok {
			want = target
		}
		if after.App != before.App || after.Target != want {
			return fmt.Errorf("rewriting %s produced %s, expected ('%s', '%s')",
				filepath.Base(m.Path), after, before.App, want)
		}
	}
	return nil
}

func spanKey(s model.Span) string {
	return fmt.Sprintf("%d:%d", s.Start, s.End)
}
