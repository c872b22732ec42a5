// Package graph loads the migrations of one module into an ordered,
// dependency-annotated model.
//
// A Graph is read-only after Load returns. Lookups by name and by sequence
// number are O(1); All returns migrations ordered by (number, name), so two
// migrations sharing a number (the normal state right after a rebase)
// still have a deterministic order.
package graph

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/shinji-kodama/rebase-migrations/internal/model"
	"github.com/shinji-kodama/rebase-migrations/internal/pyparse"
)

// Graph is the loaded migration set of one module.
type Graph struct {
	Module model.Module

	migrations []*model.Migration
	byName     map[model.MigrationName]*model.Migration
	byNumber   map[int][]*model.Migration

	// Diagnostics collects non-fatal findings made while loading: dynamic
	// dependency declarations, files without a Migration class, syntax
	// errors tree-sitter recovered from.
	Diagnostics []model.Diagnostic
}

// Load reads every migration file of module and parses its dependency
// declarations. Files that do not match the migration file name pattern
// (__init__.py, helpers, compiled files) are ignored.
//
// Load does not reject duplicate sequence numbers: after a rebase they are
// expected. Callers decide which duplicates are fatal with Validate.
func Load(ctx context.Context, module model.Module) (*Graph, error) {
	entries, err := os.ReadDir(module.MigrationsDir)
	if err != nil {
		return nil, &model.DiscoveryError{Path: module.MigrationsDir, Err: err}
	}

	g := &Graph{
		Module:   module,
		byName:   make(map[model.MigrationName]*model.Migration),
		byNumber: make(map[int][]*model.Migration),
	}

	for _, entry := range entries {
		if entry.IsDir() || !model.IsMigrationFileName(entry.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name, err := model.ParseMigrationName(entry.Name())
		if err != nil {
			return nil, err
		}

		migration, err := loadMigration(ctx, module, name)
		if err != nil {
			return nil, err
		}
		g.add(migration)
	}
	g.order()

	return g, nil
}

// New builds a graph from already-loaded migrations. It is used by tests
// and by callers that obtained migrations from somewhere other than disk.
func New(module model.Module, migrations ...*model.Migration) *Graph {
	g := &Graph{
		Module:   module,
		byName:   make(map[model.MigrationName]*model.Migration),
		byNumber: make(map[int][]*model.Migration),
	}
	for _, m := range migrations {
		g.add(m)
	}
	g.order()
	return g
}

func loadMigration(ctx context.Context, module model.Module, name model.MigrationName) (*model.Migration, error) {
	path := module.MigrationPath(name)

	source, err := os.ReadFile(path)
	if err != nil {
		return nil, &model.ParseError{App: module.Name, Subject: path, Reason: "cannot read migration", Err: err}
	}

	parsed, err := pyparse.Parse(ctx, source)
	if err != nil {
		return nil, &model.ParseError{App: module.Name, Subject: path, Err: err}
	}

	return &model.Migration{
		App:          module.Name,
		Name:         name,
		Path:         path,
		Source:       source,
		Dependencies: parsed.Dependencies,
		Unresolved:   parsed.Unresolved,
		SyntaxError:  parsed.SyntaxError,
		NoClass:      !parsed.HasMigrationClass,
	}, nil
}

func (g *Graph) add(m *model.Migration) {
	g.migrations = append(g.migrations, m)
	g.byName[m.Name] = m
	g.byNumber[m.Number()] = append(g.byNumber[m.Number()], m)

	for _, u := range m.Unresolved {
		g.Diagnostics = append(g.Diagnostics, model.Warn("unresolved_dependency", m.App, m.Path,
			fmt.Sprintf("%s: cannot read dependency %s statically (%s)", m.Name, u.Expression, u.Reason)))
	}
	if m.SyntaxError {
		g.Diagnostics = append(g.Diagnostics, model.Warn("syntax_error", m.App, m.Path,
			fmt.Sprintf("%s: python source has syntax errors, dependencies may be incomplete", m.Name)))
	}
	if m.NoClass {
		g.Diagnostics = append(g.Diagnostics, model.Warn("no_migration_class", m.App, m.Path,
			fmt.Sprintf("%s: no top-level Migration class found", m.Name)))
	}
}

func (g *Graph) order() {
	sort.Slice(g.migrations, func(i, j int) bool {
		return less(g.migrations[i], g.migrations[j])
	})
	for _, group := range g.byNumber {
		sort.Slice(group, func(i, j int) bool { return group[i].Name < group[j].Name })
	}
}

func less(a, b *model.Migration) bool {
	if a.Number() != b.Number() {
		return a.Number() < b.Number()
	}
	return a.Name < b.Name
}

// ByName returns the migration with the given name.
func (g *Graph) ByName(name model.MigrationName) (*model.Migration, bool) {
	m, ok := g.byName[name]
	return m, ok
}

// ByNumber returns every migration with the given sequence number, ordered
// by name. The result has more than one element only when the module has a
// number collision.
func (g *Graph) ByNumber(number int) []*model.Migration {
	return g.byNumber[number]
}

// All returns the migrations ordered by (number, name).
func (g *Graph) All() []*model.Migration {
	return g.migrations
}

// Len returns the number of migrations.
func (g *Graph) Len() int {
	return len(g.migrations)
}

// Highest returns the migration with the highest number, or nil when the
// module has no migrations.
func (g *Graph) Highest() *model.Migration {
	if len(g.migrations) == 0 {
		return nil
	}
	return g.migrations[len(g.migrations)-1]
}

// Collisions returns every sequence number used by more than one
// migration, ascending.
func (g *Graph) Collisions() []int {
	var numbers []int
	for number, group := range g.byNumber {
		if len(group) > 1 {
			numbers = append(numbers, number)
		}
	}
	sort.Ints(numbers)
	return numbers
}

// Gaps returns the sequence numbers missing between 1 and the highest
// number, ascending.
func (g *Graph) Gaps() []int {
	highest := g.Highest()
	if highest == nil {
		return nil
	}
	var gaps []int
	for n := 1; n < highest.Number(); n++ {
		if len(g.byNumber[n]) == 0 {
			gaps = append(gaps, n)
		}
	}
	return gaps
}

// Dependents returns the migrations of this module that declare a
// dependency on (app, target), in graph order.
func (g *Graph) Dependents(app string, target model.MigrationName) []*model.Migration {
	var out []*model.Migration
	for _, m := range g.migrations {
		for _, d := range m.Dependencies {
			if d.App == app && d.Target == string(target) && !d.IsRunBefore() {
				out = append(out, m)
				break
			}
		}
	}
	return out
}
