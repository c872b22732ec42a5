// Package fixture builds throwaway Django-style project trees for tests.
//
// Every helper fails the calling test immediately on I/O errors so test
// setup stays linear.
package fixture

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/rebase-migrations/internal/model"
)

// Dep is one dependency tuple to render into a migration file.
type Dep struct {
	App  string
	Name string
}

// D is shorthand for Dep{App: app, Name: name}.
func D(app, name string) Dep {
	return Dep{App: app, Name: name}
}

// Project is a temporary project root.
type Project struct {
	Root string
	t    testing.TB
}

// New creates an empty project under t.TempDir().
func New(t testing.TB) *Project {
	t.Helper()
	return &Project{Root: t.TempDir(), t: t}
}

// App is one module inside a Project.
type App struct {
	Name string
	Dir  string
	p    *Project
}

// App creates <root>/<rel>/migrations/__init__.py and returns the module.
// rel may contain slashes for nested layouts; the app name is its last
// element.
func (p *Project) App(rel string) *App {
	p.t.Helper()
	dir := filepath.Join(p.Root, filepath.FromSlash(rel))
	migrations := filepath.Join(dir, model.MigrationsDirName)
	require.NoError(p.t, os.MkdirAll(migrations, 0755))
	require.NoError(p.t, os.WriteFile(filepath.Join(migrations, "__init__.py"), nil, 0644))
	return &App{Name: filepath.Base(dir), Dir: dir, p: p}
}

// Module returns the model.Module discovery would produce for the app.
func (a *App) Module() model.Module {
	migrations := filepath.Join(a.Dir, model.MigrationsDirName)
	return model.Module{
		Name:          a.Name,
		Dir:           a.Dir,
		MigrationsDir: migrations,
		TrackingPath:  filepath.Join(migrations, model.TrackingFileName),
	}
}

// Migration writes a migration file with the given dependencies and
// returns its path.
func (a *App) Migration(name string, deps ...Dep) string {
	a.p.t.Helper()
	return a.Raw(name, Source(deps...))
}

// Raw writes a migration file with arbitrary content and returns its path.
func (a *App) Raw(name, content string) string {
	a.p.t.Helper()
	path := filepath.Join(a.Dir, model.MigrationsDirName, name+model.SourceExtension)
	require.NoError(a.p.t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// Tracking writes the tracking file.
func (a *App) Tracking(content string) {
	a.p.t.Helper()
	path := filepath.Join(a.Dir, model.MigrationsDirName, model.TrackingFileName)
	require.NoError(a.p.t, os.WriteFile(path, []byte(content), 0644))
}

// Read returns the content of a file in the app's migrations folder.
func (a *App) Read(fileName string) string {
	a.p.t.Helper()
	data, err := os.ReadFile(filepath.Join(a.Dir, model.MigrationsDirName, fileName))
	require.NoError(a.p.t, err)
	return string(data)
}

// Exists reports whether a file exists in the app's migrations folder.
func (a *App) Exists(fileName string) bool {
	_, err := os.Stat(filepath.Join(a.Dir, model.MigrationsDirName, fileName))
	return err == nil
}

// Conflict renders a conflict-marked tracking file.
func Conflict(head, incoming string) string {
	return fmt.Sprintf("<<<<<<< HEAD\n%s\n=======\n%s\n>>>>>>> feature\n", head, incoming)
}

// Source renders a minimal Django migration module.
func Source(deps ...Dep) string {
	var b strings.Builder
	b.WriteString("# Generated by Django 4.2 on 2024-05-01 12:00\n\n")
	b.WriteString("from django.db import migrations, models\n\n\n")
	b.WriteString("class Migration(migrations.Migration):\n\n")
	b.WriteString("    dependencies = [\n")
	for _, d := range deps {
		fmt.Fprintf(&b, "        (%q, %q),\n", d.App, d.Name)
	}
	b.WriteString("    ]\n\n")
	b.WriteString("    operations = []\n")
	return b.String()
}

// Orders builds the canonical rebase scenario: module "orders" with
// 0001_initial and 0002_main from mainline, and 0002_feature_x and
// 0003_feature_y replayed from the feature branch, plus a "billing" module
// depending on 0002_feature_x.
func Orders(t testing.TB) (*Project, *App, *App) {
	t.Helper()
	p := New(t)

	orders := p.App("orders")
	orders.Migration("0001_initial")
	orders.Migration("0002_main", D("orders", "0001_initial"))
	orders.Migration("0002_feature_x", D("orders", "0001_initial"))
	orders.Migration("0003_feature_y", D("orders", "0002_feature_x"))
	orders.Tracking(Conflict("0002_main", "0002_feature_x"))

	billing := p.App("billing")
	billing.Migration("0001_initial", D("orders", "0002_feature_x"))
	billing.Tracking("0001_initial\n")

	return p, orders, billing
}
