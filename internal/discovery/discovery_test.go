package discovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/rebase-migrations/internal/fixture"
	"github.com/shinji-kodama/rebase-migrations/internal/model"
)

func names(modules []model.Module) []string {
	out := make([]string, 0, len(modules))
	for _, m := range modules {
		out = append(out, m.Name)
	}
	return out
}

// TestDiscover_FindsModulesWithTrackingFile verifies only migrations folders
// that contain a tracking file count as modules.
func TestDiscover_FindsModulesWithTrackingFile(t *testing.T) {
	p := fixture.New(t)
	p.App("shop/orders").Tracking("0001_initial\n")
	p.App("billing").Tracking("0001_initial\n")
	p.App("legacy") // no tracking file

	res, err := Discover(context.Background(), p.Root, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"billing", "orders"}, names(res.Modules))
	assert.Empty(t, res.Diagnostics)

	orders := res.Modules[1]
	assert.Equal(t, filepath.Join(p.Root, "shop", "orders"), orders.Dir)
	assert.Equal(t, filepath.Join(p.Root, "shop", "orders", "migrations"), orders.MigrationsDir)
	assert.Equal(t, filepath.Join(p.Root, "shop", "orders", "migrations", "max_migration.txt"), orders.TrackingPath)
}

// TestDiscover_SkipDirs verifies pruned directories are ignored unless
// AllDirs is set.
func TestDiscover_SkipDirs(t *testing.T) {
	p := fixture.New(t)
	p.App("orders").Tracking("0001_initial\n")
	p.App("node_modules/pkg").Tracking("0001_initial\n")
	p.App(".venv/lib/site/django_app").Tracking("0001_initial\n")

	opts := Options{SkipDirs: []string{"node_modules", ".venv"}}

	res, err := Discover(context.Background(), p.Root, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, names(res.Modules))

	opts.AllDirs = true
	res, err = Discover(context.Background(), p.Root, opts)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"orders", "pkg", "django_app"}, names(res.Modules))
}

// TestDiscover_CustomNames verifies configurable folder and tracking names.
func TestDiscover_CustomNames(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "app", "db_migrations")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "latest.txt"), []byte("0001_initial\n"), 0644))

	res, err := Discover(context.Background(), root, Options{MigrationsDir: "db_migrations", TrackingFile: "latest.txt"})
	require.NoError(t, err)
	require.Len(t, res.Modules, 1)
	assert.Equal(t, "app", res.Modules[0].Name)
	assert.Equal(t, filepath.Join(dir, "latest.txt"), res.Modules[0].TrackingPath)
}

// TestDiscover_DuplicateAppName verifies both modules are kept and a warning
// is emitted.
func TestDiscover_DuplicateAppName(t *testing.T) {
	p := fixture.New(t)
	p.App("a/core").Tracking("0001_initial\n")
	p.App("b/core").Tracking("0001_initial\n")

	res, err := Discover(context.Background(), p.Root, Options{})
	require.NoError(t, err)
	assert.Len(t, res.Modules, 2)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, "duplicate_app", res.Diagnostics[0].Code)
	assert.Equal(t, "core", res.Diagnostics[0].App)
}

// TestDiscover_UnreadableSubdirectory verifies a permission error is a
// diagnostic, not a failure.
func TestDiscover_UnreadableSubdirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	p := fixture.New(t)
	p.App("orders").Tracking("0001_initial\n")
	locked := filepath.Join(p.Root, "locked")
	require.NoError(t, os.MkdirAll(filepath.Join(locked, "inner"), 0755))
	require.NoError(t, os.Chmod(locked, 0000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0755) })

	res, err := Discover(context.Background(), p.Root, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, names(res.Modules))
	require.Len(t, res.Diagnostics, 1)

	var derr *model.DiscoveryError
	assert.True(t, errors.As(res.Diagnostics[0].Cause, &derr))
}

// TestDiscover_MissingRoot verifies an unreadable root is a returned error.
func TestDiscover_MissingRoot(t *testing.T) {
	_, err := Discover(context.Background(), filepath.Join(t.TempDir(), "absent"), Options{})
	var derr *model.DiscoveryError
	require.True(t, errors.As(err, &derr))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// TestDiscover_Empty verifies a tree without modules is not an error.
func TestDiscover_Empty(t *testing.T) {
	res, err := Discover(context.Background(), t.TempDir(), Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Modules)
}

// TestDiscover_Canceled verifies the walk stops on a canceled context.
func TestDiscover_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Discover(ctx, t.TempDir(), Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

// TestDiscoverApp verifies single-app mode.
func TestDiscoverApp(t *testing.T) {
	p := fixture.New(t)
	orders := p.App("shop/orders")
	orders.Tracking("0001_initial\n")
	p.App("shop/legacy")

	m, err := DiscoverApp(orders.Dir, Options{})
	require.NoError(t, err)
	assert.Equal(t, orders.Module(), m)

	_, err = DiscoverApp(filepath.Join(p.Root, "shop", "legacy"), Options{})
	var derr *model.DiscoveryError
	assert.True(t, errors.As(err, &derr))
}
