package apply

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/rebase-migrations/internal/conflict"
	"github.com/shinji-kodama/rebase-migrations/internal/fixture"
	"github.com/shinji-kodama/rebase-migrations/internal/graph"
	"github.com/shinji-kodama/rebase-migrations/internal/model"
	"github.com/shinji-kodama/rebase-migrations/internal/renumber"
	"github.com/shinji-kodama/rebase-migrations/internal/rewrite"
)

// changeSet runs load, plan and rewrite over the given apps.
func changeSet(t *testing.T, apps ...*fixture.App) *model.ChangeSet {
	t.Helper()
	ctx := context.Background()

	graphs := make(map[string]*graph.Graph)
	var plans []*model.RenumberPlan
	for _, app := range apps {
		g, err := graph.Load(ctx, app.Module())
		require.NoError(t, err)
		graphs[app.Dir] = g

		state, err := conflict.ReadTracking(app.Name, app.Module().TrackingPath)
		require.NoError(t, err)
		if state.HasConflict() {
			result, err := renumber.Plan(state.Conflict, g, renumber.DefaultOptions())
			require.NoError(t, err)
			plans = append(plans, result.Plan)
		}
	}

	cs, err := rewrite.Rewrite(ctx, plans, graphs)
	require.NoError(t, err)
	return cs
}

// TestApply_OrdersExample applies the canonical scenario and checks the
// resulting tree.
func TestApply_OrdersExample(t *testing.T) {
	_, orders, billing := fixture.Orders(t)
	cs := changeSet(t, orders, billing)

	result, err := Apply(context.Background(), cs, Options{})
	require.NoError(t, err)
	assert.Empty(t, result.Failed())
	assert.Empty(t, result.Skipped())

	assert.False(t, orders.Exists("0002_feature_x.py"))
	assert.False(t, orders.Exists("0003_feature_y.py"))
	assert.True(t, orders.Exists("0002_main.py"))
	assert.True(t, orders.Exists("0003_feature_x.py"))
	assert.True(t, orders.Exists("0004_feature_y.py"))

	assert.Equal(t, "0004_feature_y\n", orders.Read(model.TrackingFileName))
	assert.Contains(t, orders.Read("0003_feature_x.py"), `("orders", "0002_main")`)
	assert.Contains(t, orders.Read("0004_feature_y.py"), `("orders", "0003_feature_x")`)
	assert.Contains(t, billing.Read("0001_initial.py"), `("orders", "0003_feature_x")`)
	assert.Equal(t, "0001_initial\n", billing.Read(model.TrackingFileName))
}

// TestApply_StepOrder verifies edits, then renames, then tracking within a
// module.
func TestApply_StepOrder(t *testing.T) {
	_, orders, billing := fixture.Orders(t)
	cs := changeSet(t, orders, billing)

	result, err := Apply(context.Background(), cs, Options{})
	require.NoError(t, err)

	var kinds []model.StepKind
	for _, s := range result.Steps {
		if s.App == "orders" {
			kinds = append(kinds, s.Kind)
		}
	}
	assert.Equal(t, []model.StepKind{
		model.StepEdit, model.StepEdit,
		model.StepRename, model.StepRename,
		model.StepTracking,
	}, kinds)
}

// TestApply_PreservesMode verifies edited files keep their permissions.
func TestApply_PreservesMode(t *testing.T) {
	_, orders, billing := fixture.Orders(t)
	path := billing.Module().MigrationPath("0001_initial")
	require.NoError(t, os.Chmod(path, 0600))

	cs := changeSet(t, orders, billing)
	_, err := Apply(context.Background(), cs, Options{})
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

// TestApply_StaleFileStopsModule verifies a concurrent modification fails
// the module, skips its later steps and leaves other modules alone.
func TestApply_StaleFileStopsModule(t *testing.T) {
	_, orders, billing := fixture.Orders(t)
	cs := changeSet(t, orders, billing)

	// Someone edits an orders file after planning.
	stale := orders.Module().MigrationPath("0002_feature_x")
	require.NoError(t, os.WriteFile(stale, []byte("# edited\n"), 0644))

	result, err := Apply(context.Background(), cs, Options{})
	require.Error(t, err)

	var pe *model.PartialApplyError
	require.True(t, errors.As(err, &pe))
	require.Len(t, pe.Failed, 1)
	assert.Equal(t, stale, pe.Failed[0].Path)
	assert.Contains(t, pe.Failed[0].Error, "changed on disk")

	for _, s := range result.Steps {
		if s.App == "billing" {
			assert.Equal(t, model.StepDone, s.Status)
		}
	}
	assert.NotEmpty(t, pe.Skipped)

	// orders was never renamed and its tracking file still has markers.
	assert.True(t, orders.Exists("0002_feature_x.py"))
	assert.Contains(t, orders.Read(model.TrackingFileName), "<<<<<<<")
	// billing was still rewritten.
	assert.Contains(t, billing.Read("0001_initial.py"), "0003_feature_x")
}

// TestApply_TwoPhaseRename verifies chains where a target name is another
// file's current name.
func TestApply_TwoPhaseRename(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "0003_auto.py")
	b := filepath.Join(dir, "0004_auto.py")
	require.NoError(t, os.WriteFile(a, []byte("a"), 0644))
	require.NoError(t, os.WriteFile(b, []byte("b"), 0644))

	cs := &model.ChangeSet{Renames: []model.FileRename{
		{App: "shop", OldPath: a, NewPath: b, Rename: model.Rename{Old: "0003_auto", New: "0004_auto"}},
		{App: "shop", OldPath: b, NewPath: filepath.Join(dir, "0005_auto.py"), Rename: model.Rename{Old: "0004_auto", New: "0005_auto"}},
	}}

	result, err := Apply(context.Background(), cs, Options{})
	require.NoError(t, err)
	assert.Len(t, result.Completed(), 2)

	data, err := os.ReadFile(b)
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))
	data, err = os.ReadFile(filepath.Join(dir, "0005_auto.py"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))

	_, err = os.Stat(a)
	assert.True(t, os.IsNotExist(err))
}

// TestApply_TwoPhaseRestoreFailure verifies a parked file that cannot be
// moved back is named in the failing step.
func TestApply_TwoPhaseRestoreFailure(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "0003_auto.py")
	b := filepath.Join(dir, "0004_auto.py")
	require.NoError(t, os.WriteFile(a, []byte("a"), 0644))
	require.NoError(t, os.WriteFile(b, []byte("b"), 0644))
	// Parking b fails because its temporary name is taken.
	require.NoError(t, os.WriteFile(b+tempSuffix, []byte("squatter"), 0644))

	orig := rename
	t.Cleanup(func() { rename = orig })
	rename = func(from, to string) error {
		if from == a+tempSuffix && to == a {
			return errors.New("device busy")
		}
		return orig(from, to)
	}

	cs := &model.ChangeSet{Renames: []model.FileRename{
		{App: "shop", OldPath: a, NewPath: b, Rename: model.Rename{Old: "0003_auto", New: "0004_auto"}},
		{App: "shop", OldPath: b, NewPath: filepath.Join(dir, "0005_auto.py"), Rename: model.Rename{Old: "0004_auto", New: "0005_auto"}},
	}}

	result, err := Apply(context.Background(), cs, Options{})
	var pe *model.PartialApplyError
	require.True(t, errors.As(err, &pe))

	failed := result.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, b, failed[0].Path)
	assert.Contains(t, failed[0].Error, "0004_auto.py"+tempSuffix+" already exists")
	assert.Contains(t, failed[0].Error, "restoring 0003_auto.py: device busy")
	assert.Contains(t, failed[0].Error, "file left at 0003_auto.py"+tempSuffix)

	_, err = os.Stat(a + tempSuffix)
	assert.NoError(t, err)
}

// TestApply_RefusesOverwrite verifies a rename never replaces an unrelated
// file.
func TestApply_RefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "0002_x.py")
	to := filepath.Join(dir, "0003_x.py")
	require.NoError(t, os.WriteFile(from, []byte("from"), 0644))
	require.NoError(t, os.WriteFile(to, []byte("squatter"), 0644))

	cs := &model.ChangeSet{Renames: []model.FileRename{
		{App: "shop", OldPath: from, NewPath: to, Rename: model.Rename{Old: "0002_x", New: "0003_x"}},
	}}

	_, err := Apply(context.Background(), cs, Options{})
	var pe *model.PartialApplyError
	require.True(t, errors.As(err, &pe))

	data, err := os.ReadFile(to)
	require.NoError(t, err)
	assert.Equal(t, "squatter", string(data))
}

// TestApply_Manifest verifies the YAML manifest records the run.
func TestApply_Manifest(t *testing.T) {
	_, orders, billing := fixture.Orders(t)
	cs := changeSet(t, orders, billing)

	manifestPath := filepath.Join(t.TempDir(), "rebase-manifest.yaml")
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	result, err := Apply(context.Background(), cs, Options{
		ManifestPath: manifestPath,
		RunID:        "run-1",
		Now:          func() time.Time { return fixed },
	})
	require.NoError(t, err)

	m, err := ReadManifest(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, "run-1", m.RunID)
	assert.True(t, m.Complete)
	assert.True(t, m.StartedAt.Equal(fixed))
	assert.Equal(t, result.Steps, m.Steps)
}

// TestApply_ManifestDefaultsRunID verifies a UUID is generated when no run
// ID is given.
func TestApply_ManifestDefaultsRunID(t *testing.T) {
	manifestPath := filepath.Join(t.TempDir(), "manifest.yaml")

	_, err := Apply(context.Background(), &model.ChangeSet{}, Options{ManifestPath: manifestPath})
	require.NoError(t, err)

	m, err := ReadManifest(manifestPath)
	require.NoError(t, err)
	assert.Len(t, m.RunID, 36)
	assert.Empty(t, m.Steps)
}

// TestApply_Idempotent verifies a second pass over the applied tree has
// nothing to do.
func TestApply_Idempotent(t *testing.T) {
	_, orders, billing := fixture.Orders(t)
	_, err := Apply(context.Background(), changeSet(t, orders, billing), Options{})
	require.NoError(t, err)

	cs := changeSet(t, orders, billing)
	assert.True(t, cs.IsEmpty())
}

// TestPreview verifies preview is the identity and touches nothing.
func TestPreview(t *testing.T) {
	_, orders, billing := fixture.Orders(t)
	cs := changeSet(t, orders, billing)

	assert.Same(t, cs, Preview(cs))
	assert.True(t, orders.Exists("0002_feature_x.py"))
	assert.Contains(t, orders.Read(model.TrackingFileName), "<<<<<<<")
}
