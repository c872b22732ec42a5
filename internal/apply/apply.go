// Package apply commits a ChangeSet to disk, or hands it back unchanged for
// preview.
//
// Mutation order inside one module is fixed: text edits first, then file
// renames, then the tracking file. The first failing step stops that
// module (its remaining steps are recorded as skipped) while other modules
// continue. Completed steps are never rolled back; the returned
// ApplyResult, and the optional YAML manifest, say exactly what happened.
package apply

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/moby/sys/atomicwriter"

	"github.com/shinji-kodama/rebase-migrations/internal/model"
)

// tempSuffix marks files parked during a two-phase rename.
const tempSuffix = ".rebase-tmp"

// rename is os.Rename, replaceable in tests.
var rename = os.Rename

// Options controls Apply.
type Options struct {
	// ManifestPath, when set, receives a YAML record of every step.
	ManifestPath string

	// RunID identifies the run in the manifest. A random UUID is used when
	// empty.
	RunID string

	// Now is the clock used for manifest timestamps. time.Now when nil.
	Now func() time.Time
}

// Preview returns the change set untouched. It exists so callers can treat
// dry runs and real runs through the same pipeline.
func Preview(cs *model.ChangeSet) *model.ChangeSet {
	return cs
}

// Apply performs every mutation in cs. The error is a
// *model.PartialApplyError when any step failed, possibly joined with a
// manifest write error.
func Apply(ctx context.Context, cs *model.ChangeSet, opts Options) (*model.ApplyResult, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	started := now()

	result := &model.ApplyResult{}
	for _, app := range cs.Apps() {
		result.Steps = append(result.Steps, applyModule(ctx, cs, app)...)
	}

	var errs []error
	if failed := result.Failed(); len(failed) > 0 {
		errs = append(errs, &model.PartialApplyError{
			Completed: result.Completed(),
			Failed:    failed,
			Skipped:   result.Skipped(),
		})
	}

	if opts.ManifestPath != "" {
		m := newManifest(runID, started, now(), result)
		if err := m.write(opts.ManifestPath); err != nil {
			errs = append(errs, err)
		}
	}

	return result, errors.Join(errs...)
}

// applyModule runs the steps of one module in order and stops at the first
// failure.
func applyModule(ctx context.Context, cs *model.ChangeSet, app string) []model.ApplyStep {
	var (
		steps  []model.ApplyStep
		failed bool
	)

	record := func(step model.ApplyStep, run func() error) {
		if failed {
			step.Status = model.StepSkipped
			steps = append(steps, step)
			return
		}
		if err := ctx.Err(); err != nil {
			failed = true
			step.Status = model.StepFailed
			step.Error = err.Error()
			steps = append(steps, step)
			return
		}
		if err := run(); err != nil {
			failed = true
			step.Status = model.StepFailed
			step.Error = err.Error()
		} else {
			step.Status = model.StepDone
		}
		steps = append(steps, step)
	}

	for _, edit := range cs.Edits {
		if edit.App != app {
			continue
		}
		record(model.ApplyStep{Kind: model.StepEdit, App: app, Path: edit.Path}, func() error {
			return writeChecked(edit.Path, edit.Original, edit.Updated)
		})
	}

	var renames []model.FileRename
	for _, r := range cs.Renames {
		if r.App == app {
			renames = append(renames, r)
		}
	}
	if len(renames) > 0 {
		steps = append(steps, renameSteps(renames, &failed)...)
	}

	for _, t := range cs.TrackingUpdates {
		if t.App != app {
			continue
		}
		record(model.ApplyStep{Kind: model.StepTracking, App: app, Path: t.Path, Target: string(t.Change.New)}, func() error {
			return writeChecked(t.Path, []byte(t.Change.OldRaw), t.Change.Content())
		})
	}

	return steps
}

// writeChecked atomically replaces path with updated after confirming its
// current content is still expected. The file mode is preserved.
func writeChecked(path string, expected, updated []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	current, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !bytes.Equal(current, expected) {
		return fmt.Errorf("%s changed on disk since it was read", filepath.Base(path))
	}
	return atomicwriter.WriteFile(path, updated, info.Mode().Perm())
}

// renameSteps renames every file of one module. When a target name is also
// the source of another rename in the batch, every file is first parked
// under a temporary name so no rename can clobber a file that has not moved
// yet.
func renameSteps(renames []model.FileRename, failed *bool) []model.ApplyStep {
	sources := make(map[string]bool, len(renames))
	for _, r := range renames {
		sources[r.OldPath] = true
	}
	twoPhase := false
	for _, r := range renames {
		if sources[r.NewPath] {
			twoPhase = true
			break
		}
	}

	steps := make([]model.ApplyStep, len(renames))
	for i, r := range renames {
		steps[i] = model.ApplyStep{Kind: model.StepRename, App: r.App, Path: r.OldPath, Target: r.NewPath}
	}

	fail := func(i int, err error) {
		*failed = true
		steps[i].Status = model.StepFailed
		steps[i].Error = err.Error()
		for j := range steps {
			if steps[j].Status == "" {
				steps[j].Status = model.StepSkipped
			}
		}
	}

	if *failed {
		for i := range steps {
			steps[i].Status = model.StepSkipped
		}
		return steps
	}

	if !twoPhase {
		for i, r := range renames {
			if err := renameNoClobber(r.OldPath, r.NewPath); err != nil {
				fail(i, err)
				return steps
			}
			steps[i].Status = model.StepDone
		}
		return steps
	}

	parked := make([]string, len(renames))
	for i, r := range renames {
		parked[i] = r.OldPath + tempSuffix
		if err := renameNoClobber(r.OldPath, parked[i]); err != nil {
			// Nothing has reached its final name yet: put parked files back.
			var restoreErrs []error
			for j := 0; j < i; j++ {
				if rerr := rename(parked[j], renames[j].OldPath); rerr != nil {
					restoreErrs = append(restoreErrs,
						fmt.Errorf("restoring %s: %w (file left at %s)", filepath.Base(renames[j].OldPath), rerr, filepath.Base(parked[j])))
				}
			}
			fail(i, errors.Join(append([]error{err}, restoreErrs...)...))
			return steps
		}
	}
	for i, r := range renames {
		if err := renameNoClobber(parked[i], r.NewPath); err != nil {
			fail(i, fmt.Errorf("%w (file left at %s)", err, filepath.Base(parked[i])))
			return steps
		}
		steps[i].Status = model.StepDone
	}
	return steps
}

// renameNoClobber renames from to to, refusing to replace an existing file.
func renameNoClobber(from, to string) error {
	if _, err := os.Lstat(to); err == nil {
		return fmt.Errorf("%s already exists", filepath.Base(to))
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return rename(from, to)
}
