package renumber

import (
	"errors"
	"fmt"

	"github.com/shinji-kodama/rebase-migrations/internal/graph"
	"github.com/shinji-kodama/rebase-migrations/internal/model"
)

// Options controls optional planning behavior.
type Options struct {
	// Reanchor redirects local dependencies on the last common migration to
	// the head migration, so the rebased chain hangs off the head instead
	// of forming a second leaf.
	Reanchor bool
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{Reanchor: true}
}

// Result is a plan plus the non-fatal findings made while computing it.
type Result struct {
	Plan        *model.RenumberPlan
	Diagnostics []model.Diagnostic
}

// Plan computes the renumbering of one conflicted module.
//
// Algorithm:
//  1. Resolve the head-branch name to its number h. Unknown head is a
//     ConflictIntegrityError (UnknownHeadMigration).
//  2. Local set = migrations numbered > h, plus migrations numbered h
//     whose name is not the head's.
//  3. Validate: duplicates among non-local migrations cannot be repaired.
//  4. Assign h+1, h+2, ... to the local set in (old number, name) order.
//  5. Tracking becomes the highest new name, or the head name when the
//     local set is empty.
//
// Migrations whose new name equals their old name are not listed in
// Renames.
func Plan(record *model.ConflictRecord, g *graph.Graph, opts Options) (*Result, error) {
	if record == nil {
		return nil, errors.New("renumber: nil conflict record")
	}
	app := g.Module.Name

	head, ok := g.ByName(record.Head)
	if !ok {
		return nil, &model.ConflictIntegrityError{
			App:    app,
			Kind:   model.KindUnknownHeadMigration,
			Detail: fmt.Sprintf("head migration %s from %s does not exist", record.Head, model.TrackingFileName),
		}
	}
	headNumber := head.Number()

	locals := Locals(g, head.Name)
	isLocal := func(name model.MigrationName) bool {
		for _, m := range locals {
			if m.Name == name {
				return true
			}
		}
		return false
	}

	diags, err := g.Validate(isLocal)
	if err != nil {
		return nil, err
	}

	if _, found := g.ByName(record.Incoming); !found {
		diags = append(diags, model.Warn("incoming_not_found", app, g.Module.TrackingPath,
			fmt.Sprintf("incoming migration %s named in %s does not exist", record.Incoming, model.TrackingFileName)))
	} else if !isLocal(record.Incoming) && record.Incoming != head.Name {
		diags = append(diags, model.Warn("incoming_not_local", app, g.Module.TrackingPath,
			fmt.Sprintf("incoming migration %s is numbered below the head %s and will not be renumbered", record.Incoming, head.Name)))
	}

	plan := &model.RenumberPlan{
		Module:     g.Module,
		Head:       head.Name,
		HeadNumber: headNumber,
		Incoming:   record.Incoming,
	}

	newest := head.Name
	next := headNumber + 1
	for _, m := range locals {
		renamed, err := m.Name.WithNumber(next)
		if err != nil {
			var ie *model.ConflictIntegrityError
			if errors.As(err, &ie) {
				ie.App = app
			}
			return nil, err
		}
		if renamed != m.Name {
			plan.Renames = append(plan.Renames, model.Rename{Old: m.Name, New: renamed})
		}
		newest = renamed
		next++
	}

	if opts.Reanchor && len(locals) > 0 {
		plan.LastCommon = LastCommon(g, head.Name, locals)
		if plan.LastCommon != "" {
			for _, m := range locals {
				for _, d := range m.Dependencies {
					if d.App == app && !d.IsRunBefore() && d.Target == string(plan.LastCommon) {
						plan.Reanchors = append(plan.Reanchors, model.Reanchor{
							Migration: m.Name,
							From:      plan.LastCommon,
							To:        head.Name,
						})
					}
				}
			}
		}
	}

	plan.Tracking = model.TrackingChange{
		OldRaw: record.Raw,
		Old:    record.Head,
		New:    newest,
	}

	if err := NewScanner(g).Verify(plan); err != nil {
		return nil, err
	}

	return &Result{Plan: plan, Diagnostics: diags}, nil
}

// Locals returns the migrations the numeric threshold classifies as local
// to the rebased branch, in (number, name) order.
func Locals(g *graph.Graph, head model.MigrationName) []*model.Migration {
	headMigration, ok := g.ByName(head)
	if !ok {
		return nil
	}
	h := headMigration.Number()

	var locals []*model.Migration
	for _, m := range g.All() {
		n := m.Number()
		if n > h || (n == h && m.Name != head) {
			locals = append(locals, m)
		}
	}
	return locals
}

// LastCommon returns the highest non-local migration of the module, other
// than the head, that a local migration depends on. It is the point the
// two branches last agreed on. An empty name means none was found.
func LastCommon(g *graph.Graph, head model.MigrationName, locals []*model.Migration) model.MigrationName {
	local := make(map[model.MigrationName]bool, len(locals))
	for _, m := range locals {
		local[m.Name] = true
	}

	var best *model.Migration
	for _, m := range locals {
		for _, d := range m.Dependencies {
			if d.App != g.Module.Name || d.IsRunBefore() {
				continue
			}
			target, ok := d.TargetName()
			if !ok || target == head || local[target] {
				continue
			}
			candidate, found := g.ByName(target)
			if !found {
				continue
			}
			if best == nil || candidate.Number() > best.Number() ||
				(candidate.Number() == best.Number() && candidate.Name > best.Name) {
				best = candidate
			}
		}
	}
	if best == nil {
		return ""
	}
	return best.Name
}
