// Package rebase wires discovery, planning, rewriting and apply into one
// run over a project.
//
// Per-module work (tracking file, graph, validation, plan) runs concurrently
// with one errgroup task per module. A task only writes its own result slot
// and never returns an error to the group, so one broken module does not
// cancel the others. The group's Wait is the barrier before the
// project-wide rewrite, which needs every plan at once because any module
// may reference any other.
package rebase

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/shinji-kodama/rebase-migrations/internal/apply"
	"github.com/shinji-kodama/rebase-migrations/internal/conflict"
	"github.com/shinji-kodama/rebase-migrations/internal/discovery"
	"github.com/shinji-kodama/rebase-migrations/internal/graph"
	"github.com/shinji-kodama/rebase-migrations/internal/model"
	"github.com/shinji-kodama/rebase-migrations/internal/renumber"
	"github.com/shinji-kodama/rebase-migrations/internal/rewrite"
)

// ErrNoModules is returned by Run when discovery finds nothing to process.
var ErrNoModules = errors.New("no modules with a migrations folder and tracking file found")

// Options configures an Engine.
type Options struct {
	// Root is the directory scanned for modules.
	Root string

	// AppPath restricts the run to the single module rooted there. Root is
	// ignored when set.
	AppPath string

	Discovery discovery.Options

	// Reanchor is passed to the planner.
	Reanchor bool

	// Concurrency bounds the planning tasks. 0 means GOMAXPROCS.
	Concurrency int

	// DryRun stops Run after the rewrite.
	DryRun bool

	// ManifestPath is handed to apply.
	ManifestPath string
}

// Engine runs the pipeline.
type Engine struct {
	opts Options
	log  *log.Logger
}

// New creates an Engine. A nil logger falls back to log.Default().
func New(logger *log.Logger, opts Options) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{opts: opts, log: logger}
}

// ModuleStatus classifies the planning outcome of one module.
type ModuleStatus string

const (
	// StatusClean means the tracking file has no conflict.
	StatusClean ModuleStatus = "clean"

	// StatusConflict means a plan was computed.
	StatusConflict ModuleStatus = "conflict"

	// StatusFailed means the module could not be read or planned.
	StatusFailed ModuleStatus = "failed"
)

// ModuleResult is the outcome of planning one module.
type ModuleResult struct {
	Module      model.Module
	Status      ModuleStatus
	Tracking    model.TrackingState
	Graph       *graph.Graph
	Plan        *model.RenumberPlan
	Diagnostics []model.Diagnostic
	Err         error
}

// Outcome is everything a run produced.
type Outcome struct {
	Discovery discovery.Result
	Modules   []*ModuleResult
	ChangeSet *model.ChangeSet
	Applied   *model.ApplyResult
	Summary   Summary
}

// Discover finds the modules to process.
func (e *Engine) Discover(ctx context.Context) (discovery.Result, error) {
	if e.opts.AppPath != "" {
		m, err := discovery.DiscoverApp(e.opts.AppPath, e.opts.Discovery)
		if err != nil {
			return discovery.Result{}, err
		}
		return discovery.Result{Modules: []model.Module{m}}, nil
	}
	return discovery.Discover(ctx, e.opts.Root, e.opts.Discovery)
}

// Plan plans every module concurrently. The returned slice is parallel to
// modules.
func (e *Engine) Plan(ctx context.Context, modules []model.Module) []*ModuleResult {
	limit := e.opts.Concurrency
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	results := make([]*ModuleResult, len(modules))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, m := range modules {
		g.Go(func() error {
			results[i] = e.planModule(ctx, m)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (e *Engine) planModule(ctx context.Context, m model.Module) *ModuleResult {
	res := &ModuleResult{Module: m}
	fail := func(err error) *ModuleResult {
		res.Status = StatusFailed
		res.Err = err
		e.log.Debug("module failed", "app", m.Name, "error", err)
		return res
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	// The graph is loaded before the tracking file is read so a module with
	// a broken tracking file still takes part in the project-wide rewrite.
	g, err := graph.Load(ctx, m)
	if err != nil {
		return fail(err)
	}
	res.Graph = g
	res.Diagnostics = append(res.Diagnostics, g.Diagnostics...)

	state, err := conflict.ReadTracking(m.Name, m.TrackingPath)
	if err != nil {
		return fail(err)
	}
	res.Tracking = state

	if !state.HasConflict() {
		diags, err := g.Validate(nil)
		res.Diagnostics = append(res.Diagnostics, diags...)
		if err != nil {
			return fail(err)
		}
		res.Status = StatusClean
		e.log.Debug("no conflict", "app", m.Name, "migrations", g.Len())
		return res
	}

	planned, err := renumber.Plan(state.Conflict, g, renumber.Options{Reanchor: e.opts.Reanchor})
	if err != nil {
		return fail(err)
	}
	res.Plan = planned.Plan
	res.Diagnostics = append(res.Diagnostics, planned.Diagnostics...)
	res.Status = StatusConflict
	e.log.Debug("planned", "app", m.Name,
		"head", planned.Plan.Head,
		"renames", len(planned.Plan.Renames),
		"tracking", planned.Plan.Tracking.New)
	return res
}

// Rewrite assembles the project-wide ChangeSet from the planned modules.
// Modules that failed planning still have their references to other
// modules rewritten when their graph loaded. A module whose graph could not
// be loaded is reported with an unscanned_module warning when anything is
// renamed, since its references cannot be checked.
func (e *Engine) Rewrite(ctx context.Context, results []*ModuleResult) (*model.ChangeSet, error) {
	var (
		plans    []*model.RenumberPlan
		unloaded []*ModuleResult
	)
	byName := make(map[string]*graph.Graph)
	byDir := make(map[string]*graph.Graph)

	for _, r := range results {
		if r.Plan != nil {
			plans = append(plans, r.Plan)
		}
		if r.Graph == nil {
			unloaded = append(unloaded, r)
			continue
		}
		byDir[r.Module.Dir] = r.Graph
		// Same app label elsewhere in the tree: keep the first one for
		// cross-module checks.
		if _, dup := byName[r.Module.Name]; !dup {
			byName[r.Module.Name] = r.Graph
		}
	}

	cs, err := rewrite.Rewrite(ctx, plans, byDir)
	if err != nil {
		return nil, fmt.Errorf("rewrite failed: %w", err)
	}
	cs.Warnings = append(cs.Warnings, graph.CheckReferences(byName)...)
	if len(cs.Renames) > 0 {
		for _, r := range unloaded {
			cs.Warnings = append(cs.Warnings, model.Warn("unscanned_module", r.Module.Name, r.Module.MigrationsDir,
				"migrations could not be read; references from this app to renamed migrations were not rewritten"))
		}
	}
	return cs, nil
}

// Preview returns cs unchanged.
func (e *Engine) Preview(cs *model.ChangeSet) *model.ChangeSet {
	return apply.Preview(cs)
}

// Apply writes cs to disk.
func (e *Engine) Apply(ctx context.Context, cs *model.ChangeSet) (*model.ApplyResult, error) {
	return apply.Apply(ctx, cs, apply.Options{ManifestPath: e.opts.ManifestPath})
}

// Run executes discover, plan, rewrite and, unless DryRun is set, apply.
//
// The returned error joins every per-module failure with the apply error.
// The Outcome is non-nil whenever discovery succeeded, so callers can
// render partial results alongside the error.
func (e *Engine) Run(ctx context.Context) (*Outcome, error) {
	found, err := e.Discover(ctx)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Discovery: found}
	if len(found.Modules) == 0 {
		out.Summary = summarize(out)
		return out, ErrNoModules
	}
	e.log.Debug("discovered modules", "count", len(found.Modules))

	out.Modules = e.Plan(ctx, found.Modules)

	cs, err := e.Rewrite(ctx, out.Modules)
	if err != nil {
		out.Summary = summarize(out)
		return out, err
	}
	out.ChangeSet = cs

	var errs []error
	for _, r := range out.Modules {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Module.Name, r.Err))
		}
	}

	if e.opts.DryRun || cs.IsEmpty() {
		out.ChangeSet = e.Preview(cs)
	} else {
		applied, err := e.Apply(ctx, cs)
		out.Applied = applied
		if err != nil {
			errs = append(errs, err)
		}
		e.log.Debug("applied", "steps", len(applied.Steps), "failed", len(applied.Failed()))
	}

	out.Summary = summarize(out)
	return out, errors.Join(errs...)
}
