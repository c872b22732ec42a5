// Package discovery finds the modules of a project: directories holding a
// migrations folder that contains a tracking file.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/shinji-kodama/rebase-migrations/internal/model"
)

// Options controls the walk.
type Options struct {
	// MigrationsDir is the folder name that marks a module. Defaults to
	// model.MigrationsDirName.
	MigrationsDir string

	// TrackingFile is the file that must exist inside MigrationsDir.
	// Defaults to model.TrackingFileName.
	TrackingFile string

	// SkipDirs are directory base names that are not descended into.
	SkipDirs []string

	// AllDirs ignores SkipDirs.
	AllDirs bool
}

func (o Options) withDefaults() Options {
	if o.MigrationsDir == "" {
		o.MigrationsDir = model.MigrationsDirName
	}
	if o.TrackingFile == "" {
		o.TrackingFile = model.TrackingFileName
	}
	return o
}

// Result is the outcome of a discovery walk.
type Result struct {
	// Modules are sorted by directory path.
	Modules []model.Module

	// Diagnostics holds unreadable directories and duplicate app names.
	Diagnostics []model.Diagnostic
}

// Discover walks root and returns every module under it. Unreadable
// subdirectories are reported as diagnostics and skipped; only an unreadable
// root is an error.
func Discover(ctx context.Context, root string, opts Options) (Result, error) {
	opts = opts.withDefaults()

	skip := make(map[string]bool, len(opts.SkipDirs))
	if !opts.AllDirs {
		for _, d := range opts.SkipDirs {
			skip[d] = true
		}
	}

	var res Result
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return &model.DiscoveryError{Path: path, Err: err}
			}
			res.Diagnostics = append(res.Diagnostics, unreadable(path, err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skip[d.Name()] {
			return filepath.SkipDir
		}
		if d.Name() != opts.MigrationsDir {
			return nil
		}

		tracking := filepath.Join(path, opts.TrackingFile)
		if _, statErr := os.Stat(tracking); statErr != nil {
			if !errors.Is(statErr, fs.ErrNotExist) {
				res.Diagnostics = append(res.Diagnostics, unreadable(tracking, statErr))
			}
			return nil
		}
		appDir := filepath.Dir(path)
		res.Modules = append(res.Modules, model.Module{
			Name:          filepath.Base(appDir),
			Dir:           appDir,
			MigrationsDir: path,
			TrackingPath:  tracking,
		})
		// Migration folders never contain further modules.
		return filepath.SkipDir
	})
	if err != nil {
		return Result{}, err
	}

	sort.Slice(res.Modules, func(i, j int) bool {
		return res.Modules[i].Dir < res.Modules[j].Dir
	})
	res.Diagnostics = append(res.Diagnostics, duplicateNames(res.Modules)...)
	return res, nil
}

// DiscoverApp returns the single module rooted at appDir. It fails when
// appDir has no migrations folder with a tracking file.
func DiscoverApp(appDir string, opts Options) (model.Module, error) {
	opts = opts.withDefaults()

	migrations := filepath.Join(appDir, opts.MigrationsDir)
	info, err := os.Stat(migrations)
	if err != nil {
		return model.Module{}, &model.DiscoveryError{Path: migrations, Err: err}
	}
	if !info.IsDir() {
		return model.Module{}, &model.DiscoveryError{Path: migrations, Err: errors.New("not a directory")}
	}
	tracking := filepath.Join(migrations, opts.TrackingFile)
	if _, err := os.Stat(tracking); err != nil {
		return model.Module{}, &model.DiscoveryError{Path: tracking, Err: err}
	}

	abs, err := filepath.Abs(appDir)
	if err != nil {
		abs = appDir
	}
	return model.Module{
		Name:          filepath.Base(abs),
		Dir:           appDir,
		MigrationsDir: migrations,
		TrackingPath:  tracking,
	}, nil
}

func unreadable(path string, err error) model.Diagnostic {
	derr := &model.DiscoveryError{Path: path, Err: err}
	return model.Diagnostic{
		Severity: model.SeverityWarning,
		Code:     "unreadable_directory",
		Path:     path,
		Message:  derr.Error(),
		Cause:    derr,
	}
}

// duplicateNames warns about app names shared by several modules, since
// dependency tuples address modules by name only.
func duplicateNames(modules []model.Module) []model.Diagnostic {
	byName := make(map[string][]string)
	var order []string
	for _, m := range modules {
		if _, seen := byName[m.Name]; !seen {
			order = append(order, m.Name)
		}
		byName[m.Name] = append(byName[m.Name], m.Dir)
	}

	var diags []model.Diagnostic
	for _, name := range order {
		dirs := byName[name]
		if len(dirs) < 2 {
			continue
		}
		diags = append(diags, model.Warn("duplicate_app", name, dirs[1],
			fmt.Sprintf("app name %q is used by %d modules: %v", name, len(dirs), dirs)))
	}
	return diags
}
