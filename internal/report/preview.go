// Package report renders change sets and run summaries for the terminal
// and as JSON.
package report

import (
	"encoding/json"
	"sort"

	"github.com/shinji-kodama/rebase-migrations/internal/model"
)

// MigrationChange is the JSON view of every change to one migration file.
type MigrationChange struct {
	MigrationFileName string                   `json:"migration_file_name"`
	FileRename        *model.Rename            `json:"file_rename,omitempty"`
	DependencyUpdates []model.DependencyUpdate `json:"dependency_updates,omitempty"`
}

// TrackingUpdate is the JSON view of a tracking file rewrite.
type TrackingUpdate struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// AppPreview is the JSON view of one module's changes.
type AppPreview struct {
	AppName             string            `json:"app_name"`
	LastCommonMigration *string           `json:"last_common_migration,omitempty"`
	MigrationChanges    []MigrationChange `json:"migration_changes,omitempty"`
	MaxMigrationUpdate  *TrackingUpdate   `json:"max_migration_update"`
}

// Preview maps module names to their changes. Modules without changes are
// absent.
type Preview map[string]AppPreview

// BuildPreview converts cs into its JSON view.
func BuildPreview(cs *model.ChangeSet) Preview {
	preview := make(Preview)
	if cs == nil {
		return preview
	}

	type fileKey struct {
		app  string
		name model.MigrationName
	}
	changes := make(map[fileKey]*MigrationChange)
	get := func(app string, name model.MigrationName) *MigrationChange {
		k := fileKey{app, name}
		if c, ok := changes[k]; ok {
			return c
		}
		c := &MigrationChange{MigrationFileName: string(name)}
		changes[k] = c
		return c
	}

	for _, r := range cs.Renames {
		rename := r.Rename
		get(r.App, r.Rename.Old).FileRename = &rename
	}
	for _, e := range cs.Edits {
		c := get(e.App, e.Migration)
		c.DependencyUpdates = append(c.DependencyUpdates, e.Updates...)
	}

	for _, app := range cs.Apps() {
		entry := AppPreview{AppName: app}
		if plan := cs.PlanFor(app); plan != nil && plan.LastCommon != "" {
			last := string(plan.LastCommon)
			entry.LastCommonMigration = &last
		}
		for _, t := range cs.TrackingUpdates {
			if t.App == app {
				entry.MaxMigrationUpdate = &TrackingUpdate{Old: string(t.Change.Old), New: string(t.Change.New)}
			}
		}
		preview[app] = entry
	}

	for k, c := range changes {
		entry := preview[k.app]
		entry.MigrationChanges = append(entry.MigrationChanges, *c)
		preview[k.app] = entry
	}
	for app, entry := range preview {
		sort.Slice(entry.MigrationChanges, func(i, j int) bool {
			return entry.MigrationChanges[i].MigrationFileName < entry.MigrationChanges[j].MigrationFileName
		})
		preview[app] = entry
	}
	return preview
}

// JSON renders the preview with two-space indentation.
func (p Preview) JSON() ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}
