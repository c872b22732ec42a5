package apply

import (
	"fmt"
	"os"
	"time"

	"github.com/moby/sys/atomicwriter"
	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/rebase-migrations/internal/model"
)

// Manifest is the YAML record of one apply run. It lists every step with
// its outcome so an interrupted run can be finished or reverted by hand.
type Manifest struct {
	RunID      string            `yaml:"run_id"`
	StartedAt  time.Time         `yaml:"started_at"`
	FinishedAt time.Time         `yaml:"finished_at"`
	Complete   bool              `yaml:"complete"`
	Steps      []model.ApplyStep `yaml:"steps"`
}

func newManifest(runID string, started, finished time.Time, result *model.ApplyResult) *Manifest {
	return &Manifest{
		RunID:      runID,
		StartedAt:  started.UTC(),
		FinishedAt: finished.UTC(),
		Complete:   len(result.Failed()) == 0 && len(result.Skipped()) == 0,
		Steps:      result.Steps,
	}
}

func (m *Manifest) write(path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode apply manifest: %w", err)
	}
	if err := atomicwriter.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write apply manifest %s: %w", path, err)
	}
	return nil
}

// ReadManifest loads a manifest written by Apply.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse apply manifest %s: %w", path, err)
	}
	return &m, nil
}
