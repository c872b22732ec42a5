package renumber

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shinji-kodama/rebase-migrations/internal/graph"
	"github.com/shinji-kodama/rebase-migrations/internal/model"
)

// Scanner reports which sequence numbers of a module are occupied, before
// or after a plan is applied.
type Scanner struct {
	g *graph.Graph
}

// NewScanner creates a Scanner over g.
func NewScanner(g *graph.Graph) *Scanner {
	return &Scanner{g: g}
}

// Occupancy maps each used number to the migrations holding it.
type Occupancy map[int][]model.MigrationName

// Scan returns the current occupancy of the module.
func (s *Scanner) Scan() Occupancy {
	occ := make(Occupancy)
	for _, m := range s.g.All() {
		occ[m.Number()] = append(occ[m.Number()], m.Name)
	}
	return occ
}

// After returns the occupancy the module would have once plan is applied.
func (s *Scanner) After(plan *model.RenumberPlan) Occupancy {
	occ := make(Occupancy)
	for _, m := range s.g.All() {
		name := plan.NewName(m.Name)
		occ[name.Number()] = append(occ[name.Number()], name)
	}
	return occ
}

// Collisions returns the numbers held by more than one migration, ascending.
func (o Occupancy) Collisions() []int {
	var numbers []int
	for n, names := range o {
		if len(names) > 1 {
			numbers = append(numbers, n)
		}
	}
	sort.Ints(numbers)
	return numbers
}

// Verify checks that applying plan leaves every number used at most once
// and that no new file name clashes with a migration that is not renamed.
func (s *Scanner) Verify(plan *model.RenumberPlan) error {
	after := s.After(plan)
	if collisions := after.Collisions(); len(collisions) > 0 {
		parts := make([]string, 0, len(collisions))
		for _, n := range collisions {
			names := after[n]
			sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
			parts = append(parts, fmt.Sprintf("%04d: %s", n, joinNames(names)))
		}
		return &model.ConflictIntegrityError{
			App:    s.g.Module.Name,
			Kind:   model.KindCollision,
			Detail: "plan would leave duplicate numbers (" + strings.Join(parts, "; ") + ")",
		}
	}

	renamed := make(map[model.MigrationName]bool, len(plan.Renames))
	for _, r := range plan.Renames {
		renamed[r.Old] = true
	}
	for _, r := range plan.Renames {
		if _, exists := s.g.ByName(r.New); exists && !renamed[r.New] {
			return &model.ConflictIntegrityError{
				App:    s.g.Module.Name,
				Kind:   model.KindCollision,
				Detail: fmt.Sprintf("%s would overwrite existing migration %s", r, r.New),
			}
		}
	}
	return nil
}

func joinNames(names []model.MigrationName) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}
	return strings.Join(parts, ", ")
}
