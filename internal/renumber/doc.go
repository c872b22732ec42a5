// Package renumber computes collision-free renumbering plans for modules
// whose tracking file is conflict-marked after a rebase.
//
// The planner uses a numeric threshold: every migration numbered above the
// head-branch migration, plus every other migration sharing the head's
// number, is treated as local to the rebased branch. Local migrations keep
// their relative order and are reassigned head+1, head+2, ... with no gaps.
// This is not a dependency-ancestry walk; out-of-order merges in which a
// branch-local migration is numbered below the head are not detected.
//
// The Scanner verifies the post-plan number occupancy so a plan can never
// introduce a new collision.
package renumber
