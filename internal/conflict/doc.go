// Package conflict reads per-module tracking files and extracts the two
// competing migration names from three-way merge markers.
//
// A tracking file normally holds a single migration name. After a rebase
// that touched the same module on both sides, git leaves it as:
//
//	<<<<<<< HEAD
//	0002_main
//	=======
//	0002_feature_x
//	>>>>>>> feature-x
//
// The text between the head marker and the separator is the head-branch
// name; the text between the separator and the close marker is the
// incoming-branch name. diff3-style output (with a "|||||||" base section)
// is accepted and the base section is ignored.
package conflict
