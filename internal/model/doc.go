// Package model defines the domain types and value objects for the
// rebase-migrations CLI.
//
// This package contains pure data structures with no external dependencies.
// All entities (Module, Migration, ConflictRecord, RenumberPlan, ChangeSet)
// are transient representations rebuilt from the migration tree on every
// run; there is no persistent state between invocations.
//
// The package also defines the error taxonomy shared by every stage
// (DiscoveryError, ParseError, ConflictIntegrityError, DependencyNotFound,
// PartialApplyError), exit codes (ExitCode) and a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling.
package model
