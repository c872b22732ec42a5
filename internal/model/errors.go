package model

import (
	"fmt"
	"strings"
)

// DiscoveryError reports a directory that could not be read during
// discovery. It is never fatal: the directory is skipped.
type DiscoveryError struct {
	Path string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("cannot read %s: %v", e.Path, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// ParseError reports a malformed tracking file or migration name. It is
// fatal to the affected module only.
type ParseError struct {
	// App is the module the input belongs to, when known.
	App string

	// Subject is the offending input (a file path or a name).
	Subject string
	Reason  string
	Err     error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("parse error")
	if e.App != "" {
		fmt.Fprintf(&b, " in %s", e.App)
	}
	if e.Subject != "" {
		fmt.Fprintf(&b, ": %q", e.Subject)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IntegrityKind classifies ConflictIntegrityError values.
type IntegrityKind string

const (
	// KindDuplicateNumber: two migrations share a sequence number that the
	// renumbering cannot resolve.
	KindDuplicateNumber IntegrityKind = "duplicate_number"

	// KindUnknownHeadMigration: the head-branch name from the tracking file
	// does not exist in the module.
	KindUnknownHeadMigration IntegrityKind = "unknown_head_migration"

	// KindNumberOverflow: a new number would not fit 4 digits.
	KindNumberOverflow IntegrityKind = "number_overflow"

	// KindCollision: a computed plan would produce colliding numbers.
	KindCollision IntegrityKind = "collision"

	// KindAmbiguousApp: two modules share an app label and rename the same
	// migration differently, so a reference from a third module cannot be
	// resolved.
	KindAmbiguousApp IntegrityKind = "ambiguous_app"
)

// ConflictIntegrityError reports an inconsistent migration sequence. It is
// fatal to the affected module only.
type ConflictIntegrityError struct {
	App    string
	Kind   IntegrityKind
	Detail string
}

func (e *ConflictIntegrityError) Error() string {
	if e.App != "" {
		return fmt.Sprintf("integrity error in %s (%s): %s", e.App, e.Kind, e.Detail)
	}
	return fmt.Sprintf("integrity error (%s): %s", e.Kind, e.Detail)
}

// DependencyNotFound reports a dependency reference the rewriter could not
// locate in the structural parse. The edit is skipped; the run continues.
type DependencyNotFound struct {
	App       string
	Path      string
	Reference string
	Reason    string
}

func (e *DependencyNotFound) Error() string {
	return fmt.Sprintf("dependency %s not found in %s: %s", e.Reference, e.Path, e.Reason)
}

// Diagnostic converts the error into a warning diagnostic.
func (e *DependencyNotFound) Diagnostic() Diagnostic {
	return Diagnostic{
		Severity: SeverityWarning,
		Code:     "dependency_not_found",
		App:      e.App,
		Path:     e.Path,
		Message:  fmt.Sprintf("dependency %s not rewritten: %s", e.Reference, e.Reason),
		Cause:    e,
	}
}

// PartialApplyError reports that apply stopped partway. Completed steps are
// not rolled back.
type PartialApplyError struct {
	Completed []ApplyStep
	Failed    []ApplyStep
	Skipped   []ApplyStep
}

func (e *PartialApplyError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, s := range e.Failed {
		parts = append(parts, fmt.Sprintf("%s %s: %s", s.Kind, s.Path, s.Error))
	}
	return fmt.Sprintf("apply incomplete: %d step(s) done, %d failed, %d skipped: %s",
		len(e.Completed), len(e.Failed), len(e.Skipped), strings.Join(parts, "; "))
}
