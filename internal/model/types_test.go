package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseMigrationName verifies name validation, including extension
// stripping and rejection of malformed prefixes.
func TestParseMigrationName(t *testing.T) {
	tests := []struct {
		input    string
		expected MigrationName
		hasError bool
	}{
		{"0001_initial", "0001_initial", false},
		{"0001_initial.py", "0001_initial", false},
		{"0042_Add_Field_2", "0042_Add_Field_2", false},
		{"  0003_x\n", "0003_x", false},
		{"001_short", "", true},          // 3 digits
		{"00001_long", "", true},         // 5 digits
		{"0001-dash", "", true},          // wrong separator
		{"0001_", "", true},              // empty slug
		{"0001_with-dash", "", true},     // invalid slug char
		{"__init__", "", true},           // not a migration
		{"", "", true},                   // empty
		{"<<<<<<< HEAD", "", true},       // conflict marker
		{"0001_initial.pyc", "", true},   // compiled file
		{"abcd_letters_prefix", "", true}, // non-numeric prefix
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseMigrationName(tt.input)
			if tt.hasError {
				require.Error(t, err)
				var pe *ParseError
				assert.True(t, errors.As(err, &pe))
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expected, result)
			}
		})
	}
}

// TestMigrationName_Parts checks number, slug and file name accessors.
func TestMigrationName_Parts(t *testing.T) {
	name := MustMigrationName("0012_add_status_field")

	assert.Equal(t, 12, name.Number())
	assert.Equal(t, "add_status_field", name.Slug())
	assert.Equal(t, "0012_add_status_field.py", name.FileName())
	assert.Equal(t, "0012_add_status_field", name.String())
}

// TestMigrationName_WithNumber verifies renumbering keeps the slug and
// rejects numbers that do not fit four digits.
func TestMigrationName_WithNumber(t *testing.T) {
	name := MustMigrationName("0002_feature_x")

	renamed, err := name.WithNumber(3)
	require.NoError(t, err)
	assert.Equal(t, MigrationName("0003_feature_x"), renamed)

	renamed, err = name.WithNumber(9999)
	require.NoError(t, err)
	assert.Equal(t, MigrationName("9999_feature_x"), renamed)

	_, err = name.WithNumber(10000)
	require.Error(t, err)
	var ie *ConflictIntegrityError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, KindNumberOverflow, ie.Kind)

	_, err = name.WithNumber(0)
	assert.Error(t, err)
}

// TestIsMigrationFileName checks which directory entries count as
// migration sources.
func TestIsMigrationFileName(t *testing.T) {
	assert.True(t, IsMigrationFileName("0001_initial.py"))
	assert.False(t, IsMigrationFileName("__init__.py"))
	assert.False(t, IsMigrationFileName("0001_initial.pyc"))
	assert.False(t, IsMigrationFileName("0001_initial"))
	assert.False(t, IsMigrationFileName("max_migration.txt"))
}

// TestDependency_TargetName verifies pseudo-targets are not treated as
// migration names.
func TestDependency_TargetName(t *testing.T) {
	d := Dependency{App: "orders", Target: "0001_initial"}
	name, ok := d.TargetName()
	assert.True(t, ok)
	assert.Equal(t, MigrationName("0001_initial"), name)

	_, ok = Dependency{App: "auth", Target: "__first__"}.TargetName()
	assert.False(t, ok)

	assert.Equal(t, "('orders', '0001_initial')", d.String())
}

// TestSpan_Valid checks bounds validation against a buffer size.
func TestSpan_Valid(t *testing.T) {
	assert.True(t, Span{Start: 0, End: 0}.Valid(0))
	assert.True(t, Span{Start: 2, End: 5}.Valid(5))
	assert.False(t, Span{Start: 2, End: 6}.Valid(5))
	assert.False(t, Span{Start: 4, End: 3}.Valid(5))
	assert.False(t, Span{Start: -1, End: 3}.Valid(5))
	assert.Equal(t, 3, Span{Start: 2, End: 5}.Len())
}

// TestRenumberPlan_NewName verifies lookup of planned names.
func TestRenumberPlan_NewName(t *testing.T) {
	plan := &RenumberPlan{
		Renames: []Rename{{Old: "0002_feature_x", New: "0003_feature_x"}},
	}

	assert.Equal(t, MigrationName("0003_feature_x"), plan.NewName("0002_feature_x"))
	assert.Equal(t, MigrationName("0001_initial"), plan.NewName("0001_initial"))
	assert.False(t, plan.IsEmpty())
	assert.True(t, (&RenumberPlan{}).IsEmpty())
}

// TestTrackingChange_Content verifies the tracking file holds exactly one
// line with a trailing newline.
func TestTrackingChange_Content(t *testing.T) {
	change := TrackingChange{New: "0003_feature_x"}
	assert.Equal(t, "0003_feature_x\n", string(change.Content()))
}

// TestChangeSet_Apps verifies module ordering and de-duplication.
func TestChangeSet_Apps(t *testing.T) {
	cs := &ChangeSet{
		Edits:           []FileEdit{{App: "billing"}, {App: "orders"}},
		Renames:         []FileRename{{App: "orders"}},
		TrackingUpdates: []TrackingUpdate{{App: "orders"}},
	}

	assert.Equal(t, []string{"billing", "orders"}, cs.Apps())
	assert.False(t, cs.IsEmpty())

	var nilSet *ChangeSet
	assert.True(t, nilSet.IsEmpty())
	assert.Nil(t, nilSet.PlanFor("orders"))
}

// TestApplyResult_Filters verifies step partitioning by status.
func TestApplyResult_Filters(t *testing.T) {
	result := &ApplyResult{Steps: []ApplyStep{
		{Kind: StepEdit, Status: StepDone},
		{Kind: StepRename, Status: StepFailed, Error: "boom"},
		{Kind: StepTracking, Status: StepSkipped},
	}}

	assert.Len(t, result.Completed(), 1)
	assert.Len(t, result.Failed(), 1)
	assert.Len(t, result.Skipped(), 1)

	err := &PartialApplyError{
		Completed: result.Completed(),
		Failed:    result.Failed(),
		Skipped:   result.Skipped(),
	}
	assert.Contains(t, err.Error(), "1 step(s) done, 1 failed, 1 skipped")
	assert.Contains(t, err.Error(), "boom")
}

// TestDiagnostic_String checks the single-line rendering.
func TestDiagnostic_String(t *testing.T) {
	d := Warn("gap", "orders", "/p/orders/migrations", "gap between 0002 and 0004")
	assert.Equal(t, "warning [orders]: gap between 0002 and 0004 (/p/orders/migrations)", d.String())

	nf := &DependencyNotFound{App: "billing", Path: "x.py", Reference: "('orders', '0002_a')", Reason: "not a literal"}
	diag := nf.Diagnostic()
	assert.Equal(t, SeverityWarning, diag.Severity)
	assert.Equal(t, "dependency_not_found", diag.Code)
}

// TestCLIError verifies that CLIError correctly formats messages
// and supports error unwrapping.
func TestCLIError(t *testing.T) {
	t.Run("without wrapped error", func(t *testing.T) {
		err := NewCLIError(ExitNoModules, "no migration modules found")
		assert.Equal(t, "no migration modules found", err.Error())
		assert.Equal(t, ExitNoModules, err.Code)
		assert.Nil(t, err.Unwrap())
	})

	t.Run("with wrapped error", func(t *testing.T) {
		inner := &ConflictIntegrityError{App: "orders", Kind: KindDuplicateNumber, Detail: "0002 used twice"}
		err := WrapCLIError(ExitGeneralError, "module failed", inner)
		assert.Contains(t, err.Error(), "module failed")
		assert.Contains(t, err.Error(), "0002 used twice")

		var ie *ConflictIntegrityError
		assert.True(t, errors.As(err, &ie))
		assert.Equal(t, "orders", ie.App)
	})

	t.Run("nested wrapping", func(t *testing.T) {
		inner := &ParseError{Subject: "max_migration.txt", Reason: "unterminated conflict block"}
		err := WrapCLIError(ExitGeneralError, "failed", fmt.Errorf("orders: %w", inner))
		var pe *ParseError
		assert.True(t, errors.As(err, &pe))
	})
}
