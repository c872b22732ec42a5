package model

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const (
	// MigrationsDirName is the conventional name of the folder holding a
	// module's migration files.
	MigrationsDirName = "migrations"

	// TrackingFileName is the per-module file that records the name of the
	// module's highest migration.
	TrackingFileName = "max_migration.txt"

	// SourceExtension is the extension of migration source files.
	SourceExtension = ".py"

	// MaxMigrationNumber is the highest sequence number that still fits the
	// 4-digit filename prefix.
	MaxMigrationNumber = 9999
)

// migrationNameRegex validates a migration name without its extension:
// a 4-digit sequence number, an underscore, and a slug.
var migrationNameRegex = regexp.MustCompile(`^([0-9]{4})_([A-Za-z0-9_]+)$`)

// MigrationName is a validated migration identifier such as "0002_add_field".
// It never carries the source extension.
type MigrationName string

// ParseMigrationName validates s as a migration name. A trailing source
// extension is stripped before validation, so both "0001_initial" and
// "0001_initial.py" are accepted.
func ParseMigrationName(s string) (MigrationName, error) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(s), SourceExtension)
	if !migrationNameRegex.MatchString(trimmed) {
		return "", &ParseError{
			Subject: s,
			Reason:  "migration names must match NNNN_slug (4 digits, underscore, [A-Za-z0-9_]+)",
		}
	}
	return MigrationName(trimmed), nil
}

// MustMigrationName is ParseMigrationName for names known to be valid at
// compile time. It panics on invalid input.
func MustMigrationName(s string) MigrationName {
	name, err := ParseMigrationName(s)
	if err != nil {
		panic(err)
	}
	return name
}

// IsMigrationFileName reports whether a file name (with extension) is a
// migration source file.
func IsMigrationFileName(fileName string) bool {
	if !strings.HasSuffix(fileName, SourceExtension) {
		return false
	}
	return migrationNameRegex.MatchString(strings.TrimSuffix(fileName, SourceExtension))
}

// String satisfies fmt.Stringer.
func (n MigrationName) String() string {
	return string(n)
}

// Number returns the sequence number encoded in the first four characters.
// The name is validated on construction, so parsing cannot fail for values
// obtained from ParseMigrationName.
func (n MigrationName) Number() int {
	m := migrationNameRegex.FindStringSubmatch(string(n))
	if m == nil {
		return -1
	}
	num, _ := strconv.Atoi(m[1])
	return num
}

// Slug returns the part after the sequence number, e.g. "add_field".
func (n MigrationName) Slug() string {
	m := migrationNameRegex.FindStringSubmatch(string(n))
	if m == nil {
		return ""
	}
	return m[2]
}

// FileName returns the on-disk file name, e.g. "0002_add_field.py".
func (n MigrationName) FileName() string {
	return string(n) + SourceExtension
}

// WithNumber returns the name with its sequence number replaced, keeping
// the slug. Numbers above MaxMigrationNumber are rejected because they no
// longer fit the 4-digit prefix.
func (n MigrationName) WithNumber(number int) (MigrationName, error) {
	if number < 1 || number > MaxMigrationNumber {
		return "", &ConflictIntegrityError{
			Kind:   KindNumberOverflow,
			Detail: fmt.Sprintf("cannot renumber %s to %d (valid range 1-%d)", n, number, MaxMigrationNumber),
		}
	}
	return MigrationName(fmt.Sprintf("%04d_%s", number, n.Slug())), nil
}

// Module is a directory unit owning its own migration sequence and a
// tracking file. The module name is the name of the directory that contains
// the migrations folder, which is also the label other modules use in
// their dependency tuples.
type Module struct {
	// Name is the app label (directory name of Dir).
	Name string `json:"name"`

	// Dir is the absolute path of the module root.
	Dir string `json:"dir"`

	// MigrationsDir is the absolute path of the migrations folder.
	MigrationsDir string `json:"migrationsDir"`

	// TrackingPath is the absolute path of the tracking file.
	TrackingPath string `json:"trackingPath"`
}

// MigrationPath returns the absolute path of a migration in this module.
func (m Module) MigrationPath(name MigrationName) string {
	return filepath.Join(m.MigrationsDir, name.FileName())
}

// Span is a half-open byte range [Start, End) in a source buffer.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bytes covered by the span.
func (s Span) Len() int {
	return s.End - s.Start
}

// Valid reports whether the span lies inside a buffer of the given size.
func (s Span) Valid(size int) bool {
	return s.Start >= 0 && s.Start <= s.End && s.End <= size
}

// Dependency is one static ("app", "migration") tuple from a migration's
// dependency list.
type Dependency struct {
	// App is the target module label.
	App string `json:"app"`

	// Target is the literal value of the second tuple element. It is kept
	// raw because Django also accepts pseudo-targets such as "__first__".
	Target string `json:"target"`

	// TargetSpan covers the characters between the quotes of the target
	// literal. Replacing exactly this span renames the reference.
	TargetSpan Span `json:"-"`

	// Attr is the class attribute declaring the tuple: "dependencies" or
	// "run_before".
	Attr string `json:"-"`
}

// IsRunBefore reports whether the tuple comes from a run_before list, which
// declares the inverse edge.
func (d Dependency) IsRunBefore() bool {
	return d.Attr == "run_before"
}

// TargetName returns the dependency target as a validated migration name.
// ok is false for pseudo-targets that are not migration names.
func (d Dependency) TargetName() (MigrationName, bool) {
	name, err := ParseMigrationName(d.Target)
	if err != nil {
		return "", false
	}
	return name, true
}

// String renders the tuple the way it is written in source.
func (d Dependency) String() string {
	return fmt.Sprintf("('%s', '%s')", d.App, d.Target)
}

// UnresolvedDependency is a dependency declaration whose target could not
// be read as a static literal (e.g. swappable_dependency(...)).
type UnresolvedDependency struct {
	// Expression is the source text of the declaration.
	Expression string `json:"expression"`

	// Span covers the whole declaration.
	Span Span `json:"-"`

	// Reason describes why the declaration is not a static tuple.
	Reason string `json:"reason"`
}

// Migration is one migration file loaded from disk.
type Migration struct {
	App          string
	Name         MigrationName
	Path         string
	Source       []byte
	Dependencies []Dependency
	Unresolved   []UnresolvedDependency

	// SyntaxError is set when the source only parsed with error recovery.
	SyntaxError bool

	// NoClass is set when the source has no top-level Migration class.
	NoClass bool
}

// Number returns the migration's sequence number.
func (m *Migration) Number() int {
	return m.Name.Number()
}

// Key returns "app:name", unique across a project.
func (m *Migration) Key() string {
	return m.App + ":" + string(m.Name)
}

// ConflictRecord captures the two competing migration names extracted from
// a conflict-marked tracking file.
type ConflictRecord struct {
	App      string        `json:"app"`
	Head     MigrationName `json:"head"`
	Incoming MigrationName `json:"incoming"`
	Raw      string        `json:"-"`
}

// TrackingState is the parsed content of a tracking file. Exactly one of
// Current and Conflict is set.
type TrackingState struct {
	// Raw is the file content as read from disk.
	Raw string

	// Current is the migration named by a conflict-free tracking file.
	Current MigrationName

	// Conflict is set when the file contains three-way merge markers.
	Conflict *ConflictRecord
}

// HasConflict reports whether the tracking file is conflict-marked.
func (t TrackingState) HasConflict() bool {
	return t.Conflict != nil
}

// Rename is one planned old → new migration name change.
type Rename struct {
	Old MigrationName `json:"old_name"`
	New MigrationName `json:"new_name"`
}

// String renders "old -> new".
func (r Rename) String() string {
	return fmt.Sprintf("%s -> %s", r.Old, r.New)
}

// Reanchor redirects a same-module dependency of a local migration from the
// last common migration to the head migration.
type Reanchor struct {
	// Migration is the (old) name of the local migration holding the tuple.
	Migration MigrationName
	From      MigrationName
	To        MigrationName
}

// TrackingChange is the planned rewrite of a tracking file.
type TrackingChange struct {
	// OldRaw is the current (conflict-marked) file content.
	OldRaw string

	// Old is the value shown as "current" in previews: the head-branch name.
	Old MigrationName

	// New is the migration name the file will contain.
	New MigrationName
}

// Content returns the bytes written to the tracking file.
func (t TrackingChange) Content() []byte {
	return []byte(string(t.New) + "\n")
}

// RenumberPlan is the renumbering computed for a single module.
type RenumberPlan struct {
	Module     Module
	Head       MigrationName
	HeadNumber int
	Incoming   MigrationName

	// LastCommon is the last migration the two branches shared, when it
	// could be determined; empty otherwise.
	LastCommon MigrationName

	// Renames is ordered by new number ascending.
	Renames   []Rename
	Reanchors []Reanchor
	Tracking  TrackingChange
}

// IsEmpty reports whether the plan renames nothing.
func (p *RenumberPlan) IsEmpty() bool {
	return len(p.Renames) == 0 && len(p.Reanchors) == 0
}

// NewName returns the planned name for old, or old itself when the
// migration is not renamed.
func (p *RenumberPlan) NewName(old MigrationName) MigrationName {
	for _, r := range p.Renames {
		if r.Old == old {
			return r.New
		}
	}
	return old
}

// Replacement is one literal substitution inside a file.
type Replacement struct {
	Span Span   `json:"span"`
	Old  string `json:"old"`
	New  string `json:"new"`
}

// DependencyUpdate is the before/after view of one rewritten tuple.
type DependencyUpdate struct {
	Old Dependency `json:"old"`
	New Dependency `json:"new"`
}

// FileEdit is the merged set of replacements for a single file. A file is
// written at most once per apply, whatever the number of replacements.
type FileEdit struct {
	App       string
	Migration MigrationName
	Path      string
	Original  []byte
	Updated   []byte

	Replacements []Replacement
	Updates      []DependencyUpdate
}

// FileRename is a planned on-disk rename inside one module.
type FileRename struct {
	App     string
	Dir     string
	Rename  Rename
	OldPath string
	NewPath string
}

// TrackingUpdate is a planned tracking-file write.
type TrackingUpdate struct {
	App    string
	Path   string
	Change TrackingChange
}

// ChangeSet is the complete result of planning and rewriting across all
// modules. It is the single unit consumed by previews, JSON output and
// apply.
type ChangeSet struct {
	Plans           []*RenumberPlan
	Edits           []FileEdit
	Renames         []FileRename
	TrackingUpdates []TrackingUpdate
	Warnings        []Diagnostic
}

// IsEmpty reports whether applying the change set would touch the disk.
func (c *ChangeSet) IsEmpty() bool {
	return c == nil || (len(c.Edits) == 0 && len(c.Renames) == 0 && len(c.TrackingUpdates) == 0)
}

// PlanFor returns the plan of the given module, or nil.
func (c *ChangeSet) PlanFor(app string) *RenumberPlan {
	if c == nil {
		return nil
	}
	for _, p := range c.Plans {
		if p.Module.Name == app {
			return p
		}
	}
	return nil
}

// Apps returns every module name that owns at least one change, in the
// order they appear in the change set.
func (c *ChangeSet) Apps() []string {
	if c == nil {
		return nil
	}
	seen := make(map[string]bool)
	var apps []string
	add := func(app string) {
		if !seen[app] {
			seen[app] = true
			apps = append(apps, app)
		}
	}
	for _, e := range c.Edits {
		add(e.App)
	}
	for _, r := range c.Renames {
		add(r.App)
	}
	for _, t := range c.TrackingUpdates {
		add(t.App)
	}
	return apps
}

// Severity represents diagnostic severity.
type Severity string

const (
	// SeverityWarning indicates a recoverable issue; processing continues.
	SeverityWarning Severity = "warning"

	// SeverityError indicates a failure scoped to one module.
	SeverityError Severity = "error"
)

// Diagnostic is a structured, non-fatal finding returned to callers rather
// than written to stderr, so the CLI controls how it is rendered.
type Diagnostic struct {
	Severity Severity `json:"severity"`

	// Code is a machine-readable identifier such as "dependency_not_found".
	Code    string `json:"code"`
	App     string `json:"app,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

// String renders the diagnostic on one line.
func (d Diagnostic) String() string {
	var b strings.Builder
	b.WriteString(string(d.Severity))
	if d.App != "" {
		fmt.Fprintf(&b, " [%s]", d.App)
	}
	b.WriteString(": ")
	b.WriteString(d.Message)
	if d.Path != "" {
		fmt.Fprintf(&b, " (%s)", d.Path)
	}
	return b.String()
}

// Warn builds a warning diagnostic.
func Warn(code, app, path, message string) Diagnostic {
	return Diagnostic{Severity: SeverityWarning, Code: code, App: app, Path: path, Message: message}
}

// StepKind identifies the kind of disk mutation performed by apply.
type StepKind string

const (
	StepEdit     StepKind = "edit"
	StepRename   StepKind = "rename"
	StepTracking StepKind = "tracking"
)

// StepStatus is the outcome of an apply step.
type StepStatus string

const (
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// ApplyStep records one mutation attempted by apply.
type ApplyStep struct {
	Kind   StepKind   `yaml:"kind" json:"kind"`
	App    string     `yaml:"app" json:"app"`
	Path   string     `yaml:"path" json:"path"`
	Target string     `yaml:"target,omitempty" json:"target,omitempty"`
	Status StepStatus `yaml:"status" json:"status"`
	Error  string     `yaml:"error,omitempty" json:"error,omitempty"`
}

// ApplyResult lists every step of an apply in execution order.
type ApplyResult struct {
	Steps []ApplyStep
}

// Completed returns the steps that succeeded.
func (r *ApplyResult) Completed() []ApplyStep {
	return r.filter(StepDone)
}

// Failed returns the steps that failed.
func (r *ApplyResult) Failed() []ApplyStep {
	return r.filter(StepFailed)
}

// Skipped returns the steps that were not attempted because an earlier
// step of the same module failed.
func (r *ApplyResult) Skipped() []ApplyStep {
	return r.filter(StepSkipped)
}

func (r *ApplyResult) filter(status StepStatus) []ApplyStep {
	var out []ApplyStep
	for _, s := range r.Steps {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out
}

// ExitCode defines standard CLI exit codes. These codes allow scripts and
// CI systems (e.g. a rebase hook) to determine the outcome of a run.
type ExitCode int

const (
	// ExitSuccess indicates every module was processed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates at least one module failed, apply was
	// partial, or an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitNoModules indicates no module with a migrations folder and a
	// tracking file was found under the root.
	ExitNoModules ExitCode = 2

	// ExitInvalidConfig indicates the configuration could not be loaded.
	ExitInvalidConfig ExitCode = 3
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
