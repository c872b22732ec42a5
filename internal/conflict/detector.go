package conflict

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/shinji-kodama/rebase-migrations/internal/model"
)

// Merge marker prefixes as written by git. Markers are recognized only at
// the start of a line.
const (
	markerHead      = "<<<<<<<"
	markerBase      = "|||||||"
	markerSeparator = "======="
	markerClose     = ">>>>>>>"
)

// section tracks where the line scanner currently is.
type section int

const (
	outside section = iota
	inHead
	inBase
	inIncoming
)

// Detect scans raw tracking-file text for a conflict block.
//
// It returns (nil, nil) when the text contains no merge markers: the module
// has no pending conflict and is skipped downstream. Any structurally
// broken block (a head marker with no separator or close marker, stray
// markers, more than one block, a side with zero or several names) is a
// *model.ParseError.
func Detect(app, raw string) (*model.ConflictRecord, error) {
	if !hasMarker(raw) {
		return nil, nil
	}

	parseErr := func(reason string) error {
		return &model.ParseError{App: app, Subject: model.TrackingFileName, Reason: reason}
	}

	var (
		state    = outside
		blocks   int
		head     []string
		incoming []string
	)

	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lineNo := i + 1

		switch {
		case strings.HasPrefix(line, markerHead):
			if state != outside {
				return nil, parseErr(fmt.Sprintf("line %d: nested conflict marker", lineNo))
			}
			blocks++
			if blocks > 1 {
				return nil, parseErr(fmt.Sprintf("line %d: more than one conflict block", lineNo))
			}
			state = inHead

		case strings.HasPrefix(line, markerBase):
			if state != inHead {
				return nil, parseErr(fmt.Sprintf("line %d: unexpected base marker", lineNo))
			}
			state = inBase

		case strings.HasPrefix(line, markerSeparator):
			if state != inHead && state != inBase {
				return nil, parseErr(fmt.Sprintf("line %d: separator without head marker", lineNo))
			}
			state = inIncoming

		case strings.HasPrefix(line, markerClose):
			if state != inIncoming {
				return nil, parseErr(fmt.Sprintf("line %d: close marker without separator", lineNo))
			}
			state = outside

		default:
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			switch state {
			case inHead:
				head = append(head, text)
			case inIncoming:
				incoming = append(incoming, text)
			case inBase:
				// The common ancestor's value is not needed.
			case outside:
				return nil, parseErr(fmt.Sprintf("line %d: unexpected content %q outside the conflict block", lineNo, text))
			}
		}
	}

	switch state {
	case inHead, inBase:
		return nil, parseErr("head marker without matching separator")
	case inIncoming:
		return nil, parseErr("conflict block is missing its close marker")
	}

	headName, err := singleName(app, "head", head)
	if err != nil {
		return nil, err
	}
	incomingName, err := singleName(app, "incoming", incoming)
	if err != nil {
		return nil, err
	}

	return &model.ConflictRecord{
		App:      app,
		Head:     headName,
		Incoming: incomingName,
		Raw:      raw,
	}, nil
}

// hasMarker reports whether any line starts with one of the merge markers.
func hasMarker(raw string) bool {
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(line, markerHead) ||
			strings.HasPrefix(line, markerSeparator) ||
			strings.HasPrefix(line, markerClose) {
			return true
		}
	}
	return false
}

func singleName(app, side string, names []string) (model.MigrationName, error) {
	if len(names) != 1 {
		return "", &model.ParseError{
			App:     app,
			Subject: model.TrackingFileName,
			Reason:  fmt.Sprintf("expected exactly one %s migration name, found %d", side, len(names)),
		}
	}
	name, err := model.ParseMigrationName(names[0])
	if err != nil {
		var pe *model.ParseError
		if errors.As(err, &pe) {
			pe.App = app
		}
		return "", err
	}
	return name, nil
}

// ReadTracking reads and parses a tracking file.
//
// A conflict-free file yields TrackingState.Current; an empty file yields a
// zero Current with no error. A file whose single value is not a migration
// name is a *model.ParseError.
func ReadTracking(app, path string) (model.TrackingState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.TrackingState{}, &model.ParseError{App: app, Subject: path, Reason: "tracking file does not exist", Err: err}
		}
		return model.TrackingState{}, &model.ParseError{App: app, Subject: path, Reason: "cannot read tracking file", Err: err}
	}
	return ParseTracking(app, string(data))
}

// ParseTracking parses tracking-file content already in memory.
func ParseTracking(app, raw string) (model.TrackingState, error) {
	state := model.TrackingState{Raw: raw}

	record, err := Detect(app, raw)
	if err != nil {
		return state, err
	}
	if record != nil {
		state.Conflict = record
		return state, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return state, nil
	}
	if strings.Contains(value, "\n") {
		return state, &model.ParseError{App: app, Subject: model.TrackingFileName, Reason: "tracking file must contain a single migration name"}
	}
	name, err := model.ParseMigrationName(value)
	if err != nil {
		var pe *model.ParseError
		if errors.As(err, &pe) {
			pe.App = app
		}
		return state, err
	}
	state.Current = name
	return state, nil
}
