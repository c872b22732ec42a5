// Package pyparse locates migration dependency declarations in Python
// source using a tree-sitter syntax tree.
//
// The parser never regenerates source. It reports byte spans into the
// original buffer so callers can splice replacements in place and keep
// every other byte (formatting, comments, quoting style) untouched.
//
// Only the statically analyzable shape is recognized:
//
//	class Migration(migrations.Migration):
//	    dependencies = [
//	        ("orders", "0001_initial"),
//	    ]
//
// Anything else inside the list (swappable_dependency(...), names,
// concatenated strings, f-strings) is reported as unresolved.
package pyparse

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/shinji-kodama/rebase-migrations/internal/model"
)

// MigrationClassName is the class Django looks up in a migration module.
const MigrationClassName = "Migration"

// Attributes whose values are lists of ("app", "migration") tuples.
const (
	AttrDependencies = "dependencies"
	AttrRunBefore    = "run_before"
)

// Result holds the dependency declarations found in one source file.
type Result struct {
	// Dependencies lists every static tuple, in source order. Tuples from
	// run_before carry Attr == AttrRunBefore.
	Dependencies []model.Dependency

	// Unresolved lists list elements (or whole right-hand sides) that are
	// not static two-string tuples.
	Unresolved []model.UnresolvedDependency

	// HasMigrationClass is false when no top-level Migration class exists.
	HasMigrationClass bool

	// SyntaxError is set when tree-sitter had to recover from errors. The
	// declarations found are still reported.
	SyntaxError bool
}

// Parse builds a syntax tree for src and extracts the dependency
// declarations of its top-level Migration class.
//
// A tree-sitter parser is not safe for concurrent use, so each call owns
// its own parser. Callers parsing many files concurrently simply call
// Parse from each goroutine.
func Parse(ctx context.Context, src []byte) (*Result, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parsing python source: %w", err)
	}
	if tree == nil {
		return nil, errors.New("parsing python source: no syntax tree produced")
	}
	defer tree.Close()

	root := tree.RootNode()
	result := &Result{SyntaxError: root.HasError()}

	class := findMigrationClass(root, src)
	if class == nil {
		return result, nil
	}
	result.HasMigrationClass = true

	body := class.ChildByFieldName("body")
	if body == nil {
		return result, nil
	}

	for i := 0; i < int(body.NamedChildCount()); i++ {
		stmt := body.NamedChild(i)
		if stmt.Type() != "expression_statement" || stmt.NamedChildCount() == 0 {
			continue
		}
		assign := stmt.NamedChild(0)
		if assign.Type() != "assignment" {
			continue
		}
		left := assign.ChildByFieldName("left")
		if left == nil || left.Type() != "identifier" {
			continue
		}
		attr := left.Content(src)
		if attr != AttrDependencies && attr != AttrRunBefore {
			continue
		}
		right := assign.ChildByFieldName("right")
		if right == nil {
			continue
		}
		collectTuples(result, attr, right, src)
	}

	return result, nil
}

// findMigrationClass returns the first top-level `class Migration`, looking
// through decorators.
func findMigrationClass(root *sitter.Node, src []byte) *sitter.Node {
	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)
		if node.Type() == "decorated_definition" {
			node = node.ChildByFieldName("definition")
			if node == nil {
				continue
			}
		}
		if node.Type() != "class_definition" {
			continue
		}
		name := node.ChildByFieldName("name")
		if name != nil && name.Content(src) == MigrationClassName {
			return node
		}
	}
	return nil
}

func collectTuples(result *Result, attr string, list *sitter.Node, src []byte) {
	if list.Type() != "list" {
		result.Unresolved = append(result.Unresolved, unresolved(list, src,
			fmt.Sprintf("%s is assigned a %s, not a list literal", attr, list.Type())))
		return
	}

	for i := 0; i < int(list.NamedChildCount()); i++ {
		elem := list.NamedChild(i)
		if elem.Type() == "comment" {
			continue
		}
		dep, reason := tupleDependency(elem, src)
		if reason != "" {
			result.Unresolved = append(result.Unresolved, unresolved(elem, src, reason))
			continue
		}
		dep.Attr = attr
		result.Dependencies = append(result.Dependencies, dep)
	}
}

// tupleDependency reads a ("app", "migration") tuple. A non-empty reason
// means the element is not a static tuple.
func tupleDependency(elem *sitter.Node, src []byte) (model.Dependency, string) {
	if elem.Type() != "tuple" {
		return model.Dependency{}, fmt.Sprintf("element is a %s, not a tuple", elem.Type())
	}

	var parts []*sitter.Node
	for i := 0; i < int(elem.NamedChildCount()); i++ {
		child := elem.NamedChild(i)
		if child.Type() == "comment" {
			continue
		}
		parts = append(parts, child)
	}
	if len(parts) != 2 {
		return model.Dependency{}, fmt.Sprintf("tuple has %d elements, want 2", len(parts))
	}

	app, _, ok := StringLiteral(parts[0], src)
	if !ok {
		return model.Dependency{}, fmt.Sprintf("app label is a %s, not a plain string", parts[0].Type())
	}
	target, span, ok := StringLiteral(parts[1], src)
	if !ok {
		return model.Dependency{}, fmt.Sprintf("migration name is a %s, not a plain string", parts[1].Type())
	}

	return model.Dependency{App: app, Target: target, TargetSpan: span}, ""
}

func unresolved(node *sitter.Node, src []byte, reason string) model.UnresolvedDependency {
	return model.UnresolvedDependency{
		Expression: strings.Join(strings.Fields(node.Content(src)), " "),
		Span:       model.Span{Start: int(node.StartByte()), End: int(node.EndByte())},
		Reason:     reason,
	}
}

// StringLiteral returns the value of a plain Python string node and the
// span of the characters between its quotes.
//
// Prefixed f-strings, byte strings and literals containing escape
// sequences are rejected: their source text is not their value, so a
// span replacement could not be trusted.
func StringLiteral(node *sitter.Node, src []byte) (string, model.Span, bool) {
	if node == nil || node.Type() != "string" {
		return "", model.Span{}, false
	}

	start, end := int(node.StartByte()), int(node.EndByte())
	text := string(src[start:end])

	i := 0
	for i < len(text) && strings.ContainsRune("rRuU", rune(text[i])) {
		i++
	}
	rest := text[i:]

	for _, quote := range []string{`"""`, `'''`, `"`, `'`} {
		if len(rest) < 2*len(quote) || !strings.HasPrefix(rest, quote) || !strings.HasSuffix(rest, quote) {
			continue
		}
		contentStart := start + i + len(quote)
		contentEnd := end - len(quote)
		value := string(src[contentStart:contentEnd])
		if strings.ContainsAny(value, "\\\n") {
			return "", model.Span{}, false
		}
		return value, model.Span{Start: contentStart, End: contentEnd}, true
	}
	return "", model.Span{}, false
}
