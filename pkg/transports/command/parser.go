package command

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/pkg/errors"

	"github.com/go-go-golems/switchboard/pkg/protocol"
)

// The inline command syntax is a command name followed by a parenthesized,
// comma-separated list of key=value literal arguments embedded in free text:
//
//	[cmd:gameio_start(game='y93', players=['user1', 'user2'])]
//
// Values are literal forms only: numbers, quoted strings, booleans, lists,
// tuples, mappings, sets. Nested collections parse correctly (the scanner is
// balance-aware, so lists of tuples work). Tuples and sets normalise to
// plain lists.

const callMarker = "[cmd:"

var nameRe = regexp.MustCompile(`^[A-Za-z_]\w*$`)

// ParseError describes a rejected inline command. It is reported back to the
// originator as text, never raised up the stack.
type ParseError struct {
	Input string
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s in %q", e.Msg, e.Input)
}

func parseErrorf(input, format string, args ...any) *ParseError {
	return &ParseError{Input: input, Msg: fmt.Sprintf(format, args...)}
}

// Call is one parsed inline command.
type Call struct {
	Name string
	// Args holds the parsed keyword arguments. Nil when the call was a bare
	// command name with no argument list.
	Args protocol.Payload
}

// Bare reports whether the call was a plain command name, which dispatches
// as a passthrough.
func (c Call) Bare() bool { return c.Args == nil }

// ExtractCalls scans free-form text for [cmd:...] blocks and returns the
// embedded call expressions. The scan tracks nesting and quoting, so a
// closing bracket inside a literal does not terminate the block.
func ExtractCalls(text string) []string {
	var out []string
	for {
		idx := strings.Index(text, callMarker)
		if idx < 0 {
			return out
		}
		rest := text[idx+len(callMarker):]
		end, ok := scanBlock(rest)
		if !ok {
			return out
		}
		if call := strings.TrimSpace(rest[:end]); call != "" {
			out = append(out, call)
		}
		text = rest[end+1:]
	}
}

// scanBlock finds the index of the ']' closing a [cmd: block, honoring
// nested brackets and string literals.
func scanBlock(s string) (int, bool) {
	depth := 0
	var quote rune
	escaped := false
	for i, r := range s {
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == quote:
				quote = 0
			}
			continue
		}
		switch r {
		case '\'', '"':
			quote = r
		case '(', '[', '{':
			depth++
		case ')', '}':
			depth--
		case ']':
			if depth == 0 {
				return i, true
			}
			depth--
		}
	}
	return 0, false
}

// ParseCall parses a call expression like "foo(x=5, y='a,b')" or a bare
// command name like "foo".
func ParseCall(input string) (Call, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return Call{}, parseErrorf(input, "empty command")
	}

	open := strings.IndexByte(s, '(')
	if open < 0 {
		if !nameRe.MatchString(s) {
			return Call{}, parseErrorf(input, "invalid command name %q", s)
		}
		return Call{Name: s}, nil
	}

	name := strings.TrimSpace(s[:open])
	if !nameRe.MatchString(name) {
		return Call{}, parseErrorf(input, "invalid command name %q", name)
	}
	if !strings.HasSuffix(s, ")") {
		return Call{}, parseErrorf(input, "unterminated argument list")
	}
	inner := s[open+1 : len(s)-1]

	args := protocol.Payload{}
	parts, err := splitTop(inner)
	if err != nil {
		return Call{}, parseErrorf(input, "%s", err)
	}
	for _, part := range parts {
		key, valueStr, found := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if !found {
			return Call{}, parseErrorf(input, "argument %q is not key=value", strings.TrimSpace(part))
		}
		if !nameRe.MatchString(key) {
			return Call{}, parseErrorf(input, "invalid argument name %q", key)
		}
		value, err := parseLiteral(valueStr)
		if err != nil {
			return Call{}, parseErrorf(input, "argument %q: %s", key, err)
		}
		args[key] = value
	}
	return Call{Name: name, Args: args}, nil
}

// splitTop splits on commas at nesting depth zero, honoring quotes.
func splitTop(s string) ([]string, error) {
	var parts []string
	depth := 0
	var quote rune
	escaped := false
	start := 0
	for i, r := range s {
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == quote:
				quote = 0
			}
			continue
		}
		switch r {
		case '\'', '"':
			quote = r
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth < 0 {
				return nil, errors.Errorf("unbalanced %q", r)
			}
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 || quote != 0 {
		return nil, errors.New("unbalanced argument list")
	}
	// A blank tail after a comma is a trailing comma, which is accepted.
	if tail := s[start:]; strings.TrimSpace(tail) != "" {
		parts = append(parts, tail)
	}
	return parts, nil
}

// parseLiteral parses one literal value. Collections are parsed
// structurally (split on top-level commas, recurse per element) so nesting
// works at any depth, tuples included; tuples and sets normalise to lists.
// Scalars go through the expression parser with the resulting AST
// restricted to literal node kinds.
func parseLiteral(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("missing value")
	}

	switch {
	case strings.HasPrefix(s, "(") && wrapped(s):
		return parseSequence(s[1:len(s)-1], true)
	case strings.HasPrefix(s, "[") && wrapped(s):
		return parseSequence(s[1:len(s)-1], false)
	case strings.HasPrefix(s, "{") && wrapped(s):
		inner := s[1 : len(s)-1]
		if strings.TrimSpace(inner) == "" || hasTopLevelColon(inner) {
			return parseMap(inner)
		}
		// Set literal: brace-enclosed elements without key: value pairs.
		return parseSequence(inner, false)
	}

	tree, err := parser.Parse(s)
	if err != nil {
		return nil, errors.Errorf("invalid literal %q", s)
	}
	return literalValue(tree.Node)
}

// wrapped reports whether the bracket opening s closes exactly at its end,
// so "(1,2)" is wrapped but "(1,2),(3,4)" is not.
func wrapped(s string) bool {
	depth := 0
	var quote rune
	escaped := false
	for i, r := range s {
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == quote:
				quote = 0
			}
			continue
		}
		switch r {
		case '\'', '"':
			quote = r
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				return i == len(s)-1
			}
		}
	}
	return false
}

// parseMap parses the body of a mapping literal. Keys are quoted strings
// (bare identifier keys are tolerated); values are any literal.
func parseMap(inner string) (any, error) {
	entries, err := splitTop(inner)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(entries))
	for _, entry := range entries {
		k, v, found := cutTop(entry, ':')
		if !found {
			return nil, errors.Errorf("map entry %q is not key: value", strings.TrimSpace(entry))
		}
		key, err := parseMapKey(k)
		if err != nil {
			return nil, err
		}
		val, err := parseLiteral(v)
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
	return out, nil
}

func parseMapKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if nameRe.MatchString(s) {
		return s, nil
	}
	v, err := parseLiteral(s)
	if err != nil {
		return "", err
	}
	switch k := v.(type) {
	case string:
		return k, nil
	case int:
		return fmt.Sprintf("%d", k), nil
	default:
		return "", errors.Errorf("unsupported map key %q", s)
	}
}

// parseSequence parses the elements of a tuple or set body. A one-element
// tuple without a trailing comma is just a parenthesized value.
func parseSequence(inner string, grouping bool) (any, error) {
	trimmed := strings.TrimSpace(inner)
	trailingComma := strings.HasSuffix(trimmed, ",")
	parts, err := splitTop(inner)
	if err != nil {
		return nil, err
	}
	if grouping && len(parts) == 1 && !trailingComma {
		return parseLiteral(parts[0])
	}
	out := make([]any, 0, len(parts))
	for _, part := range parts {
		v, err := parseLiteral(part)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func hasTopLevelColon(s string) bool {
	_, _, found := cutTop(s, ':')
	return found
}

// cutTop splits s around the first sep at nesting depth zero outside quotes.
func cutTop(s string, sep rune) (string, string, bool) {
	depth := 0
	var quote rune
	escaped := false
	for i, r := range s {
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == quote:
				quote = 0
			}
			continue
		}
		switch r {
		case '\'', '"':
			quote = r
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case sep:
			if depth == 0 {
				return s[:i], s[i+1:], true
			}
		}
	}
	return s, "", false
}

// literalValue reduces an expression AST to a value, rejecting anything that
// is not a literal form.
func literalValue(n ast.Node) (any, error) {
	switch v := n.(type) {
	case *ast.IntegerNode:
		return v.Value, nil
	case *ast.FloatNode:
		return v.Value, nil
	case *ast.StringNode:
		return v.Value, nil
	case *ast.BoolNode:
		return v.Value, nil
	case *ast.NilNode:
		return nil, nil
	case *ast.UnaryNode:
		inner, err := literalValue(v.Node)
		if err != nil {
			return nil, err
		}
		switch v.Operator {
		case "-":
			switch num := inner.(type) {
			case int:
				return -num, nil
			case float64:
				return -num, nil
			}
		case "+":
			switch inner.(type) {
			case int, float64:
				return inner, nil
			}
		}
		return nil, errors.Errorf("operator %q is not a literal", v.Operator)
	default:
		return nil, errors.Errorf("%T is not a literal", n)
	}
}
