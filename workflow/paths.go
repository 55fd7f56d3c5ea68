package workflow

import (
	"strconv"
	"strings"
)

// resolvePath evaluates a path expression against the two-root step
// context {input, results}. It supports dotted field access and bracket
// access for keys and array indexes:
//
//	input.company.industry
//	results.lead_score.score
//	results[lead_score].factors[0]
//
// It deliberately stays far short of a JSONPath query language; the
// mapping contract only needs single-value lookups.
func resolvePath(root map[string]any, expr string) (any, bool) {
	segments := splitPath(expr)
	if len(segments) == 0 {
		return nil, false
	}

	var current any = root
	for _, segment := range segments {
		switch node := current.(type) {
		case map[string]any:
			value, exists := node[segment]
			if !exists {
				return nil, false
			}
			current = value

		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return nil, false
			}
			current = node[index]

		default:
			return nil, false
		}
	}

	return current, true
}

// splitPath tokenizes a path expression into field/index segments.
// Quotes inside brackets are optional: a["b"] and a[b] are equivalent.
func splitPath(expr string) []string {
	var segments []string
	var current strings.Builder
	inBracket := false

	flush := func() {
		if current.Len() > 0 {
			segments = append(segments, current.String())
			current.Reset()
		}
	}

	for _, r := range expr {
		switch {
		case r == '.' && !inBracket:
			flush()
		case r == '[':
			flush()
			inBracket = true
		case r == ']':
			flush()
			inBracket = false
		case r == '\'' || r == '"':
			// quotes in bracket segments are decoration
		default:
			current.WriteRune(r)
		}
	}
	flush()

	return segments
}
