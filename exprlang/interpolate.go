package exprlang

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// interpolationPattern matches ${...} markers within a string, capturing
// the inner dotted-path expression (e.g. "${user.name}" -> "user.name").
var interpolationPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// PathLookup resolves a dotted path (e.g. "user.address.city") against a
// nested map[string]any / []any tree, returning (value, true) if every
// segment resolved, or (nil, false) otherwise.
func PathLookup(root map[string]any, path string) (any, bool) {
	var cur any = root
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := parseIndex(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func parseIndex(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, errNotAnIndex
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errNotAnIndex
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

var errNotAnIndex = &interpolationError{"not a numeric index"}

type interpolationError struct{ msg string }

func (e *interpolationError) Error() string { return e.msg }

// Interpolate recursively walks a params tree (as produced by decoding
// YAML/JSON: map[string]any, []any, and scalar leaves) and substitutes
// every ${path} marker found in string leaves with the corresponding value
// from vars. A whole-string marker ("${user}") substitutes the raw
// resolved value (preserving its type); a marker embedded in a larger
// string ("hello ${name}") is interpolated as its string form. Missing
// variables resolve to nil, not an error — Function handlers may reject
// nil in their own validate/execute.
func Interpolate(node any, vars map[string]any) any {
	switch v := node.(type) {
	case string:
		return interpolateString(v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = Interpolate(val, vars)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = Interpolate(val, vars)
		}
		return out
	default:
		return v
	}
}

func interpolateString(s string, vars map[string]any) any {
	matches := interpolationPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	// A string that is exactly one marker substitutes the raw value,
	// preserving type (e.g. a number, object, or array).
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := strings.TrimSpace(s[matches[0][2]:matches[0][3]])
		val, ok := PathLookup(vars, path)
		if !ok {
			return nil
		}
		return val
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		path := strings.TrimSpace(s[m[2]:m[3]])
		val, ok := PathLookup(vars, path)
		if ok {
			b.WriteString(stringify(val))
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
