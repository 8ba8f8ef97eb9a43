// Package template implements the per-turn context plumbing: {{path}}
// interpolation over action configs, dot-path lookups, output merging, and a
// restricted boolean expression evaluator for decision states.
//
// Flow authors are operators, not developers. Everything here is total:
// missing paths resolve to the empty string, broken expressions evaluate to
// false, and nothing in this package can execute arbitrary code.
package template

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Interpolate walks config structurally and replaces {{path}} placeholders in
// every string leaf with the value at that dot-path in ctx. A string that is
// exactly one placeholder resolves to the raw value (type preserved); mixed
// strings stringify each value. Missing paths resolve to "" and emit a debug
// trace but never fail. The input is not mutated.
func Interpolate(config any, ctx map[string]any) any {
	switch v := config.(type) {
	case string:
		return interpolateString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = Interpolate(val, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = Interpolate(val, ctx)
		}
		return out
	default:
		return v
	}
}

// InterpolateConfig is Interpolate specialized to action configs.
func InterpolateConfig(config map[string]any, ctx map[string]any) map[string]any {
	if config == nil {
		return map[string]any{}
	}
	return Interpolate(config, ctx).(map[string]any)
}

func interpolateString(s string, ctx map[string]any) any {
	matches := placeholderRe.FindStringSubmatchIndex(s)
	if matches == nil {
		return s
	}
	// Whole-string single placeholder: preserve the value's type so configs
	// can carry numbers, arrays, and objects through templates.
	if loc := placeholderRe.FindStringIndex(s); loc[0] == 0 && loc[1] == len(s) {
		path := strings.TrimSpace(s[loc[0]+2 : loc[1]-2])
		val, ok := Lookup(ctx, path)
		if !ok {
			slog.Debug("Template path not found", "path", path)
			return ""
		}
		return val
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		path := strings.TrimSpace(m[2 : len(m)-2])
		val, ok := Lookup(ctx, path)
		if !ok {
			slog.Debug("Template path not found", "path", path)
			return ""
		}
		return Stringify(val)
	})
}

// Lookup resolves a dot-separated path against ctx. Numeric segments index
// arrays. Returns (nil, false) when any segment is missing or the shapes
// do not match.
func Lookup(ctx map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = ctx
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
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

// Merge places value under key in ctx. Dotted keys create nested objects
// along the way. Replacing a non-object leaf with an object is allowed;
// replacing an existing object with a non-object is rejected with a warning
// and leaves ctx unchanged at that position.
func Merge(ctx map[string]any, key string, value any) {
	if key == "" {
		return
	}
	segs := strings.Split(key, ".")
	node := ctx
	for _, seg := range segs[:len(segs)-1] {
		child, ok := node[seg].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[seg] = child
		}
		node = child
	}
	last := segs[len(segs)-1]
	if _, existsAsObj := node[last].(map[string]any); existsAsObj {
		if _, newIsObj := value.(map[string]any); !newIsObj {
			slog.Warn("Refusing to replace object with non-object in context",
				"key", key)
			return
		}
	}
	node[last] = value
}

// CheckTemplates statically verifies that every string leaf in config has
// balanced {{ }} pairs. Used by the flow validator at registration time.
func CheckTemplates(config any) error {
	switch v := config.(type) {
	case string:
		open := strings.Count(v, "{{")
		closed := strings.Count(v, "}}")
		if open != closed {
			return fmt.Errorf("unbalanced template braces in %q", v)
		}
	case map[string]any:
		for _, val := range v {
			if err := CheckTemplates(val); err != nil {
				return err
			}
		}
	case []any:
		for _, val := range v {
			if err := CheckTemplates(val); err != nil {
				return err
			}
		}
	}
	return nil
}

// Paths returns every {{path}} referenced anywhere in config. Used for the
// validator's soft static path check.
func Paths(config any) []string {
	var out []string
	switch v := config.(type) {
	case string:
		for _, m := range placeholderRe.FindAllStringSubmatch(v, -1) {
			out = append(out, strings.TrimSpace(m[1]))
		}
	case map[string]any:
		for _, val := range v {
			out = append(out, Paths(val)...)
		}
	case []any:
		for _, val := range v {
			out = append(out, Paths(val)...)
		}
	}
	return out
}

// Stringify renders a context value for embedding into a message string.
func Stringify(v any) string {
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
		// Avoid "60.000000" in user-visible text for whole numbers.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
