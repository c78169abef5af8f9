// Package frontmatter parses and emits the markdown header format used by
// tickets and thread messages: an optional block of key: value lines
// delimited by --- lines, followed by the markdown body.
//
// Scalar policy: bare true/false map to bool; bare integer tokens map to
// int unless they begin with 0 followed by more digits (which preserves
// ticket-id literals such as 0817 as strings); [a, b, c] maps to an
// ordered string list; everything else is a string.
package frontmatter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Doc is a parsed document: an ordered key/value header plus the body.
type Doc struct {
	keys []string
	vals map[string]any
	Body string
}

// New returns an empty document.
func New() *Doc {
	return &Doc{vals: make(map[string]any)}
}

var (
	intRe         = regexp.MustCompile(`^-?[0-9]+$`)
	leadingZeroRe = regexp.MustCompile(`^0[0-9]+$`)
)

// Parse splits doc into header and body. A document that does not open
// with --- is all body.
func Parse(text string) (*Doc, error) {
	d := New()
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimRight(lines[0], "\r") != "---" {
		d.Body = text
		return d, nil
	}
	i := 1
	for ; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		if line == "---" {
			i++
			break
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, raw, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("frontmatter line %d: missing colon in %q", i+1, line)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("frontmatter line %d: empty key", i+1)
		}
		d.Set(key, parseScalar(strings.TrimSpace(raw)))
	}
	d.Body = strings.Join(lines[i:], "\n")
	return d, nil
}

// parseScalar applies the scalar policy to a raw value.
func parseScalar(raw string) any {
	switch {
	case raw == "true":
		return true
	case raw == "false":
		return false
	case len(raw) >= 2 && strings.HasPrefix(raw, `"`) && strings.HasSuffix(raw, `"`):
		if s, err := strconv.Unquote(raw); err == nil {
			return s
		}
		return raw
	case strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]"):
		inner := strings.TrimSpace(raw[1 : len(raw)-1])
		if inner == "" {
			return []string{}
		}
		parts := strings.Split(inner, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out
	case intRe.MatchString(raw) && !leadingZeroRe.MatchString(raw):
		n, err := strconv.Atoi(raw)
		if err == nil {
			return n
		}
		return raw
	default:
		return raw
	}
}

// Set stores a value, preserving first-set key order.
func (d *Doc) Set(key string, v any) {
	if _, exists := d.vals[key]; !exists {
		d.keys = append(d.keys, key)
	}
	d.vals[key] = v
}

// Delete removes a key.
func (d *Doc) Delete(key string) {
	if _, exists := d.vals[key]; !exists {
		return
	}
	delete(d.vals, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the header keys in order.
func (d *Doc) Keys() []string {
	return append([]string(nil), d.keys...)
}

// Get returns the raw value for key.
func (d *Doc) Get(key string) (any, bool) {
	v, ok := d.vals[key]
	return v, ok
}

// String returns the value for key as a string; ints and bools are
// formatted back to their literal form.
func (d *Doc) String(key string) string {
	v, ok := d.vals[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Int returns the value for key as an int, or def if absent or non-integer.
func (d *Doc) Int(key string, def int) int {
	v, ok := d.vals[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return def
}

// Bool returns the value for key as a bool.
func (d *Doc) Bool(key string) bool {
	v, ok := d.vals[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// List returns the value for key as a string list. A scalar value becomes
// a single-element list; an absent key is empty.
func (d *Doc) List(key string) []string {
	v, ok := d.vals[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	default:
		return []string{d.String(key)}
	}
}

// Emit renders the document. Header keys appear in insertion order; string
// values that would not round-trip under the scalar policy are quoted.
func (d *Doc) Emit() string {
	var sb strings.Builder
	if len(d.keys) > 0 {
		sb.WriteString("---\n")
		for _, k := range d.keys {
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(emitScalar(d.vals[k]))
			sb.WriteString("\n")
		}
		sb.WriteString("---\n")
	}
	sb.WriteString(d.Body)
	return sb.String()
}

// emitScalar renders one value.
func emitScalar(v any) string {
	switch t := v.(type) {
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case []string:
		return "[" + strings.Join(t, ", ") + "]"
	case string:
		if needsQuoting(t) {
			return strconv.Quote(t)
		}
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

// needsQuoting reports whether emitting s bare would round-trip to a
// different value, or would be misread by stricter parsers. Leading-zero
// integer lookalikes (0817) are always quoted: bare-integer parsers would
// drop the zero.
func needsQuoting(s string) bool {
	if s == "" || s == "true" || s == "false" {
		return true
	}
	if leadingZeroRe.MatchString(s) || intRe.MatchString(s) {
		return true
	}
	if strings.HasPrefix(s, "[") || strings.HasPrefix(s, `"`) {
		return true
	}
	if strings.TrimSpace(s) != s {
		return true
	}
	return strings.ContainsAny(s, "\n")
}
