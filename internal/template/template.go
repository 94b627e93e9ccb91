// Package template loads and renders prompt templates. Templates are plain
// text files with {{name}} placeholders; a dotted name ({{user.name}})
// walks into nested variable maps. The literal sequences \{\{ and \}\}
// escape braces. Files are validated when loaded, and a directory watcher
// swaps updated templates in atomically.
package template

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	muxerrors "github.com/modelmux/modelmux/pkg/errors"
)

// Template is one parsed prompt template.
type Template struct {
	Name         string
	Source       string
	Path         string
	Placeholders []string // unique, in order of first appearance
	LoadedAt     time.Time

	segments []segment
}

// segment is either a literal run or a placeholder reference.
type segment struct {
	literal     string
	placeholder string // dotted path; empty for literals
}

// Parse validates and compiles template source. Parse errors carry the
// template syntax error kind.
func Parse(name, source string) (*Template, error) {
	t := &Template{Name: name, Source: source}
	seen := make(map[string]bool)

	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			t.segments = append(t.segments, segment{literal: lit.String()})
			lit.Reset()
		}
	}

	i := 0
	for i < len(source) {
		rest := source[i:]
		switch {
		case strings.HasPrefix(rest, `\{\{`):
			lit.WriteString("{{")
			i += 4
		case strings.HasPrefix(rest, `\}\}`):
			lit.WriteString("}}")
			i += 4
		case strings.HasPrefix(rest, "{{"):
			end := strings.Index(source[i+2:], "}}")
			if end < 0 {
				return nil, syntaxErr(name, "unterminated placeholder at offset %d", i)
			}
			inner := source[i+2 : i+2+end]
			if strings.ContainsAny(inner, "{}") {
				return nil, syntaxErr(name, "nested braces in placeholder %q", inner)
			}
			path := strings.TrimSpace(inner)
			if path == "" {
				return nil, syntaxErr(name, "empty placeholder at offset %d", i)
			}
			if !validPath(path) {
				return nil, syntaxErr(name, "invalid placeholder name %q", path)
			}
			flush()
			t.segments = append(t.segments, segment{placeholder: path})
			if !seen[path] {
				seen[path] = true
				t.Placeholders = append(t.Placeholders, path)
			}
			i += 2 + end + 2
		case strings.HasPrefix(rest, "}}"):
			return nil, syntaxErr(name, "unmatched closing braces at offset %d", i)
		default:
			lit.WriteByte(source[i])
			i++
		}
	}
	flush()
	return t, nil
}

func syntaxErr(name, format string, args ...any) *muxerrors.Error {
	return muxerrors.Newf(muxerrors.KindTemplateSyntax,
		"template %q: %s", name, fmt.Sprintf(format, args...))
}

// validPath accepts dotted identifier paths: letters, digits, underscores
// and hyphens, with single dots between path elements.
func validPath(path string) bool {
	parts := strings.Split(path, ".")
	for _, part := range parts {
		if part == "" {
			return false
		}
		for _, r := range part {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			default:
				return false
			}
		}
	}
	return true
}

// Render substitutes variables into the template. String values render
// verbatim; anything else renders as two-space-indented JSON. Every
// placeholder must resolve: unresolved names are collected into a single
// missing-variables error.
func (t *Template) Render(vars map[string]any) (string, error) {
	var missing []string
	var out strings.Builder

	for _, seg := range t.segments {
		if seg.placeholder == "" {
			out.WriteString(seg.literal)
			continue
		}
		value, ok := resolve(vars, seg.placeholder)
		if !ok {
			missing = append(missing, seg.placeholder)
			continue
		}
		rendered, err := formatValue(value)
		if err != nil {
			return "", muxerrors.Newf(muxerrors.KindInternal,
				"template %q: render variable %q: %v", t.Name, seg.placeholder, err)
		}
		out.WriteString(rendered)
	}

	if len(missing) > 0 {
		missing = dedupe(missing)
		return "", muxerrors.Newf(muxerrors.KindTemplateMissing,
			"template %q: missing variables: %s", t.Name, strings.Join(missing, ", "))
	}
	return out.String(), nil
}

// resolve looks a dotted path up. A flat key containing the literal dots
// wins over path traversal.
func resolve(vars map[string]any, path string) (any, bool) {
	if vars == nil {
		return nil, false
	}
	if v, ok := vars[path]; ok {
		return v, true
	}

	parts := strings.Split(path, ".")
	var cur any = vars
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func formatValue(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
