// Package templating renders Handlebars templates against a workflow context.
//
// Templates use {{path.to.value}} interpolation with HTML escaping, and a
// {{json path}} helper that writes pretty-printed JSON without escaping.
// The context is also reachable under the "context" key, so {{context.x}}
// and {{x}} resolve to the same value.
package templating

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"maps"
	"strings"

	"github.com/mailgun/raymond/v2"
)

// ContextKey is the alias under which the whole context is exposed to templates.
const ContextKey = "context"

// Template is a compiled template. It is safe for concurrent use.
type Template struct {
	source string
	tpl    *raymond.Template
}

// Compile parses src. The returned Template can be executed many times.
func Compile(src string) (*Template, error) {
	tpl, err := raymond.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("compile template: %w", err)
	}
	tpl.RegisterHelper("json", jsonHelper)
	return &Template{source: src, tpl: tpl}, nil
}

// Source returns the template text.
func (t *Template) Source() string { return t.source }

// Execute renders the template against data.
func (t *Template) Execute(data map[string]any) (string, error) {
	out, err := t.tpl.Exec(renderData(data))
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

// Render compiles src and executes it against data.
// Strings without "{{" are returned as-is.
func Render(src string, data map[string]any) (string, error) {
	if !strings.Contains(src, "{{") {
		return src, nil
	}
	t, err := Compile(src)
	if err != nil {
		return "", err
	}
	return t.Execute(data)
}

// DecodeEntities reverses HTML escaping, for rendered text that is sent
// as a chat message rather than embedded in markup.
func DecodeEntities(s string) string {
	return html.UnescapeString(s)
}

func renderData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+1)
	maps.Copy(out, data)
	if _, ok := out[ContextKey]; !ok {
		out[ContextKey] = data
	}
	return out
}

func jsonHelper(v any) raymond.SafeString {
	s, err := MarshalPretty(v)
	if err != nil {
		return raymond.SafeString("")
	}
	return raymond.SafeString(s)
}

// MarshalPretty encodes v as two-space indented JSON without HTML escaping.
func MarshalPretty(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
