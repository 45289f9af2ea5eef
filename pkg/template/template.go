// Package template renders text/template expressions against graph state.
package template

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"

	"github.com/dukex/kernelgraph/pkg/state"
)

// Template is a parsed expression that can be rendered many times.
type Template struct {
	source string
	tmpl   *template.Template
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)

		return string(b), err
	},
	"default": func(fallback, v any) any {
		if v == nil || v == "" {
			return fallback
		}

		return v
	},
}

// Parse compiles templateStr.
func Parse(templateStr string) (*Template, error) {
	tmpl, err := template.New("expression").Funcs(funcs).Option("missingkey=zero").Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	return &Template{source: templateStr, tmpl: tmpl}, nil
}

// Source returns the original template text.
func (t *Template) Source() string {
	return t.source
}

// Execute renders the template with data and converts the output into a typed value:
// JSON documents, numbers and booleans are decoded, everything else stays a string.
func (t *Template) Execute(data any) (any, error) {
	var buf strings.Builder

	err := t.tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", t.source, err)
	}

	result := strings.TrimSpace(buf.String())

	// Try to parse as JSON if it looks like JSON
	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err != nil {
			return nil, fmt.Errorf("failed to parse json '%s': %w", t.source, err)
		}

		return jsonResult, nil
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

// Render parses and executes templateStr in one step.
func Render(templateStr string, data any) (any, error) {
	tmpl, err := Parse(templateStr)
	if err != nil {
		return nil, err
	}

	return tmpl.Execute(data)
}

// StateData builds the template data of st: arguments under .args (and .vars),
// metadata under .metadata and the process environment under .env.
func StateData(st *state.GraphState) map[string]any {
	args := st.Arguments()

	return map[string]any{
		"args":     args,
		"vars":     args,
		"metadata": st.Metadata(),
		"env":      getEnvVars(),
	}
}

// RenderWithState renders input against the arguments and metadata of st.
func RenderWithState(input string, st *state.GraphState) (any, error) {
	return Render(input, StateData(st))
}

// Truthy converts a rendered value into a boolean.
func Truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		// Handle string boolean values
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		// Non-empty strings are truthy, except the zero value text/template prints for missing keys
		return v != "" && v != "<no value>"
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0.0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	case nil:
		return false
	default:
		// Unknown types default to false
		return false
	}
}

// getEnvVars returns environment variables as a map.
func getEnvVars() map[string]any {
	envMap := make(map[string]any)

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envMap[parts[0]] = parts[1]
		}
	}

	return envMap
}
