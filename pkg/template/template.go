// Package template renders Go text/template expressions against workflow execution data.
package template

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/dukex/autoflow/pkg/models"
)

// PureFuncs holds helpers whose output depends only on their arguments.
// Predicates are rendered with these alone so evaluation stays deterministic.
func PureFuncs() template.FuncMap {
	return template.FuncMap{
		"lower":     strings.ToLower,
		"upper":     strings.ToUpper,
		"trim":      strings.TrimSpace,
		"contains":  func(s, substr string) bool { return strings.Contains(s, substr) },
		"hasPrefix": func(s, prefix string) bool { return strings.HasPrefix(s, prefix) },
		"hasSuffix": func(s, suffix string) bool { return strings.HasSuffix(s, suffix) },
		"default": func(fallback, value any) any {
			if value == nil || value == "" {
				return fallback
			}

			return value
		},
		"toJSON": func(value any) (string, error) {
			out, err := json.Marshal(value)

			return string(out), err
		},
	}
}

// ActionFuncs extends PureFuncs with clock and randomness for action parameters.
func ActionFuncs() template.FuncMap {
	funcs := PureFuncs()
	funcs["now"] = func() string {
		return time.Now().UTC().Format(time.RFC3339)
	}
	funcs["rand"] = func(max int) int {
		if max <= 0 {
			return 0
		}

		num := make([]byte, 1)

		_, err := rand.Read(num)
		if err != nil {
			return 0
		}

		return int(num[0]) % max
	}

	return funcs
}

// RenderWithContext renders input for an action. Besides the execution data,
// templates can read process environment variables through .env.
func RenderWithContext(input string, executionCtx *models.ExecutionContext) (any, error) {
	data := executionCtx.Data()
	data["env"] = getEnvVars()

	return Render(input, data)
}

// RenderParameters renders every string found in params, recursing into maps and slices.
func RenderParameters(params map[string]any, executionCtx *models.ExecutionContext) (map[string]any, error) {
	rendered := make(map[string]any, len(params))

	for key, value := range params {
		out, err := renderValue(value, executionCtx)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", key, err)
		}

		rendered[key] = out
	}

	return rendered, nil
}

func renderValue(value any, executionCtx *models.ExecutionContext) (any, error) {
	switch v := value.(type) {
	case string:
		if !strings.Contains(v, "{{") {
			return v, nil
		}

		return RenderWithContext(v, executionCtx)
	case map[string]any:
		return RenderParameters(v, executionCtx)
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			rendered, err := renderValue(item, executionCtx)
			if err != nil {
				return nil, err
			}

			out[i] = rendered
		}

		return out, nil
	default:
		return value, nil
	}
}

// Render executes templateStr with the action function map and coerces the result.
func Render(templateStr string, data any) (any, error) {
	return render(templateStr, data, ActionFuncs())
}

// RenderPure executes templateStr with only deterministic helpers.
func RenderPure(templateStr string, data any) (any, error) {
	return render(templateStr, data, PureFuncs())
}

// RenderString executes templateStr and returns the raw output without coercion.
func RenderString(templateStr string, data any) (string, error) {
	return execute(templateStr, data, ActionFuncs())
}

func render(templateStr string, data any, funcs template.FuncMap) (any, error) {
	result, err := execute(templateStr, data, funcs)
	if err != nil {
		return nil, err
	}

	return coerce(result, templateStr)
}

func execute(templateStr string, data any, funcs template.FuncMap) (string, error) {
	tmpl, err := template.
		New("render").
		Funcs(funcs).
		Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return buf.String(), nil
}

// coerce turns rendered text into JSON values, numbers or booleans when it looks like one.
func coerce(result, templateStr string) (any, error) {
	result = strings.TrimSpace(result)
	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err != nil {
			return nil, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
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

// Validate parses templateStr with the deterministic function map without executing it.
func Validate(templateStr string) error {
	_, err := template.New("validate").Funcs(PureFuncs()).Parse(templateStr)
	if err != nil {
		return fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	return nil
}
