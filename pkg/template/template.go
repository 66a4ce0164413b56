// Package template renders text/template expressions against an execution scope.
package template

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// noValue is what text/template prints for a missing map key.
const noValue = "<no value>"

var funcs = template.FuncMap{
	"now": func() string {
		return time.Now().UTC().Format(time.RFC3339)
	},
	"rand": func(max int) int {
		if max <= 0 {
			return 0
		}

		num := make([]byte, 1)

		_, err := rand.Read(num)
		if err != nil {
			return 0
		}

		return int(num[0]) % max
	},
	"default": func(fallback, value any) any {
		if value == nil || value == "" {
			return fallback
		}

		return value
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"json": func(v any) (string, error) {
		out, err := json.Marshal(v)

		return string(out), err
	},
}

// RenderString executes templateStr against data and returns the text.
// Missing keys render as the empty string.
func RenderString(templateStr string, data any) (string, error) {
	if !strings.Contains(templateStr, "{{") {
		return templateStr, nil
	}

	tmpl, err := template.New("field").Funcs(funcs).Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return strings.ReplaceAll(buf.String(), noValue, ""), nil
}

// Render executes templateStr and converts the output into a JSON value,
// number or boolean when it reads as one.
func Render(templateStr string, data any) (any, error) {
	rendered, err := RenderString(templateStr, data)
	if err != nil {
		return nil, err
	}

	result := strings.TrimSpace(rendered)
	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err != nil {
			return nil, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
		}

		return jsonResult, nil
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil && !math.IsNaN(num) && !math.IsInf(num, 0) {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return rendered, nil
}

// RenderFields renders every value of fields, keeping the keys.
func RenderFields(fields map[string]string, data any) (map[string]any, error) {
	out := make(map[string]any, len(fields))

	for key, value := range fields {
		rendered, err := Render(value, data)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}

		out[key] = rendered
	}

	return out, nil
}
