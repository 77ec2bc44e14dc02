package manifest

import (
	"os"
	"strings"
	"text/template"
)

// RenderTemplate executes the template file with the provided parameters.
// Content without template markers is returned as-is, so a plain init script
// can be used directly as a template.
func RenderTemplate(path string, params map[string]interface{}) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return RenderText(path, string(data), params)
}

// RenderText is RenderTemplate over in-memory template content.
func RenderText(name, text string, params map[string]interface{}) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	if err := t.Execute(&buf, params); err != nil {
		return "", err
	}
	return buf.String(), nil
}
