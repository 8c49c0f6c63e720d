package output

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/kiln/internal/reconcile"
)

// YAMLFormatter formats output as YAML.
type YAMLFormatter struct{}

// FormatResult formats a reconciliation result as YAML.
func (f *YAMLFormatter) FormatResult(res *reconcile.Result) (string, error) {
	data, err := yaml.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result to YAML: %w", err)
	}
	return string(data), nil
}

// FormatStatus formats a resource status as YAML.
func (f *YAMLFormatter) FormatStatus(st *reconcile.Status) (string, error) {
	data, err := yaml.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("failed to marshal status to YAML: %w", err)
	}
	return string(data), nil
}
