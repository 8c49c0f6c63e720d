package output

import (
	"encoding/json"
	"fmt"

	"github.com/jbweber/kiln/internal/reconcile"
)

// JSONFormatter formats output as JSON.
type JSONFormatter struct{}

// FormatResult formats a reconciliation result as indented JSON.
func (f *JSONFormatter) FormatResult(res *reconcile.Result) (string, error) {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal result to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// FormatStatus formats a resource status as indented JSON.
func (f *JSONFormatter) FormatStatus(st *reconcile.Status) (string, error) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal status to JSON: %w", err)
	}
	return string(data) + "\n", nil
}
