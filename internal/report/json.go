package report

import (
	"encoding/json"
	"fmt"
	"io"
)

// JSONReporter outputs the run summary as indented JSON.
type JSONReporter struct {
	w io.Writer
}

func (r *JSONReporter) Report(s Summary) error {
	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encoding JSON report: %w", err)
	}
	return nil
}
