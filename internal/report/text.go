package report

import (
	"fmt"
	"io"
)

// TextReporter prints the terminal summary block.
type TextReporter struct {
	w io.Writer
}

func (r *TextReporter) Report(s Summary) error {
	lines := []string{
		"SLA violation report",
		fmt.Sprintf("SLA0: %g%%", s.SLAAttainment[0]),
		fmt.Sprintf("SLA1: %g%%", s.SLAAttainment[1]),
		fmt.Sprintf("SLA2: %g%%", s.SLAAttainment[2]),
		fmt.Sprintf("Total Energy %gKW-Hour", s.EnergyKWh),
		fmt.Sprintf("Simulation run finished in %g seconds", s.FinishedAt.Seconds()),
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(r.w, line); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
	}
	return nil
}
