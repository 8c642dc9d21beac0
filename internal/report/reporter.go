// Package report renders the end-of-run summary: the per-class SLA
// attainment, the energy bill, and the scheduler's decision counters.
package report

import (
	"io"

	"github.com/dcsim/powersched/internal/model"
	"github.com/dcsim/powersched/internal/sched"
)

// Summary is the final state of one simulation run.
type Summary struct {
	Policy string `json:"policy"`

	// SLAAttainment holds the percentage of tasks per class that met
	// their deadline, indexed SLA0..SLA2. SLA3 is best effort and has
	// no attainment figure.
	SLAAttainment [3]float64 `json:"sla_attainment"`

	EnergyKWh  float64     `json:"energy_kwh"`
	FinishedAt model.Time  `json:"finished_at_us"`
	Stats      sched.Stats `json:"stats"`
}

// Reporter formats and writes a run summary to an output destination.
type Reporter interface {
	Report(s Summary) error
}

// NewReporter creates a reporter for the given format writing to w.
func NewReporter(format string, w io.Writer) Reporter {
	switch format {
	case "json":
		return &JSONReporter{w: w}
	default:
		return &TextReporter{w: w}
	}
}
