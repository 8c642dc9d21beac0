// Package orchestrator wires the full simulation pipeline: fleet and
// workload construction, kernel and scheduler assembly, the run itself,
// and the final report.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/dcsim/powersched/internal/config"
	"github.com/dcsim/powersched/internal/metrics"
	"github.com/dcsim/powersched/internal/model"
	"github.com/dcsim/powersched/internal/report"
	"github.com/dcsim/powersched/internal/sched"
	"github.com/dcsim/powersched/internal/sim"
)

// Orchestrator coordinates the end-to-end simulation pipeline.
type Orchestrator struct {
	Config config.Config
	Log    *zap.Logger
	Writer io.Writer
}

// New creates an orchestrator with the given configuration.
func New(cfg config.Config, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		Config: cfg,
		Log:    log,
		Writer: os.Stdout,
	}
}

// Run executes one simulation: build fleet and workload, run the kernel
// against the configured policy, then report.
func (o *Orchestrator) Run(ctx context.Context) (report.Summary, error) {
	cfg := o.Config

	fleet, err := sim.FleetFromConfig(cfg.Fleet)
	if err != nil {
		return report.Summary{}, fmt.Errorf("building fleet: %w", err)
	}

	tasks, err := o.loadWorkload()
	if err != nil {
		return report.Summary{}, err
	}
	o.Log.Info("workload ready",
		zap.Int("tasks", len(tasks)),
		zap.Int("machines", len(fleet)))

	kernel, err := sim.New(cfg.Simulation, fleet, tasks, o.Log)
	if err != nil {
		return report.Summary{}, fmt.Errorf("building kernel: %w", err)
	}

	var opts []sched.Option
	var inst *metrics.Instrumentation
	if cfg.Metrics.Listen != "" || cfg.Metrics.TextFile != "" {
		inst = metrics.New(o.Log)
		opts = append(opts, sched.WithRecorder(inst))
		if cfg.Metrics.Listen != "" {
			inst.Serve(cfg.Metrics.Listen)
			defer inst.Close()
		}
	}

	scheduler, err := sched.New(kernel, cfg.Scheduler, o.Log, opts...)
	if err != nil {
		return report.Summary{}, fmt.Errorf("building scheduler: %w", err)
	}

	if err := kernel.Run(ctx, scheduler); err != nil {
		return report.Summary{}, fmt.Errorf("running simulation: %w", err)
	}

	summary := report.Summary{
		Policy: scheduler.PolicyName(),
		SLAAttainment: [3]float64{
			kernel.SLAReport(model.SLA0),
			kernel.SLAReport(model.SLA1),
			kernel.SLAReport(model.SLA2),
		},
		EnergyKWh:  kernel.ClusterEnergy(),
		FinishedAt: kernel.Now(),
		Stats:      scheduler.Stats(),
	}

	if inst != nil && cfg.Metrics.TextFile != "" {
		if err := inst.WriteTextFile(cfg.Metrics.TextFile); err != nil {
			o.Log.Warn("metrics dump failed", zap.Error(err))
		}
	}

	w := o.Writer
	if cfg.Output.File != "" {
		f, err := os.Create(cfg.Output.File)
		if err != nil {
			return report.Summary{}, fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := report.NewReporter(cfg.Output.Format, w).Report(summary); err != nil {
		return report.Summary{}, fmt.Errorf("generating report: %w", err)
	}
	return summary, nil
}

// loadWorkload reads the configured workload file, or generates a
// synthetic one when no file is set.
func (o *Orchestrator) loadWorkload() ([]sim.TaskSpec, error) {
	wl := o.Config.Workload
	if wl.File != "" {
		tasks, err := sim.LoadWorkload(wl.File)
		if err != nil {
			return nil, fmt.Errorf("loading workload: %w", err)
		}
		return tasks, nil
	}
	tasks, err := sim.Generate(wl.Generator)
	if err != nil {
		return nil, fmt.Errorf("generating workload: %w", err)
	}
	return tasks, nil
}
