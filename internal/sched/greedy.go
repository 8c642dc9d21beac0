package sched

import (
	"go.uber.org/zap"

	"github.com/dcsim/powersched/internal/model"
)

// greedyPolicy keeps every host powered on and places each task on the
// least-loaded compatible VM, creating VMs on demand. It never migrates
// for consolidation and runs no tier lifecycle; the P-state sweep is its
// only power management.
type greedyPolicy struct {
	s *Scheduler
}

func (p *greedyPolicy) Name() string { return "greedy" }

func (p *greedyPolicy) Init() {
	p.s.tiers.AdoptAllRunning(p.s.reg)
	p.s.bootstrapVMs(p.s.tiers.Running())
}

func (p *greedyPolicy) OnNewTask(now model.Time, t model.TaskID) {
	s := p.s
	arch, err := s.api.TaskArch(t)
	if err != nil {
		s.log.Error("task requirements query failed", zap.Uint64("task", uint64(t)), zap.Error(err))
		return
	}
	flavor, err := s.api.TaskFlavor(t)
	if err != nil {
		s.log.Error("task requirements query failed", zap.Uint64("task", uint64(t)), zap.Error(err))
		return
	}

	if vm, ok := s.bestFitVM(arch, &flavor); ok {
		if err := s.addTask(vm, t); err == nil {
			s.stats.PlacedBestFit++
			s.rec.Placement("best_fit")
			return
		}
	}
	if vm, ok := s.bestFitVM(arch, nil); ok {
		if err := s.addTask(vm, t); err == nil {
			s.stats.PlacedCompatible++
			s.rec.Placement("compatible")
			return
		}
	}

	// No usable VM: open a fresh one on the emptiest compatible host.
	if m, ok := s.leastLoadedHost(arch, s.tiers.Running()); ok {
		if vm, err := s.createAttached(flavor, arch, m); err == nil {
			if err := s.addTask(vm, t); err == nil {
				s.stats.PlacedCompatible++
				s.rec.Placement("compatible")
				s.log.Info("placed task on fresh vm",
					zap.Uint64("task", uint64(t)), zap.Uint32("machine", uint32(m)))
				return
			}
		}
	}

	s.stats.PlacementFailures++
	s.rec.PlacementFailure()
	s.log.Error("failed to place task", zap.Uint64("task", uint64(t)))
}

func (p *greedyPolicy) OnTaskComplete(now model.Time, t model.TaskID) {}

func (p *greedyPolicy) OnPeriodic(now model.Time) {
	p.s.power.Sweep(p.s.tiers.Running())
}

func (p *greedyPolicy) OnMemoryWarning(now model.Time, m model.MachineID) {
	if p.s.mig.RelieveMemory(m, p.s.tiers.Running()) {
		p.s.stats.MigrationsStarted++
		p.s.rec.MigrationStarted()
	}
}

func (p *greedyPolicy) OnSLAWarning(now model.Time, t model.TaskID) {}
