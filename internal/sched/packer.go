package sched

import (
	"go.uber.org/zap"

	"github.com/dcsim/powersched/internal/model"
)

// packerPolicy is the consolidating greedy variant: every host starts
// powered, new tasks land on the busiest VM that still has headroom, and
// each completion or tick drives another packing migration so drained
// hosts can be switched off.
type packerPolicy struct {
	s *Scheduler
}

func (p *packerPolicy) Name() string { return "packer" }

func (p *packerPolicy) Init() {
	p.s.tiers.AdoptAllRunning(p.s.reg)
	p.s.bootstrapVMs(p.s.tiers.Running())
}

// OnNewTask packs: the busiest matching VM below the utilization ceiling
// wins, then the generic search takes over.
func (p *packerPolicy) OnNewTask(now model.Time, t model.TaskID) {
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

	if vm, ok := s.packFitVM(arch, flavor); ok {
		if err := s.addTask(vm, t); err == nil {
			s.stats.PlacedBestFit++
			s.rec.Placement("best_fit")
			return
		}
	}
	s.place(now, t)
}

func (p *packerPolicy) OnTaskComplete(now model.Time, t model.TaskID) {
	p.consolidate()
	p.s.demoteIdleHosts()
}

func (p *packerPolicy) OnPeriodic(now model.Time) {
	p.s.power.Sweep(p.s.tiers.Running())
	p.consolidate()
	p.s.demoteIdleHosts()
}

func (p *packerPolicy) OnMemoryWarning(now model.Time, m model.MachineID) {
	if p.s.mig.RelieveMemory(m, p.s.tiers.Running()) {
		p.s.stats.MigrationsStarted++
		p.s.rec.MigrationStarted()
	}
}

func (p *packerPolicy) OnSLAWarning(now model.Time, t model.TaskID) {
	p.s.hotTasks.Insert(t)
}

func (p *packerPolicy) consolidate() {
	if _, ok := p.s.mig.Consolidate(p.s.tiers.Running()); ok {
		p.s.stats.MigrationsStarted++
		p.s.rec.MigrationStarted()
	}
}
