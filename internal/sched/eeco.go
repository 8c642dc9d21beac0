package sched

import (
	"github.com/dcsim/powersched/internal/model"
)

// eecoPolicy is the three-tier energy/SLA balancing policy and the
// default. Hosts cycle between running, standby, and off; placement
// prefers warm capacity, promotes standby hosts on demand, and the
// periodic check drives P-states, consolidation, and SLA relief.
type eecoPolicy struct {
	s *Scheduler
}

func (p *eecoPolicy) Name() string { return "eeco" }

// Init partitions the fleet into the three tiers and bootstraps one
// default-flavor VM on every running host.
func (p *eecoPolicy) Init() {
	p.s.tiers.InitialPartition(p.s.reg)
	p.s.bootstrapVMs(p.s.tiers.Running())
}

func (p *eecoPolicy) OnNewTask(now model.Time, t model.TaskID) {
	p.s.place(now, t)
}

// OnTaskComplete tries one consolidation step: the departing task may
// have left a host light enough to drain.
func (p *eecoPolicy) OnTaskComplete(now model.Time, t model.TaskID) {
	p.consolidate()
}

// OnPeriodic sweeps P-states across the running tier, packs lightly
// loaded hosts, relocates SLA-warned tasks, and demotes drained hosts.
func (p *eecoPolicy) OnPeriodic(now model.Time) {
	p.s.power.Sweep(p.s.tiers.Running())
	p.consolidate()
	p.s.scanHotTasks()
	p.s.demoteIdleHosts()
}

func (p *eecoPolicy) OnMemoryWarning(now model.Time, m model.MachineID) {
	if p.s.mig.RelieveMemory(m, p.s.tiers.Running()) {
		p.s.stats.MigrationsStarted++
		p.s.rec.MigrationStarted()
	}
}

// OnSLAWarning records the task for the next periodic relief scan; the
// facade has already raised its priority.
func (p *eecoPolicy) OnSLAWarning(now model.Time, t model.TaskID) {
	p.s.hotTasks.Insert(t)
}

func (p *eecoPolicy) consolidate() {
	if _, ok := p.s.mig.Consolidate(p.s.tiers.Running()); ok {
		p.s.stats.MigrationsStarted++
		p.s.rec.MigrationStarted()
	}
}
