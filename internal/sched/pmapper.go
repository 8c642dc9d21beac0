package sched

import (
	"sort"

	"go.uber.org/zap"

	"github.com/dcsim/powersched/internal/model"
)

// pmapperPolicy ranks hosts once at startup by core count, keeps the top
// of the ranking powered, and fills hosts in rank order so work
// concentrates on the machines that amortize their base power best. The
// ranking never changes during a run.
type pmapperPolicy struct {
	s *Scheduler

	// ranking is the static placement order over powered hosts.
	ranking []model.MachineID
}

func (p *pmapperPolicy) Name() string { return "pmapper" }

// Init powers the top MaxRunning hosts of the ranking (keeping at least
// one host per architecture) and switches the rest off.
func (p *pmapperPolicy) Init() {
	s := p.s
	ranked := append([]model.MachineID(nil), s.reg.Hosts()...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return p.cores(ranked[i]) > p.cores(ranked[j])
	})

	covered := make(map[model.CPUArch]bool)
	var running, off []model.MachineID
	for _, m := range ranked {
		arch, ok := s.reg.HostArch(m)
		if !ok {
			continue
		}
		if len(running) < s.cfg.MaxRunning || !covered[arch] {
			running = append(running, m)
			covered[arch] = true
		} else {
			off = append(off, m)
		}
	}

	s.tiers.AdoptRanked(running, off)
	p.ranking = running
	s.bootstrapVMs(running)
	s.log.Info("static host ranking installed",
		zap.Int("powered", len(running)), zap.Int("off", len(off)))
}

func (p *pmapperPolicy) cores(m model.MachineID) int {
	info, err := p.s.api.MachineInfo(m)
	if err != nil {
		return 0
	}
	return info.Cores
}

// OnNewTask walks the ranking and places the task on the first
// compatible host with spare cores, falling back to the least-loaded
// compatible VM when every ranked host is saturated.
func (p *pmapperPolicy) OnNewTask(now model.Time, t model.TaskID) {
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

	for _, m := range p.ranking {
		info, err := s.api.MachineInfo(m)
		if err != nil || info.State != model.S0 || info.Arch != arch {
			continue
		}
		if info.ActiveTasks >= info.Cores {
			continue
		}
		if vm, ok := p.vmOnHost(m, flavor); ok {
			if err := s.addTask(vm, t); err == nil {
				s.stats.PlacedBestFit++
				s.rec.Placement("best_fit")
				return
			}
			continue
		}
		if vm, err := s.createAttached(flavor, arch, m); err == nil {
			if err := s.addTask(vm, t); err == nil {
				s.stats.PlacedBestFit++
				s.rec.Placement("best_fit")
				return
			}
		}
	}

	if vm, ok := s.bestFitVM(arch, nil); ok {
		if err := s.addTask(vm, t); err == nil {
			s.stats.PlacedCompatible++
			s.rec.Placement("compatible")
			return
		}
	}

	s.stats.PlacementFailures++
	s.rec.PlacementFailure()
	s.log.Error("failed to place task", zap.Uint64("task", uint64(t)))
}

func (p *pmapperPolicy) vmOnHost(m model.MachineID, flavor model.VMFlavor) (model.VMID, bool) {
	for _, vm := range p.s.reg.VMsOn(m) {
		if p.s.mig.Migrating(vm) {
			continue
		}
		info, err := p.s.api.VMInfo(vm)
		if err != nil || info.Flavor != flavor {
			continue
		}
		return vm, true
	}
	return 0, false
}

func (p *pmapperPolicy) OnTaskComplete(now model.Time, t model.TaskID) {}

func (p *pmapperPolicy) OnPeriodic(now model.Time) {
	p.s.power.Sweep(p.s.tiers.Running())
}

func (p *pmapperPolicy) OnMemoryWarning(now model.Time, m model.MachineID) {
	if p.s.mig.RelieveMemory(m, p.s.tiers.Running()) {
		p.s.stats.MigrationsStarted++
		p.s.rec.MigrationStarted()
	}
}

func (p *pmapperPolicy) OnSLAWarning(now model.Time, t model.TaskID) {}
