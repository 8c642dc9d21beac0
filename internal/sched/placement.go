package sched

import (
	"go.uber.org/zap"

	"github.com/dcsim/powersched/internal/model"
)

// place runs the tiered placement search for a new task: best-fit on an
// exactly matching VM, then an ISA-compatible VM, then standby
// promotion, then an emergency pass across every VM. Failures at any
// step fall through to the next; nothing escapes the engine.
func (s *Scheduler) place(now model.Time, t model.TaskID) {
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

	// First pass: least-loaded VM matching both architecture and flavor.
	if vm, ok := s.bestFitVM(arch, &flavor); ok {
		if err := s.addTask(vm, t); err == nil {
			s.stats.PlacedBestFit++
			s.rec.Placement("best_fit")
			s.log.Info("placed task",
				zap.Uint64("task", uint64(t)), zap.Uint32("vm", uint32(vm)))
			return
		}
	}

	// Second pass: relax the flavor requirement.
	if vm, ok := s.bestFitVM(arch, nil); ok {
		if err := s.addTask(vm, t); err == nil {
			s.stats.PlacedCompatible++
			s.rec.Placement("compatible")
			s.log.Info("placed task on compatible vm",
				zap.Uint64("task", uint64(t)), zap.Uint32("vm", uint32(vm)))
			return
		}
	}

	// Third pass: wake a standby host of the right architecture.
	if s.promoteAndPlace(t, arch, flavor) {
		return
	}

	// Emergency pass: any VM that will take the task, at high priority.
	for _, vm := range s.reg.VMs() {
		if s.mig.Migrating(vm) {
			continue
		}
		if err := s.api.AddTask(vm, t, model.PriorityHigh); err != nil {
			continue
		}
		s.stats.PlacedEmergency++
		s.rec.Placement("emergency")
		s.log.Warn("emergency placement",
			zap.Uint64("task", uint64(t)), zap.Uint32("vm", uint32(vm)))
		return
	}

	s.stats.PlacementFailures++
	s.rec.PlacementFailure()
	s.log.Error("failed to place task", zap.Uint64("task", uint64(t)))
}

// promoteAndPlace wakes a standby host for the task's architecture. If
// the host comes up instantly the task lands on a fresh VM; otherwise it
// is queued for the StateChangeComplete drain. Either way the standby
// tier is topped up from off afterwards.
func (s *Scheduler) promoteAndPlace(t model.TaskID, arch model.CPUArch, flavor model.VMFlavor) bool {
	m, ok := s.tiers.PromoteFor(s.reg, arch)
	if !ok {
		return false
	}
	s.stats.Promotions++
	s.rec.Promotion()
	defer s.tiers.RefillStandby()

	info, err := s.api.MachineInfo(m)
	if err == nil && info.State == model.S0 {
		vm, err := s.createAttached(flavor, arch, m)
		if err == nil {
			if err := s.addTask(vm, t); err == nil {
				s.stats.PlacedPromoted++
				s.rec.Placement("promoted")
				s.log.Info("placed task on promoted host",
					zap.Uint64("task", uint64(t)),
					zap.Uint32("machine", uint32(m)))
				return true
			}
		}
	}

	// Host still powering up; park the task until it reaches S0.
	s.pendingWake[m] = append(s.pendingWake[m], t)
	s.log.Info("queued task for waking host",
		zap.Uint64("task", uint64(t)), zap.Uint32("machine", uint32(m)))
	return true
}

// bestFitVM scans all VMs in creation order and returns the one with the
// fewest active tasks among those matching the architecture (and the
// flavor, when given). Migrating VMs are skipped; ties keep the first
// candidate encountered.
func (s *Scheduler) bestFitVM(arch model.CPUArch, flavor *model.VMFlavor) (model.VMID, bool) {
	var best model.VMID
	lowest := -1
	for _, vm := range s.reg.VMs() {
		if s.mig.Migrating(vm) {
			continue
		}
		info, err := s.api.VMInfo(vm)
		if err != nil || !info.Attached {
			continue
		}
		if info.Arch != arch {
			continue
		}
		if flavor != nil && info.Flavor != *flavor {
			continue
		}
		if lowest < 0 || info.TaskCount() < lowest {
			lowest = info.TaskCount()
			best = vm
		}
	}
	return best, lowest >= 0
}

// packFitVM returns the busiest VM that matches the task's architecture
// and flavor and whose host stays below the packing ceiling. Used by the
// consolidating policy to fill warm hosts before touching cold ones.
func (s *Scheduler) packFitVM(arch model.CPUArch, flavor model.VMFlavor) (model.VMID, bool) {
	var best model.VMID
	highest := -1
	for _, vm := range s.reg.VMs() {
		if s.mig.Migrating(vm) {
			continue
		}
		info, err := s.api.VMInfo(vm)
		if err != nil || !info.Attached {
			continue
		}
		if info.Arch != arch || info.Flavor != flavor {
			continue
		}
		host, err := s.api.MachineInfo(info.Machine)
		if err != nil || host.Utilization() >= s.cfg.PackingCeiling {
			continue
		}
		if info.TaskCount() > highest {
			highest = info.TaskCount()
			best = vm
		}
	}
	return best, highest >= 0
}

// leastLoadedHost returns the running host of the given architecture
// with the fewest active tasks.
func (s *Scheduler) leastLoadedHost(arch model.CPUArch, hosts []model.MachineID) (model.MachineID, bool) {
	var best model.MachineID
	lowest := -1
	for _, m := range hosts {
		info, err := s.api.MachineInfo(m)
		if err != nil || info.State != model.S0 || info.Arch != arch {
			continue
		}
		if lowest < 0 || info.ActiveTasks < lowest {
			lowest = info.ActiveTasks
			best = m
		}
	}
	return best, lowest >= 0
}
