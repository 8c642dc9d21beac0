package sched

import (
	"fmt"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/dcsim/powersched/internal/cluster"
	"github.com/dcsim/powersched/internal/config"
	"github.com/dcsim/powersched/internal/model"
)

// Coordinator owns the in-flight migration set and selects
// source/destination pairs for memory relief, consolidation, and
// SLA-driven relocation. A VM enters the set when a migration is
// requested and leaves it only when the completion callback fires;
// membership excludes the VM from every other decision.
type Coordinator struct {
	api cluster.API
	reg *Registry
	cfg config.SchedulerConfig
	log *zap.Logger

	inflight sets.Set[model.VMID]
}

// NewCoordinator returns a coordinator with an empty in-flight set.
func NewCoordinator(api cluster.API, reg *Registry, cfg config.SchedulerConfig, log *zap.Logger) *Coordinator {
	return &Coordinator{
		api:      api,
		reg:      reg,
		cfg:      cfg,
		log:      log.With(zap.String("component", "migration")),
		inflight: sets.New[model.VMID](),
	}
}

// Migrating reports whether a VM is currently in flight.
func (c *Coordinator) Migrating(vm model.VMID) bool {
	return c.inflight.Has(vm)
}

// InFlight returns the number of migrations currently in flight.
func (c *Coordinator) InFlight() int {
	return c.inflight.Len()
}

// AtCap reports whether the global in-flight budget is exhausted.
func (c *Coordinator) AtCap() bool {
	return c.inflight.Len() >= c.cfg.MigrationCap
}

// Start requests a live migration and records the VM as in flight. It
// refuses a VM that is already migrating and enforces the global cap.
func (c *Coordinator) Start(vm model.VMID, dest model.MachineID) error {
	if c.inflight.Has(vm) {
		return fmt.Errorf("vm %d is already migrating", vm)
	}
	if c.AtCap() {
		return fmt.Errorf("migration budget exhausted (%d in flight)", c.inflight.Len())
	}
	if err := c.api.MigrateVM(vm, dest); err != nil {
		return fmt.Errorf("migrating vm %d to machine %d: %w", vm, dest, err)
	}
	c.inflight.Insert(vm)
	c.log.Info("migration started",
		zap.Uint32("vm", uint32(vm)),
		zap.Uint32("dest", uint32(dest)),
		zap.Int("in_flight", c.inflight.Len()))
	return nil
}

// Done removes a VM from the in-flight set and reconciles its host
// binding from the cluster. Completions for VMs not in flight are
// ignored.
func (c *Coordinator) Done(vm model.VMID) bool {
	if !c.inflight.Has(vm) {
		return false
	}
	c.inflight.Delete(vm)
	if info, err := c.api.VMInfo(vm); err == nil && info.Attached {
		c.reg.NoteAttach(vm, info.Machine)
	}
	return true
}

// RelieveMemory tries to move one VM off an overcommitted host. It
// declines when the in-flight budget is exhausted (the warning will
// re-fire) and migrates at most one VM per call.
func (c *Coordinator) RelieveMemory(source model.MachineID, running []model.MachineID) bool {
	if c.AtCap() {
		c.log.Warn("memory warning declined, migration budget exhausted",
			zap.Uint32("machine", uint32(source)))
		return false
	}
	for _, vm := range c.reg.VMsOn(source) {
		if c.inflight.Has(vm) {
			continue
		}
		info, err := c.api.VMInfo(vm)
		if err != nil {
			continue
		}
		for _, dest := range running {
			if dest == source {
				continue
			}
			if !c.fits(info, dest) {
				continue
			}
			if err := c.Start(vm, dest); err != nil {
				continue
			}
			return true
		}
	}
	c.log.Error("unable to relieve memory pressure", zap.Uint32("machine", uint32(source)))
	return false
}

// Consolidate looks for one lightly loaded source host and migrates one
// of its VMs onto the most-loaded compatible destination below the
// packing ceiling. Returns the source host when a migration was issued.
func (c *Coordinator) Consolidate(running []model.MachineID) (model.MachineID, bool) {
	if c.AtCap() {
		return 0, false
	}
	for _, src := range running {
		info, err := c.api.MachineInfo(src)
		if err != nil {
			continue
		}
		util := info.Utilization()
		if util <= 0 || util >= c.cfg.ConsolidationThreshold {
			continue
		}
		for _, vm := range c.reg.VMsOn(src) {
			if c.inflight.Has(vm) {
				continue
			}
			vmInfo, err := c.api.VMInfo(vm)
			if err != nil {
				continue
			}
			dest, ok := c.packDestination(vmInfo, running, src)
			if !ok {
				continue
			}
			if err := c.Start(vm, dest); err != nil {
				continue
			}
			return src, true
		}
	}
	return 0, false
}

// RelocateForSLA moves a VM hosting a struggling task onto a compatible
// host whose utilization is at most SLASlack times the current host's.
func (c *Coordinator) RelocateForSLA(vm model.VMID, running []model.MachineID) bool {
	if c.AtCap() || c.inflight.Has(vm) {
		return false
	}
	info, err := c.api.VMInfo(vm)
	if err != nil || !info.Attached {
		return false
	}
	srcInfo, err := c.api.MachineInfo(info.Machine)
	if err != nil {
		return false
	}
	limit := srcInfo.Utilization() * c.cfg.SLASlack

	best := model.MachineID(0)
	bestUtil := limit
	found := false
	for _, dest := range running {
		if dest == info.Machine {
			continue
		}
		destInfo, err := c.api.MachineInfo(dest)
		if err != nil || destInfo.Arch != info.Arch {
			continue
		}
		util := destInfo.Utilization()
		if util > limit || !c.memoryFits(info, destInfo) {
			continue
		}
		if !found || util < bestUtil {
			best, bestUtil, found = dest, util, true
		}
	}
	if !found {
		return false
	}
	return c.Start(vm, best) == nil
}

// packDestination returns the most-loaded compatible host below the
// packing ceiling that has room for the VM's memory footprint.
func (c *Coordinator) packDestination(vm model.VMInfo, running []model.MachineID, src model.MachineID) (model.MachineID, bool) {
	var best model.MachineID
	bestUtil := -1.0
	for _, dest := range running {
		if dest == src {
			continue
		}
		info, err := c.api.MachineInfo(dest)
		if err != nil || info.Arch != vm.Arch {
			continue
		}
		util := info.Utilization()
		if util >= c.cfg.PackingCeiling || !c.memoryFits(vm, info) {
			continue
		}
		if util > bestUtil {
			best, bestUtil = dest, util
		}
	}
	return best, bestUtil >= 0
}

func (c *Coordinator) fits(vm model.VMInfo, dest model.MachineID) bool {
	info, err := c.api.MachineInfo(dest)
	if err != nil || info.Arch != vm.Arch {
		return false
	}
	return c.memoryFits(vm, info)
}

// memoryFits checks the VM's footprint against the destination's free
// memory.
func (c *Coordinator) memoryFits(vm model.VMInfo, dest model.MachineInfo) bool {
	return vm.MemoryUsedMB <= dest.FreeMemoryMB()
}
