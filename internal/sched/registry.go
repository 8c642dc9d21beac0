// Package sched implements the placement and power-management policy
// engine: the fleet registry, three-tier host lifecycle, task placement,
// P-state control, and live-migration coordination, driven through the
// cluster.EventHandler callback surface.
package sched

import (
	"github.com/dcsim/powersched/internal/model"
)

// Registry catalogues hosts by architecture and tracks VM-to-host
// attachment. It is the only mutable bookkeeping shared between the
// scheduler components; everything else is queried fresh from the
// cluster on every event.
type Registry struct {
	hosts    []model.MachineID
	hostArch map[model.MachineID]model.CPUArch

	vms      []model.VMID
	vmHost   map[model.VMID]model.MachineID
	vmArch   map[model.VMID]model.CPUArch
	vmFlavor map[model.VMID]model.VMFlavor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		hostArch: make(map[model.MachineID]model.CPUArch),
		vmHost:   make(map[model.VMID]model.MachineID),
		vmArch:   make(map[model.VMID]model.CPUArch),
		vmFlavor: make(map[model.VMID]model.VMFlavor),
	}
}

// AddHost records a host and its fixed architecture. Hosts keep the
// order they were added in; all scans iterate in that order.
func (r *Registry) AddHost(id model.MachineID, arch model.CPUArch) {
	if _, ok := r.hostArch[id]; ok {
		return
	}
	r.hosts = append(r.hosts, id)
	r.hostArch[id] = arch
}

// Hosts returns all known hosts in insertion order.
func (r *Registry) Hosts() []model.MachineID {
	return r.hosts
}

// HostArch returns the architecture recorded for a host.
func (r *Registry) HostArch(id model.MachineID) (model.CPUArch, bool) {
	a, ok := r.hostArch[id]
	return a, ok
}

// HostsByArch returns the hosts with a matching ISA, in insertion order.
func (r *Registry) HostsByArch(arch model.CPUArch) []model.MachineID {
	var out []model.MachineID
	for _, id := range r.hosts {
		if r.hostArch[id] == arch {
			out = append(out, id)
		}
	}
	return out
}

// NoteCreate records a freshly created, detached VM.
func (r *Registry) NoteCreate(vm model.VMID, flavor model.VMFlavor, arch model.CPUArch) {
	if _, ok := r.vmArch[vm]; ok {
		return
	}
	r.vms = append(r.vms, vm)
	r.vmArch[vm] = arch
	r.vmFlavor[vm] = flavor
}

// NoteAttach records a VM landing on a host. Also used to reconcile
// attachment after a migration completes.
func (r *Registry) NoteAttach(vm model.VMID, host model.MachineID) {
	r.vmHost[vm] = host
}

// NoteDetach clears a VM's host binding.
func (r *Registry) NoteDetach(vm model.VMID) {
	delete(r.vmHost, vm)
}

// NoteDestroy removes a VM record entirely so later scans never see a
// stale handle.
func (r *Registry) NoteDestroy(vm model.VMID) {
	if _, ok := r.vmArch[vm]; !ok {
		return
	}
	delete(r.vmArch, vm)
	delete(r.vmFlavor, vm)
	delete(r.vmHost, vm)
	for i, id := range r.vms {
		if id == vm {
			r.vms = append(r.vms[:i], r.vms[i+1:]...)
			break
		}
	}
}

// VMs returns the live VM handles in creation order. The returned slice
// is the registry's own; callers that mutate the registry while
// iterating must use VMSnapshot instead.
func (r *Registry) VMs() []model.VMID {
	return r.vms
}

// VMSnapshot returns a copy of the VM list, safe to iterate while
// records are destroyed.
func (r *Registry) VMSnapshot() []model.VMID {
	out := make([]model.VMID, len(r.vms))
	copy(out, r.vms)
	return out
}

// VMCount returns the number of live VM records.
func (r *Registry) VMCount() int {
	return len(r.vms)
}

// VMHost returns the host a VM is attached to.
func (r *Registry) VMHost(vm model.VMID) (model.MachineID, bool) {
	h, ok := r.vmHost[vm]
	return h, ok
}

// VMArch returns the fixed architecture of a VM.
func (r *Registry) VMArch(vm model.VMID) (model.CPUArch, bool) {
	a, ok := r.vmArch[vm]
	return a, ok
}

// VMsOn returns the VMs currently attached to a host, in creation order.
func (r *Registry) VMsOn(host model.MachineID) []model.VMID {
	var out []model.VMID
	for _, vm := range r.vms {
		if h, ok := r.vmHost[vm]; ok && h == host {
			out = append(out, vm)
		}
	}
	return out
}
