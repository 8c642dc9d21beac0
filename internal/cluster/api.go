// Package cluster defines the boundary between the scheduler and the
// machine/VM facility that backs it. The simulator kernel implements API;
// the scheduler implements EventHandler and is driven through it.
package cluster

import (
	"errors"

	"github.com/dcsim/powersched/internal/model"
)

var (
	// ErrNotFound reports an unknown machine, VM, or task handle.
	ErrNotFound = errors.New("unknown handle")

	// ErrVMBusy reports an operation against a VM whose attachment is in
	// flux (mid-migration or powering up).
	ErrVMBusy = errors.New("vm busy")

	// ErrIncompatible reports an architecture or flavor mismatch.
	ErrIncompatible = errors.New("incompatible placement")

	// ErrMachineDown reports an operation against a host that is not in S0.
	ErrMachineDown = errors.New("machine not running")
)

// API is the synchronous facility surface the scheduler calls into. Every
// method may fail; the scheduler treats failures as recoverable and moves
// on to the next candidate.
type API interface {
	// MachineCount returns the number of hosts in the fleet.
	MachineCount() int

	// MachineArch returns the fixed CPU architecture of a host.
	MachineArch(m model.MachineID) (model.CPUArch, error)

	// MachineInfo returns a fresh snapshot of a host.
	MachineInfo(m model.MachineID) (model.MachineInfo, error)

	// SetMachineState requests a host power-state transition. The request
	// is accepted immediately; completion is signalled later through
	// EventHandler.StateChangeComplete.
	SetMachineState(m model.MachineID, s model.SState) error

	// SetCorePerformance sets the P-state of one core on a running host.
	SetCorePerformance(m model.MachineID, core int, p model.PState) error

	// ClusterEnergy returns the total energy consumed so far, in KW-Hour.
	ClusterEnergy() float64

	// CreateVM creates a detached VM of the given flavor and architecture.
	CreateVM(flavor model.VMFlavor, arch model.CPUArch) (model.VMID, error)

	// AttachVM binds a detached VM to a running host of matching
	// architecture.
	AttachVM(vm model.VMID, m model.MachineID) error

	// AddTask starts a task on a VM at the given priority.
	AddTask(vm model.VMID, task model.TaskID, prio model.Priority) error

	// MigrateVM live-migrates a VM to a destination host. Completion is
	// signalled later through EventHandler.MigrationDone.
	MigrateVM(vm model.VMID, dest model.MachineID) error

	// ShutdownVM tears a VM down, failing any tasks still on it.
	ShutdownVM(vm model.VMID) error

	// VMInfo returns a fresh snapshot of a VM.
	VMInfo(vm model.VMID) (model.VMInfo, error)

	// TaskArch returns the CPU architecture a task requires.
	TaskArch(t model.TaskID) (model.CPUArch, error)

	// TaskFlavor returns the VM flavor a task requires.
	TaskFlavor(t model.TaskID) (model.VMFlavor, error)

	// TaskSLA returns the SLA class of a task.
	TaskSLA(t model.TaskID) (model.SLAClass, error)

	// TaskMemoryMB returns the memory footprint a task reserves.
	TaskMemoryMB(t model.TaskID) (int64, error)

	// TaskInfo returns a fresh snapshot of a task.
	TaskInfo(t model.TaskID) (model.TaskInfo, error)

	// SetTaskPriority changes the priority of a running task.
	SetTaskPriority(t model.TaskID, p model.Priority) error

	// SLAViolation reports whether a task has missed its SLA.
	SLAViolation(t model.TaskID) (bool, error)

	// TaskCompleted reports whether a task has finished.
	TaskCompleted(t model.TaskID) (bool, error)

	// SLAReport returns the percentage of tasks in the class that met
	// their SLA.
	SLAReport(s model.SLAClass) float64
}

// EventHandler is the callback facade the facility drives. Each callback
// runs to completion before the next is delivered.
type EventHandler interface {
	Init()
	NewTask(now model.Time, t model.TaskID)
	TaskComplete(now model.Time, t model.TaskID)
	MemoryWarning(now model.Time, m model.MachineID)
	MigrationDone(now model.Time, vm model.VMID)
	PeriodicCheck(now model.Time)
	SLAWarning(now model.Time, t model.TaskID)
	StateChangeComplete(now model.Time, m model.MachineID)
	SimulationComplete(now model.Time)
}
