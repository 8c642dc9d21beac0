package model

// MachineInfo is a point-in-time snapshot of one host, as reported by the
// simulator. The scheduler never caches these across events.
type MachineInfo struct {
	ID           MachineID
	Arch         CPUArch
	Cores        int
	MemoryMB     int64
	MemoryUsedMB int64
	State        SState
	ActiveTasks  int
	ActiveVMs    int
}

// Utilization is the fraction of cores busy with active tasks. A host with
// more tasks than cores reports > 1.0.
func (m MachineInfo) Utilization() float64 {
	if m.Cores == 0 {
		return 0
	}
	return float64(m.ActiveTasks) / float64(m.Cores)
}

// FreeMemoryMB is the unreserved memory on the host.
func (m MachineInfo) FreeMemoryMB() int64 {
	free := m.MemoryMB - m.MemoryUsedMB
	if free < 0 {
		return 0
	}
	return free
}

// VMInfo is a point-in-time snapshot of one virtual machine.
type VMInfo struct {
	ID           VMID
	Flavor       VMFlavor
	Arch         CPUArch
	Machine      MachineID
	Attached     bool
	MemoryUsedMB int64
	ActiveTasks  []TaskID
}

// TaskCount returns the number of tasks currently executing on the VM.
func (v VMInfo) TaskCount() int { return len(v.ActiveTasks) }

// TaskInfo is the immutable task description from the workload oracle plus
// its runtime progress.
type TaskInfo struct {
	ID        TaskID
	Arch      CPUArch
	Flavor    VMFlavor
	MemoryMB  int64
	SLA       SLAClass
	Priority  Priority
	Arrival   Time
	Deadline  Time
	Completed bool
}
