package sim

import (
	"fmt"

	"github.com/dcsim/powersched/internal/cluster"
	"github.com/dcsim/powersched/internal/model"
)

// The Kernel implements cluster.API. Validation failures surface as the
// sentinel errors the scheduler expects; none of these methods invoke
// handler callbacks directly, deferred work is queued as events instead.

var _ cluster.API = (*Kernel)(nil)

func (k *Kernel) machine(id model.MachineID) (*machine, error) {
	if int(id) >= len(k.machines) {
		return nil, fmt.Errorf("machine %d: %w", id, cluster.ErrNotFound)
	}
	return k.machines[id], nil
}

func (k *Kernel) vmByID(id model.VMID) (*vm, error) {
	v, ok := k.vms[id]
	if !ok {
		return nil, fmt.Errorf("vm %d: %w", id, cluster.ErrNotFound)
	}
	return v, nil
}

func (k *Kernel) taskByID(id model.TaskID) (*task, error) {
	t, ok := k.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", id, cluster.ErrNotFound)
	}
	return t, nil
}

// MachineCount returns the fleet size.
func (k *Kernel) MachineCount() int { return len(k.machines) }

// MachineArch returns a host's fixed architecture.
func (k *Kernel) MachineArch(id model.MachineID) (model.CPUArch, error) {
	m, err := k.machine(id)
	if err != nil {
		return "", err
	}
	return m.spec.Arch, nil
}

// MachineInfo snapshots a host. During a power transition the old state
// is reported until the change completes.
func (k *Kernel) MachineInfo(id model.MachineID) (model.MachineInfo, error) {
	m, err := k.machine(id)
	if err != nil {
		return model.MachineInfo{}, err
	}
	return model.MachineInfo{
		ID:           m.id,
		Arch:         m.spec.Arch,
		Cores:        m.spec.Cores,
		MemoryMB:     m.spec.MemoryMB,
		MemoryUsedMB: m.memMB,
		State:        m.state,
		ActiveTasks:  m.active,
		ActiveVMs:    len(m.vmIDs),
	}, nil
}

// SetMachineState requests a power transition, completing after the
// configured delay. Requests are refused while another transition is in
// flight or while VMs remain attached and the target is not S0.
func (k *Kernel) SetMachineState(id model.MachineID, s model.SState) error {
	m, err := k.machine(id)
	if err != nil {
		return err
	}
	if m.transitioning {
		return fmt.Errorf("machine %d: transition in progress: %w", id, cluster.ErrMachineDown)
	}
	if m.state == s {
		return nil
	}
	if s != model.S0 && len(m.vmIDs) > 0 {
		return fmt.Errorf("machine %d has %d attached vms: %w", id, len(m.vmIDs), cluster.ErrVMBusy)
	}
	m.transitioning = true
	delay := model.Time(k.cfg.StateChangeDelay.Microseconds())
	k.push(&event{at: k.now + delay, kind: evStateChange, machine: id, state: s})
	return nil
}

// SetCorePerformance sets one core's P-state on a running host and
// recomputes completion times for the tasks it hosts.
func (k *Kernel) SetCorePerformance(id model.MachineID, core int, p model.PState) error {
	m, err := k.machine(id)
	if err != nil {
		return err
	}
	if m.state != model.S0 || m.transitioning {
		return fmt.Errorf("machine %d: %w", id, cluster.ErrMachineDown)
	}
	if core < 0 || core >= m.spec.Cores {
		return fmt.Errorf("machine %d core %d: %w", id, core, cluster.ErrNotFound)
	}
	if m.cores[core] == p {
		return nil
	}
	m.cores[core] = p
	k.rescheduleMachineTasks(m)
	return nil
}

// ClusterEnergy returns the total consumption so far in KW-Hour.
func (k *Kernel) ClusterEnergy() float64 {
	return k.energyJoules / 3.6e6
}

// CreateVM allocates a detached VM.
func (k *Kernel) CreateVM(flavor model.VMFlavor, arch model.CPUArch) (model.VMID, error) {
	id := k.nextVMID
	k.nextVMID++
	k.vms[id] = &vm{id: id, flavor: flavor, arch: arch, memMB: vmOverheadMB}
	return id, nil
}

// AttachVM binds a detached VM to a running host of the same
// architecture.
func (k *Kernel) AttachVM(id model.VMID, mid model.MachineID) error {
	v, err := k.vmByID(id)
	if err != nil {
		return err
	}
	m, err := k.machine(mid)
	if err != nil {
		return err
	}
	if v.attached || v.migrating {
		return fmt.Errorf("vm %d: %w", id, cluster.ErrVMBusy)
	}
	if m.state != model.S0 || m.transitioning {
		return fmt.Errorf("machine %d: %w", mid, cluster.ErrMachineDown)
	}
	if v.arch != m.spec.Arch {
		return fmt.Errorf("vm %d (%s) on machine %d (%s): %w", id, v.arch, mid, m.spec.Arch, cluster.ErrIncompatible)
	}
	v.attached = true
	v.machine = mid
	m.attach(id)
	m.memMB += v.memMB
	return nil
}

// AddTask starts an arrived task on an attached VM. The task's
// architecture must match the VM's; a flavor mismatch is tolerated.
func (k *Kernel) AddTask(id model.VMID, tid model.TaskID, prio model.Priority) error {
	v, err := k.vmByID(id)
	if err != nil {
		return err
	}
	t, err := k.taskByID(tid)
	if err != nil {
		return err
	}
	if !v.attached || v.migrating {
		return fmt.Errorf("vm %d: %w", id, cluster.ErrVMBusy)
	}
	m := k.machines[v.machine]
	if m.state != model.S0 || m.transitioning {
		return fmt.Errorf("machine %d: %w", v.machine, cluster.ErrMachineDown)
	}
	if t.arch != v.arch {
		return fmt.Errorf("task %d (%s) on vm %d (%s): %w", tid, t.arch, id, v.arch, cluster.ErrIncompatible)
	}
	if !t.arrived || t.completed || t.failed || t.placed {
		return fmt.Errorf("task %d not placeable: %w", tid, cluster.ErrVMBusy)
	}

	t.placed = true
	t.priority = prio
	t.vm = id
	v.tasks = append(v.tasks, tid)
	v.memMB += t.memMB
	m.memMB += t.memMB
	m.active++
	k.rescheduleTask(t, m)

	if m.memMB > m.spec.MemoryMB {
		k.push(&event{at: k.now, kind: evMemoryWarning, machine: m.id})
	}
	return nil
}

// MigrateVM starts a live migration; the VM keeps executing on its
// source until the completion event fires.
func (k *Kernel) MigrateVM(id model.VMID, dest model.MachineID) error {
	v, err := k.vmByID(id)
	if err != nil {
		return err
	}
	d, err := k.machine(dest)
	if err != nil {
		return err
	}
	if !v.attached || v.migrating {
		return fmt.Errorf("vm %d: %w", id, cluster.ErrVMBusy)
	}
	if v.machine == dest {
		return fmt.Errorf("vm %d already on machine %d: %w", id, dest, cluster.ErrIncompatible)
	}
	if d.state != model.S0 || d.transitioning {
		return fmt.Errorf("machine %d: %w", dest, cluster.ErrMachineDown)
	}
	if v.arch != d.spec.Arch {
		return fmt.Errorf("vm %d (%s) to machine %d (%s): %w", id, v.arch, dest, d.spec.Arch, cluster.ErrIncompatible)
	}
	v.migrating = true
	delay := model.Time(k.cfg.MigrationDelay.Microseconds())
	k.push(&event{at: k.now + delay, kind: evMigrationDone, vm: id, machine: dest})
	return nil
}

// ShutdownVM tears a VM down, failing any tasks still on it. Migrating
// VMs cannot be shut down.
func (k *Kernel) ShutdownVM(id model.VMID) error {
	v, err := k.vmByID(id)
	if err != nil {
		return err
	}
	if v.migrating {
		return fmt.Errorf("vm %d: %w", id, cluster.ErrVMBusy)
	}
	if v.attached {
		m := k.machines[v.machine]
		m.detach(id)
		m.memMB -= v.memMB
		m.active -= len(v.tasks)
	}
	for _, tid := range v.tasks {
		t := k.tasks[tid]
		t.progressTo(k.now)
		t.failed = true
		t.version++
	}
	delete(k.vms, id)
	return nil
}

// VMInfo snapshots a VM. A migrating VM reports its source host until
// the migration completes.
func (k *Kernel) VMInfo(id model.VMID) (model.VMInfo, error) {
	v, err := k.vmByID(id)
	if err != nil {
		return model.VMInfo{}, err
	}
	return model.VMInfo{
		ID:           v.id,
		Flavor:       v.flavor,
		Arch:         v.arch,
		Machine:      v.machine,
		Attached:     v.attached,
		MemoryUsedMB: v.memMB,
		ActiveTasks:  append([]model.TaskID(nil), v.tasks...),
	}, nil
}

// TaskArch reads the workload oracle.
func (k *Kernel) TaskArch(id model.TaskID) (model.CPUArch, error) {
	t, err := k.taskByID(id)
	if err != nil {
		return "", err
	}
	return t.arch, nil
}

// TaskFlavor reads the workload oracle.
func (k *Kernel) TaskFlavor(id model.TaskID) (model.VMFlavor, error) {
	t, err := k.taskByID(id)
	if err != nil {
		return "", err
	}
	return t.flavor, nil
}

// TaskSLA reads the workload oracle.
func (k *Kernel) TaskSLA(id model.TaskID) (model.SLAClass, error) {
	t, err := k.taskByID(id)
	if err != nil {
		return 0, err
	}
	return t.sla, nil
}

// TaskMemoryMB reads the workload oracle.
func (k *Kernel) TaskMemoryMB(id model.TaskID) (int64, error) {
	t, err := k.taskByID(id)
	if err != nil {
		return 0, err
	}
	return t.memMB, nil
}

// TaskInfo snapshots a task.
func (k *Kernel) TaskInfo(id model.TaskID) (model.TaskInfo, error) {
	t, err := k.taskByID(id)
	if err != nil {
		return model.TaskInfo{}, err
	}
	deadline, _ := t.deadline()
	return model.TaskInfo{
		ID:        t.id,
		Arch:      t.arch,
		Flavor:    t.flavor,
		MemoryMB:  t.memMB,
		SLA:       t.sla,
		Priority:  t.priority,
		Arrival:   t.arrival,
		Deadline:  deadline,
		Completed: t.completed,
	}, nil
}

// SetTaskPriority changes a task's priority, which feeds its execution
// rate.
func (k *Kernel) SetTaskPriority(id model.TaskID, p model.Priority) error {
	t, err := k.taskByID(id)
	if err != nil {
		return err
	}
	if t.priority == p {
		return nil
	}
	t.priority = p
	if t.placed && !t.completed && !t.failed {
		if v, ok := k.vms[t.vm]; ok && v.attached {
			k.rescheduleTask(t, k.machines[v.machine])
		}
	}
	return nil
}

// SLAViolation reports whether the task has missed its SLA as of the
// current simulated time.
func (k *Kernel) SLAViolation(id model.TaskID) (bool, error) {
	t, err := k.taskByID(id)
	if err != nil {
		return false, err
	}
	return t.violatedAt(k.now), nil
}

// TaskCompleted reports whether the task has finished.
func (k *Kernel) TaskCompleted(id model.TaskID) (bool, error) {
	t, err := k.taskByID(id)
	if err != nil {
		return false, err
	}
	return t.completed, nil
}

// SLAReport returns the percentage of the class's tasks that met their
// SLA; unfinished tasks past their deadline count as violations.
func (k *Kernel) SLAReport(s model.SLAClass) float64 {
	total, violated := 0, 0
	for _, id := range k.taskIDs {
		t := k.tasks[id]
		if t.sla != s {
			continue
		}
		total++
		if t.violatedAt(k.now) {
			violated++
		}
	}
	if total == 0 {
		return 100.0
	}
	return 100.0 * float64(total-violated) / float64(total)
}
