package sched

import (
	"fmt"

	"github.com/dcsim/powersched/internal/cluster"
	"github.com/dcsim/powersched/internal/model"
)

// fakeCluster is a controllable in-memory cluster.API double. State
// change requests apply immediately unless deferState is set, in which
// case they park in pending until applyState is called; migrations
// always stay in flight until finishMigration.
type fakeCluster struct {
	machines []*fakeMachine
	vms      map[model.VMID]*fakeVM
	nextVM   model.VMID
	tasks    map[model.TaskID]*fakeTask

	deferState      bool
	stateRequests   map[model.MachineID][]model.SState
	coreStates      map[model.MachineID]model.PState
	priorityChanges map[model.TaskID]model.Priority
}

type fakeMachine struct {
	arch    model.CPUArch
	cores   int
	memMB   int64
	state   model.SState
	pending *model.SState
}

type fakeVM struct {
	flavor    model.VMFlavor
	arch      model.CPUArch
	attached  bool
	machine   model.MachineID
	migrating bool
	dest      model.MachineID
	tasks     []model.TaskID
	memMB     int64
}

type fakeTask struct {
	arch      model.CPUArch
	flavor    model.VMFlavor
	sla       model.SLAClass
	memMB     int64
	priority  model.Priority
	completed bool
	violated  bool
}

var _ cluster.API = (*fakeCluster)(nil)

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		vms:             make(map[model.VMID]*fakeVM),
		nextVM:          1,
		tasks:           make(map[model.TaskID]*fakeTask),
		stateRequests:   make(map[model.MachineID][]model.SState),
		coreStates:      make(map[model.MachineID]model.PState),
		priorityChanges: make(map[model.TaskID]model.Priority),
	}
}

func (f *fakeCluster) addMachine(arch model.CPUArch, cores int, memMB int64) model.MachineID {
	f.machines = append(f.machines, &fakeMachine{arch: arch, cores: cores, memMB: memMB, state: model.S0})
	return model.MachineID(len(f.machines) - 1)
}

func (f *fakeCluster) addTask(id model.TaskID, arch model.CPUArch, flavor model.VMFlavor, sla model.SLAClass, memMB int64) {
	f.tasks[id] = &fakeTask{arch: arch, flavor: flavor, sla: sla, memMB: memMB}
}

// placeTask force-places a task on a VM, bypassing validation. Used to
// build load shapes for migration tests.
func (f *fakeCluster) placeTask(vm model.VMID, id model.TaskID) {
	v := f.vms[vm]
	v.tasks = append(v.tasks, id)
	if _, ok := f.tasks[id]; !ok {
		f.tasks[id] = &fakeTask{arch: v.arch, flavor: v.flavor, sla: model.SLA3, memMB: 0}
	}
	v.memMB += f.tasks[id].memMB
}

// applyState completes a deferred power transition.
func (f *fakeCluster) applyState(id model.MachineID) {
	m := f.machines[id]
	if m.pending != nil {
		m.state = *m.pending
		m.pending = nil
	}
}

// finishMigration lands an in-flight migration on its destination.
func (f *fakeCluster) finishMigration(id model.VMID) {
	v := f.vms[id]
	v.machine = v.dest
	v.migrating = false
}

func (f *fakeCluster) machine(id model.MachineID) (*fakeMachine, error) {
	if int(id) >= len(f.machines) {
		return nil, fmt.Errorf("machine %d: %w", id, cluster.ErrNotFound)
	}
	return f.machines[id], nil
}

func (f *fakeCluster) vmsOn(id model.MachineID) []*fakeVM {
	var out []*fakeVM
	for _, v := range f.vms {
		if v.attached && v.machine == id {
			out = append(out, v)
		}
	}
	return out
}

func (f *fakeCluster) MachineCount() int { return len(f.machines) }

func (f *fakeCluster) MachineArch(id model.MachineID) (model.CPUArch, error) {
	m, err := f.machine(id)
	if err != nil {
		return "", err
	}
	return m.arch, nil
}

func (f *fakeCluster) MachineInfo(id model.MachineID) (model.MachineInfo, error) {
	m, err := f.machine(id)
	if err != nil {
		return model.MachineInfo{}, err
	}
	info := model.MachineInfo{
		ID:       id,
		Arch:     m.arch,
		Cores:    m.cores,
		MemoryMB: m.memMB,
		State:    m.state,
	}
	for _, v := range f.vmsOn(id) {
		info.ActiveVMs++
		info.ActiveTasks += len(v.tasks)
		info.MemoryUsedMB += v.memMB
	}
	return info, nil
}

func (f *fakeCluster) SetMachineState(id model.MachineID, s model.SState) error {
	m, err := f.machine(id)
	if err != nil {
		return err
	}
	if s != model.S0 && len(f.vmsOn(id)) > 0 {
		return fmt.Errorf("machine %d has attached vms: %w", id, cluster.ErrVMBusy)
	}
	f.stateRequests[id] = append(f.stateRequests[id], s)
	if f.deferState {
		m.pending = &s
		return nil
	}
	m.state = s
	return nil
}

func (f *fakeCluster) SetCorePerformance(id model.MachineID, core int, p model.PState) error {
	m, err := f.machine(id)
	if err != nil {
		return err
	}
	if m.state != model.S0 {
		return fmt.Errorf("machine %d: %w", id, cluster.ErrMachineDown)
	}
	if core < 0 || core >= m.cores {
		return fmt.Errorf("machine %d core %d: %w", id, core, cluster.ErrNotFound)
	}
	f.coreStates[id] = p
	return nil
}

func (f *fakeCluster) ClusterEnergy() float64 { return 0 }

func (f *fakeCluster) CreateVM(flavor model.VMFlavor, arch model.CPUArch) (model.VMID, error) {
	id := f.nextVM
	f.nextVM++
	f.vms[id] = &fakeVM{flavor: flavor, arch: arch, memMB: 128}
	return id, nil
}

func (f *fakeCluster) AttachVM(id model.VMID, mid model.MachineID) error {
	v, ok := f.vms[id]
	if !ok {
		return fmt.Errorf("vm %d: %w", id, cluster.ErrNotFound)
	}
	m, err := f.machine(mid)
	if err != nil {
		return err
	}
	if v.attached || v.migrating {
		return fmt.Errorf("vm %d: %w", id, cluster.ErrVMBusy)
	}
	if m.state != model.S0 {
		return fmt.Errorf("machine %d: %w", mid, cluster.ErrMachineDown)
	}
	if v.arch != m.arch {
		return fmt.Errorf("vm %d: %w", id, cluster.ErrIncompatible)
	}
	v.attached = true
	v.machine = mid
	return nil
}

func (f *fakeCluster) AddTask(id model.VMID, tid model.TaskID, prio model.Priority) error {
	v, ok := f.vms[id]
	if !ok {
		return fmt.Errorf("vm %d: %w", id, cluster.ErrNotFound)
	}
	t, ok := f.tasks[tid]
	if !ok {
		return fmt.Errorf("task %d: %w", tid, cluster.ErrNotFound)
	}
	if !v.attached || v.migrating {
		return fmt.Errorf("vm %d: %w", id, cluster.ErrVMBusy)
	}
	if t.arch != v.arch {
		return fmt.Errorf("task %d: %w", tid, cluster.ErrIncompatible)
	}
	t.priority = prio
	v.tasks = append(v.tasks, tid)
	v.memMB += t.memMB
	return nil
}

func (f *fakeCluster) MigrateVM(id model.VMID, dest model.MachineID) error {
	v, ok := f.vms[id]
	if !ok {
		return fmt.Errorf("vm %d: %w", id, cluster.ErrNotFound)
	}
	d, err := f.machine(dest)
	if err != nil {
		return err
	}
	if !v.attached || v.migrating {
		return fmt.Errorf("vm %d: %w", id, cluster.ErrVMBusy)
	}
	if v.machine == dest {
		return fmt.Errorf("vm %d: %w", id, cluster.ErrIncompatible)
	}
	if d.state != model.S0 {
		return fmt.Errorf("machine %d: %w", dest, cluster.ErrMachineDown)
	}
	if v.arch != d.arch {
		return fmt.Errorf("vm %d: %w", id, cluster.ErrIncompatible)
	}
	v.migrating = true
	v.dest = dest
	return nil
}

func (f *fakeCluster) ShutdownVM(id model.VMID) error {
	v, ok := f.vms[id]
	if !ok {
		return fmt.Errorf("vm %d: %w", id, cluster.ErrNotFound)
	}
	if v.migrating {
		return fmt.Errorf("vm %d: %w", id, cluster.ErrVMBusy)
	}
	delete(f.vms, id)
	return nil
}

func (f *fakeCluster) VMInfo(id model.VMID) (model.VMInfo, error) {
	v, ok := f.vms[id]
	if !ok {
		return model.VMInfo{}, fmt.Errorf("vm %d: %w", id, cluster.ErrNotFound)
	}
	return model.VMInfo{
		ID:           id,
		Flavor:       v.flavor,
		Arch:         v.arch,
		Machine:      v.machine,
		Attached:     v.attached,
		MemoryUsedMB: v.memMB,
		ActiveTasks:  append([]model.TaskID(nil), v.tasks...),
	}, nil
}

func (f *fakeCluster) task(id model.TaskID) (*fakeTask, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", id, cluster.ErrNotFound)
	}
	return t, nil
}

func (f *fakeCluster) TaskArch(id model.TaskID) (model.CPUArch, error) {
	t, err := f.task(id)
	if err != nil {
		return "", err
	}
	return t.arch, nil
}

func (f *fakeCluster) TaskFlavor(id model.TaskID) (model.VMFlavor, error) {
	t, err := f.task(id)
	if err != nil {
		return "", err
	}
	return t.flavor, nil
}

func (f *fakeCluster) TaskSLA(id model.TaskID) (model.SLAClass, error) {
	t, err := f.task(id)
	if err != nil {
		return 0, err
	}
	return t.sla, nil
}

func (f *fakeCluster) TaskMemoryMB(id model.TaskID) (int64, error) {
	t, err := f.task(id)
	if err != nil {
		return 0, err
	}
	return t.memMB, nil
}

func (f *fakeCluster) TaskInfo(id model.TaskID) (model.TaskInfo, error) {
	t, err := f.task(id)
	if err != nil {
		return model.TaskInfo{}, err
	}
	return model.TaskInfo{
		ID:        id,
		Arch:      t.arch,
		Flavor:    t.flavor,
		MemoryMB:  t.memMB,
		SLA:       t.sla,
		Priority:  t.priority,
		Completed: t.completed,
	}, nil
}

func (f *fakeCluster) SetTaskPriority(id model.TaskID, p model.Priority) error {
	t, err := f.task(id)
	if err != nil {
		return err
	}
	t.priority = p
	f.priorityChanges[id] = p
	return nil
}

func (f *fakeCluster) SLAViolation(id model.TaskID) (bool, error) {
	t, err := f.task(id)
	if err != nil {
		return false, err
	}
	return t.violated, nil
}

func (f *fakeCluster) TaskCompleted(id model.TaskID) (bool, error) {
	t, err := f.task(id)
	if err != nil {
		return false, err
	}
	return t.completed, nil
}

func (f *fakeCluster) SLAReport(model.SLAClass) float64 { return 100.0 }
