package sim

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dcsim/powersched/internal/cluster"
	"github.com/dcsim/powersched/internal/model"
)

func newTestKernel(t *testing.T, fleet []MachineSpec, tasks []TaskSpec) *Kernel {
	t.Helper()
	k, err := New(testSimCfg(), fleet, tasks, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func twoHosts() []MachineSpec {
	return []MachineSpec{
		{Arch: model.ArchX86, Cores: 8, MemoryMB: 16384},
		{Arch: model.ArchPOWER, Cores: 8, MemoryMB: 32768},
	}
}

func TestMachineQueries_UnknownHandle(t *testing.T) {
	k := newTestKernel(t, twoHosts(), nil)

	if _, err := k.MachineArch(9); !errors.Is(err, cluster.ErrNotFound) {
		t.Errorf("MachineArch(9) error = %v, want ErrNotFound", err)
	}
	if _, err := k.MachineInfo(9); !errors.Is(err, cluster.ErrNotFound) {
		t.Errorf("MachineInfo(9) error = %v, want ErrNotFound", err)
	}
	if _, err := k.VMInfo(9); !errors.Is(err, cluster.ErrNotFound) {
		t.Errorf("VMInfo(9) error = %v, want ErrNotFound", err)
	}
	if _, err := k.TaskArch(9); !errors.Is(err, cluster.ErrNotFound) {
		t.Errorf("TaskArch(9) error = %v, want ErrNotFound", err)
	}
}

func TestSetMachineState_Validation(t *testing.T) {
	k := newTestKernel(t, twoHosts(), nil)

	// A second request during a pending transition is refused.
	if err := k.SetMachineState(0, model.S1); err != nil {
		t.Fatal(err)
	}
	if err := k.SetMachineState(0, model.S5); !errors.Is(err, cluster.ErrMachineDown) {
		t.Errorf("error = %v, want ErrMachineDown", err)
	}

	// Requesting the current state is a no-op.
	if err := k.SetMachineState(1, model.S0); err != nil {
		t.Errorf("same-state request returned %v", err)
	}

	// Powering down a host with attached VMs is refused.
	vm, _ := k.CreateVM(model.FlavorAIX, model.ArchPOWER)
	if err := k.AttachVM(vm, 1); err != nil {
		t.Fatal(err)
	}
	if err := k.SetMachineState(1, model.S5); !errors.Is(err, cluster.ErrVMBusy) {
		t.Errorf("error = %v, want ErrVMBusy", err)
	}
}

func TestAttachVM_Validation(t *testing.T) {
	k := newTestKernel(t, twoHosts(), nil)

	vm, _ := k.CreateVM(model.FlavorLinux, model.ArchX86)
	if err := k.AttachVM(vm, 1); !errors.Is(err, cluster.ErrIncompatible) {
		t.Errorf("arch mismatch error = %v, want ErrIncompatible", err)
	}

	if err := k.SetMachineState(0, model.S1); err != nil {
		t.Fatal(err)
	}
	if err := k.AttachVM(vm, 0); !errors.Is(err, cluster.ErrMachineDown) {
		t.Errorf("transitioning host error = %v, want ErrMachineDown", err)
	}

	other, _ := k.CreateVM(model.FlavorAIX, model.ArchPOWER)
	if err := k.AttachVM(other, 1); err != nil {
		t.Fatal(err)
	}
	if err := k.AttachVM(other, 1); !errors.Is(err, cluster.ErrVMBusy) {
		t.Errorf("double attach error = %v, want ErrVMBusy", err)
	}
}

func TestAddTask_Validation(t *testing.T) {
	tasks := []TaskSpec{
		simpleTask(0, time.Second),
	}
	k := newTestKernel(t, twoHosts(), tasks)

	vm, _ := k.CreateVM(model.FlavorLinux, model.ArchX86)
	if err := k.AttachVM(vm, 0); err != nil {
		t.Fatal(err)
	}

	// The task has not arrived yet.
	if err := k.AddTask(vm, 1, model.PriorityLow); !errors.Is(err, cluster.ErrVMBusy) {
		t.Errorf("unarrived task error = %v, want ErrVMBusy", err)
	}

	k.tasks[1].arrived = true
	if err := k.AddTask(vm, 1, model.PriorityLow); err != nil {
		t.Fatal(err)
	}

	// Double placement is refused.
	if err := k.AddTask(vm, 1, model.PriorityLow); !errors.Is(err, cluster.ErrVMBusy) {
		t.Errorf("double placement error = %v, want ErrVMBusy", err)
	}
}

func TestAddTask_ArchMismatch(t *testing.T) {
	tasks := []TaskSpec{simpleTask(0, time.Second)}
	k := newTestKernel(t, twoHosts(), tasks)
	k.tasks[1].arrived = true

	vm, _ := k.CreateVM(model.FlavorAIX, model.ArchPOWER)
	if err := k.AttachVM(vm, 1); err != nil {
		t.Fatal(err)
	}
	if err := k.AddTask(vm, 1, model.PriorityLow); !errors.Is(err, cluster.ErrIncompatible) {
		t.Errorf("error = %v, want ErrIncompatible", err)
	}
}

func TestMigrateVM_Validation(t *testing.T) {
	fleet := []MachineSpec{
		{Arch: model.ArchX86, Cores: 8, MemoryMB: 16384},
		{Arch: model.ArchX86, Cores: 8, MemoryMB: 16384},
		{Arch: model.ArchPOWER, Cores: 8, MemoryMB: 32768},
	}
	k := newTestKernel(t, fleet, nil)

	vm, _ := k.CreateVM(model.FlavorLinux, model.ArchX86)
	if err := k.MigrateVM(vm, 1); !errors.Is(err, cluster.ErrVMBusy) {
		t.Errorf("detached vm error = %v, want ErrVMBusy", err)
	}

	if err := k.AttachVM(vm, 0); err != nil {
		t.Fatal(err)
	}
	if err := k.MigrateVM(vm, 0); !errors.Is(err, cluster.ErrIncompatible) {
		t.Errorf("same-host error = %v, want ErrIncompatible", err)
	}
	if err := k.MigrateVM(vm, 2); !errors.Is(err, cluster.ErrIncompatible) {
		t.Errorf("arch mismatch error = %v, want ErrIncompatible", err)
	}

	if err := k.MigrateVM(vm, 1); err != nil {
		t.Fatal(err)
	}
	if err := k.ShutdownVM(vm); !errors.Is(err, cluster.ErrVMBusy) {
		t.Errorf("migrating shutdown error = %v, want ErrVMBusy", err)
	}
	if err := k.MigrateVM(vm, 1); !errors.Is(err, cluster.ErrVMBusy) {
		t.Errorf("double migration error = %v, want ErrVMBusy", err)
	}
}

func TestSetCorePerformance_Validation(t *testing.T) {
	k := newTestKernel(t, twoHosts(), nil)

	if err := k.SetCorePerformance(0, 99, model.P1); !errors.Is(err, cluster.ErrNotFound) {
		t.Errorf("out-of-range core error = %v, want ErrNotFound", err)
	}

	if err := k.SetMachineState(0, model.S1); err != nil {
		t.Fatal(err)
	}
	if err := k.SetCorePerformance(0, 0, model.P1); !errors.Is(err, cluster.ErrMachineDown) {
		t.Errorf("transitioning host error = %v, want ErrMachineDown", err)
	}
}

func TestShutdownVM_FailsRemainingTasks(t *testing.T) {
	spec := simpleTask(0, time.Second)
	spec.SLA = "SLA0"
	k := newTestKernel(t, twoHosts(), []TaskSpec{spec})
	k.tasks[1].arrived = true

	vm, _ := k.CreateVM(model.FlavorLinux, model.ArchX86)
	if err := k.AttachVM(vm, 0); err != nil {
		t.Fatal(err)
	}
	if err := k.AddTask(vm, 1, model.PriorityHigh); err != nil {
		t.Fatal(err)
	}

	if err := k.ShutdownVM(vm); err != nil {
		t.Fatal(err)
	}

	done, err := k.TaskCompleted(1)
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Error("failed task should not report completed")
	}
	violated, err := k.SLAViolation(1)
	if err != nil {
		t.Fatal(err)
	}
	if !violated {
		t.Error("a failed SLA0 task counts as violated")
	}

	info, err := k.MachineInfo(0)
	if err != nil {
		t.Fatal(err)
	}
	if info.ActiveVMs != 0 || info.ActiveTasks != 0 || info.MemoryUsedMB != 0 {
		t.Errorf("host still accounts vms=%d tasks=%d mem=%d",
			info.ActiveVMs, info.ActiveTasks, info.MemoryUsedMB)
	}

	if _, err := k.VMInfo(vm); !errors.Is(err, cluster.ErrNotFound) {
		t.Errorf("VMInfo after shutdown error = %v, want ErrNotFound", err)
	}
}

func TestSetTaskPriority_Reschedules(t *testing.T) {
	k := newTestKernel(t, twoHosts(), []TaskSpec{simpleTask(0, 10*time.Second)})
	k.tasks[1].arrived = true

	vm, _ := k.CreateVM(model.FlavorLinux, model.ArchX86)
	if err := k.AttachVM(vm, 0); err != nil {
		t.Fatal(err)
	}
	if err := k.AddTask(vm, 1, model.PriorityLow); err != nil {
		t.Fatal(err)
	}
	before := k.tasks[1].version

	if err := k.SetTaskPriority(1, model.PriorityHigh); err != nil {
		t.Fatal(err)
	}
	if k.tasks[1].rate != 1.0 {
		t.Errorf("rate = %v after raise, want 1.0", k.tasks[1].rate)
	}
	if k.tasks[1].version == before {
		t.Error("expected a superseding completion event")
	}

	// Re-applying the same priority changes nothing.
	v := k.tasks[1].version
	if err := k.SetTaskPriority(1, model.PriorityHigh); err != nil {
		t.Fatal(err)
	}
	if k.tasks[1].version != v {
		t.Error("same-priority request should not reschedule")
	}
}
