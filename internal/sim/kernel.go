// Package sim is the discrete-event datacenter kernel. It owns machine,
// VM, and task state, implements the cluster.API surface the scheduler
// calls into, and drives the scheduler's callbacks from a single event
// loop. Power transitions and migrations complete after configurable
// delays, producing the deferred callbacks the scheduler must tolerate.
package sim

import (
	"container/heap"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dcsim/powersched/internal/cluster"
	"github.com/dcsim/powersched/internal/config"
	"github.com/dcsim/powersched/internal/model"
)

type eventKind uint8

const (
	evArrival eventKind = iota
	evCompletion
	evStateChange
	evMigrationDone
	evMemoryWarning
	evTick
)

type event struct {
	at   model.Time
	seq  uint64
	kind eventKind

	task    model.TaskID
	machine model.MachineID
	vm      model.VMID
	state   model.SState

	// version invalidates completion events that were superseded by a
	// rate change.
	version uint64
}

type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }
func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}
func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *eventQueue) Push(x any)   { *q = append(*q, x.(*event)) }
func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

// Kernel is the simulator. It satisfies cluster.API.
type Kernel struct {
	cfg config.SimulationConfig
	log *zap.Logger

	now    model.Time
	seq    uint64
	events eventQueue

	machines []*machine
	vms      map[model.VMID]*vm
	nextVMID model.VMID
	tasks    map[model.TaskID]*task
	taskIDs  []model.TaskID

	handler cluster.EventHandler

	// energyJoules accumulates fleet consumption, folded forward on
	// every clock advance.
	energyJoules float64
	lastEnergyAt model.Time
}

// New builds a kernel over the given fleet and workload.
func New(cfg config.SimulationConfig, fleet []MachineSpec, tasks []TaskSpec, log *zap.Logger) (*Kernel, error) {
	if len(fleet) == 0 {
		return nil, fmt.Errorf("fleet is empty")
	}
	k := &Kernel{
		cfg:      cfg,
		log:      log.With(zap.String("component", "sim")),
		vms:      make(map[model.VMID]*vm),
		nextVMID: 1,
		tasks:    make(map[model.TaskID]*task),
	}
	for i, spec := range fleet {
		k.machines = append(k.machines, newMachine(model.MachineID(i), spec))
	}
	for i, spec := range tasks {
		t, err := newTask(model.TaskID(i+1), spec)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i+1, err)
		}
		k.tasks[t.id] = t
		k.taskIDs = append(k.taskIDs, t.id)
	}
	return k, nil
}

// Now returns the current simulated time.
func (k *Kernel) Now() model.Time { return k.now }

func (k *Kernel) push(e *event) {
	k.seq++
	e.seq = k.seq
	heap.Push(&k.events, e)
}

// Run initializes the handler, replays the workload, and processes
// events until every task has finished and nothing is in flight. It
// finishes by delivering SimulationComplete.
func (k *Kernel) Run(ctx context.Context, handler cluster.EventHandler) error {
	k.handler = handler
	handler.Init()

	for _, id := range k.taskIDs {
		k.push(&event{at: k.tasks[id].arrival, kind: evArrival, task: id})
	}
	tick := model.Time(k.cfg.TickInterval.Microseconds())
	k.push(&event{at: tick, kind: evTick})

	for k.events.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := heap.Pop(&k.events).(*event)
		k.advanceClock(e.at)
		k.dispatch(e)
		if e.kind == evTick {
			if k.done() {
				break
			}
			k.push(&event{at: k.now + tick, kind: evTick})
		}
	}

	handler.SimulationComplete(k.now)
	return nil
}

func (k *Kernel) dispatch(e *event) {
	switch e.kind {
	case evArrival:
		t := k.tasks[e.task]
		t.arrived = true
		k.handler.NewTask(k.now, e.task)
	case evCompletion:
		k.completeTask(e)
	case evStateChange:
		k.applyStateChange(e)
	case evMigrationDone:
		k.finishMigration(e)
	case evMemoryWarning:
		m := k.machines[e.machine]
		if m.memUsed() > m.spec.MemoryMB {
			k.handler.MemoryWarning(k.now, e.machine)
		}
	case evTick:
		k.fireSLAWarnings()
		k.fireMemoryWarnings()
		k.handler.PeriodicCheck(k.now)
	}
}

// done reports whether every task has reached a terminal state and no
// transition or migration is pending.
func (k *Kernel) done() bool {
	for _, t := range k.tasks {
		if !t.completed && !t.failed {
			return false
		}
	}
	for _, m := range k.machines {
		if m.transitioning {
			return false
		}
	}
	for _, v := range k.vms {
		if v.migrating {
			return false
		}
	}
	return true
}

func (k *Kernel) completeTask(e *event) {
	t := k.tasks[e.task]
	if t.completed || t.failed || e.version != t.version {
		return
	}
	t.progressTo(k.now)
	t.completed = true
	t.completedAt = k.now
	if v, ok := k.vms[t.vm]; ok {
		if v.removeTask(t.id) {
			v.memMB -= t.memMB
			if v.attached {
				m := k.machines[v.machine]
				m.memMB -= t.memMB
				m.active--
			}
		}
	}
	k.handler.TaskComplete(k.now, t.id)
}

func (k *Kernel) applyStateChange(e *event) {
	m := k.machines[e.machine]
	m.state = e.state
	m.transitioning = false
	k.rescheduleMachineTasks(m)
	k.handler.StateChangeComplete(k.now, e.machine)
}

func (k *Kernel) finishMigration(e *event) {
	v, ok := k.vms[e.vm]
	if !ok || !v.migrating {
		return
	}
	src := k.machines[v.machine]
	src.detach(v.id)
	src.memMB -= v.memMB
	src.active -= len(v.tasks)
	dest := k.machines[e.machine]
	dest.attach(v.id)
	dest.memMB += v.memMB
	dest.active += len(v.tasks)
	v.machine = e.machine
	v.migrating = false
	for _, id := range v.tasks {
		k.rescheduleTask(k.tasks[id], dest)
	}
	k.handler.MigrationDone(k.now, e.vm)
	if dest.memUsed() > dest.spec.MemoryMB {
		k.push(&event{at: k.now, kind: evMemoryWarning, machine: dest.id})
	}
}

// fireSLAWarnings warns once per task that is running past its warning
// threshold.
func (k *Kernel) fireSLAWarnings() {
	for _, id := range k.taskIDs {
		t := k.tasks[id]
		if !t.arrived || t.completed || t.failed || t.warned {
			continue
		}
		if warnAt, ok := t.warnDeadline(); ok && k.now >= warnAt {
			t.warned = true
			k.handler.SLAWarning(k.now, id)
		}
	}
}

func (k *Kernel) fireMemoryWarnings() {
	for _, m := range k.machines {
		if m.memUsed() > m.spec.MemoryMB {
			k.handler.MemoryWarning(k.now, m.id)
		}
	}
}

// advanceClock folds energy consumption forward and moves simulated time.
func (k *Kernel) advanceClock(to model.Time) {
	if to <= k.now {
		return
	}
	dt := float64(to-k.now) / 1e6
	for _, m := range k.machines {
		k.energyJoules += m.powerWatts() * dt
	}
	k.now = to
	k.lastEnergyAt = to
}

// rescheduleMachineTasks recomputes completion times for every task on
// the machine after a rate-affecting change.
func (k *Kernel) rescheduleMachineTasks(m *machine) {
	for _, vmID := range m.vmIDs {
		v := k.vms[vmID]
		for _, id := range v.tasks {
			k.rescheduleTask(k.tasks[id], m)
		}
	}
}

// rescheduleTask folds the task's progress at its old rate and pushes a
// fresh completion event at the new one.
func (k *Kernel) rescheduleTask(t *task, m *machine) {
	if t.completed || t.failed {
		return
	}
	t.progressTo(k.now)
	t.rate = t.priorityFactor() * m.speedFactor()
	t.version++
	eta := t.eta(k.now)
	k.push(&event{at: eta, kind: evCompletion, task: t.id, version: t.version})
}
