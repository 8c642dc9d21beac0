package sim

import (
	"fmt"

	"github.com/dcsim/powersched/internal/config"
	"github.com/dcsim/powersched/internal/model"
)

// vmOverheadMB is the memory a VM reserves beyond its tasks.
const vmOverheadMB = 128

// MachineSpec describes one physical host.
type MachineSpec struct {
	Arch     model.CPUArch
	Cores    int
	MemoryMB int64
}

// FleetFromConfig expands the configured fleet groups into one spec per
// machine, in group order.
func FleetFromConfig(cfg config.FleetConfig) ([]MachineSpec, error) {
	var fleet []MachineSpec
	for i, g := range cfg.Groups {
		arch, err := model.ParseArch(g.Arch)
		if err != nil {
			return nil, fmt.Errorf("fleet group %d: %w", i, err)
		}
		for n := 0; n < g.Count; n++ {
			fleet = append(fleet, MachineSpec{Arch: arch, Cores: g.Cores, MemoryMB: g.MemoryMB})
		}
	}
	return fleet, nil
}

type machine struct {
	id   model.MachineID
	spec MachineSpec

	state         model.SState
	transitioning bool
	cores         []model.PState

	vmIDs  []model.VMID
	memMB  int64
	active int
}

func newMachine(id model.MachineID, spec MachineSpec) *machine {
	return &machine{
		id:    id,
		spec:  spec,
		state: model.S0,
		cores: make([]model.PState, spec.Cores),
	}
}

func (m *machine) memUsed() int64 { return m.memMB }

func (m *machine) attach(id model.VMID) {
	m.vmIDs = append(m.vmIDs, id)
}

func (m *machine) detach(id model.VMID) {
	for i, x := range m.vmIDs {
		if x == id {
			m.vmIDs = append(m.vmIDs[:i], m.vmIDs[i+1:]...)
			return
		}
	}
}

// speedFactor is the execution rate the machine currently offers,
// governed by the fastest core P-state.
func (m *machine) speedFactor() float64 {
	best := model.P3
	for _, p := range m.cores {
		if p < best {
			best = p
		}
	}
	return pstateSpeed(best)
}

func pstateSpeed(p model.PState) float64 {
	switch p {
	case model.P0:
		return 1.0
	case model.P1:
		return 0.8
	case model.P2:
		return 0.6
	default:
		return 0.4
	}
}

// powerWatts is the machine's current draw: a state-dependent base plus
// per-core consumption while running.
func (m *machine) powerWatts() float64 {
	switch m.state {
	case model.S0:
		watts := 100.0
		busy := m.active
		if busy > m.spec.Cores {
			busy = m.spec.Cores
		}
		for i, p := range m.cores {
			if i < busy {
				watts += pstatePower(p)
			} else {
				watts += 4.0
			}
		}
		return watts
	case model.S1:
		return 15.0
	case model.S2:
		return 10.0
	case model.S3:
		return 5.0
	case model.S4:
		return 2.0
	default:
		return 0.5
	}
}

func pstatePower(p model.PState) float64 {
	switch p {
	case model.P0:
		return 25.0
	case model.P1:
		return 18.0
	case model.P2:
		return 12.0
	default:
		return 8.0
	}
}

type vm struct {
	id        model.VMID
	flavor    model.VMFlavor
	arch      model.CPUArch
	attached  bool
	machine   model.MachineID
	migrating bool

	tasks []model.TaskID
	memMB int64
}

func (v *vm) removeTask(id model.TaskID) bool {
	for i, x := range v.tasks {
		if x == id {
			v.tasks = append(v.tasks[:i], v.tasks[i+1:]...)
			return true
		}
	}
	return false
}

type task struct {
	id       model.TaskID
	arch     model.CPUArch
	flavor   model.VMFlavor
	memMB    int64
	sla      model.SLAClass
	priority model.Priority
	arrival  model.Time
	duration model.Time

	// remaining is microseconds of work left at full rate.
	remaining  float64
	rate       float64
	lastUpdate model.Time
	version    uint64

	arrived     bool
	placed      bool
	completed   bool
	failed      bool
	warned      bool
	completedAt model.Time
	vm          model.VMID
}

func newTask(id model.TaskID, spec TaskSpec) (*task, error) {
	arch, err := model.ParseArch(spec.Arch)
	if err != nil {
		return nil, err
	}
	flavor, err := model.ParseFlavor(spec.Flavor)
	if err != nil {
		return nil, err
	}
	sla, err := model.ParseSLA(spec.SLA)
	if err != nil {
		return nil, err
	}
	if spec.Duration <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %v", spec.Duration)
	}
	duration := model.Time(spec.Duration.Microseconds())
	return &task{
		id:        id,
		arch:      arch,
		flavor:    flavor,
		memMB:     spec.MemoryMB,
		sla:       sla,
		priority:  model.PriorityForSLA(sla),
		arrival:   model.Time(spec.Arrival.Microseconds()),
		duration:  duration,
		remaining: float64(duration),
	}, nil
}

// progressTo folds execution progress up to now at the current rate.
func (t *task) progressTo(now model.Time) {
	if t.rate > 0 && now > t.lastUpdate {
		t.remaining -= float64(now-t.lastUpdate) * t.rate
		if t.remaining < 0 {
			t.remaining = 0
		}
	}
	t.lastUpdate = now
}

func (t *task) eta(now model.Time) model.Time {
	return now + model.Time(t.remaining/t.rate)
}

func (t *task) priorityFactor() float64 {
	switch t.priority {
	case model.PriorityHigh:
		return 1.0
	case model.PriorityMid:
		return 0.9
	default:
		return 0.8
	}
}

// slaAllowance is the wall-clock budget a class grants a task, as a
// multiple of its nominal duration. SLA3 is best effort.
func (t *task) slaAllowance() (model.Time, bool) {
	switch t.sla {
	case model.SLA0:
		return t.duration + t.duration/5, true
	case model.SLA1:
		return t.duration + t.duration/2, true
	case model.SLA2:
		return 2 * t.duration, true
	default:
		return 0, false
	}
}

func (t *task) deadline() (model.Time, bool) {
	allowance, ok := t.slaAllowance()
	if !ok {
		return 0, false
	}
	return t.arrival + allowance, true
}

// warnDeadline is the point past which the kernel raises an SLA warning
// for a still-running task.
func (t *task) warnDeadline() (model.Time, bool) {
	allowance, ok := t.slaAllowance()
	if !ok {
		return 0, false
	}
	return t.arrival + allowance*4/5, true
}

// violatedAt reports whether the task missed its SLA as of now.
func (t *task) violatedAt(now model.Time) bool {
	deadline, ok := t.deadline()
	if !ok {
		return false
	}
	if t.failed {
		return true
	}
	if t.completed {
		return t.completedAt > deadline
	}
	return now > deadline
}
