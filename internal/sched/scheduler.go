package sched

import (
	"fmt"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/dcsim/powersched/internal/cluster"
	"github.com/dcsim/powersched/internal/config"
	"github.com/dcsim/powersched/internal/model"
)

// Recorder receives scheduler decisions for instrumentation. All methods
// are called synchronously from within event callbacks.
type Recorder interface {
	Placement(pass string)
	PlacementFailure()
	MigrationStarted()
	MigrationFinished()
	Promotion()
	Demotion()
	TierSizes(running, standby, off int)
}

type nopRecorder struct{}

func (nopRecorder) Placement(string)     {}
func (nopRecorder) PlacementFailure()    {}
func (nopRecorder) MigrationStarted()    {}
func (nopRecorder) MigrationFinished()   {}
func (nopRecorder) Promotion()           {}
func (nopRecorder) Demotion()            {}
func (nopRecorder) TierSizes(_, _, _ int) {}

// Stats accumulates counters over one run for the final report.
type Stats struct {
	PlacedBestFit     int `json:"placed_best_fit"`
	PlacedCompatible  int `json:"placed_compatible"`
	PlacedPromoted    int `json:"placed_promoted"`
	PlacedDeferred    int `json:"placed_deferred"`
	PlacedEmergency   int `json:"placed_emergency"`
	PlacementFailures int `json:"placement_failures"`

	MigrationsStarted   int `json:"migrations_started"`
	MigrationsCompleted int `json:"migrations_completed"`
	Promotions          int `json:"promotions"`
	Demotions           int `json:"demotions"`
	MemoryWarnings      int `json:"memory_warnings"`
	SLAWarnings         int `json:"sla_warnings"`
}

// Scheduler is the policy engine facade. It owns the fleet registry, the
// tier controller, the migration coordinator, the pending-wake map, and
// the active policy, and implements cluster.EventHandler. Every callback
// runs to completion before the next arrives; the registry, the tier lists,
// the migrating set, the pending-wake map and the SLA-hot task set carry
// state from one callback to the next.
type Scheduler struct {
	api cluster.API
	cfg config.SchedulerConfig
	log *zap.Logger
	rec Recorder

	reg   *Registry
	tiers *TierController
	mig   *Coordinator
	power *PStateController

	policy Policy

	// pendingWake queues tasks for hosts still powering up; drained by
	// StateChangeComplete.
	pendingWake map[model.MachineID][]model.TaskID

	// hotTasks collects SLA-warned tasks for the next periodic scan.
	hotTasks sets.Set[model.TaskID]

	stats Stats
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithRecorder attaches an instrumentation sink.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.rec = r }
}

// New builds a scheduler running the policy named in the configuration.
func New(api cluster.API, cfg config.SchedulerConfig, log *zap.Logger, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		api:         api,
		cfg:         cfg,
		log:         log.With(zap.String("component", "sched")),
		rec:         nopRecorder{},
		reg:         NewRegistry(),
		pendingWake: make(map[model.MachineID][]model.TaskID),
		hotTasks:    sets.New[model.TaskID](),
	}
	s.tiers = NewTierController(api, cfg, log)
	s.mig = NewCoordinator(api, s.reg, cfg, log)
	s.power = NewPStateController(api, cfg.PStateCutpoints, log)
	for _, opt := range opts {
		opt(s)
	}

	policy, err := newPolicy(cfg.Policy, s)
	if err != nil {
		return nil, err
	}
	s.policy = policy
	return s, nil
}

// Stats returns the counters accumulated so far.
func (s *Scheduler) Stats() Stats { return s.stats }

// PolicyName returns the name of the active policy.
func (s *Scheduler) PolicyName() string { return s.policy.Name() }

// Migrating reports whether a VM is currently in flight. Exposed for
// invariant checks.
func (s *Scheduler) Migrating(vm model.VMID) bool { return s.mig.Migrating(vm) }

// Init populates the fleet registry and hands control to the policy for
// the initial partition. A fleet query failure leaves the registry empty
// and every later event declines quietly.
func (s *Scheduler) Init() {
	total := s.api.MachineCount()
	if total == 0 {
		s.log.Error("no machines reported by the cluster")
		return
	}
	for i := 0; i < total; i++ {
		id := model.MachineID(i)
		arch, err := s.api.MachineArch(id)
		if err != nil {
			s.log.Error("machine architecture query failed",
				zap.Uint32("machine", uint32(id)), zap.Error(err))
			continue
		}
		s.reg.AddHost(id, arch)
	}
	s.policy.Init()
	s.reportTiers()
	s.log.Info("scheduler initialized",
		zap.String("policy", s.policy.Name()),
		zap.Int("machines", len(s.reg.Hosts())),
		zap.Int("vms", s.reg.VMCount()))
}

// NewTask asks the policy to place an arriving task.
func (s *Scheduler) NewTask(now model.Time, t model.TaskID) {
	s.policy.OnNewTask(now, t)
	s.reportTiers()
}

// TaskComplete forwards completion bookkeeping to the policy.
func (s *Scheduler) TaskComplete(now model.Time, t model.TaskID) {
	if violated, err := s.api.SLAViolation(t); err == nil && violated {
		s.log.Warn("task finished past its SLA", zap.Uint64("task", uint64(t)))
	}
	s.policy.OnTaskComplete(now, t)
	s.reportTiers()
}

// MemoryWarning asks the policy for one relieving migration.
func (s *Scheduler) MemoryWarning(now model.Time, m model.MachineID) {
	s.stats.MemoryWarnings++
	s.policy.OnMemoryWarning(now, m)
}

// MigrationDone removes the VM from the in-flight set. Completions for
// VMs that are not migrating are no-ops.
func (s *Scheduler) MigrationDone(now model.Time, vm model.VMID) {
	if s.mig.Done(vm) {
		s.stats.MigrationsCompleted++
		s.rec.MigrationFinished()
		s.log.Debug("migration complete", zap.Uint32("vm", uint32(vm)))
	}
}

// PeriodicCheck runs the policy's periodic work: P-state sweep,
// consolidation, and the SLA-hot scan, depending on the policy.
func (s *Scheduler) PeriodicCheck(now model.Time) {
	s.policy.OnPeriodic(now)
	s.reportTiers()
}

// SLAWarning raises the task's priority and lets the policy react.
func (s *Scheduler) SLAWarning(now model.Time, t model.TaskID) {
	s.stats.SLAWarnings++
	if err := s.api.SetTaskPriority(t, model.PriorityHigh); err != nil {
		s.log.Debug("priority raise failed", zap.Uint64("task", uint64(t)), zap.Error(err))
	}
	s.policy.OnSLAWarning(now, t)
}

// StateChangeComplete drains the pending-wake queue for the host. Tasks
// queued while the host was powering up are attached to fresh VMs now
// that it has reached S0.
func (s *Scheduler) StateChangeComplete(now model.Time, m model.MachineID) {
	queued, ok := s.pendingWake[m]
	if !ok {
		return
	}
	delete(s.pendingWake, m)

	info, err := s.api.MachineInfo(m)
	if err != nil || info.State != model.S0 {
		// The host is not usable; push the tasks back through placement.
		for _, t := range queued {
			s.policy.OnNewTask(now, t)
		}
		return
	}

	// Reuse one VM per flavor across the drain.
	byFlavor := make(map[model.VMFlavor]model.VMID)
	for _, t := range queued {
		flavor, err := s.api.TaskFlavor(t)
		if err != nil {
			s.log.Error("task flavor query failed", zap.Uint64("task", uint64(t)), zap.Error(err))
			continue
		}
		vm, ok := byFlavor[flavor]
		if !ok {
			created, err := s.createAttached(flavor, info.Arch, m)
			if err != nil {
				s.log.Error("wake placement failed",
					zap.Uint64("task", uint64(t)),
					zap.Uint32("machine", uint32(m)),
					zap.Error(err))
				continue
			}
			vm = created
			byFlavor[flavor] = vm
		}
		if err := s.addTask(vm, t); err != nil {
			s.log.Error("wake placement failed",
				zap.Uint64("task", uint64(t)),
				zap.Uint32("vm", uint32(vm)),
				zap.Error(err))
			continue
		}
		s.stats.PlacedDeferred++
		s.rec.Placement("deferred")
		s.log.Info("placed deferred task",
			zap.Uint64("task", uint64(t)),
			zap.Uint32("vm", uint32(vm)),
			zap.Uint32("machine", uint32(m)))
	}
}

// SimulationComplete tears every VM down, skipping those whose migration
// is still in flight, then logs the elapsed time and the number of VMs
// left.
func (s *Scheduler) SimulationComplete(now model.Time) {
	for _, vm := range s.reg.VMSnapshot() {
		if s.mig.Migrating(vm) {
			s.log.Warn("skipping shutdown of migrating vm", zap.Uint32("vm", uint32(vm)))
			continue
		}
		if err := s.api.ShutdownVM(vm); err != nil {
			s.log.Error("vm shutdown failed", zap.Uint32("vm", uint32(vm)), zap.Error(err))
			continue
		}
		s.reg.NoteDestroy(vm)
	}
	s.log.Info("scheduler shut down",
		zap.Float64("elapsed_s", now.Seconds()),
		zap.Int("vms_remaining", s.reg.VMCount()))
}

// createAttached creates a VM of the given flavor and architecture,
// attaches it to the host, and records it in the registry.
func (s *Scheduler) createAttached(flavor model.VMFlavor, arch model.CPUArch, m model.MachineID) (model.VMID, error) {
	vm, err := s.api.CreateVM(flavor, arch)
	if err != nil {
		return 0, fmt.Errorf("creating %s/%s vm: %w", flavor, arch, err)
	}
	s.reg.NoteCreate(vm, flavor, arch)
	if err := s.api.AttachVM(vm, m); err != nil {
		return 0, fmt.Errorf("attaching vm %d to machine %d: %w", vm, m, err)
	}
	s.reg.NoteAttach(vm, m)
	return vm, nil
}

// addTask starts a task on a VM with the priority derived from its SLA
// class.
func (s *Scheduler) addTask(vm model.VMID, t model.TaskID) error {
	sla, err := s.api.TaskSLA(t)
	if err != nil {
		return fmt.Errorf("task %d sla query: %w", t, err)
	}
	return s.api.AddTask(vm, t, model.PriorityForSLA(sla))
}

// bootstrapVMs creates one default-flavor VM on each of the given hosts.
func (s *Scheduler) bootstrapVMs(hosts []model.MachineID) {
	for _, m := range hosts {
		arch, ok := s.reg.HostArch(m)
		if !ok {
			continue
		}
		if _, err := s.createAttached(model.DefaultFlavor(arch), arch, m); err != nil {
			s.log.Error("bootstrap vm failed", zap.Uint32("machine", uint32(m)), zap.Error(err))
		}
	}
}

// demoteIdleHosts powers down running hosts that have drained to zero
// tasks, keeping the running tier at its minimum size. Idle VMs still
// attached are shut down first; hosts with a migration in flight are
// left alone.
func (s *Scheduler) demoteIdleHosts() {
	for _, m := range append([]model.MachineID(nil), s.tiers.Running()...) {
		info, err := s.api.MachineInfo(m)
		if err != nil || info.ActiveTasks != 0 {
			continue
		}
		if s.hostHasMigration(m) || !s.tiers.CanDemote(m) {
			continue
		}
		for _, vm := range s.reg.VMsOn(m) {
			if err := s.api.ShutdownVM(vm); err != nil {
				s.log.Error("idle vm shutdown failed", zap.Uint32("vm", uint32(vm)), zap.Error(err))
				continue
			}
			s.reg.NoteDestroy(vm)
		}
		if s.tiers.DemoteIdle(m) {
			s.stats.Demotions++
			s.rec.Demotion()
		}
	}
}

func (s *Scheduler) hostHasMigration(m model.MachineID) bool {
	for _, vm := range s.reg.VMsOn(m) {
		if s.mig.Migrating(vm) {
			return true
		}
	}
	return false
}

// scanHotTasks performs at most one relieving migration per SLA-warned
// task, then clears the hot set.
func (s *Scheduler) scanHotTasks() {
	for _, t := range sets.List(s.hotTasks) {
		if done, err := s.api.TaskCompleted(t); err != nil || done {
			continue
		}
		vm, ok := s.vmOfTask(t)
		if !ok {
			continue
		}
		if s.mig.RelocateForSLA(vm, s.tiers.Running()) {
			s.stats.MigrationsStarted++
			s.rec.MigrationStarted()
		}
	}
	s.hotTasks = sets.New[model.TaskID]()
}

func (s *Scheduler) vmOfTask(t model.TaskID) (model.VMID, bool) {
	for _, vm := range s.reg.VMs() {
		info, err := s.api.VMInfo(vm)
		if err != nil {
			continue
		}
		for _, id := range info.ActiveTasks {
			if id == t {
				return vm, true
			}
		}
	}
	return 0, false
}

func (s *Scheduler) reportTiers() {
	s.rec.TierSizes(len(s.tiers.Running()), len(s.tiers.Standby()), len(s.tiers.Off()))
}
