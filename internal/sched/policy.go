package sched

import (
	"fmt"

	"github.com/dcsim/powersched/internal/model"
)

// Policy is the narrow surface a scheduling variant implements. The
// facade owns the callbacks that are invariant across variants
// (migration completion, pending-wake drain, shutdown) and delegates the
// rest here.
type Policy interface {
	Name() string
	Init()
	OnNewTask(now model.Time, t model.TaskID)
	OnTaskComplete(now model.Time, t model.TaskID)
	OnPeriodic(now model.Time)
	OnMemoryWarning(now model.Time, m model.MachineID)
	OnSLAWarning(now model.Time, t model.TaskID)
}

func newPolicy(name string, s *Scheduler) (Policy, error) {
	switch name {
	case "eeco":
		return &eecoPolicy{s: s}, nil
	case "greedy":
		return &greedyPolicy{s: s}, nil
	case "pmapper":
		return &pmapperPolicy{s: s}, nil
	case "packer":
		return &packerPolicy{s: s}, nil
	}
	return nil, fmt.Errorf("unknown policy %q", name)
}
