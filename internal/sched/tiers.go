package sched

import (
	"go.uber.org/zap"

	"github.com/dcsim/powersched/internal/cluster"
	"github.com/dcsim/powersched/internal/config"
	"github.com/dcsim/powersched/internal/model"
)

// TierController maintains the three disjoint power tiers: running (S0),
// standby (S1, warm), and off (S5, cold). Membership changes at the
// moment a state transition is requested; the later StateChangeComplete
// callback is informational only.
type TierController struct {
	api cluster.API
	cfg config.SchedulerConfig
	log *zap.Logger

	running []model.MachineID
	standby []model.MachineID
	off     []model.MachineID
}

// NewTierController returns a controller with empty tiers.
func NewTierController(api cluster.API, cfg config.SchedulerConfig, log *zap.Logger) *TierController {
	return &TierController{
		api: api,
		cfg: cfg,
		log: log.With(zap.String("component", "tiers")),
	}
}

// Running returns the running tier in promotion order.
func (t *TierController) Running() []model.MachineID { return t.running }

// Standby returns the standby tier.
func (t *TierController) Standby() []model.MachineID { return t.standby }

// Off returns the off tier.
func (t *TierController) Off() []model.MachineID { return t.off }

// InRunning reports whether a host is in the running tier.
func (t *TierController) InRunning(id model.MachineID) bool {
	return contains(t.running, id)
}

// InitialPartition assigns the first MaxRunning hosts to running, the
// next StandbySize to standby, and the remainder to off, requesting the
// matching power state for each. Afterwards, for each architecture in the
// fleet with no running host, it moves a standby or off host of that
// architecture into running and requests S0 for it, demoting the last
// running host whose architecture has more than one running host. When no
// running host can be given up that way, no swap is made and the
// architecture stays without a running host.
func (t *TierController) InitialPartition(reg *Registry) {
	hosts := reg.Hosts()
	for i, id := range hosts {
		switch {
		case i < t.cfg.MaxRunning:
			t.running = append(t.running, id)
			t.request(id, model.S0)
		case i < t.cfg.MaxRunning+t.cfg.StandbySize:
			t.standby = append(t.standby, id)
			t.request(id, model.S1)
		default:
			t.off = append(t.off, id)
			t.request(id, model.S5)
		}
	}
	t.coverArchitectures(reg)

	t.log.Info("initial partition",
		zap.Int("running", len(t.running)),
		zap.Int("standby", len(t.standby)),
		zap.Int("off", len(t.off)))
}

// coverArchitectures promotes one cold host per architecture that the
// index-ordered partition left without a running representative, demoting
// a redundant running host in exchange to keep the tier sizes intact.
func (t *TierController) coverArchitectures(reg *Registry) {
	present := make(map[model.CPUArch]int)
	for _, id := range t.running {
		if a, ok := reg.HostArch(id); ok {
			present[a]++
		}
	}
	for _, id := range reg.Hosts() {
		arch, ok := reg.HostArch(id)
		if !ok || present[arch] > 0 {
			continue
		}
		if t.swapIntoRunning(reg, arch) {
			present[arch]++
		}
	}
}

func (t *TierController) swapIntoRunning(reg *Registry, arch model.CPUArch) bool {
	candidate, fromStandby := t.findCold(reg, arch)
	if candidate == nil {
		return false
	}
	victim := t.redundantRunning(reg)
	if victim < 0 {
		return false
	}

	vid := t.running[victim]
	t.running = append(t.running[:victim], t.running[victim+1:]...)
	if fromStandby {
		t.standby = remove(t.standby, *candidate)
		t.standby = append(t.standby, vid)
		t.request(vid, model.S1)
	} else {
		t.off = remove(t.off, *candidate)
		t.off = append(t.off, vid)
		t.request(vid, model.S5)
	}
	t.running = append(t.running, *candidate)
	t.request(*candidate, model.S0)

	t.log.Info("architecture coverage swap",
		zap.Uint32("promoted", uint32(*candidate)),
		zap.Uint32("demoted", uint32(vid)),
		zap.String("arch", string(arch)))
	return true
}

func (t *TierController) findCold(reg *Registry, arch model.CPUArch) (*model.MachineID, bool) {
	for _, id := range t.standby {
		if a, ok := reg.HostArch(id); ok && a == arch {
			c := id
			return &c, true
		}
	}
	for _, id := range t.off {
		if a, ok := reg.HostArch(id); ok && a == arch {
			c := id
			return &c, false
		}
	}
	return nil, false
}

// redundantRunning picks the last running host whose architecture has
// more than one running representative.
func (t *TierController) redundantRunning(reg *Registry) int {
	count := make(map[model.CPUArch]int)
	for _, id := range t.running {
		if a, ok := reg.HostArch(id); ok {
			count[a]++
		}
	}
	for i := len(t.running) - 1; i >= 0; i-- {
		if a, ok := reg.HostArch(t.running[i]); ok && count[a] > 1 {
			return i
		}
	}
	return -1
}

// AdoptAllRunning places every host in the running tier at S0. Used by
// policies that do not operate a standby lifecycle.
func (t *TierController) AdoptAllRunning(reg *Registry) {
	for _, id := range reg.Hosts() {
		t.running = append(t.running, id)
		t.request(id, model.S0)
	}
}

// AdoptRanked installs a pre-ranked running set and powers the rest off.
func (t *TierController) AdoptRanked(running, off []model.MachineID) {
	for _, id := range running {
		t.running = append(t.running, id)
		t.request(id, model.S0)
	}
	for _, id := range off {
		t.off = append(t.off, id)
		t.request(id, model.S5)
	}
}

// PromoteFor scans standby in order for a host of the requested
// architecture, moves the first match to running, requests S0, and
// returns it.
func (t *TierController) PromoteFor(reg *Registry, arch model.CPUArch) (model.MachineID, bool) {
	for _, id := range t.standby {
		a, ok := reg.HostArch(id)
		if !ok || a != arch {
			continue
		}
		t.standby = remove(t.standby, id)
		t.running = append(t.running, id)
		t.request(id, model.S0)
		t.log.Info("promoted standby host",
			zap.Uint32("machine", uint32(id)),
			zap.String("arch", string(arch)))
		return id, true
	}
	return 0, false
}

// RefillStandby wakes the head of the off tier into standby when the
// standby tier has drained below half its target. At most one host is
// moved per call.
func (t *TierController) RefillStandby() bool {
	if len(t.standby) >= t.cfg.StandbySize/2 || len(t.off) == 0 {
		return false
	}
	id := t.off[0]
	t.off = t.off[1:]
	t.standby = append(t.standby, id)
	t.request(id, model.S1)
	t.log.Debug("refilled standby", zap.Uint32("machine", uint32(id)))
	return true
}

// CanDemote reports whether a running host could be demoted without
// dropping the running tier below its minimum size.
func (t *TierController) CanDemote(id model.MachineID) bool {
	return len(t.running) > t.cfg.MinRunning && contains(t.running, id)
}

// DemoteIdle powers a task-free running host down to off, provided the
// running tier stays at or above its minimum size.
func (t *TierController) DemoteIdle(id model.MachineID) bool {
	if !t.CanDemote(id) {
		return false
	}
	t.running = remove(t.running, id)
	t.off = append(t.off, id)
	t.request(id, model.S5)
	t.log.Info("demoted idle host", zap.Uint32("machine", uint32(id)))
	return true
}

func (t *TierController) request(id model.MachineID, s model.SState) {
	if err := t.api.SetMachineState(id, s); err != nil {
		t.log.Error("state change request failed",
			zap.Uint32("machine", uint32(id)),
			zap.String("state", s.String()),
			zap.Error(err))
	}
}

func contains(ids []model.MachineID, id model.MachineID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func remove(ids []model.MachineID, id model.MachineID) []model.MachineID {
	for i, x := range ids {
		if x == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
