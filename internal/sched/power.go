package sched

import (
	"go.uber.org/zap"

	"github.com/dcsim/powersched/internal/cluster"
	"github.com/dcsim/powersched/internal/model"
)

// PStateController maps observed host utilization onto per-core
// performance states on every periodic tick. Commands are write-through;
// nothing is cached.
type PStateController struct {
	api       cluster.API
	cutpoints [3]float64
	log       *zap.Logger
}

// NewPStateController returns a controller using the given utilization
// cutpoints, ordered low to high.
func NewPStateController(api cluster.API, cutpoints [3]float64, log *zap.Logger) *PStateController {
	return &PStateController{
		api:       api,
		cutpoints: cutpoints,
		log:       log.With(zap.String("component", "power")),
	}
}

// Sweep applies the utilization-derived P-state to every core of every
// running host. Hosts not currently at S0 are skipped.
func (p *PStateController) Sweep(hosts []model.MachineID) {
	for _, id := range hosts {
		info, err := p.api.MachineInfo(id)
		if err != nil {
			continue
		}
		if info.State != model.S0 {
			continue
		}
		state := p.StateFor(info.Utilization())
		for core := 0; core < info.Cores; core++ {
			if err := p.api.SetCorePerformance(id, core, state); err != nil {
				p.log.Debug("core performance request failed",
					zap.Uint32("machine", uint32(id)),
					zap.Int("core", core),
					zap.Error(err))
			}
		}
	}
}

// StateFor maps a utilization sample onto a P-state: above the highest
// cutpoint runs at P0, below the lowest at P3.
func (p *PStateController) StateFor(util float64) model.PState {
	switch {
	case util > p.cutpoints[2]:
		return model.P0
	case util > p.cutpoints[1]:
		return model.P1
	case util > p.cutpoints[0]:
		return model.P2
	default:
		return model.P3
	}
}
