package sim

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/dcsim/powersched/internal/config"
	"github.com/dcsim/powersched/internal/model"
)

// Generate produces a deterministic synthetic workload from the seeded
// generator configuration. Arrivals are uniform over the spread,
// durations exponential around the mean, and SLA classes drawn with a
// bias toward the looser levels.
func Generate(cfg config.GeneratorConfig) ([]TaskSpec, error) {
	archs := make([]model.CPUArch, 0, len(cfg.ArchMix))
	for _, s := range cfg.ArchMix {
		a, err := model.ParseArch(s)
		if err != nil {
			return nil, fmt.Errorf("arch_mix: %w", err)
		}
		archs = append(archs, a)
	}
	if len(archs) == 0 {
		archs = []model.CPUArch{model.ArchX86}
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	maxMem := cfg.MaxMemoryMB
	if maxMem < 256 {
		maxMem = 256
	}

	tasks := make([]TaskSpec, 0, cfg.Tasks)
	for i := 0; i < cfg.Tasks; i++ {
		arch := archs[rng.Intn(len(archs))]
		duration := time.Duration(rng.ExpFloat64() * float64(cfg.MeanDuration))
		if duration < time.Second {
			duration = time.Second
		}
		tasks = append(tasks, TaskSpec{
			Arrival:  time.Duration(rng.Int63n(int64(cfg.ArrivalSpread))),
			Duration: duration,
			Arch:     string(arch),
			Flavor:   string(model.DefaultFlavor(arch)),
			MemoryMB: 256 + rng.Int63n(maxMem-255),
			SLA:      randomSLA(rng).String(),
		})
	}
	return tasks, nil
}

// randomSLA draws a class: 10% SLA0, 20% SLA1, 30% SLA2, 40% SLA3.
func randomSLA(rng *rand.Rand) model.SLAClass {
	switch r := rng.Float64(); {
	case r < 0.1:
		return model.SLA0
	case r < 0.3:
		return model.SLA1
	case r < 0.6:
		return model.SLA2
	default:
		return model.SLA3
	}
}
