package config

import (
	"fmt"
	"time"
)

// Config is the top-level configuration for powersched.
type Config struct {
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Fleet      FleetConfig      `yaml:"fleet" mapstructure:"fleet"`
	Workload   WorkloadConfig   `yaml:"workload" mapstructure:"workload"`
	Simulation SimulationConfig `yaml:"simulation" mapstructure:"simulation"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Output     OutputConfig     `yaml:"output" mapstructure:"output"`
}

// SchedulerConfig holds the policy selection and its tunables.
type SchedulerConfig struct {
	Policy string `yaml:"policy" mapstructure:"policy"`

	MaxRunning  int `yaml:"max_running" mapstructure:"max_running"`
	MinRunning  int `yaml:"min_running" mapstructure:"min_running"`
	StandbySize int `yaml:"standby_size" mapstructure:"standby_size"`

	// MigrationCap is the global limit on concurrently migrating VMs.
	MigrationCap int `yaml:"migration_cap" mapstructure:"migration_cap"`

	// ConsolidationThreshold is the utilization below which a running
	// host becomes a consolidation source.
	ConsolidationThreshold float64 `yaml:"consolidation_threshold" mapstructure:"consolidation_threshold"`

	// PackingCeiling is the utilization above which a host no longer
	// accepts consolidation traffic.
	PackingCeiling float64 `yaml:"packing_ceiling" mapstructure:"packing_ceiling"`

	// PStateCutpoints maps host utilization onto core P-states:
	// util > [2] selects P0, > [1] P1, > [0] P2, else P3.
	PStateCutpoints [3]float64 `yaml:"pstate_cutpoints" mapstructure:"pstate_cutpoints"`

	// SLASlack is the utilization ratio a destination must stay under,
	// relative to the source, for an SLA-driven relocation.
	SLASlack float64 `yaml:"sla_slack" mapstructure:"sla_slack"`
}

// FleetConfig describes the physical machines as homogeneous groups.
type FleetConfig struct {
	Groups []FleetGroup `yaml:"groups" mapstructure:"groups"`
}

// FleetGroup is a run of identical hosts.
type FleetGroup struct {
	Count    int    `yaml:"count" mapstructure:"count"`
	Arch     string `yaml:"arch" mapstructure:"arch"`
	Cores    int    `yaml:"cores" mapstructure:"cores"`
	MemoryMB int64  `yaml:"memory_mb" mapstructure:"memory_mb"`
}

// TotalMachines sums the group counts.
func (f FleetConfig) TotalMachines() int {
	total := 0
	for _, g := range f.Groups {
		total += g.Count
	}
	return total
}

// WorkloadConfig selects the task source: a workload file, or the
// seeded synthetic generator when File is empty.
type WorkloadConfig struct {
	File string `yaml:"file" mapstructure:"file"`

	Generator GeneratorConfig `yaml:"generator" mapstructure:"generator"`
}

// GeneratorConfig drives the synthetic workload generator.
type GeneratorConfig struct {
	Seed          int64         `yaml:"seed" mapstructure:"seed"`
	Tasks         int           `yaml:"tasks" mapstructure:"tasks"`
	ArrivalSpread time.Duration `yaml:"arrival_spread" mapstructure:"arrival_spread"`
	MeanDuration  time.Duration `yaml:"mean_duration" mapstructure:"mean_duration"`
	ArchMix       []string      `yaml:"arch_mix" mapstructure:"arch_mix"`
	MaxMemoryMB   int64         `yaml:"max_memory_mb" mapstructure:"max_memory_mb"`
}

// SimulationConfig holds kernel timing knobs.
type SimulationConfig struct {
	// TickInterval is the spacing of periodic scheduler checks.
	TickInterval time.Duration `yaml:"tick_interval" mapstructure:"tick_interval"`

	// StateChangeDelay is how long a host power transition takes.
	StateChangeDelay time.Duration `yaml:"state_change_delay" mapstructure:"state_change_delay"`

	// MigrationDelay is how long a live migration takes.
	MigrationDelay time.Duration `yaml:"migration_delay" mapstructure:"migration_delay"`
}

// MetricsConfig controls prometheus instrumentation output.
type MetricsConfig struct {
	// Listen exposes /metrics on the given address for the duration of
	// the run when non-empty.
	Listen string `yaml:"listen" mapstructure:"listen"`

	// TextFile dumps the final metric values in text exposition format.
	TextFile string `yaml:"text_file" mapstructure:"text_file"`
}

type OutputConfig struct {
	Format string `yaml:"format" mapstructure:"format"`
	File   string `yaml:"file" mapstructure:"file"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			Policy:                 "eeco",
			MaxRunning:             12,
			MinRunning:             8,
			StandbySize:            4,
			MigrationCap:           2,
			ConsolidationThreshold: 0.3,
			PackingCeiling:         0.7,
			PStateCutpoints:        [3]float64{0.2, 0.4, 0.7},
			SLASlack:               0.7,
		},
		Fleet: FleetConfig{
			Groups: []FleetGroup{
				{Count: 16, Arch: "X86", Cores: 8, MemoryMB: 16384},
				{Count: 4, Arch: "POWER", Cores: 8, MemoryMB: 32768},
			},
		},
		Workload: WorkloadConfig{
			Generator: GeneratorConfig{
				Seed:          1,
				Tasks:         200,
				ArrivalSpread: 10 * time.Minute,
				MeanDuration:  30 * time.Second,
				ArchMix:       []string{"X86"},
				MaxMemoryMB:   2048,
			},
		},
		Simulation: SimulationConfig{
			TickInterval:     5 * time.Second,
			StateChangeDelay: 2 * time.Second,
			MigrationDelay:   1 * time.Second,
		},
		Output: OutputConfig{
			Format: "text",
		},
	}
}

// Validate checks the config for consistency.
func (c *Config) Validate() error {
	s := &c.Scheduler
	validPolicies := map[string]bool{"eeco": true, "greedy": true, "pmapper": true, "packer": true}
	if !validPolicies[s.Policy] {
		return fmt.Errorf("policy must be eeco, greedy, pmapper, or packer, got %q", s.Policy)
	}
	if s.MinRunning < 1 {
		return fmt.Errorf("min_running must be at least 1, got %d", s.MinRunning)
	}
	if s.MaxRunning < s.MinRunning {
		return fmt.Errorf("max_running (%d) must not be below min_running (%d)", s.MaxRunning, s.MinRunning)
	}
	if s.StandbySize < 0 {
		return fmt.Errorf("standby_size must be non-negative, got %d", s.StandbySize)
	}
	if s.MigrationCap < 1 {
		return fmt.Errorf("migration_cap must be at least 1, got %d", s.MigrationCap)
	}
	if s.ConsolidationThreshold <= 0 || s.ConsolidationThreshold >= 1 {
		return fmt.Errorf("consolidation_threshold must be in (0, 1), got %v", s.ConsolidationThreshold)
	}
	if s.PackingCeiling <= 0 || s.PackingCeiling > 1 {
		return fmt.Errorf("packing_ceiling must be in (0, 1], got %v", s.PackingCeiling)
	}
	if !(s.PStateCutpoints[0] < s.PStateCutpoints[1] && s.PStateCutpoints[1] < s.PStateCutpoints[2]) {
		return fmt.Errorf("pstate_cutpoints must be strictly increasing, got %v", s.PStateCutpoints)
	}
	if s.SLASlack <= 0 || s.SLASlack > 1 {
		return fmt.Errorf("sla_slack must be in (0, 1], got %v", s.SLASlack)
	}

	if len(c.Fleet.Groups) == 0 {
		return fmt.Errorf("fleet must contain at least one group")
	}
	for i, g := range c.Fleet.Groups {
		if g.Count <= 0 {
			return fmt.Errorf("fleet group %d: count must be positive, got %d", i, g.Count)
		}
		if g.Cores <= 0 {
			return fmt.Errorf("fleet group %d: cores must be positive, got %d", i, g.Cores)
		}
		if g.MemoryMB <= 0 {
			return fmt.Errorf("fleet group %d: memory_mb must be positive, got %d", i, g.MemoryMB)
		}
	}

	if c.Workload.File == "" {
		g := c.Workload.Generator
		if g.Tasks <= 0 {
			return fmt.Errorf("generator tasks must be positive, got %d", g.Tasks)
		}
		if g.ArrivalSpread <= 0 {
			return fmt.Errorf("generator arrival_spread must be positive, got %v", g.ArrivalSpread)
		}
		if g.MeanDuration <= 0 {
			return fmt.Errorf("generator mean_duration must be positive, got %v", g.MeanDuration)
		}
	}

	if c.Simulation.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %v", c.Simulation.TickInterval)
	}
	if c.Simulation.StateChangeDelay < 0 {
		return fmt.Errorf("state_change_delay must be non-negative, got %v", c.Simulation.StateChangeDelay)
	}
	if c.Simulation.MigrationDelay < 0 {
		return fmt.Errorf("migration_delay must be non-negative, got %v", c.Simulation.MigrationDelay)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Output.Format] {
		return fmt.Errorf("output format must be text or json, got %q", c.Output.Format)
	}
	return nil
}
