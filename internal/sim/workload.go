package sim

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dcsim/powersched/internal/model"
)

// TaskSpec describes one workload task. Arrival is the offset from
// simulation start and Duration the task's run time at full rate; Flavor
// may be empty to request the architecture's default.
type TaskSpec struct {
	Arrival  time.Duration `yaml:"arrival"`
	Duration time.Duration `yaml:"duration"`
	Arch     string        `yaml:"arch"`
	Flavor   string        `yaml:"flavor"`
	MemoryMB int64         `yaml:"memory_mb"`
	SLA      string        `yaml:"sla"`
}

type workloadFile struct {
	Tasks []TaskSpec `yaml:"tasks"`
}

// LoadWorkload reads a YAML workload file and fills in per-task
// defaults.
func LoadWorkload(path string) ([]TaskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workload: %w", err)
	}
	var f workloadFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing workload %s: %w", path, err)
	}
	if len(f.Tasks) == 0 {
		return nil, fmt.Errorf("workload %s contains no tasks", path)
	}
	for i := range f.Tasks {
		if err := fillDefaults(&f.Tasks[i]); err != nil {
			return nil, fmt.Errorf("workload %s task %d: %w", path, i, err)
		}
	}
	return f.Tasks, nil
}

func fillDefaults(t *TaskSpec) error {
	if t.Arch == "" {
		t.Arch = string(model.ArchX86)
	}
	arch, err := model.ParseArch(t.Arch)
	if err != nil {
		return err
	}
	if t.Flavor == "" {
		t.Flavor = string(model.DefaultFlavor(arch))
	}
	if t.SLA == "" {
		t.SLA = "SLA3"
	}
	if t.MemoryMB <= 0 {
		t.MemoryMB = 512
	}
	return nil
}
