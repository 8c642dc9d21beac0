package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dcsim/powersched/internal/sim"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Display the workload a run would execute",
	Long: `Loads the configured workload file, or generates the synthetic
workload, and displays it without running a simulation. Useful for
checking arrival patterns and SLA mix before committing to a run.`,
	RunE: runInspect,
}

func init() {
	f := inspectCmd.Flags()
	f.String("output", "table", "output format: table, json")
	f.String("sort-by", "arrival", "sort tasks by: arrival, duration, memory")
	f.String("output-file", "", "write output to file")

	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	var tasks []sim.TaskSpec
	var err error
	if cfg.Workload.File != "" {
		tasks, err = sim.LoadWorkload(cfg.Workload.File)
	} else {
		tasks, err = sim.Generate(cfg.Workload.Generator)
	}
	if err != nil {
		return err
	}

	sortBy, _ := cmd.Flags().GetString("sort-by")
	sortTasks(tasks, sortBy)

	outputFmt, _ := cmd.Flags().GetString("output")
	w := os.Stdout
	if outFile, _ := cmd.Flags().GetString("output-file"); outFile != "" {
		f, err := os.Create(outFile)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tasks)
	}

	// Table output
	fmt.Fprintf(w, "Tasks: %d | Machines: %d\n\n", len(tasks), cfg.Fleet.TotalMachines())
	fmt.Fprintf(w, "%-6s %12s %12s %-8s %-10s %10s %-5s\n",
		"TASK", "ARRIVAL", "DURATION", "ARCH", "FLAVOR", "MEM(MB)", "SLA")

	var totalMem int64
	slaCount := make(map[string]int)
	for i, t := range tasks {
		fmt.Fprintf(w, "%-6d %12s %12s %-8s %-10s %10d %-5s\n",
			i+1, t.Arrival, t.Duration, t.Arch, t.Flavor, t.MemoryMB, t.SLA)
		totalMem += t.MemoryMB
		slaCount[t.SLA]++
	}

	fmt.Fprintf(w, "\nTotal memory: %dMB | SLA mix:", totalMem)
	for _, class := range []string{"SLA0", "SLA1", "SLA2", "SLA3"} {
		fmt.Fprintf(w, " %s=%d", class, slaCount[class])
	}
	fmt.Fprintln(w)
	return nil
}

func sortTasks(tasks []sim.TaskSpec, by string) {
	switch by {
	case "duration":
		sort.Slice(tasks, func(i, j int) bool {
			return tasks[i].Duration > tasks[j].Duration
		})
	case "memory":
		sort.Slice(tasks, func(i, j int) bool {
			return tasks[i].MemoryMB > tasks[j].MemoryMB
		})
	default: // arrival
		sort.Slice(tasks, func(i, j int) bool {
			return tasks[i].Arrival < tasks[j].Arrival
		})
	}
}
