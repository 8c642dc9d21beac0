package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dcsim/powersched/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulation with the configured policy",
	Long: `Builds the fleet, loads or generates the workload, runs the event
kernel to completion under the selected policy, and prints the SLA and
energy report.`,
	RunE: runSimulation,
}

func init() {
	f := runCmd.Flags()
	f.String("output", "", "report format: text, json")
	f.String("output-file", "", "write the report to a file")
	f.String("metrics-listen", "", "serve prometheus metrics on this address during the run")
	f.String("metrics-dump", "", "write final metrics to a file in text exposition format")

	rootCmd.AddCommand(runCmd)
}

func runSimulation(cmd *cobra.Command, args []string) error {
	if f, _ := cmd.Flags().GetString("output"); cmd.Flags().Changed("output") {
		cfg.Output.Format = f
	}
	if f, _ := cmd.Flags().GetString("output-file"); f != "" {
		cfg.Output.File = f
	}
	if addr, _ := cmd.Flags().GetString("metrics-listen"); addr != "" {
		cfg.Metrics.Listen = addr
	}
	if path, _ := cmd.Flags().GetString("metrics-dump"); path != "" {
		cfg.Metrics.TextFile = path
	}

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err = orchestrator.New(cfg, log).Run(ctx)
	return err
}
