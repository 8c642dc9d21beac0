package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dcsim/powersched/internal/config"
)

var (
	cfgFile string
	cfg     config.Config
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "powersched",
	Short: "Energy-aware datacenter scheduling simulator",
	Long: `Powersched replays a task workload against a simulated datacenter and
drives it with a pluggable placement and power-management policy.

The default policy keeps hosts in three power tiers (running, standby,
off), scales per-core P-states with utilization, and consolidates VMs
off underused hosts, reporting SLA attainment and energy use at the end.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: powersched.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose output")

	// Global flags that map to config
	rootCmd.PersistentFlags().String("policy", "", "scheduling policy: eeco, greedy, pmapper, packer")
	rootCmd.PersistentFlags().String("workload", "", "workload YAML file (default: synthetic generator)")
	rootCmd.PersistentFlags().Int64("seed", 0, "generator seed")

	_ = viper.BindPFlag("scheduler.policy", rootCmd.PersistentFlags().Lookup("policy"))
	_ = viper.BindPFlag("workload.file", rootCmd.PersistentFlags().Lookup("workload"))
	_ = viper.BindPFlag("workload.generator.seed", rootCmd.PersistentFlags().Lookup("seed"))
}

func loadConfig() error {
	// Start with defaults
	cfg = config.Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("powersched")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.powersched")
	}

	// Environment variable overrides
	viper.SetEnvPrefix("POWERSCHED")
	viper.AutomaticEnv()

	// Read config file (not an error if missing)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	return cfg.Validate()
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	logCfg := zap.NewProductionConfig()
	logCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return logCfg.Build()
}
