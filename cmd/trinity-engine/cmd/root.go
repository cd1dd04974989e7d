package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time via ldflags.
	Version = "dev"

	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "trinity-engine",
	Short: "Trinity process engine",
	Long: `trinity-engine runs declarative multi-step workflows against a fleet
of AI agents and human approvers: validated process definitions, a durable
execution state machine, per-agent queues with circuit breakers, and
manual/webhook/cron triggers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to engine config file (YAML)")
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("trinity-engine {{.Version}}\n")
}
