package cmd

import (
	"os"
	"strings"

	"github.com/Iron-Ham/troupe/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "troupe",
	Short: "Multi-role project orchestrator",
	Long: `Troupe coordinates a team of role workers on one project: it tracks
each role's phase, resolves dependencies between roles, routes notifications,
escalates stalled work and supervises worker processes.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./troupe.yaml or $HOME/.config/troupe/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	viper.SetConfigFile(configFilePath())

	viper.AutomaticEnv()
	viper.SetEnvPrefix("TROUPE")
	// e.g., TROUPE_ESCALATION_BLOCKED_THRESHOLD for escalation.blocked_threshold
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// configFilePath picks --config, then ./troupe.yaml, then the user config file.
func configFilePath() string {
	if cfgFile := viper.GetString("config"); cfgFile != "" {
		return cfgFile
	}
	if _, err := os.Stat(projectConfigFile); err == nil {
		return projectConfigFile
	}
	return config.ConfigFile()
}

const projectConfigFile = "troupe.yaml"
