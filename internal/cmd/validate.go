package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/Iron-Ham/troupe/internal/config"
	"github.com/Iron-Ham/troupe/internal/depgraph"
	"github.com/Iron-Ham/troupe/internal/errors"
	"github.com/Iron-Ham/troupe/internal/registry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var validateCmd = &cobra.Command{
	Use:   "validate [roles.yaml]",
	Short: "Check the configuration and role registry",
	Long: `Validate the configuration and the role registry without starting the core.

Reports invalid configuration values, dependencies on unknown roles, unknown
reports_to or reviewers, and dependency cycles. The registry path defaults
to registry.path from the configuration.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to read configuration: %w", err)
	}
	problems := 0
	for _, e := range cfg.Validate() {
		fmt.Fprintf(out, "config: %s\n", e.Error())
		problems++
	}

	path := cfg.Registry.Path
	if len(args) == 1 {
		path = args[0]
	}
	reg, err := registry.Load(path)
	if err != nil {
		fmt.Fprintf(out, "registry: %v\n", err)
		return fmt.Errorf("%s is invalid", path)
	}

	problems += reportCycles(out, reg)
	if problems > 0 {
		return fmt.Errorf("%d problem(s) found", problems)
	}
	fmt.Fprintf(out, "%s: %d roles, %d dependencies, no problems found\n", path, reg.Len(), len(reg.Edges()))
	return nil
}

func reportCycles(out io.Writer, reg *registry.Registry) int {
	cycles := depgraph.New(reg).DetectCycles()
	for _, c := range cycles {
		err := errors.NewCycleError(c)
		fmt.Fprintf(out, "registry: %v (roles %s will never become ready)\n", err, strings.Join(c, ", "))
	}
	return len(cycles)
}
