package cmd

import (
	"fmt"

	"github.com/Iron-Ham/troupe/internal/rolestate"
	"github.com/spf13/cobra"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Save, list and restore named snapshots of all role states",
}

var checkpointSaveCmd = &cobra.Command{
	Use:   "save <name>",
	Short: "Save the current role states under name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, release, err := offlineCore()
		if err != nil {
			return err
		}
		defer release()

		if err := orch.Checkpoint(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Checkpoint %s saved\n", args[0])
		return nil
	},
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		names, err := rolestate.ListCheckpoints(cfg.State.Dir)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No checkpoints")
		}
		for _, n := range names {
			fmt.Fprintln(cmd.OutOrStdout(), n)
		}
		return nil
	},
}

var checkpointRestoreCmd = &cobra.Command{
	Use:   "restore <name>",
	Short: "Replace every role state with a saved checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, release, err := offlineCore()
		if err != nil {
			return err
		}
		defer release()

		if err := orch.RestoreCheckpoint(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Restored checkpoint %s (%.0f%% overall)\n", args[0], orch.OverallProgress())
		return nil
	},
}

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Close the project and archive every role",
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, release, err := offlineCore()
		if err != nil {
			return err
		}
		defer release()

		if err := orch.Close(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Project closed at %.0f%% overall progress\n", orch.OverallProgress())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointSaveCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointRestoreCmd)
	rootCmd.AddCommand(closeCmd)
}
