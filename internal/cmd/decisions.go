package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Iron-Ham/troupe/internal/decision"
	"github.com/spf13/cobra"
)

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "List and resolve decisions awaiting the arbiter",
	Long: `Decisions are questions the core cannot answer alone, such as a role
asking to roll back completed work. Approval and critical decisions wait
for an answer; when their deadline passes the default option is applied.`,
	RunE: runDecisionsList,
}

var decisionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List decisions",
	RunE:  runDecisionsList,
}

var decisionsResolveCmd = &cobra.Command{
	Use:   "resolve <decision-id> <option-id>",
	Short: "Answer a pending decision",
	Long: `Answer a pending decision. The chosen option's effect, if any, is
applied to the requesting role immediately. Requires that no core is
running against the same state directory.`,
	Args: cobra.ExactArgs(2),
	RunE: runDecisionsResolve,
}

var decisionsAll bool

func init() {
	decisionsListCmd.Flags().BoolVarP(&decisionsAll, "all", "a", false, "Include resolved decisions")
	decisionsCmd.Flags().BoolVarP(&decisionsAll, "all", "a", false, "Include resolved decisions")

	rootCmd.AddCommand(decisionsCmd)
	decisionsCmd.AddCommand(decisionsListCmd)
	decisionsCmd.AddCommand(decisionsResolveCmd)
}

func runDecisionsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ds, err := decision.ReadFile(cfg.State.Dir)
	if err != nil {
		return err
	}
	printDecisions(cmd.OutOrStdout(), ds, decisionsAll, time.Now())
	return nil
}

func printDecisions(out io.Writer, ds []decision.Decision, all bool, now time.Time) {
	shown := 0
	for _, d := range ds {
		if d.Resolved && !all {
			continue
		}
		shown++

		state := "pending"
		switch {
		case d.Resolved:
			state = fmt.Sprintf("resolved: %s by %s", d.ChosenOption, d.ResolvedBy)
		case d.Overdue(now):
			state = "overdue"
		}
		fmt.Fprintf(out, "%s  [%s] %s (%s)\n", d.ID, d.Level, d.Title, state)
		if d.RequestingRole != "" {
			fmt.Fprintf(out, "    requested by %s at %s\n", d.RequestingRole, d.CreatedAt.Format(time.RFC3339))
		}
		if d.Description != "" {
			fmt.Fprintf(out, "    %s\n", d.Description)
		}
		if !d.Deadline.IsZero() && !d.Resolved {
			fmt.Fprintf(out, "    deadline %s, default %s\n", d.Deadline.Format(time.RFC3339), d.DefaultOption)
		}
		opts := make([]string, 0, len(d.Options))
		for _, o := range d.Options {
			opts = append(opts, fmt.Sprintf("%s (%s)", o.ID, o.Label))
		}
		fmt.Fprintf(out, "    options: %s\n", strings.Join(opts, ", "))
	}
	if shown == 0 {
		fmt.Fprintln(out, "No pending decisions")
	}
}

func runDecisionsResolve(cmd *cobra.Command, args []string) error {
	orch, release, err := offlineCore()
	if err != nil {
		return err
	}
	defer release()

	if err := orch.ResolveDecision(context.Background(), args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Decision %s resolved with %s\n", args[0], args[1])
	return nil
}
