package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Iron-Ham/troupe/internal/orchestrator"
	"github.com/Iron-Ham/troupe/internal/rolestate"
	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report <role> <event-type> [key=value ...]",
	Short: "Report an event on behalf of a role",
	Long: `Report an event on behalf of a role, as a worker would.

Payload fields are given as key=value. Values that parse as integers or
booleans are sent as such; a key given more than once becomes a list.

Examples:
  troupe report backend_developer task_started task="design schema"
  troupe report backend_developer manual_update_request progress=60 add_tasks=api add_tasks=docs
  troupe report product_owner blocker_encountered reason="no budget" concern=business critical=true

Event types: ` + eventTypeList(),
	Args: cobra.MinimumNArgs(2),
	RunE: runReport,
}

var transitionCmd = &cobra.Command{
	Use:   "transition <role> <phase>",
	Short: "Request a phase transition for a role",
	Args:  cobra.ExactArgs(2),
	RunE:  runTransition,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(transitionCmd)
}

func eventTypeList() string {
	types := orchestrator.EventTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

func runReport(cmd *cobra.Command, args []string) error {
	payload, err := parsePayload(args[2:])
	if err != nil {
		return err
	}

	orch, release, err := offlineCore()
	if err != nil {
		return err
	}
	defer release()

	if err := orch.ReportEvent(context.Background(), args[0], orchestrator.EventType(args[1]), payload); err != nil {
		return err
	}
	return printRole(cmd, orch, args[0])
}

func runTransition(cmd *cobra.Command, args []string) error {
	orch, release, err := offlineCore()
	if err != nil {
		return err
	}
	defer release()

	if err := orch.RequestTransition(context.Background(), args[0], rolestate.Phase(args[1])); err != nil {
		return err
	}
	return printRole(cmd, orch, args[0])
}

func printRole(cmd *cobra.Command, orch *orchestrator.Orchestrator, roleID string) error {
	st, ok := orch.Role(roleID)
	if !ok {
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, %d%%", st.RoleID, st.Phase, st.ProgressPercentage)
	if detail := statusDetail(st); detail != "" {
		fmt.Fprintf(cmd.OutOrStdout(), ", %s", detail)
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}

// parsePayload turns key=value arguments into an event payload.
func parsePayload(args []string) (orchestrator.Payload, error) {
	p := orchestrator.Payload{}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid payload field %q: want key=value", arg)
		}

		var v any = value
		if n, err := strconv.Atoi(value); err == nil {
			v = n
		} else if b, err := strconv.ParseBool(value); err == nil {
			v = b
		}

		switch prev := p[key].(type) {
		case nil:
			p[key] = v
		case []string:
			p[key] = append(prev, value)
		default:
			p[key] = []string{fmt.Sprint(prev), value}
		}
	}
	return p, nil
}
