package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/Iron-Ham/troupe/internal/decision"
	"github.com/Iron-Ham/troupe/internal/errors"
	"github.com/Iron-Ham/troupe/internal/rolestate"
	"github.com/Iron-Ham/troupe/internal/textfmt"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show role phases and dependencies",
	Long: `Display the persisted state of every role: phase, progress, current
task, what each role waits for, and any pipeline halt or pending decisions.
Reads the state directory only, so it works while the core is running.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	haltStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	phaseStyles = map[rolestate.Phase]lipgloss.Style{
		rolestate.PhasePlanning:   lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		rolestate.PhaseInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		rolestate.PhaseReview:     lipgloss.NewStyle().Foreground(lipgloss.Color("13")),
		rolestate.PhaseCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		rolestate.PhaseBlocked:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		rolestate.PhasePaused:     lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
)

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	f, err := rolestate.Load(cfg.State.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(cmd.OutOrStdout(), "No role state yet. Start the core with `troupe run`.")
			return nil
		}
		return err
	}

	decisions, err := decision.ReadFile(cfg.State.Dir)
	if err != nil {
		return err
	}
	pending := 0
	for _, d := range decisions {
		if !d.Resolved {
			pending++
		}
	}

	width := 100
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}
	fmt.Fprint(cmd.OutOrStdout(), renderStatus(f, pending, width))
	return nil
}

// renderStatus lays out one line per role, trimmed to width.
func renderStatus(f rolestate.File, pendingDecisions, width int) string {
	var b strings.Builder

	total := 0
	for _, st := range f.Roles {
		total += st.ProgressPercentage
	}
	overall := 0.0
	if len(f.Roles) > 0 {
		overall = float64(total) / float64(len(f.Roles))
	}
	fmt.Fprintf(&b, "%s  %d roles, %.0f%% overall, saved %s\n",
		headerStyle.Render("TEAM"), len(f.Roles), overall, f.SavedAt.Format("2006-01-02 15:04:05"))

	if f.Halt != nil {
		b.WriteString(haltStyle.Render(fmt.Sprintf("PIPELINE HALTED by %s: %s", f.Halt.RoleID, f.Halt.Reason)))
		b.WriteString("\n")
	}
	if pendingDecisions > 0 {
		fmt.Fprintf(&b, "%d decision(s) awaiting the arbiter, see `troupe decisions list`\n", pendingDecisions)
	}
	b.WriteString("\n")

	idWidth := len("ROLE")
	for _, st := range f.Roles {
		idWidth = max(idWidth, len(st.RoleID))
	}

	header := fmt.Sprintf("%-*s  %-11s  %4s  %s", idWidth, "ROLE", "PHASE", "PROG", "DETAIL")
	b.WriteString(textfmt.Truncate(headerStyle.Render(header), width))
	b.WriteString("\n")

	for _, st := range f.Roles {
		phase := textfmt.PadRight(string(st.Phase), 11)
		if style, ok := phaseStyles[st.Phase]; ok {
			phase = style.Render(phase)
		}
		line := fmt.Sprintf("%s  %s  %3d%%  %s", textfmt.PadRight(st.RoleID, idWidth), phase, st.ProgressPercentage, statusDetail(st))
		if st.Archived {
			line = dimStyle.Render(line + " (archived)")
		}
		b.WriteString(textfmt.Truncate(line, width))
		b.WriteString("\n")
	}
	return b.String()
}

func statusDetail(st rolestate.RoleState) string {
	var parts []string
	if st.CurrentTask != "" {
		parts = append(parts, "task: "+st.CurrentTask)
	}
	if len(st.Dependencies.WaitingFor) > 0 {
		parts = append(parts, "waiting for "+textfmt.Join(st.Dependencies.WaitingFor, ", ", 60))
	}
	if st.BlockedReason != "" {
		parts = append(parts, "blocked: "+st.BlockedReason)
	}
	if len(parts) == 0 && st.Dependencies.ReadyToStart && st.Phase == rolestate.PhasePlanning {
		parts = append(parts, "ready to start")
	}
	return strings.Join(parts, "; ")
}
