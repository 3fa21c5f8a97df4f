package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Iron-Ham/troupe/internal/logging"
	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View core logs",
	Long: `View and filter the core's structured log.

Examples:
  # Show the last 50 entries
  troupe logs

  # Follow logs in real-time
  troupe logs -f

  # Only warnings and errors about one role
  troupe logs --level warn --role backend_developer

  # Escalations in the last hour
  troupe logs --since 1h --grep "escalation"`,
	RunE: runLogs,
}

var (
	logsTail      int
	logsFollow    bool
	logsLevel     string
	logsSince     string
	logsGrep      string
	logsRole      string
	logsComponent string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show logs since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Filter logs matching pattern (regex)")
	logsCmd.Flags().StringVar(&logsRole, "role", "", "Only entries about this role")
	logsCmd.Flags().StringVar(&logsComponent, "component", "", "Only entries from this component")
}

// ANSI color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorGray   = "\033[90m"
	colorBlue   = "\033[34m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"
)

// levelColor returns the ANSI color code for a log level
func levelColor(level string) string {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return colorGray
	case logging.LevelInfo:
		return colorBlue
	case logging.LevelWarn:
		return colorYellow
	case logging.LevelError:
		return colorRed
	default:
		return colorReset
	}
}

// formatLogEntry formats a log entry for terminal output
func formatLogEntry(e logging.LogEntry) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s[%s]%s ", colorGray, e.Timestamp.Format("15:04:05.000"), colorReset)
	fmt.Fprintf(&sb, "%s[%s]%s ", levelColor(e.Level), strings.ToUpper(e.Level), colorReset)
	sb.WriteString(e.Message)

	for _, kv := range [][2]string{{"component", e.Component}, {"role_id", e.RoleID}, {"phase", e.Phase}} {
		if kv[1] != "" {
			fmt.Fprintf(&sb, " %s%s=%s%s", colorCyan, kv[0], kv[1], colorReset)
		}
	}

	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s%s=%s%v", colorCyan, k, colorReset, e.Attrs[k])
	}
	return sb.String()
}

type logQuery struct {
	filter logging.LogFilter
	grep   *regexp.Regexp
}

func (q logQuery) match(e logging.LogEntry) bool {
	if len(logging.FilterLogs([]logging.LogEntry{e}, q.filter)) == 0 {
		return false
	}
	if q.grep == nil {
		return true
	}
	text := e.Message
	for _, v := range e.Attrs {
		text += " " + fmt.Sprint(v)
	}
	return q.grep.MatchString(text)
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	q := logQuery{filter: logging.LogFilter{
		Level:     logsLevel,
		RoleID:    logsRole,
		Component: logsComponent,
	}}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return fmt.Errorf("invalid duration format: %w", err)
		}
		q.filter.Since = time.Now().Add(-d)
	}
	if logsGrep != "" {
		q.grep, err = regexp.Compile(logsGrep)
		if err != nil {
			return fmt.Errorf("invalid grep pattern: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	logPath := filepath.Join(cfg.State.Dir, logging.LogFileName)
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		fmt.Fprintln(out, "No logs found at", logPath)
		return nil
	}

	if logsFollow {
		return followLogs(cmd, logPath, q)
	}

	entries, err := logging.ReadLogs(cfg.State.Dir)
	if err != nil {
		return err
	}
	var shown []logging.LogEntry
	for _, e := range entries {
		if q.match(e) {
			shown = append(shown, e)
		}
	}
	if logsTail > 0 && len(shown) > logsTail {
		shown = shown[len(shown)-logsTail:]
	}
	for _, e := range shown {
		fmt.Fprintln(out, formatLogEntry(e))
	}
	if len(shown) == 0 {
		fmt.Fprintln(out, "No matching log entries found.")
	}
	return nil
}

// followLogs implements tail -f behavior for the log file
func followLogs(cmd *cobra.Command, logPath string, q logQuery) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Following logs... (Ctrl+C to stop)\n\n")

	ctx := cmd.Context()
	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("error reading log file: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var e logging.LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			fmt.Fprintln(out, line)
			continue
		}
		if q.match(e) {
			fmt.Fprintln(out, formatLogEntry(e))
		}
	}
}
