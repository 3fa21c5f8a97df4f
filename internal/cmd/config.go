package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/troupe/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify troupe configuration",
	Long: `View or modify troupe configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the active config file.

Keys use dot notation, e.g.:
  troupe config set escalation.blocked_threshold 12h
  troupe config set resolver.readiness_policy partial
  troupe config set supervisor.max_restarts 2

Valid keys:
` + settableKeyHelp(),
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a troupe.yaml in the current directory",
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

// settableKeys maps each key accepted by `config set` to its value kind.
var settableKeys = map[string]string{
	"registry.path":                   "string",
	"registry.watch":                  "bool",
	"state.dir":                       "string",
	"state.persist_interval":          "duration",
	"state.export_yaml":               "bool",
	"resolver.readiness_policy":       "string",
	"escalation.blocked_threshold":    "duration",
	"escalation.dependency_threshold": "duration",
	"escalation.scan_interval":        "duration",
	"escalation.manager_role":         "string",
	"escalation.owner_role":           "string",
	"escalation.senior_role":          "string",
	"supervisor.enabled":              "bool",
	"supervisor.command":              "string",
	"supervisor.work_dir":             "string",
	"supervisor.heartbeat_interval":   "duration",
	"supervisor.heartbeat_grace":      "duration",
	"supervisor.stop_grace":           "duration",
	"supervisor.max_restarts":         "int",
	"deliverables.require_declared":   "bool",
	"decisions.default_deadline":      "duration",
	"logging.level":                   "string",
	"logging.max_size_mb":             "int",
	"logging.max_backups":             "int",
	"logging.compress":                "bool",
	"metrics.enabled":                 "bool",
	"metrics.listen":                  "string",
	"events.nats_url":                 "string",
	"events.subject_prefix":           "string",
}

func settableKeyHelp() string {
	keys := make([]string, 0, len(settableKeys))
	for k := range settableKeys {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "  %-33s %s\n", k, settableKeys[k])
	}
	return b.String()
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" && fileExists(used) {
		fmt.Fprintf(out, "# Config file: %s\n", used)
	} else {
		fmt.Fprintf(out, "# Config file: (none - using defaults)\n")
	}

	data, err := yaml.Marshal(configDocument(cfg))
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

// configDocument renders cfg with the same keys the config file uses.
func configDocument(cfg *config.Config) map[string]any {
	d := func(v time.Duration) string { return v.String() }
	return map[string]any{
		"registry": map[string]any{"path": cfg.Registry.Path, "watch": cfg.Registry.Watch},
		"state": map[string]any{
			"dir":              cfg.State.Dir,
			"persist_interval": d(cfg.State.PersistInterval),
			"export_yaml":      cfg.State.ExportYAML,
		},
		"resolver": map[string]any{"readiness_policy": cfg.Resolver.ReadinessPolicy},
		"escalation": map[string]any{
			"blocked_threshold":    d(cfg.Escalation.BlockedThreshold),
			"dependency_threshold": d(cfg.Escalation.DependencyThreshold),
			"scan_interval":        d(cfg.Escalation.ScanInterval),
			"manager_role":         cfg.Escalation.ManagerRole,
			"owner_role":           cfg.Escalation.OwnerRole,
			"senior_role":          cfg.Escalation.SeniorRole,
			"concern_targets":      cfg.Escalation.ConcernTargets,
		},
		"supervisor": map[string]any{
			"enabled":            cfg.Supervisor.Enabled,
			"command":            cfg.Supervisor.Command,
			"args":               cfg.Supervisor.Args,
			"work_dir":           cfg.Supervisor.WorkDir,
			"heartbeat_interval": d(cfg.Supervisor.HeartbeatInterval),
			"heartbeat_grace":    d(cfg.Supervisor.HeartbeatGrace),
			"stop_grace":         d(cfg.Supervisor.StopGrace),
			"max_restarts":       cfg.Supervisor.MaxRestarts,
		},
		"routing": map[string]any{"rules": cfg.Routing.Rules},
		"deliverables": map[string]any{
			"allowed_extensions": cfg.Deliverables.AllowedExtensions,
			"require_declared":   cfg.Deliverables.RequireDeclared,
		},
		"decisions": map[string]any{"default_deadline": d(cfg.Decisions.DefaultDeadline)},
		"logging": map[string]any{
			"level":       cfg.Logging.Level,
			"max_size_mb": cfg.Logging.MaxSizeMB,
			"max_backups": cfg.Logging.MaxBackups,
			"compress":    cfg.Logging.Compress,
		},
		"metrics": map[string]any{"enabled": cfg.Metrics.Enabled, "listen": cfg.Metrics.Listen},
		"events":  map[string]any{"nats_url": cfg.Events.NATSURL, "subject_prefix": cfg.Events.SubjectPrefix},
	}
}

// parseSetting converts value to the kind registered for key.
func parseSetting(key, value string) (any, error) {
	kind, ok := settableKeys[key]
	if !ok {
		return nil, fmt.Errorf("unknown configuration key: %s\nRun 'troupe config set --help' to see valid keys", key)
	}

	switch kind {
	case "bool":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return b, nil
	case "int":
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		if n < 0 {
			return nil, fmt.Errorf("invalid value for %s: must be non-negative", key)
		}
		return n, nil
	case "duration":
		if _, err := time.ParseDuration(value); err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected a duration such as 30s or 24h", key)
		}
		return value, nil
	}
	return value, nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	typed, err := parseSetting(key, value)
	if err != nil {
		return err
	}

	viper.Set(key, typed)
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return config.ValidationErrors(errs)
	}

	target := viper.ConfigFileUsed()
	if target == "" || !fileExists(target) {
		target = config.ConfigFile()
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := viper.WriteConfigAs(target); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\nConfig saved to %s\n", key, typed, target)
	return nil
}

const configTemplate = `# troupe configuration

registry:
  # Role catalog: role_name, responsibilities, deliverables, dependencies,
  # collaborates_with, reports_to, reviewers
  path: roles.yaml
  # Pick up dependency edges added to roles.yaml while running
  watch: true

state:
  dir: .troupe
  persist_interval: 30s
  # Also write .troupe/roles/<role>/status.yaml
  export_yaml: true

resolver:
  # full: every dependency satisfied; partial: at least one
  readiness_policy: full

escalation:
  blocked_threshold: 24h
  dependency_threshold: 48h
  scan_interval: 1m
  manager_role: project_manager
  owner_role: project_owner
  senior_role: senior_developer
  concern_targets:
    technical: senior_developer
    business: product_owner
    process: project_manager
    timeline: project_manager
    resource: project_owner

supervisor:
  # Launch one worker process per active role
  enabled: false
  command: ""
  # "{role}" is replaced with the role id
  args: []
  heartbeat_interval: 30s
  heartbeat_grace: 2m
  stop_grace: 10s
  max_restarts: 1

deliverables:
  allowed_extensions: [.md, .yaml, .yml, .json, .txt]
  require_declared: true

decisions:
  default_deadline: 24h

logging:
  level: info
  max_size_mb: 10
  max_backups: 3
  compress: false

metrics:
  enabled: false
  listen: ":9464"

events:
  # Publish every core event to NATS when set, e.g. nats://localhost:4222
  nats_url: ""
  subject_prefix: troupe
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	if fileExists(projectConfigFile) {
		return fmt.Errorf("%s already exists\nUse 'troupe config set' to modify values", projectConfigFile)
	}
	if err := os.WriteFile(projectConfigFile, []byte(configTemplate), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", projectConfigFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" && fileExists(used) {
		fmt.Fprintf(out, "Active config: %s\n", used)
	} else {
		fmt.Fprintf(out, "No config file found, using defaults\n")
	}

	fmt.Fprintln(out, "\nSearch order:")
	fmt.Fprintln(out, "  1. --config flag")
	fmt.Fprintf(out, "  2. ./%s\n", projectConfigFile)
	fmt.Fprintf(out, "  3. %s\n", config.ConfigFile())
	fmt.Fprintln(out, "\nEnvironment variables: TROUPE_* (e.g., TROUPE_ESCALATION_BLOCKED_THRESHOLD)")
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
