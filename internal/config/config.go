package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete troupe configuration
type Config struct {
	Registry     RegistryConfig     `mapstructure:"registry"`
	State        StateConfig        `mapstructure:"state"`
	Resolver     ResolverConfig     `mapstructure:"resolver"`
	Escalation   EscalationConfig   `mapstructure:"escalation"`
	Supervisor   SupervisorConfig   `mapstructure:"supervisor"`
	Routing      RoutingConfig      `mapstructure:"routing"`
	Deliverables DeliverablesConfig `mapstructure:"deliverables"`
	Decisions    DecisionsConfig    `mapstructure:"decisions"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Events       EventsConfig       `mapstructure:"events"`
}

// RegistryConfig locates the role catalog
type RegistryConfig struct {
	// Path is the roles.yaml file loaded at startup
	Path string `mapstructure:"path"`
	// Watch reloads dependency edges when the file changes during a run.
	// Only edges are picked up; role definitions stay immutable.
	Watch bool `mapstructure:"watch"`
}

// StateConfig controls where role state is persisted
type StateConfig struct {
	// Dir holds state.json, decisions.json, per-role status.yaml, checkpoints and logs
	Dir string `mapstructure:"dir"`
	// PersistInterval is how often dirty state is flushed in addition to
	// flushing after every mutation. 0 disables the periodic flush.
	PersistInterval time.Duration `mapstructure:"persist_interval"`
	// ExportYAML writes {dir}/roles/{role}/status.yaml alongside state.json
	ExportYAML bool `mapstructure:"export_yaml"`
}

// ResolverConfig controls dependency readiness
type ResolverConfig struct {
	// ReadinessPolicy is "full" (every dependency satisfied) or "partial"
	// (at least one dependency satisfied)
	ReadinessPolicy string `mapstructure:"readiness_policy"`
}

// EscalationConfig controls timeout-driven escalation
type EscalationConfig struct {
	// BlockedThreshold is how long a role may stay blocked before its manager is told
	BlockedThreshold time.Duration `mapstructure:"blocked_threshold"`
	// DependencyThreshold is how long a waiting_for edge may persist before
	// the owner role is told
	DependencyThreshold time.Duration `mapstructure:"dependency_threshold"`
	// ScanInterval is the resolution at which armed timers are checked
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	// ManagerRole receives escalations for roles without reports_to
	ManagerRole string `mapstructure:"manager_role"`
	// OwnerRole receives dependency escalations
	OwnerRole string `mapstructure:"owner_role"`
	// SeniorRole receives blocker notifications tagged for senior attention
	SeniorRole string `mapstructure:"senior_role"`
	// ConcernTargets maps a blocker concern (technical, business, process,
	// timeline, resource) to the role that should receive its escalation
	ConcernTargets map[string]string `mapstructure:"concern_targets"`
}

// SupervisorConfig controls worker process supervision
type SupervisorConfig struct {
	// Enabled starts worker processes. When false the core runs headless and
	// expects heartbeats through ReportEvent.
	Enabled bool `mapstructure:"enabled"`
	// Command is the executable spawned per role
	Command string `mapstructure:"command"`
	// Args are passed to Command. "{role}" is replaced with the role id.
	Args []string `mapstructure:"args"`
	// WorkDir is the working directory for spawned workers
	WorkDir string `mapstructure:"work_dir"`
	// HeartbeatInterval is how often workers are expected to report liveness
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// HeartbeatGrace is how long without a heartbeat before a worker is in error
	HeartbeatGrace time.Duration `mapstructure:"heartbeat_grace"`
	// StopGrace is how long a graceful stop may take before a forced kill
	StopGrace time.Duration `mapstructure:"stop_grace"`
	// MaxRestarts bounds reassignment attempts before escalating instead
	MaxRestarts int `mapstructure:"max_restarts"`
}

// RoutingConfig overrides the built-in notification routing table
type RoutingConfig struct {
	// Rules maps an event type to target selectors
	// (dependents, dependencies, blocking_roles, manager, reviewers, senior, owner, source, explicit)
	Rules map[string][]string `mapstructure:"rules"`
}

// DeliverablesConfig controls deliverable format checks
type DeliverablesConfig struct {
	// AllowedExtensions lists accepted deliverable file extensions, with the dot
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
	// RequireDeclared rejects deliverables not declared by the producing role
	RequireDeclared bool `mapstructure:"require_declared"`
}

// DecisionsConfig controls user-arbitration decisions
type DecisionsConfig struct {
	// DefaultDeadline applies to decisions created without one. 0 means none.
	DefaultDeadline time.Duration `mapstructure:"default_deadline"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum log file size before rotation
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files kept
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated files
	Compress bool `mapstructure:"compress"`
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// EventsConfig controls the optional NATS event sink for observers
type EventsConfig struct {
	// NATSURL enables publishing when non-empty, e.g. nats://localhost:4222
	NATSURL string `mapstructure:"nats_url"`
	// SubjectPrefix is prepended to every published subject
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Registry: RegistryConfig{
			Path:  "roles.yaml",
			Watch: true,
		},
		State: StateConfig{
			Dir:             ".troupe",
			PersistInterval: 30 * time.Second,
			ExportYAML:      true,
		},
		Resolver: ResolverConfig{
			ReadinessPolicy: "full",
		},
		Escalation: EscalationConfig{
			BlockedThreshold:    24 * time.Hour,
			DependencyThreshold: 48 * time.Hour,
			ScanInterval:        time.Minute,
			ManagerRole:         "project_manager",
			OwnerRole:           "project_owner",
			SeniorRole:          "senior_developer",
			ConcernTargets: map[string]string{
				"technical": "senior_developer",
				"business":  "product_owner",
				"process":   "project_manager",
				"timeline":  "project_manager",
				"resource":  "project_owner",
			},
		},
		Supervisor: SupervisorConfig{
			Enabled:           false,
			HeartbeatInterval: 30 * time.Second,
			HeartbeatGrace:    2 * time.Minute,
			StopGrace:         10 * time.Second,
			MaxRestarts:       1,
		},
		Routing: RoutingConfig{},
		Deliverables: DeliverablesConfig{
			AllowedExtensions: []string{".md", ".yaml", ".yml", ".json", ".txt"},
			RequireDeclared:   true,
		},
		Decisions: DecisionsConfig{
			DefaultDeadline: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   false,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9464",
		},
		Events: EventsConfig{
			SubjectPrefix: "troupe",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Registry defaults
	viper.SetDefault("registry.path", defaults.Registry.Path)
	viper.SetDefault("registry.watch", defaults.Registry.Watch)

	// State defaults
	viper.SetDefault("state.dir", defaults.State.Dir)
	viper.SetDefault("state.persist_interval", defaults.State.PersistInterval)
	viper.SetDefault("state.export_yaml", defaults.State.ExportYAML)

	// Resolver defaults
	viper.SetDefault("resolver.readiness_policy", defaults.Resolver.ReadinessPolicy)

	// Escalation defaults
	viper.SetDefault("escalation.blocked_threshold", defaults.Escalation.BlockedThreshold)
	viper.SetDefault("escalation.dependency_threshold", defaults.Escalation.DependencyThreshold)
	viper.SetDefault("escalation.scan_interval", defaults.Escalation.ScanInterval)
	viper.SetDefault("escalation.manager_role", defaults.Escalation.ManagerRole)
	viper.SetDefault("escalation.owner_role", defaults.Escalation.OwnerRole)
	viper.SetDefault("escalation.senior_role", defaults.Escalation.SeniorRole)
	viper.SetDefault("escalation.concern_targets", defaults.Escalation.ConcernTargets)

	// Supervisor defaults
	viper.SetDefault("supervisor.enabled", defaults.Supervisor.Enabled)
	viper.SetDefault("supervisor.command", defaults.Supervisor.Command)
	viper.SetDefault("supervisor.args", defaults.Supervisor.Args)
	viper.SetDefault("supervisor.work_dir", defaults.Supervisor.WorkDir)
	viper.SetDefault("supervisor.heartbeat_interval", defaults.Supervisor.HeartbeatInterval)
	viper.SetDefault("supervisor.heartbeat_grace", defaults.Supervisor.HeartbeatGrace)
	viper.SetDefault("supervisor.stop_grace", defaults.Supervisor.StopGrace)
	viper.SetDefault("supervisor.max_restarts", defaults.Supervisor.MaxRestarts)

	// Deliverable defaults
	viper.SetDefault("deliverables.allowed_extensions", defaults.Deliverables.AllowedExtensions)
	viper.SetDefault("deliverables.require_declared", defaults.Deliverables.RequireDeclared)

	// Decision defaults
	viper.SetDefault("decisions.default_deadline", defaults.Decisions.DefaultDeadline)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	viper.SetDefault("metrics.listen", defaults.Metrics.Listen)

	// Events defaults
	viper.SetDefault("events.nats_url", defaults.Events.NATSURL)
	viper.SetDefault("events.subject_prefix", defaults.Events.SubjectPrefix)
}

// Load reads the configuration from viper into a Config struct and validates it.
// Returns an error if the configuration contains invalid values.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults when the
// loaded configuration is invalid.
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the user configuration directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "troupe")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".troupe"
	}
	return filepath.Join(home, ".config", "troupe")
}

// ConfigFile returns the path to the user config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidReadinessPolicies returns the accepted resolver.readiness_policy values
func ValidReadinessPolicies() []string {
	return []string{"full", "partial"}
}

// ValidRouteSelectors returns the accepted routing target selectors
func ValidRouteSelectors() []string {
	return []string{"dependents", "dependencies", "blocking_roles", "manager", "reviewers", "senior", "owner", "source", "explicit"}
}
