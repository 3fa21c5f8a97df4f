package cmd

import (
	"fmt"

	"github.com/Iron-Ham/troupe/internal/config"
	"github.com/Iron-Ham/troupe/internal/errors"
	"github.com/Iron-Ham/troupe/internal/logging"
	"github.com/Iron-Ham/troupe/internal/orchestrator"
	"github.com/Iron-Ham/troupe/internal/registry"
	"github.com/Iron-Ham/troupe/internal/rolestate"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	return logging.NewLogger(cfg.State.Dir, cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
}

// offlineCore opens the core for a one-shot command. It holds the run lock
// so it cannot race a running `troupe run`; release undoes everything.
func offlineCore() (orch *orchestrator.Orchestrator, release func(), err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	cfg.Registry.Watch = false

	reg, err := registry.Load(cfg.Registry.Path)
	if err != nil {
		return nil, nil, err
	}

	lock := rolestate.NewNamedLock(cfg.State.Dir, orchestrator.RunLockName)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: stop `troupe run` first", errors.ErrStateLocked)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		_ = lock.Unlock()
		return nil, nil, err
	}

	// One-shot commands never launch workers; a running core reconciles them.
	cfg.Supervisor.Enabled = false
	orch, err = orchestrator.New(cfg, reg, orchestrator.WithLogger(logger.WithComponent("cli")))
	if err != nil {
		_ = logger.Close()
		_ = lock.Unlock()
		return nil, nil, err
	}

	release = func() {
		_ = logger.Close()
		_ = lock.Unlock()
	}
	return orch, release, nil
}
