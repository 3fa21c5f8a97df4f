package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Iron-Ham/troupe/internal/event"
	"github.com/Iron-Ham/troupe/internal/eventsink"
	"github.com/Iron-Ham/troupe/internal/metrics"
	"github.com/Iron-Ham/troupe/internal/orchestrator"
	"github.com/Iron-Ham/troupe/internal/registry"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestration core",
	Long: `Run the orchestration core until interrupted.

The core loads the role registry, restores persisted role states, and then
resolves dependencies, scans escalation timers, supervises workers and
persists state in the background. With metrics enabled a prometheus
endpoint is served; with events.nats_url set every core event is published
to NATS.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Close() }()

	reg, err := registry.Load(cfg.Registry.Path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := event.NewBus(logger)
	var wg sync.WaitGroup

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New()
		collector.Attach(bus)
		defer collector.Detach()
	}

	if cfg.Events.NATSURL != "" {
		sink, err := eventsink.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			return err
		}
		sink.Attach(bus)
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Warn("close event sink", "error", err)
			}
		}()
	}

	orch, err := orchestrator.New(cfg, reg,
		orchestrator.WithLogger(logger),
		orchestrator.WithBus(bus),
	)
	if err != nil {
		return err
	}
	if collector != nil {
		for _, st := range orch.Snapshot() {
			collector.SetRolePhase(st.RoleID, string(st.Phase))
		}
		srv := metrics.NewServer(cfg.Metrics.Listen, collector, logger)
		wg.Go(func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		})
	}
	if err := orch.Start(ctx); err != nil {
		stop()
		wg.Wait()
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "troupe running: %d roles, state in %s\n", reg.Len(), cfg.State.Dir)
	<-ctx.Done()

	orch.Stop()
	wg.Wait()
	fmt.Fprintf(cmd.OutOrStdout(), "troupe stopped at %.0f%% overall progress\n", orch.OverallProgress())
	return nil
}
