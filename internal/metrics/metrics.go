// Package metrics exposes the orchestration core's activity as prometheus
// collectors. A [Collector] subscribes to the event bus and updates its
// counters and gauges from published events; nothing in the core calls it
// directly.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Iron-Ham/troupe/internal/event"
	"github.com/Iron-Ham/troupe/internal/logging"
)

const namespace = "troupe"

var workerStatuses = []string{"stopped", "active", "busy", "error"}

// Collector owns a private registry so tests and multiple cores in one
// process never collide on the default registerer.
type Collector struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	rolePhase     *prometheus.GaugeVec
	notifications *prometheus.CounterVec
	escalations   *prometheus.CounterVec
	workerStatus  *prometheus.GaugeVec
	unavailable   *prometheus.CounterVec
	cycles        prometheus.Counter
	halted        prometheus.Gauge
	decisions     *prometheus.GaugeVec

	bus   *event.Bus
	subID string
}

// New creates a Collector with every metric registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Applied phase transitions.",
		}, []string{"from", "to"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transition_rejections_total",
			Help:      "Rejected transition requests by guard (empty for invalid edges).",
		}, []string{"guard"}),
		rolePhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "role_phase",
			Help:      "1 for the current phase of each role.",
		}, []string{"role", "phase"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_delivered_total",
			Help:      "Notifications delivered to role inboxes.",
		}, []string{"kind"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_fired_total",
			Help:      "Escalations fired by condition.",
		}, []string{"condition"}),
		workerStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_status",
			Help:      "1 for the current status of each role's worker.",
		}, []string{"role", "status"}),
		unavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "role_unavailable_total",
			Help:      "Heartbeat losses by recovery action.",
		}, []string{"recovery"}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dependency_cycles_total",
			Help:      "Dependency cycles detected.",
		}),
		halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_halted",
			Help:      "1 while a quality-gate failure halts all transitions.",
		}),
		decisions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "decisions_pending",
			Help:      "Decisions awaiting an arbiter, by level.",
		}, []string{"level"}),
	}

	c.registry.MustRegister(
		c.transitions,
		c.rejections,
		c.rolePhase,
		c.notifications,
		c.escalations,
		c.workerStatus,
		c.unavailable,
		c.cycles,
		c.halted,
		c.decisions,
	)
	return c
}

// Registry returns the registry the collectors live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Attach subscribes the collector to every event on bus.
func (c *Collector) Attach(bus *event.Bus) {
	c.bus = bus
	c.subID = bus.SubscribeAll(c.Observe)
}

// Detach removes the bus subscription.
func (c *Collector) Detach() {
	if c.bus != nil {
		c.bus.Unsubscribe(c.subID)
		c.bus = nil
	}
}

// SetRolePhase records a role's phase without a transition, used when
// state is restored at startup.
func (c *Collector) SetRolePhase(roleID, phase string) {
	c.rolePhase.DeletePartialMatch(prometheus.Labels{"role": roleID})
	c.rolePhase.WithLabelValues(roleID, phase).Set(1)
}

// Observe updates metrics from one event.
func (c *Collector) Observe(e event.Event) {
	switch ev := e.(type) {
	case event.PhaseChangedEvent:
		c.transitions.WithLabelValues(ev.From, ev.To).Inc()
		c.SetRolePhase(ev.RoleID, ev.To)
	case event.TransitionRejectedEvent:
		c.rejections.WithLabelValues(ev.Guard).Inc()
	case event.NotificationDeliveredEvent:
		c.notifications.WithLabelValues(ev.Kind).Inc()
	case event.EscalationFiredEvent:
		c.escalations.WithLabelValues(ev.Condition).Inc()
	case event.WorkerStatusChangedEvent:
		for _, s := range workerStatuses {
			v := 0.0
			if s == ev.To {
				v = 1
			}
			c.workerStatus.WithLabelValues(ev.RoleID, s).Set(v)
		}
	case event.RoleUnavailableEvent:
		c.unavailable.WithLabelValues(ev.Recovery).Inc()
	case event.DependencyCycleEvent:
		c.cycles.Inc()
	case event.PipelineEvent:
		if ev.EventType() == event.TypePipelineHalted {
			c.halted.Set(1)
		} else {
			c.halted.Set(0)
		}
	case event.DecisionEvent:
		c.observeDecision(ev)
	}
}

func (c *Collector) observeDecision(ev event.DecisionEvent) {
	if ev.Level != "approval" && ev.Level != "critical" {
		return
	}
	g := c.decisions.WithLabelValues(ev.Level)
	if ev.EventType() == event.TypeDecisionCreated {
		g.Inc()
	} else {
		g.Dec()
	}
}

// Handler serves the collector's registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Server serves /metrics until its context is cancelled.
type Server struct {
	srv    *http.Server
	logger *logging.Logger
}

// NewServer creates a metrics server bound to addr.
func NewServer(addr string, c *Collector, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.WithComponent("metrics"),
	}
}

// Run listens and serves until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("metrics listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
