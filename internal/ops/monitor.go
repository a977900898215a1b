package ops

import (
	"context"
	"sync"
	"time"

	"github.com/marketgate/marketgate/internal/feed"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var staleInstruments = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "marketgate",
	Subsystem: "ops",
	Name:      "stale_instruments",
	Help:      "Subscribed instruments with no event within the stale threshold.",
})

// StateSource reports upstream connection state and subscriptions.
// *feed.Gateway satisfies it.
type StateSource interface {
	State() feed.ConnectionState
	Subscriptions() []feed.SubscriptionKey
}

// StatusSetter is the subset of *health.Server the monitor writes to.
type StatusSetter interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// MonitorConfig holds tunable parameters for the Monitor.
type MonitorConfig struct {
	// PollInterval is how often the connection state is sampled.
	PollInterval time.Duration

	// StaleThreshold is how long a subscribed instrument may go without an
	// event before it counts as stale. Zero disables staleness tracking.
	StaleThreshold time.Duration
}

// DefaultMonitorConfig returns the production defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval:   time.Second,
		StaleThreshold: time.Minute,
	}
}

// Monitor mirrors the upstream ConnectionState into the health service and
// tracks per-instrument data freshness. Attach it to the gateway as a client
// so it sees every event.
type Monitor struct {
	cfg    MonitorConfig
	source StateSource
	status StatusSetter
	log    *zap.Logger

	mu   sync.RWMutex
	last map[string]time.Time // instrument -> last event

	serving bool
	primed  bool

	nowFunc func() time.Time
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg MonitorConfig, source StateSource, status StatusSetter, log *zap.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Monitor{
		cfg:     cfg,
		source:  source,
		status:  status,
		log:     log.Named("monitor"),
		last:    make(map[string]time.Time),
		nowFunc: time.Now,
	}
}

// Deliver implements feed.Client.
func (m *Monitor) Deliver(_ context.Context, ev feed.Event) error {
	now := m.nowFunc()
	m.mu.Lock()
	m.last[ev.Instrument()] = now
	m.mu.Unlock()
	return nil
}

// LastEvent returns when an event for instrument was last seen.
func (m *Monitor) LastEvent(instrument string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.last[instrument]
	return t, ok
}

// Stale returns the subscribed instruments that have not produced an event
// within the stale threshold. An instrument that never produced one counts.
func (m *Monitor) Stale() []string {
	if m.cfg.StaleThreshold <= 0 {
		return nil
	}
	now := m.nowFunc()
	seen := make(map[string]struct{})
	var stale []string

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.source.Subscriptions() {
		if _, dup := seen[k.Instrument]; dup {
			continue
		}
		seen[k.Instrument] = struct{}{}
		t, ok := m.last[k.Instrument]
		if !ok || now.Sub(t) > m.cfg.StaleThreshold {
			stale = append(stale, k.Instrument)
		}
	}
	return stale
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *Monitor) check() {
	state := m.source.State()
	serving := state == feed.Connected
	if !m.primed || serving != m.serving {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if serving {
			st = healthpb.HealthCheckResponse_SERVING
		}
		m.status.SetServingStatus(UpstreamService, st)
		m.log.Info("upstream health changed", zap.String("state", state.String()), zap.Stringer("status", st))
		m.serving = serving
		m.primed = true
	}
	staleInstruments.Set(float64(len(m.Stale())))
}
