// Package connectivity bridges reachability signals to replay engine
// drain triggers.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultProbeInterval is how often the monitor polls the probe.
const DefaultProbeInterval = 15 * time.Second

// Probe reports current reachability of the sync collaborator.
// Implemented by transport.Client (GET /healthz) in production and by
// scripted fakes in tests.
type Probe interface {
	Healthy(ctx context.Context) bool
}

// Drainer receives drain triggers. Implemented by replay.Engine.
type Drainer interface {
	Trigger()
}

// Monitor observes reachability transitions and triggers drain passes.
//
// On an offline-to-online transition it triggers one drain
// unconditionally - even if the queue might be empty, a no-op drain is
// cheaper than tracking a separate dirty flag. On an online-to-offline
// transition it performs no queue action: writes keep being attempted
// optimistically and fall back to enqueue on failure. The first
// observation after start counts as a transition if the host is
// reachable, flushing records that survived a restart while offline.
type Monitor struct {
	probe    Probe
	drainer  Drainer
	interval time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	online   bool
	observed bool // false until the first reachability observation
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithProbeInterval overrides the polling interval.
func WithProbeInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.interval = d }
}

// WithMonitorLogger overrides the default logger.
func WithMonitorLogger(log *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.log = log }
}

// NewMonitor creates a Monitor over the given probe and drainer.
func NewMonitor(probe Probe, drainer Drainer, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		probe:    probe,
		drainer:  drainer,
		interval: DefaultProbeInterval,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run polls the probe until the context is cancelled. The first probe
// fires immediately so a restart while reachable drains proactively.
func (m *Monitor) Run(ctx context.Context) error {
	m.SetOnline(m.healthy(ctx))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("connectivity monitor stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
			m.SetOnline(m.healthy(ctx))
		}
	}
}

// healthy runs one probe bounded by the polling interval. A probe that
// hangs (black-holed host) counts as offline for that cycle instead of
// stalling the loop.
func (m *Monitor) healthy(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	return m.probe.Healthy(pctx)
}

// SetOnline records a reachability observation and triggers a drain on
// the offline-to-online edge. Safe from any goroutine; platform code with
// native reachability callbacks can call this directly instead of (or in
// addition to) the polling loop.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	wasOnline, observed := m.online, m.observed
	m.online = online
	m.observed = true
	m.mu.Unlock()

	switch {
	case online && (!observed || !wasOnline):
		m.log.Info("connectivity restored, triggering drain")
		m.drainer.Trigger()
	case !online && (observed && wasOnline):
		m.log.Info("connectivity lost")
	}
}

// Online reports the last observed reachability state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}
