package generation

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultHealthInterval = 30 * time.Second
	DefaultProbeTimeout   = 5 * time.Second
)

// Monitor periodically probes local backends. Hosted backends are never
// probed.
type Monitor struct {
	backends     []*Backend
	interval     time.Duration
	probeTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

type MonitorOption func(*Monitor)

func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithProbeTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(backends []*Backend, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		interval:     DefaultHealthInterval,
		probeTimeout: DefaultProbeTimeout,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, b := range backends {
		if b.Local() {
			m.backends = append(m.backends, b)
		}
	}
	return m
}

// Sweep probes every local backend concurrently and records the outcome.
func (m *Monitor) Sweep(ctx context.Context) {
	var g errgroup.Group
	for _, b := range m.backends {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
			defer cancel()
			err := b.provider.Probe(probeCtx)
			if ctx.Err() != nil {
				// Shutting down: a cancelled probe says nothing about the backend.
				return nil
			}
			was := b.Healthy()
			b.setHealth(err == nil, m.now())
			switch {
			case err != nil && was:
				m.logger.Warn("backend became unhealthy", "backend", b.ID(), "err", err)
			case err == nil && !was:
				m.logger.Info("backend became healthy", "backend", b.ID())
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Run sweeps on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if len(m.backends) == 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
