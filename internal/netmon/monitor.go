// Package netmon watches remote reachability and publishes edge-triggered
// transitions on the bus.
package netmon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/covehq/cove/internal/bus"
)

// Probe checks reachability once. A nil error means reachable.
type Probe func(ctx context.Context) error

// Monitor polls a probe and publishes "net.reachable" and
// "net.unreachable" events, exactly once per transition. Redundant
// reports of the same state publish nothing.
type Monitor struct {
	probe    Probe
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration

	mu        sync.RWMutex
	reachable bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor. A nil probe degrades to "assume reachable":
// the monitor reports reachable forever and never publishes transitions,
// so startup is never blocked on a connectivity check.
func New(probe Probe, b *bus.Bus, interval time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		probe:    probe,
		bus:      b,
		logger:   logger.Named("netmon"),
		interval: interval,
		timeout:  10 * time.Second,
		// Optimistic start: the first probe corrects it if wrong.
		reachable: true,
	}
}

// Reachable returns the last observed state.
func (m *Monitor) Reachable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reachable
}

// Start begins polling. No-op when degraded to assume-reachable.
func (m *Monitor) Start(ctx context.Context) {
	if m.probe == nil {
		m.logger.Warn("no reachability probe, assuming reachable")
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.check(ctx)
		for {
			select {
			case <-ticker.C:
				m.check(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts polling.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *Monitor) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.probe(probeCtx)
	cancel()
	now := err == nil

	m.mu.Lock()
	was := m.reachable
	m.reachable = now
	m.mu.Unlock()

	if was == now {
		return
	}

	kind := "net.unreachable"
	if now {
		kind = "net.reachable"
	}
	m.logger.Info("reachability changed", zap.Bool("reachable", now))
	m.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
	})
}
