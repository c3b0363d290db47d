// Package connwatch monitors external dependencies (signal-cli, the MQTT
// broker) and reports their reachability.
//
// Each Watcher probes one service in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling with state-transition events
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/hearth/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing. Zero fields take the values from
// DefaultBackoffConfig.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s doubling to 60s over 10 startup
// attempts, then polling every 60 seconds.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// ServiceStatus is the health of one watched service as served by the
// status API.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service's health.
type Watcher struct {
	name    string
	probe   ProbeFunc
	backoff BackoffConfig
	bus     *events.Bus
	logger  *slog.Logger
	done    chan struct{}

	mu        sync.Mutex
	ready     bool
	lastErr   error
	lastCheck time.Time
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{Name: w.name, Ready: w.ready, LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// IsReady reports whether the service answered its last probe.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.backoff.InitialDelay
	for attempt := 1; attempt <= w.backoff.MaxRetries; attempt++ {
		if w.check(ctx) == nil {
			w.logger.Info("service connected", "after_attempts", attempt)
			break
		}
		if attempt == w.backoff.MaxRetries {
			w.logger.Warn("startup probes failed, entering background polling", "attempts", attempt)
			break
		}
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*w.backoff.Multiplier), w.backoff.MaxDelay)
	}

	ticker := time.NewTicker(w.backoff.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check runs one probe, records it, and announces a state transition.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	err := w.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return err
	}

	w.mu.Lock()
	wasReady := w.ready
	w.ready = err == nil
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	switch {
	case err == nil && !wasReady:
		w.logger.Info("service ready")
		w.bus.Emit(events.SourceConnwatch, events.KindServiceReady, map[string]any{"service": w.name})
	case err != nil && wasReady:
		w.logger.Warn("service became unreachable", "error", err)
		w.bus.Emit(events.SourceConnwatch, events.KindServiceDown, map[string]any{
			"service": w.name,
			"error":   err.Error(),
		})
	case err != nil:
		w.logger.Debug("service still unreachable", "error", err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates the service watchers.
type Manager struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a manager that announces transitions on bus, which
// may be nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:      bus,
		logger:   logger.With("component", "connwatch"),
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts probing a service in the background until ctx is
// canceled. Registering a name twice replaces the earlier entry in
// Status but does not stop its goroutine.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, backoff BackoffConfig) *Watcher {
	w := &Watcher{
		name:    name,
		probe:   probe,
		backoff: backoff.withDefaults(),
		bus:     m.bus,
		logger:  m.logger.With("service", name),
		done:    make(chan struct{}),
	}
	go w.run(ctx)

	m.mu.Lock()
	m.watchers[name] = w
	m.mu.Unlock()
	return w
}

// Status returns the health of every watched service, keyed by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Wait blocks until every watcher has exited.
func (m *Manager) Wait() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()

	for _, w := range ws {
		<-w.done
	}
}
