// Package manager hosts a controller: it runs the control cycle at a fixed rate on a
// goroutine of its own and serializes lifecycle transitions against it.
package manager

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	viamutils "go.viam.com/utils"
	"golang.org/x/time/rate"

	"diffdrive/controller"
)

// DefaultUpdateRate is the control rate used when none is configured.
const DefaultUpdateRate = 100.0

// Transitions accepted by Transition.
const (
	TransitionConfigure  = "configure"
	TransitionActivate   = "activate"
	TransitionDeactivate = "deactivate"
	TransitionCleanup    = "cleanup"
	TransitionShutdown   = "shutdown"
)

// Stats counts cycles since the manager started.
type Stats struct {
	Cycles            int64 `json:"cycles"`
	FailedCycles      int64 `json:"failed_cycles"`
	ConsecutiveErrors int   `json:"consecutive_errors"`
	Recoveries        int64 `json:"recoveries"`
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock sets the clock driving the cycle ticker.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		m.clock = clk
	}
}

// WithMaxErrorCycles sets how many consecutive failed cycles trigger the controller's
// error transition. Zero never triggers it.
func WithMaxErrorCycles(n int) Option {
	return func(m *Manager) {
		m.maxErrorCycles = n
	}
}

// Manager owns a controller and its update goroutine.
type Manager struct {
	mu   sync.Mutex
	ctrl controller.Controller

	clock          clock.Clock
	period         time.Duration
	maxErrorCycles int
	logger         logging.Logger
	errorLog       rate.Sometimes

	consecutiveErrors int
	cycles            atomic.Int64
	failedCycles      atomic.Int64
	recoveries        atomic.Int64

	started                 bool
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// New returns a manager running ctrl at updateRate Hz. Start launches the loop.
func New(ctrl controller.Controller, updateRate float64, logger logging.Logger, opts ...Option) (*Manager, error) {
	if updateRate == 0 {
		updateRate = DefaultUpdateRate
	}
	if !(updateRate > 0) {
		return nil, errors.Errorf("update rate must be positive, got %v", updateRate)
	}
	m := &Manager{
		ctrl:     ctrl,
		clock:    clock.New(),
		period:   time.Duration(float64(time.Second) / updateRate),
		logger:   logger,
		errorLog: rate.Sometimes{Interval: time.Second},
		cancel:   func() {},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Period returns the control period.
func (m *Manager) Period() time.Duration {
	return m.period
}

// Start launches the update loop. It is a no-op if the loop already runs.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	cancelCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	// The ticker is created here so that no tick is missed between Start and the
	// goroutine being scheduled.
	ticker := m.clock.Ticker(m.period)
	m.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		m.updateThread(cancelCtx, ticker)
	}, m.activeBackgroundWorkers.Done)
}

// updateThread runs one cycle per tick until ctx is done.
func (m *Manager) updateThread(ctx context.Context, ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.cycle(now)
		}
	}
}

func (m *Manager) cycle(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cycles.Add(1)
	err := m.ctrl.Update(now)
	if err == nil {
		m.consecutiveErrors = 0
		return
	}
	m.failedCycles.Add(1)
	m.consecutiveErrors++
	m.errorLog.Do(func() {
		m.logger.Errorw("control cycle failed", "error", err, "consecutive", m.consecutiveErrors)
	})
	if m.maxErrorCycles > 0 && m.consecutiveErrors >= m.maxErrorCycles {
		m.logger.Errorw("too many consecutive failed cycles, recovering controller",
			"consecutive", m.consecutiveErrors, "state", m.ctrl.State())
		if err := m.ctrl.OnError(); err != nil {
			m.logger.Errorw("controller recovery failed", "error", err)
		}
		m.consecutiveErrors = 0
		m.recoveries.Add(1)
	}
}

// Transition runs the named lifecycle transition between two cycles.
func (m *Manager) Transition(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch strings.ToLower(name) {
	case TransitionConfigure:
		return m.ctrl.Configure()
	case TransitionActivate:
		return m.ctrl.Activate()
	case TransitionDeactivate:
		return m.ctrl.Deactivate()
	case TransitionCleanup:
		return m.ctrl.Cleanup()
	case TransitionShutdown:
		return m.ctrl.Shutdown()
	default:
		return errors.Errorf("no such transition: %s", name)
	}
}

// State returns the controller's lifecycle state.
func (m *Manager) State() controller.State {
	return m.ctrl.State()
}

// Stats returns the cycle counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	consecutive := m.consecutiveErrors
	m.mu.Unlock()
	return Stats{
		Cycles:            m.cycles.Load(),
		FailedCycles:      m.failedCycles.Load(),
		ConsecutiveErrors: consecutive,
		Recoveries:        m.recoveries.Load(),
	}
}

// Close stops the update loop and shuts the controller down.
func (m *Manager) Close() error {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.activeBackgroundWorkers.Wait()
	return m.Transition(TransitionShutdown)
}
