// Package connectivity turns platform network signals and a periodic tick
// into sync passes and cache hygiene sweeps.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/krisalay/offline-cache/syncengine"
)

const (
	DefaultSettleDelay   = time.Second
	DefaultSweepInterval = 5 * time.Minute
)

// Config holds the monitor timings. Zero values get the defaults.
type Config struct {
	SettleDelay   time.Duration
	SweepInterval time.Duration
}

// Drainer runs one sync pass.
type Drainer interface {
	Drain(ctx context.Context) (syncengine.Report, error)
}

// Handler observes an applied transition. online is the new state.
type Handler func(online bool)

// SweepFunc runs one hygiene pass and returns how many entries it removed.
type SweepFunc func(ctx context.Context) int

type sweep struct {
	name string
	fn   SweepFunc
}

/*
Monitor owns the Offline <-> Online state machine.

Notify may be called from any goroutine; it only records the signal. Run is
the single dispatcher: it applies signals to State in order, calls handlers
one at a time, and decides when to drain:

  - Offline -> Online: after SettleDelay, if still online
  - every SweepInterval: run the sweeps, then drain if online

Drains run on a second goroutine so a slow pass never delays signal
handling. Requests arriving while a pass runs fold into one follow-up pass.
*/
type Monitor struct {
	state   *syncengine.State
	drainer Drainer
	cfg     Config
	logger  *slog.Logger

	mu       sync.Mutex
	pending  []bool
	handlers []Handler
	sweeps   []sweep
	signal   chan struct{}
}

// New creates a monitor writing to state. drainer may be nil.
func New(state *syncengine.State, drainer Drainer, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{
		state:   state,
		drainer: drainer,
		cfg:     cfg,
		logger:  logger,
		signal:  make(chan struct{}, 1),
	}
}

// Notify records a platform connectivity signal. It never blocks.
func (m *Monitor) Notify(online bool) {
	m.mu.Lock()
	m.pending = append(m.pending, online)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// OnTransition subscribes h to applied transitions.
func (m *Monitor) OnTransition(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// AddSweep registers a hygiene pass run on every tick.
func (m *Monitor) AddSweep(name string, fn SweepFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps = append(m.sweeps, sweep{name: name, fn: fn})
}

// Run dispatches until ctx ends. It returns nil on a clean shutdown.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	drains := make(chan struct{}, 1)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-drains:
				m.drain(ctx)
			}
		}
	})

	g.Go(func() error {
		return m.dispatch(ctx, drains)
	})

	return g.Wait()
}

func (m *Monitor) dispatch(ctx context.Context, drains chan<- struct{}) error {
	requestDrain := func() {
		select {
		case drains <- struct{}{}:
		default:
		}
	}

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	// settle is nil unless an Offline -> Online transition is waiting out
	// its delay.
	var settle <-chan time.Time
	var settleTimer *time.Timer
	stopSettle := func() {
		if settleTimer != nil {
			settleTimer.Stop()
			settleTimer, settle = nil, nil
		}
	}
	defer stopSettle()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-m.signal:
			for _, online := range m.takePending() {
				if !m.state.SetOnline(online) {
					continue
				}
				m.logger.Info("connectivity changed", "online", online)
				m.emit(online)

				stopSettle()
				if online {
					settleTimer = time.NewTimer(m.cfg.SettleDelay)
					settle = settleTimer.C
				}
			}

		case <-settle:
			settleTimer, settle = nil, nil
			if m.state.Online() {
				requestDrain()
			}

		case <-ticker.C:
			m.runSweeps(ctx)
			if m.state.Online() {
				requestDrain()
			}
		}
	}
}

func (m *Monitor) takePending() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pending
	m.pending = nil
	return p
}

func (m *Monitor) emit(online bool) {
	m.mu.Lock()
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.Unlock()

	for _, h := range handlers {
		h(online)
	}
}

func (m *Monitor) runSweeps(ctx context.Context) {
	m.mu.Lock()
	sweeps := append([]sweep(nil), m.sweeps...)
	m.mu.Unlock()

	for _, s := range sweeps {
		if n := s.fn(ctx); n > 0 {
			m.logger.Debug("sweep removed entries", "sweep", s.name, "removed", n)
		}
	}
}

func (m *Monitor) drain(ctx context.Context) {
	if m.drainer == nil {
		return
	}
	rep, err := m.drainer.Drain(ctx)
	if err != nil {
		m.logger.Warn("drain failed", "err", err)
		return
	}
	if rep.Skipped {
		m.logger.Debug("drain skipped")
	}
}
