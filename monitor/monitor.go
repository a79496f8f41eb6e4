package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultBaseDelay is the wait before the second reconnection attempt;
	// later attempts grow by 1.5x each.
	DefaultBaseDelay = 3000 * time.Millisecond

	// DefaultMaxRetries bounds consecutive failed attempts before the
	// monitor reports permanent disconnection.
	DefaultMaxRetries = 5

	// DefaultHealthInterval is the probe cadence while connected.
	DefaultHealthInterval = 10 * time.Second

	// DefaultProbeTimeout bounds a single liveness probe.
	DefaultProbeTimeout = 5 * time.Second
)

// StateKind is the connection state enum.
type StateKind int

const (
	Disconnected StateKind = iota
	Connected
	Reconnecting
)

func (k StateKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "disconnected"
}

// State is the monitor's current position in the reconnection state machine.
// The retry count lives in the state itself rather than in a side counter, so
// every transition is explicit and observable.
type State struct {
	Kind StateKind

	// Attempt is the 1-based reconnection attempt, set while Reconnecting.
	Attempt int

	// Terminal marks a Disconnected state reached by exhausting retries.
	// The monitor will not probe again until ForceReconnect or an online
	// signal.
	Terminal bool
}

// Probe is a bounded liveness check against the hosting backend. Success or
// failure is all that matters; there are no payload semantics.
type Probe func(ctx context.Context) error

// Config carries the monitor's tunables. Zero values select the defaults.
type Config struct {
	Probe          Probe
	BaseDelay      time.Duration
	MaxRetries     int
	HealthInterval time.Duration
	ProbeTimeout   time.Duration
	Logger         *logrus.Logger

	// After replaces time.After in tests.
	After func(d time.Duration) <-chan time.Time
}

type signal int

const (
	sigOnline signal = iota
	sigOffline
	sigKick
	sigMarkConnected
)

// Monitor supervises connectivity for one session: periodic health checks
// while connected, and an exponential-backoff reconnection state machine when
// the connection drops. All state transitions happen on the monitor's own
// goroutine.
type Monitor struct {
	cfg Config
	bo  *backoff.ExponentialBackOff
	log *logrus.Logger

	mu  sync.RWMutex
	cur State

	updates chan State
	signals chan signal
	done    chan struct{}
	stopped sync.Once
}

// New builds a stopped monitor in the Disconnected state. Call Start to
// begin supervision.
func New(cfg Config) *Monitor {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.After == nil {
		cfg.After = time.After
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseDelay
	bo.Multiplier = 1.5
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Hour
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &Monitor{
		cfg:     cfg,
		bo:      bo,
		log:     cfg.Logger,
		cur:     State{Kind: Disconnected},
		updates: make(chan State, 16),
		signals: make(chan signal, 16),
		done:    make(chan struct{}),
	}
}

// Start launches the supervision loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop halts supervision. No transition is delivered after Stop returns.
func (m *Monitor) Stop() {
	m.stopped.Do(func() { close(m.done) })
}

// State returns the current connection state.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Updates delivers every state transition in order.
func (m *Monitor) Updates() <-chan State {
	return m.updates
}

// MarkConnected records that the session established its channel. The
// transition still happens on the monitor goroutine.
func (m *Monitor) MarkConnected() {
	m.send(sigMarkConnected)
}

// ForceReconnect is the manual retry entry point, usable after a terminal
// disconnect. It resets the attempt counter and backoff schedule.
func (m *Monitor) ForceReconnect() {
	m.send(sigKick)
}

// SetOnline feeds the platform's network-connectivity signal. Offline forces
// Disconnected immediately; online triggers an immediate reconnection
// attempt, bypassing any scheduled wait.
func (m *Monitor) SetOnline(online bool) {
	if online {
		m.send(sigOnline)
	} else {
		m.send(sigOffline)
	}
}

func (m *Monitor) send(s signal) {
	select {
	case m.signals <- s:
	case <-m.done:
	}
}

func (m *Monitor) run() {
	for {
		select {
		case <-m.done:
			return
		default:
		}

		switch st := m.State(); st.Kind {
		case Connected:
			m.runConnected()
		case Reconnecting:
			m.runReconnecting(st.Attempt)
		case Disconnected:
			m.runDisconnected()
		}
	}
}

// runConnected waits out the health interval, probing on each tick.
func (m *Monitor) runConnected() {
	select {
	case <-m.done:
	case s := <-m.signals:
		switch s {
		case sigOffline:
			m.transition(State{Kind: Disconnected})
		case sigKick:
			m.beginReconnect()
		}
	case <-m.cfg.After(m.cfg.HealthInterval):
		if err := m.probe(); err != nil {
			m.log.Warnf("health check failed: %v", err)
			m.beginReconnect()
		}
	}
}

// runReconnecting probes immediately on entry, then either recovers, gives
// up, or schedules the next attempt with exponential backoff.
func (m *Monitor) runReconnecting(attempt int) {
	if err := m.probe(); err == nil {
		m.log.Infof("reconnected on attempt %d", attempt)
		m.transition(State{Kind: Connected})
		return
	}

	if attempt >= m.cfg.MaxRetries {
		m.log.Errorf("giving up after %d reconnection attempts", attempt)
		m.transition(State{Kind: Disconnected, Terminal: true})
		return
	}

	delay := m.bo.NextBackOff()
	m.log.Infof("reconnection attempt %d failed, retrying in %s", attempt, delay)

	select {
	case <-m.done:
	case s := <-m.signals:
		switch s {
		case sigOffline:
			m.transition(State{Kind: Disconnected})
		case sigOnline, sigKick:
			// Network came back (or the caller insisted): skip the wait.
			m.transition(State{Kind: Reconnecting, Attempt: attempt + 1})
		}
	case <-m.cfg.After(delay):
		m.transition(State{Kind: Reconnecting, Attempt: attempt + 1})
	}
}

// runDisconnected idles until something asks for a connection.
func (m *Monitor) runDisconnected() {
	select {
	case <-m.done:
	case s := <-m.signals:
		switch s {
		case sigOnline, sigKick:
			m.beginReconnect()
		case sigMarkConnected:
			m.bo.Reset()
			m.transition(State{Kind: Connected})
		}
	}
}

func (m *Monitor) beginReconnect() {
	m.bo.Reset()
	m.transition(State{Kind: Reconnecting, Attempt: 1})
}

func (m *Monitor) probe() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()
	return m.cfg.Probe(ctx)
}

func (m *Monitor) transition(next State) {
	m.mu.Lock()
	m.cur = next
	m.mu.Unlock()

	select {
	case m.updates <- next:
	default:
		m.log.Warnf("state update dropped: %s", next.Kind)
	}
}
