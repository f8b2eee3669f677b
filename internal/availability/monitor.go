// Package availability tracks connectivity to the durable store, reconnects
// with exponential backoff and decides which Store implementation serves
// requests.
package availability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jogardn/stylestore/internal/store"
	"github.com/sirupsen/logrus"
)

type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyConnected    = errors.New("already connected")
	ErrReconnectInProgress = errors.New("reconnect already in progress")
	ErrStopped             = errors.New("monitor stopped")
	ErrAlreadyStarted      = errors.New("monitor already started")
)

type Config struct {
	Name                string
	BaseDelay           time.Duration
	MaxAttempts         int
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	Scheduler           Scheduler
	OnStateChange       func(name string, from State, to State)
	// OnAttempt is called after every connect attempt with its outcome.
	OnAttempt func(name string, err error)
}

// Health is the externally visible snapshot of the connection.
type Health struct {
	Connected          bool       `json:"connected"`
	State              string     `json:"state"`
	Host               string     `json:"host"`
	LastError          string     `json:"lastError,omitempty"`
	RetryAttempts      int        `json:"retryAttempts"`
	LastConnectAttempt *time.Time `json:"lastConnectAttempt,omitempty"`
	Uptime             float64    `json:"uptime"`
}

type Monitor struct {
	name           string
	durable        store.Durable
	baseDelay      time.Duration
	maxAttempts    int
	interval       time.Duration
	connectTimeout time.Duration
	scheduler      Scheduler
	onStateChange  func(name string, from State, to State)
	onAttempt      func(name string, err error)
	now            func() time.Time

	mutex              sync.RWMutex
	state              State
	lastError          string
	retryAttempts      int
	lastConnectAttempt time.Time
	startedAt          time.Time

	pending    Timer
	timerGen   uint64
	attempting bool
	stopped    bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// State change callbacks run one at a time in the order the changes
	// happened.
	callbackMutex   sync.Mutex
	callbackQueue   []stateChange
	callbackRunning bool

	// Metrics
	totalAttempts   int64
	totalFailures   int64
	stateChanges    int64
	lastStateChange time.Time

	logger *logrus.Logger
}

func NewMonitor(durable store.Durable, config Config, logger *logrus.Logger) *Monitor {
	if config.Name == "" {
		config.Name = durable.Host()
	}

	if config.BaseDelay <= 0 {
		logger.WithFields(logrus.Fields{
			"store":         config.Name,
			"invalid_value": config.BaseDelay,
			"default_value": "5s",
		}).Warn("Invalid BaseDelay value, using default")
		config.BaseDelay = 5 * time.Second
	}

	if config.MaxAttempts <= 0 {
		logger.WithFields(logrus.Fields{
			"store":         config.Name,
			"invalid_value": config.MaxAttempts,
			"default_value": 5,
		}).Warn("Invalid MaxAttempts value, using default")
		config.MaxAttempts = 5
	}

	// base << attempts must not overflow a Duration
	if config.MaxAttempts > 20 {
		logger.WithFields(logrus.Fields{
			"store":         config.Name,
			"invalid_value": config.MaxAttempts,
			"max_allowed":   20,
		}).Warn("MaxAttempts too high, capping at maximum")
		config.MaxAttempts = 20
	}

	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}

	if config.Scheduler == nil {
		config.Scheduler = clockScheduler{}
	}

	return &Monitor{
		name:           config.Name,
		durable:        durable,
		baseDelay:      config.BaseDelay,
		maxAttempts:    config.MaxAttempts,
		interval:       config.HealthCheckInterval,
		connectTimeout: config.ConnectTimeout,
		scheduler:      config.Scheduler,
		onStateChange:  config.OnStateChange,
		onAttempt:      config.OnAttempt,
		now:            time.Now,
		state:          StateUninitialized,
		ctx:            context.Background(),
		logger:         logger,
	}
}

// Start performs the initial connect and launches the periodic health check.
// A failed initial connect is returned but the backoff schedule is already
// running, so callers may keep serving.
func (m *Monitor) Start(ctx context.Context) error {
	m.mutex.Lock()
	if m.state != StateUninitialized || m.stopped {
		m.mutex.Unlock()
		return ErrAlreadyStarted
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.startedAt = m.now()
	if m.interval > 0 {
		m.done = make(chan struct{})
	}
	m.beginAttemptLocked()
	m.mutex.Unlock()

	err := m.finishAttempt(m.dial(ctx))

	if m.done != nil {
		go m.healthLoop()
	}
	return err
}

// Stop cancels every timer and the health loop, then closes the durable store.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mutex.Lock()
	if m.stopped {
		m.mutex.Unlock()
		return nil
	}
	m.stopped = true
	m.cancelPendingLocked()
	if m.cancel != nil {
		m.cancel()
	}
	m.setState(StateDisconnecting)
	done := m.done
	m.mutex.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	err := m.durable.Close(ctx)

	m.mutex.Lock()
	m.setState(StateDisconnected)
	m.mutex.Unlock()

	m.logger.WithField("store", m.name).Info("Availability monitor stopped")
	return err
}

// Reconnect performs one immediate attempt outside the backoff schedule.
// retryAttempts never exceeds MaxAttempts.
func (m *Monitor) Reconnect(ctx context.Context) error {
	m.mutex.Lock()
	switch {
	case m.stopped:
		m.mutex.Unlock()
		return ErrStopped
	case m.state == StateConnected:
		m.mutex.Unlock()
		return ErrAlreadyConnected
	case m.attempting:
		m.mutex.Unlock()
		return ErrReconnectInProgress
	}
	m.cancelPendingLocked()
	// Past the cap a manual attempt does not grow the counter.
	if m.retryAttempts < m.maxAttempts {
		m.retryAttempts++
	}
	m.beginAttemptLocked()
	attemptCtx := m.ctx
	m.mutex.Unlock()

	m.logger.WithField("store", m.name).Info("Manual reconnect requested")

	// The attempt belongs to the monitor; ctx only bounds how long the caller
	// waits for its result.
	result := make(chan error, 1)
	go func() {
		result <- m.finishAttempt(m.dial(attemptCtx))
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReportFailure lets store consumers signal a dropped connection. Errors
// that are not connectivity failures are ignored.
func (m *Monitor) ReportFailure(err error) {
	if !errors.Is(err, store.ErrUnavailable) {
		return
	}
	m.markDisconnected(err)
}

// Check runs one health check: it pings a connected store, and forces an
// attempt when disconnected and idle. The forced attempt resets the retry
// counter so the backoff schedule starts over.
func (m *Monitor) Check(ctx context.Context) {
	m.mutex.Lock()
	if m.stopped || m.state == StateUninitialized {
		m.mutex.Unlock()
		return
	}

	if m.state == StateConnected {
		m.mutex.Unlock()
		pingCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
		defer cancel()
		if err := m.durable.Ping(pingCtx); err != nil {
			m.markDisconnected(err)
		}
		return
	}

	if m.pending != nil || m.attempting {
		m.mutex.Unlock()
		return
	}

	m.logger.WithFields(logrus.Fields{
		"store":          m.name,
		"retry_attempts": m.retryAttempts,
	}).Info("Periodic health check forcing reconnect")
	m.retryAttempts = 1
	m.beginAttemptLocked()
	m.mutex.Unlock()

	m.finishAttempt(m.dial(ctx))
}

func (m *Monitor) healthLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Check(m.ctx)
		}
	}
}

func (m *Monitor) markDisconnected(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.stopped || m.state != StateConnected {
		return
	}

	m.lastError = err.Error()
	m.logger.WithFields(logrus.Fields{
		"store": m.name,
		"error": err.Error(),
	}).Warn("Store connection lost")
	m.setState(StateDisconnected)
	m.scheduleLocked()
}

func (m *Monitor) beginAttemptLocked() {
	m.attempting = true
	m.lastConnectAttempt = m.now()
	m.setState(StateConnecting)
}

func (m *Monitor) dial(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, m.connectTimeout)
	defer cancel()
	return m.durable.Connect(ctx)
}

func (m *Monitor) finishAttempt(err error) error {
	if m.onAttempt != nil {
		m.onAttempt(m.name, err)
	}

	m.mutex.Lock()
	m.attempting = false
	m.totalAttempts++

	if m.stopped {
		m.mutex.Unlock()
		if err == nil {
			m.durable.Close(context.Background())
		}
		return ErrStopped
	}

	if err == nil {
		m.retryAttempts = 0
		m.lastError = ""
		m.setState(StateConnected)
		m.mutex.Unlock()
		return nil
	}

	m.totalFailures++
	m.lastError = err.Error()
	m.logger.WithFields(logrus.Fields{
		"store":   m.name,
		"attempt": m.retryAttempts,
		"error":   err.Error(),
	}).Warn("Store connect attempt failed")
	m.setState(StateDisconnected)
	m.scheduleLocked()
	m.mutex.Unlock()
	return err
}

// scheduleLocked arms the next backoff timer unless one is pending, an
// attempt is running, or the attempt cap is reached.
func (m *Monitor) scheduleLocked() {
	if m.stopped || m.pending != nil || m.attempting {
		return
	}
	if m.retryAttempts >= m.maxAttempts {
		m.logger.WithFields(logrus.Fields{
			"store":        m.name,
			"max_attempts": m.maxAttempts,
		}).Error("Max reconnect attempts reached, waiting for health check or manual reconnect")
		return
	}

	attempt := m.retryAttempts + 1
	delay := Backoff(m.baseDelay, attempt)
	m.timerGen++
	gen := m.timerGen

	m.logger.WithFields(logrus.Fields{
		"store":   m.name,
		"attempt": attempt,
		"delay":   delay.String(),
	}).Info("Scheduling reconnect")

	m.pending = m.scheduler.AfterFunc(delay, func() { m.scheduledAttempt(gen) })
}

func (m *Monitor) scheduledAttempt(gen uint64) {
	m.mutex.Lock()
	if gen != m.timerGen || m.stopped || m.attempting {
		m.mutex.Unlock()
		return
	}
	m.pending = nil
	m.retryAttempts++
	m.beginAttemptLocked()
	ctx := m.ctx
	m.mutex.Unlock()

	m.finishAttempt(m.dial(ctx))
}

func (m *Monitor) cancelPendingLocked() {
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	m.timerGen++
}

func (m *Monitor) setState(newState State) {
	if m.state == newState {
		return
	}

	oldState := m.state
	m.state = newState
	m.stateChanges++
	m.lastStateChange = m.now()

	m.logger.WithFields(logrus.Fields{
		"store":      m.name,
		"from_state": oldState.String(),
		"to_state":   newState.String(),
	}).Info("Store connection state changed")

	if m.onStateChange != nil {
		m.enqueueStateChange(stateChange{from: oldState, to: newState})
	}
}

type stateChange struct {
	from State
	to   State
}

func (m *Monitor) enqueueStateChange(change stateChange) {
	m.callbackMutex.Lock()
	defer m.callbackMutex.Unlock()

	m.callbackQueue = append(m.callbackQueue, change)
	if !m.callbackRunning {
		m.callbackRunning = true
		go m.dispatchStateChanges()
	}
}

func (m *Monitor) dispatchStateChanges() {
	for {
		m.callbackMutex.Lock()
		if len(m.callbackQueue) == 0 {
			m.callbackRunning = false
			m.callbackMutex.Unlock()
			return
		}
		change := m.callbackQueue[0]
		m.callbackQueue = m.callbackQueue[1:]
		m.callbackMutex.Unlock()

		m.executeStateChangeCallback(m.name, change.from, change.to)
	}
}

// executeStateChangeCallback returns once the callback has finished. A slow
// callback is reported after 5s and the next change waits behind it.
func (m *Monitor) executeStateChangeCallback(name string, from State, to State) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})

	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.WithFields(logrus.Fields{
					"store":      name,
					"from_state": from.String(),
					"to_state":   to.String(),
					"panic":      r,
				}).Error("State change callback panicked")
			}
			close(done)
		}()

		m.onStateChange(name, from, to)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.WithFields(logrus.Fields{
			"store":      name,
			"from_state": from.String(),
			"to_state":   to.String(),
			"timeout":    "5s",
		}).Warn("State change callback timed out")
		<-done
	}
}

func (m *Monitor) State() State {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.state
}

func (m *Monitor) Health() Health {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	h := Health{
		Connected:     m.state == StateConnected,
		State:         m.state.String(),
		Host:          m.durable.Host(),
		LastError:     m.lastError,
		RetryAttempts: m.retryAttempts,
	}
	if !m.lastConnectAttempt.IsZero() {
		t := m.lastConnectAttempt
		h.LastConnectAttempt = &t
	}
	if !m.startedAt.IsZero() {
		h.Uptime = m.now().Sub(m.startedAt).Seconds()
	}
	return h
}

func (m *Monitor) Metrics() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return map[string]interface{}{
		"name":               m.name,
		"state":              m.state.String(),
		"retry_attempts":     m.retryAttempts,
		"max_attempts":       m.maxAttempts,
		"base_delay_seconds": m.baseDelay.Seconds(),
		"total_attempts":     m.totalAttempts,
		"total_failures":     m.totalFailures,
		"state_changes":      m.stateChanges,
		"reconnect_pending":  m.pending != nil,
		"last_state_change":  m.lastStateChange.Format(time.RFC3339),
	}
}

func (m *Monitor) String() string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return fmt.Sprintf("Monitor(store=%s, state=%s, attempts=%d/%d)",
		m.name, m.state.String(), m.retryAttempts, m.maxAttempts)
}
