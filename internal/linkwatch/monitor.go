// Package linkwatch implements the client-side verification monitor: a small
// finite state machine that tracks a single in-flight channel verification,
// polling the link-status endpoint until the verification succeeds, expires,
// or is cancelled by the user.
//
// The monitor is a purely client-side derived view. It persists nothing, and
// the server-side token expires on its own, so abandoning a monitor (page
// navigation, process exit) can never corrupt server state. Cancellation
// stops polling without side effects; retry issues a fresh nonce and starts
// over.
//
// The poll timer is owned by the monitor instance and is always stopped when
// the machine leaves the polling state.
package linkwatch

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// State is a node of the verification state machine.
type State string

// States. idle → starting → polling → {success, failed, expired, cancelled}.
const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StatePolling   State = "polling"
	StateSuccess   State = "success"
	StateFailed    State = "failed"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state ends a verification attempt.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateExpired, StateCancelled:
		return true
	}
	return false
}

// PollResult is the answer of one status poll.
type PollResult string

// Poll results, mirroring the link-status endpoint.
const (
	PollPending  PollResult = "pending"
	PollVerified PollResult = "verified"
	PollExpired  PollResult = "expired"
)

// Issued carries what the UI needs to present the verification step.
type Issued struct {
	Nonce     string
	Command   string
	DeepLink  string
	ExpiresAt time.Time
}

// IssueFunc requests a fresh verification nonce.
type IssueFunc func(ctx context.Context) (*Issued, error)

// PollFunc checks the verification state of a nonce.
type PollFunc func(ctx context.Context, nonce string) (PollResult, error)

// Options tune the polling loop.
type Options struct {
	// Interval is the base delay between polls.
	Interval time.Duration
	// BackoffFactor multiplies the delay after each poll; 1 disables
	// backoff. Values < 1 are coerced to 1.
	BackoffFactor float64
	// MaxInterval caps the backed-off delay. 0 means uncapped.
	MaxInterval time.Duration
	// MaxAttempts bounds consecutive poll errors before the machine gives
	// up as failed.
	MaxAttempts int
	// Timeout bounds the whole verification; reaching it transitions to
	// expired.
	Timeout time.Duration
}

// normalized applies defaults for zero values.
func (o Options) normalized() Options {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.BackoffFactor < 1 {
		o.BackoffFactor = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Minute
	}
	return o
}

// ErrNotRestartable is returned by Retry when the machine is not in a state
// a new attempt may start from.
var ErrNotRestartable = errors.New("monitor not in a restartable state")

// Monitor tracks one in-flight verification. Safe for concurrent use; the
// polling loop itself runs on a single goroutine.
type Monitor struct {
	issue IssueFunc
	poll  PollFunc
	opts  Options

	// onTransition, when set, observes every state change. Called outside
	// the monitor lock.
	onTransition func(State)

	mu     sync.Mutex
	state  State
	issued *Issued
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an idle Monitor. onTransition may be nil.
func New(issue IssueFunc, poll PollFunc, opts Options, onTransition func(State)) *Monitor {
	return &Monitor{
		issue:        issue,
		poll:         poll,
		opts:         opts.normalized(),
		onTransition: onTransition,
		state:        StateIdle,
	}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Issued returns the most recently issued nonce payload, or nil before the
// first successful issuance.
func (m *Monitor) Issued() *Issued {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issued
}

// Start begins a verification from idle (or any terminal state). It issues a
// nonce, transitions to starting, and launches the polling loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle && !m.state.Terminal() {
		m.mu.Unlock()
		return ErrNotRestartable
	}
	runCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.setLocked(StateStarting)
	m.mu.Unlock()

	issued, err := m.issue(runCtx)
	if err != nil {
		m.transition(StateFailed)
		cancel()
		m.finish()
		return err
	}

	m.mu.Lock()
	m.issued = issued
	// Cancelled while issuing: stay cancelled, do not start polling.
	if m.state != StateStarting {
		m.mu.Unlock()
		cancel()
		m.finish()
		return nil
	}
	m.setLocked(StatePolling)
	m.mu.Unlock()

	go m.run(runCtx, issued.Nonce)
	return nil
}

// Retry re-issues a nonce after a failed or expired attempt.
func (m *Monitor) Retry(ctx context.Context) error {
	m.mu.Lock()
	restartable := m.state == StateFailed || m.state == StateExpired
	m.mu.Unlock()
	if !restartable {
		return ErrNotRestartable
	}
	return m.Start(ctx)
}

// Cancel stops polling without server-side effects; the token still expires
// naturally. No-op once the machine is terminal.
func (m *Monitor) Cancel() {
	m.mu.Lock()
	if m.state.Terminal() || m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.setLocked(StateCancelled)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the current attempt reaches a terminal state and returns
// it. It returns immediately when no attempt is running.
func (m *Monitor) Wait() State {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
	return m.State()
}

// run is the polling loop. It owns the poll timer; every exit path stops it.
func (m *Monitor) run(ctx context.Context, nonce string) {
	defer m.finish()

	delay := m.opts.Interval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			// User cancellation already set the state; an elapsed
			// deadline means the verification expired.
			m.mu.Lock()
			if m.state == StatePolling {
				m.setLocked(StateExpired)
			}
			m.mu.Unlock()
			return
		case <-timer.C:
		}

		res, err := m.poll(ctx, nonce)
		if err != nil {
			failures++
			if failures >= m.opts.MaxAttempts {
				m.transition(StateFailed)
				return
			}
		} else {
			failures = 0
			switch res {
			case PollVerified:
				m.transition(StateSuccess)
				return
			case PollExpired:
				m.transition(StateExpired)
				return
			}
		}

		delay = m.nextDelay(delay)
		timer.Reset(delay)
	}
}

// nextDelay applies exponential backoff bounded by MaxInterval.
func (m *Monitor) nextDelay(cur time.Duration) time.Duration {
	if m.opts.BackoffFactor <= 1 {
		return cur
	}
	next := time.Duration(math.Round(float64(cur) * m.opts.BackoffFactor))
	if m.opts.MaxInterval > 0 && next > m.opts.MaxInterval {
		next = m.opts.MaxInterval
	}
	return next
}

// transition moves to state unless the machine already left polling (e.g. a
// cancellation raced the poll result).
func (m *Monitor) transition(to State) {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	m.setLocked(to)
	m.mu.Unlock()
}

// setLocked records a state change and notifies the observer. Caller holds
// the lock; the observer is invoked without it.
func (m *Monitor) setLocked(to State) {
	m.state = to
	if cb := m.onTransition; cb != nil {
		go cb(to)
	}
}

// finish releases the attempt's resources and wakes Wait callers.
func (m *Monitor) finish() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		close(done)
	}
}
