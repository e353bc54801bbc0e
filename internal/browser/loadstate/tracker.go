// File: internal/browser/loadstate/tracker.go

// Package loadstate answers "wait until the page reached state X". It listens to
// DevTools page and network events when the browser exposes a debugging endpoint
// and falls back to polling document.readyState through the control protocol
// when it does not.
package loadstate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sparkle/api/schemas"
	"github.com/xkilldash9x/sparkle/internal/browser/driver"
	"github.com/xkilldash9x/sparkle/internal/browser/retry"
	"github.com/xkilldash9x/sparkle/internal/observability"
)

const (
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultTimeout           = 30 * time.Second
	DefaultDiscoveryAttempts = 3
	DefaultDiscoveryBackoff  = 250 * time.Millisecond

	readyStateScript = "return document.readyState"
)

// ErrNoDebuggerAddress means the session exposes no DevTools endpoint.
var ErrNoDebuggerAddress = errors.New("session has no debugger address")

// errNotReady marks a polling attempt that observed an earlier document.readyState.
var errNotReady = errors.New("document not ready")

// Evaluator runs a script in the page through the control protocol.
// *driver.Session satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, script string, args ...interface{}) (json.RawMessage, error)
}

// scopeLocker is implemented by evaluators whose script target can be moved
// into a frame by concurrent callers.
type scopeLocker interface {
	LockScope() func()
}

// Options tunes a Tracker. Zero values take the package defaults.
type Options struct {
	HTTPClient        *http.Client
	Logger            *zap.Logger
	Clock             Clock
	PollInterval      time.Duration
	IdleAfter         time.Duration
	DefaultTimeout    time.Duration
	DiscoveryAttempts int
	DiscoveryBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.IdleAfter <= 0 {
		o.IdleAfter = DefaultIdleAfter
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = DefaultTimeout
	}
	if o.DiscoveryAttempts <= 0 {
		o.DiscoveryAttempts = DefaultDiscoveryAttempts
	}
	if o.DiscoveryBackoff <= 0 {
		o.DiscoveryBackoff = DefaultDiscoveryBackoff
	}
	return o
}

// Tracker owns the push event channel of one page and serves load state waits.
type Tracker struct {
	eval   Evaluator
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	channel *eventChannel
	machine *Machine
	closed  bool

	degradeOnce sync.Once
}

// New returns a tracker in polling mode. Call Attach to switch to events.
func New(eval Evaluator, opts Options) *Tracker {
	opts = opts.withDefaults()
	return &Tracker{
		eval:   eval,
		opts:   opts,
		logger: opts.Logger.Named("loadstate"),
	}
}

// Attach discovers the page socket behind debuggerAddress and opens the event
// channel. Discovery is retried DiscoveryAttempts times to ride out an endpoint
// that is still starting. On failure the tracker keeps serving waits by polling
// and the error is returned for the caller to log or ignore.
func (t *Tracker) Attach(ctx context.Context, debuggerAddress, currentURL string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("load state tracker is closed")
	}
	if t.channel != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if debuggerAddress == "" {
		t.degrade(ErrNoDebuggerAddress)
		return ErrNoDebuggerAddress
	}

	wsURL, err := t.discover(ctx, debuggerAddress, currentURL)
	if err != nil {
		t.degrade(err)
		return err
	}

	machine := NewMachine(t.opts.Clock, t.opts.IdleAfter)
	ch, err := dialChannel(ctx, wsURL, machine, t.logger)
	if err != nil {
		machine.Detach()
		t.degrade(err)
		return err
	}

	// Pages that finished loading before we attached emit no more lifecycle events.
	if rs, err := t.readyState(ctx); err == nil {
		machine.Seed(rs)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.channel != nil {
		_ = ch.close()
		return nil
	}
	t.channel, t.machine = ch, machine
	t.logger.Debug("DevTools event channel attached.", zap.String("ws_url", wsURL))
	return nil
}

func (t *Tracker) discover(ctx context.Context, debuggerAddress, currentURL string) (string, error) {
	policy := retry.Policy{
		Name:        "discovery",
		Budget:      t.opts.DefaultTimeout,
		Interval:    t.opts.DiscoveryBackoff,
		MaxAttempts: t.opts.DiscoveryAttempts,
		Retryable:   func(error) bool { return true },
	}

	attempt := 0
	wsURL, err := retry.Value(ctx, policy, "devtools discovery", func(ctx context.Context) (string, error) {
		attempt++
		wsURL, err := Discover(ctx, t.opts.HTTPClient, debuggerAddress, currentURL)
		if err != nil {
			t.logger.Debug("DevTools endpoint discovery failed.",
				zap.Int("attempt", attempt), zap.String("address", debuggerAddress), zap.Error(err))
		}
		return wsURL, err
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", fmt.Errorf("devtools discovery failed after %d attempts: %w", attempt, err)
	}
	return wsURL, nil
}

func (t *Tracker) degrade(reason error) {
	t.degradeOnce.Do(func() {
		t.logger.Warn("DevTools event channel unavailable, waiting for load states by polling document.readyState.",
			zap.Error(reason))
	})
}

// Live reports whether waits are currently served from push events.
func (t *Tracker) Live() bool {
	return t.liveMachine() != nil
}

// Snapshot returns the event driven flags, or a zero Snapshot in polling mode.
func (t *Tracker) Snapshot() Snapshot {
	if m := t.liveMachine(); m != nil {
		return m.Snapshot()
	}
	return Snapshot{}
}

func (t *Tracker) liveMachine() *Machine {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.machine == nil || t.machine.Detached() {
		return nil
	}
	return t.machine
}

// WaitFor blocks until the page reaches state or timeout elapses (DefaultTimeout when zero).
// An empty state means load.
func (t *Tracker) WaitFor(ctx context.Context, state schemas.LoadState, timeout time.Duration) error {
	switch state {
	case "":
		state = schemas.LoadStateLoad
	case schemas.LoadStateLoad, schemas.LoadStateDOMContentLoaded, schemas.LoadStateNetworkIdle, schemas.LoadStateCommit:
	default:
		return driver.NewInvalidArgument("wait for load state", fmt.Sprintf("unknown load state %q", state))
	}
	if timeout <= 0 {
		timeout = t.opts.DefaultTimeout
	}

	start := time.Now()
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	source := "polling"
	var err error
	if m := t.liveMachine(); m != nil {
		source = "events"
		err = t.waitEvents(wctx, m, state)
		if errors.Is(err, errDetached) {
			source = "polling"
			err = t.poll(wctx, state)
		}
	} else {
		err = t.poll(wctx, state)
	}
	err = t.finish(ctx, state, timeout, err)

	outcome := "ok"
	switch {
	case errors.Is(err, driver.ErrTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	observability.ObserveLoadStateWait(string(state), source, outcome, time.Since(start))
	return err
}

func (t *Tracker) waitEvents(ctx context.Context, m *Machine, state schemas.LoadState) error {
	// Load also accepts the control protocol's own view of the document.
	checkDocument := state == schemas.LoadStateLoad
	var tick <-chan time.Time
	if checkDocument {
		ticker := time.NewTicker(t.opts.PollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		changed := m.Changed()
		if m.Snapshot().Satisfies(state) {
			return nil
		}
		if m.Detached() {
			return errDetached
		}
		if checkDocument {
			checkDocument = false
			rs, err := t.readyState(ctx)
			if err == nil && rs == "complete" {
				return nil
			}
			if err != nil && driver.IsTerminal(err) {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-tick:
			checkDocument = true
		}
	}
}

func (t *Tracker) poll(ctx context.Context, state schemas.LoadState) error {
	budget := t.opts.DefaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		budget = time.Until(deadline)
	}
	policy := retry.Policy{
		Name:      "loadstate",
		Budget:    budget,
		Interval:  t.opts.PollInterval,
		Retryable: pollRetryable,
	}

	err := retry.Do(ctx, policy, fmt.Sprintf("load state %q", state), func(ctx context.Context) error {
		rs, err := t.readyState(ctx)
		if err != nil {
			return err
		}
		if !readyStateSatisfies(state, rs) {
			return fmt.Errorf("%w: document.readyState is %q", errNotReady, rs)
		}
		return nil
	})
	if err != nil || state != schemas.LoadStateNetworkIdle {
		return err
	}

	// Without request events the best approximation of idle is one quiet period after load.
	timer := time.NewTimer(t.opts.IdleAfter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// pollRetryable keeps polling through navigations, where script execution can fail transiently.
func pollRetryable(err error) bool {
	return errors.Is(err, errNotReady) || driver.IsRetryable(err) || driver.KindOf(err) == driver.KindActionFailed
}

func readyStateSatisfies(state schemas.LoadState, rs string) bool {
	switch state {
	case schemas.LoadStateDOMContentLoaded, schemas.LoadStateCommit:
		return rs == "interactive" || rs == "complete"
	default:
		return rs == "complete"
	}
}

// readyState reads the top level document's readyState. The scope lock keeps a
// concurrent frame action from redirecting the script into a frame.
func (t *Tracker) readyState(ctx context.Context) (string, error) {
	if l, ok := t.eval.(scopeLocker); ok {
		unlock := l.LockScope()
		defer unlock()
	}
	raw, err := t.eval.Evaluate(ctx, readyStateScript)
	if err != nil {
		return "", err
	}
	var rs string
	if err := json.Unmarshal(raw, &rs); err != nil {
		return "", driver.NewSerialization("document.readyState", err)
	}
	return rs, nil
}

// finish turns deadline expiry into a Timeout naming the state.
func (t *Tracker) finish(parent context.Context, state schemas.LoadState, timeout time.Duration, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(parent.Err(), context.Canceled) {
		return parent.Err()
	}

	var cause error
	var de *driver.Error
	switch {
	case errors.As(err, &de) && de.Kind == driver.KindTimeout:
		cause = de.Err
	case errors.Is(err, context.DeadlineExceeded):
	default:
		return err
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		cause = nil
	}
	return &driver.Error{
		Kind:    driver.KindTimeout,
		Op:      fmt.Sprintf("load state %q", state),
		State:   string(state),
		Timeout: timeout,
		Err:     cause,
	}
}

// Close releases the event channel. Waits afterwards poll.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ch, m := t.channel, t.machine
	t.channel, t.machine = nil, nil
	t.mu.Unlock()

	if m != nil {
		m.Detach()
	}
	if ch != nil {
		return ch.close()
	}
	return nil
}
