// File: internal/browser/loadstate/machine.go
package loadstate

import (
	"errors"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"

	"github.com/xkilldash9x/sparkle/api/schemas"
)

// DefaultIdleAfter is the quiet period after the last request before the network counts as idle.
const DefaultIdleAfter = 500 * time.Millisecond

// errDetached is returned to waiters once the event channel feeding the machine is gone.
var errDetached = errors.New("load state event channel detached")

// Timer is the part of *time.Timer the machine needs.
type Timer interface {
	Stop() bool
}

// Clock schedules the idle timer. Tests substitute a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Snapshot is a point in time copy of the machine's flags.
type Snapshot struct {
	DOMContentLoaded bool
	Load             bool
	NetworkIdle      bool
	Committed        bool
	InFlight         int
}

// Satisfies reports whether the snapshot meets state. The milestones are ordered,
// so a later one implies the earlier ones.
func (s Snapshot) Satisfies(state schemas.LoadState) bool {
	switch state {
	case schemas.LoadStateCommit:
		return s.Committed || s.DOMContentLoaded || s.Load
	case schemas.LoadStateDOMContentLoaded:
		return s.DOMContentLoaded || s.Load
	case schemas.LoadStateLoad:
		return s.Load
	case schemas.LoadStateNetworkIdle:
		return s.NetworkIdle
	}
	return false
}

// Machine accumulates page lifecycle and network events into load state flags.
// Events are applied by a single consumer; waiters block on a broadcast channel
// that is closed and replaced on every change.
type Machine struct {
	clock     Clock
	idleAfter time.Duration

	mu        sync.Mutex
	snap      Snapshot
	inflight  map[network.RequestID]struct{}
	idleTimer Timer
	idleGen   uint64
	mainFrame cdp.FrameID
	changed   chan struct{}
	detached  bool
}

// NewMachine returns a machine with an empty in-flight set. The idle timer is armed
// immediately, so a page that issues no requests becomes idle after idleAfter.
func NewMachine(clock Clock, idleAfter time.Duration) *Machine {
	if clock == nil {
		clock = realClock{}
	}
	if idleAfter <= 0 {
		idleAfter = DefaultIdleAfter
	}
	m := &Machine{
		clock:     clock,
		idleAfter: idleAfter,
		inflight:  make(map[network.RequestID]struct{}),
		changed:   make(chan struct{}),
	}
	m.mu.Lock()
	m.armIdleLocked()
	m.mu.Unlock()
	return m
}

// Snapshot returns the current flags.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.snap
	s.InFlight = len(m.inflight)
	return s
}

// Changed returns a channel closed at the next state change. Fetch it before
// checking the snapshot to avoid missing a wakeup.
func (m *Machine) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// Detached reports whether the event source has gone away.
func (m *Machine) Detached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detached
}

// SetMainFrame records the top level frame so lifecycle events of iframes are ignored.
func (m *Machine) SetMainFrame(id cdp.FrameID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mainFrame = id
}

// Seed raises flags from a document.readyState observed out of band, for pages
// that finished loading before the event channel was attached. It never lowers a flag.
func (m *Machine) Seed(readyState string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := m.snap
	switch readyState {
	case "complete":
		m.snap.Load = true
		fallthrough
	case "interactive":
		m.snap.DOMContentLoaded = true
		m.snap.Committed = true
	}
	if before != m.snap {
		m.notifyLocked()
	}
}

// Apply feeds one decoded DevTools event. Unknown event types are ignored.
func (m *Machine) Apply(ev interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.detached {
		return
	}
	before := m.snap

	switch e := ev.(type) {
	case *page.EventDomContentEventFired:
		m.snap.DOMContentLoaded = true
		m.snap.Committed = true
	case *page.EventLoadEventFired:
		m.snap.Load = true
		m.snap.DOMContentLoaded = true
		m.snap.Committed = true
	case *page.EventFrameStartedLoading:
		if m.isMainFrameLocked(e.FrameID) {
			// A new navigation starts from scratch.
			m.snap = Snapshot{Committed: true}
			m.stopIdleLocked()
			if len(m.inflight) == 0 {
				m.armIdleLocked()
			}
		}
	case *page.EventFrameNavigated:
		if e.Frame != nil && e.Frame.ParentID == "" {
			m.mainFrame = e.Frame.ID
			m.snap.Committed = true
		}
	case *page.EventLifecycleEvent:
		if !m.isMainFrameLocked(e.FrameID) {
			break
		}
		switch e.Name {
		case "commit", "init":
			m.snap.Committed = true
		case "DOMContentLoaded":
			m.snap.DOMContentLoaded = true
			m.snap.Committed = true
		case "load":
			m.snap.Load = true
			m.snap.DOMContentLoaded = true
			m.snap.Committed = true
		}
	case *network.EventRequestWillBeSent:
		m.inflight[e.RequestID] = struct{}{}
		m.snap.NetworkIdle = false
		m.stopIdleLocked()
	case *network.EventLoadingFinished:
		m.finishLocked(e.RequestID)
	case *network.EventLoadingFailed:
		m.finishLocked(e.RequestID)
	}

	if before != m.snap {
		m.notifyLocked()
	}
}

// Detach wakes every waiter with errDetached and stops the idle timer.
func (m *Machine) Detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.detached {
		return
	}
	m.detached = true
	m.stopIdleLocked()
	m.notifyLocked()
}

func (m *Machine) isMainFrameLocked(id cdp.FrameID) bool {
	return m.mainFrame == "" || m.mainFrame == id
}

func (m *Machine) finishLocked(id network.RequestID) {
	if _, ok := m.inflight[id]; !ok {
		return
	}
	delete(m.inflight, id)
	if len(m.inflight) == 0 {
		m.armIdleLocked()
	}
}

func (m *Machine) armIdleLocked() {
	m.stopIdleLocked()
	m.idleGen++
	gen := m.idleGen
	m.idleTimer = m.clock.AfterFunc(m.idleAfter, func() { m.idleFired(gen) })
}

func (m *Machine) stopIdleLocked() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	// Invalidates a callback that already started running.
	m.idleGen++
}

func (m *Machine) idleFired(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.idleGen || m.detached || len(m.inflight) != 0 || m.snap.NetworkIdle {
		return
	}
	m.idleTimer = nil
	m.snap.NetworkIdle = true
	m.notifyLocked()
}

func (m *Machine) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}
