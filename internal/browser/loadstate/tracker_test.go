// File: internal/browser/loadstate/tracker_test.go
package loadstate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/sparkle/api/schemas"
	"github.com/xkilldash9x/sparkle/internal/browser/driver"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeEvaluator answers document.readyState from a script of states; the last one sticks.
type fakeEvaluator struct {
	mu     sync.Mutex
	states []string
	err    error
	calls  int
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, script string, args ...interface{}) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.states) == 0 {
		return json.RawMessage(`"complete"`), nil
	}
	state := f.states[0]
	if len(f.states) > 1 {
		f.states = f.states[1:]
	}
	return json.RawMessage(fmt.Sprintf("%q", state)), nil
}

func (f *fakeEvaluator) set(states ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = states
}

func (f *fakeEvaluator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testOptions(t *testing.T) Options {
	return Options{
		HTTPClient:        &http.Client{Transport: &http.Transport{DisableKeepAlives: true}},
		Logger:            zaptest.NewLogger(t),
		PollInterval:      5 * time.Millisecond,
		IdleAfter:         50 * time.Millisecond,
		DiscoveryAttempts: 3,
		DiscoveryBackoff:  time.Millisecond,
	}
}

// fakeDevTools serves /json/list and one page socket that acknowledges every
// command and lets the test push events.
type fakeDevTools struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	methods  []string
	writeMu  sync.Mutex
	attached chan struct{}
	once     sync.Once
}

func newFakeDevTools(t *testing.T) *fakeDevTools {
	t.Helper()
	f := &fakeDevTools{t: t, attached: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		ws := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/devtools/page/MAIN"
		_ = json.NewEncoder(w).Encode([]map[string]string{
			{"id": "MAIN", "type": "page", "url": "https://example.com/", "webSocketDebuggerUrl": ws},
		})
	})
	mux.HandleFunc("/devtools/page/MAIN", f.serveSocket)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeDevTools) address() string {
	return strings.TrimPrefix(f.server.URL, "http://")
}

func (f *fakeDevTools) serveSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	f.once.Do(func() { close(f.attached) })

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		f.mu.Lock()
		f.methods = append(f.methods, cmd.Method)
		f.mu.Unlock()

		result := `{}`
		if cmd.Method == "Page.getFrameTree" {
			result = `{"frameTree":{"frame":{"id":"MAIN","loaderId":"L1","url":"https://example.com/"}}}`
		}
		f.write(fmt.Sprintf(`{"id":%d,"result":%s}`, cmd.ID, result))
	}
}

func (f *fakeDevTools) write(msg string) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (f *fakeDevTools) emit(method, params string) {
	f.write(fmt.Sprintf(`{"method":%q,"params":%s}`, method, params))
}

func (f *fakeDevTools) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

func (f *fakeDevTools) drop() {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func attachedTracker(t *testing.T, eval *fakeEvaluator) (*Tracker, *fakeDevTools) {
	t.Helper()
	f := newFakeDevTools(t)
	tr := New(eval, testOptions(t))
	t.Cleanup(func() { _ = tr.Close() })

	require.NoError(t, tr.Attach(context.Background(), f.address(), "https://example.com/"))
	require.True(t, tr.Live())
	require.Eventually(t, func() bool { return len(f.seen()) == 4 }, time.Second, 5*time.Millisecond)
	return tr, f
}

func TestTrackerEvents(t *testing.T) {
	t.Run("EnablesDomains", func(t *testing.T) {
		_, f := attachedTracker(t, &fakeEvaluator{states: []string{"loading"}})
		assert.Equal(t, []string{
			"Page.enable", "Network.enable", "Page.setLifecycleEventsEnabled", "Page.getFrameTree",
		}, f.seen())
	})

	t.Run("LoadWaitsForEvent", func(t *testing.T) {
		tr, f := attachedTracker(t, &fakeEvaluator{states: []string{"loading"}})

		done := make(chan error, 1)
		go func() { done <- tr.WaitFor(context.Background(), schemas.LoadStateLoad, 2*time.Second) }()

		select {
		case err := <-done:
			t.Fatalf("returned before the load event: %v", err)
		case <-time.After(30 * time.Millisecond):
		}

		f.emit("Page.loadEventFired", `{}`)
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("load event did not release the waiter")
		}
	})

	t.Run("LoadAcceptsReadyStateComplete", func(t *testing.T) {
		eval := &fakeEvaluator{states: []string{"loading"}}
		tr, _ := attachedTracker(t, eval)
		eval.set("loading", "loading", "complete")

		require.NoError(t, tr.WaitFor(context.Background(), schemas.LoadStateLoad, 2*time.Second))
		assert.False(t, tr.Snapshot().Load, "flag stays event driven")
	})

	t.Run("NetworkIdleAfterQuietPeriod", func(t *testing.T) {
		tr, f := attachedTracker(t, &fakeEvaluator{states: []string{"loading"}})

		f.emit("Network.requestWillBeSent", `{"requestId":"A","loaderId":"L1"}`)
		f.emit("Network.requestWillBeSent", `{"requestId":"B","loaderId":"L1"}`)
		require.Eventually(t, func() bool { return tr.Snapshot().InFlight == 2 }, time.Second, time.Millisecond)

		start := time.Now()
		f.emit("Network.loadingFinished", `{"requestId":"A","encodedDataLength":0}`)
		f.emit("Network.loadingFinished", `{"requestId":"B","encodedDataLength":0}`)

		require.NoError(t, tr.WaitFor(context.Background(), schemas.LoadStateNetworkIdle, 2*time.Second))
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("TimeoutNamesState", func(t *testing.T) {
		tr, f := attachedTracker(t, &fakeEvaluator{states: []string{"loading"}})
		f.emit("Network.requestWillBeSent", `{"requestId":"slow","loaderId":"L1"}`)
		require.Eventually(t, func() bool { return tr.Snapshot().InFlight == 1 }, time.Second, time.Millisecond)

		err := tr.WaitFor(context.Background(), schemas.LoadStateNetworkIdle, 40*time.Millisecond)
		require.ErrorIs(t, err, driver.ErrTimeout)
		assert.Contains(t, err.Error(), `load state "networkidle"`)

		var de *driver.Error
		require.True(t, errors.As(err, &de))
		assert.Equal(t, "networkidle", de.State)
	})

	t.Run("SeedsFromReadyState", func(t *testing.T) {
		tr, _ := attachedTracker(t, &fakeEvaluator{states: []string{"complete"}})
		assert.True(t, tr.Snapshot().Load)
		require.NoError(t, tr.WaitFor(context.Background(), schemas.LoadStateDOMContentLoaded, time.Second))
	})

	t.Run("ChannelLossFallsBackToPolling", func(t *testing.T) {
		eval := &fakeEvaluator{states: []string{"loading"}}
		tr, f := attachedTracker(t, eval)

		f.drop()
		require.Eventually(t, func() bool { return !tr.Live() }, time.Second, 5*time.Millisecond)

		eval.set("loading", "interactive")
		require.NoError(t, tr.WaitFor(context.Background(), schemas.LoadStateCommit, time.Second))
	})
}

func TestTrackerAttach(t *testing.T) {
	t.Run("NoDebuggerAddress", func(t *testing.T) {
		tr := New(&fakeEvaluator{}, testOptions(t))
		defer tr.Close()
		assert.ErrorIs(t, tr.Attach(context.Background(), "", ""), ErrNoDebuggerAddress)
		assert.False(t, tr.Live())
	})

	t.Run("RetriesDiscoveryThenDegrades", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		tr := New(&fakeEvaluator{states: []string{"complete"}}, testOptions(t))
		defer tr.Close()

		err := tr.Attach(context.Background(), srv.URL, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 3 attempts")
		assert.Equal(t, int32(3), hits.Load())
		assert.False(t, tr.Live())

		require.NoError(t, tr.WaitFor(context.Background(), schemas.LoadStateLoad, time.Second))
	})

	t.Run("TransientDiscoveryFailureRecovers", func(t *testing.T) {
		f := newFakeDevTools(t)
		var hits atomic.Int32
		proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			f.server.Config.Handler.ServeHTTP(w, r)
		}))
		defer proxy.Close()

		tr := New(&fakeEvaluator{states: []string{"loading"}}, testOptions(t))
		defer tr.Close()
		require.NoError(t, tr.Attach(context.Background(), proxy.URL, ""))
		assert.True(t, tr.Live())
		assert.Equal(t, int32(2), hits.Load())
	})

	t.Run("CloseIsIdempotent", func(t *testing.T) {
		tr, _ := attachedTracker(t, &fakeEvaluator{states: []string{"loading"}})
		require.NoError(t, tr.Close())
		require.NoError(t, tr.Close())
		assert.False(t, tr.Live())
		assert.Error(t, tr.Attach(context.Background(), "localhost:1", ""))
	})
}

func TestTrackerPolling(t *testing.T) {
	t.Run("DOMContentLoadedAcceptsInteractive", func(t *testing.T) {
		eval := &fakeEvaluator{states: []string{"loading", "loading", "interactive"}}
		tr := New(eval, testOptions(t))
		require.NoError(t, tr.WaitFor(context.Background(), schemas.LoadStateDOMContentLoaded, time.Second))
		assert.Equal(t, 3, eval.callCount())
	})

	t.Run("LoadRequiresComplete", func(t *testing.T) {
		eval := &fakeEvaluator{states: []string{"interactive", "interactive", "complete"}}
		tr := New(eval, testOptions(t))
		require.NoError(t, tr.WaitFor(context.Background(), "", time.Second))
		assert.Equal(t, 3, eval.callCount())
	})

	t.Run("NetworkIdleWaitsOneQuietPeriod", func(t *testing.T) {
		tr := New(&fakeEvaluator{states: []string{"complete"}}, testOptions(t))
		start := time.Now()
		require.NoError(t, tr.WaitFor(context.Background(), schemas.LoadStateNetworkIdle, time.Second))
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("TimeoutNamesState", func(t *testing.T) {
		tr := New(&fakeEvaluator{states: []string{"loading"}}, testOptions(t))
		err := tr.WaitFor(context.Background(), schemas.LoadStateDOMContentLoaded, 30*time.Millisecond)
		require.ErrorIs(t, err, driver.ErrTimeout)
		assert.Contains(t, err.Error(), `timed out after 30ms waiting for load state "domcontentloaded"`)
		assert.Contains(t, err.Error(), `document.readyState is "loading"`)
	})

	t.Run("SessionClosedIsTerminal", func(t *testing.T) {
		eval := &fakeEvaluator{err: &driver.Error{Kind: driver.KindSessionClosed, Op: "execute"}}
		tr := New(eval, testOptions(t))
		err := tr.WaitFor(context.Background(), schemas.LoadStateLoad, time.Second)
		assert.ErrorIs(t, err, driver.ErrSessionClosed)
		assert.Equal(t, 1, eval.callCount())
	})

	t.Run("ScriptFailuresAreRetried", func(t *testing.T) {
		eval := &fakeEvaluator{err: driver.NewActionFailed("execute", errors.New("document unloaded"))}
		tr := New(eval, testOptions(t))
		go func() {
			time.Sleep(20 * time.Millisecond)
			eval.mu.Lock()
			eval.err = nil
			eval.mu.Unlock()
		}()
		require.NoError(t, tr.WaitFor(context.Background(), schemas.LoadStateLoad, time.Second))
	})

	t.Run("CallerCancellation", func(t *testing.T) {
		tr := New(&fakeEvaluator{states: []string{"loading"}}, testOptions(t))
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)
		err := tr.WaitFor(ctx, schemas.LoadStateLoad, time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("UnknownState", func(t *testing.T) {
		tr := New(&fakeEvaluator{}, testOptions(t))
		err := tr.WaitFor(context.Background(), "bogus", time.Second)
		assert.ErrorIs(t, err, driver.ErrInvalidArgument)
	})
}

// scopedEvaluator is a fakeEvaluator behind a frame scope lock. It counts
// evaluations that ran while another caller held the scope.
type scopedEvaluator struct {
	fakeEvaluator
	scope    sync.Mutex
	held     atomic.Bool
	overlaps atomic.Int32
}

func (s *scopedEvaluator) LockScope() func() {
	s.scope.Lock()
	return s.scope.Unlock
}

func (s *scopedEvaluator) holdScope() func() {
	unlock := s.LockScope()
	s.held.Store(true)
	return func() {
		s.held.Store(false)
		unlock()
	}
}

func (s *scopedEvaluator) Evaluate(ctx context.Context, script string, args ...interface{}) (json.RawMessage, error) {
	if s.held.Load() {
		s.overlaps.Add(1)
	}
	return s.fakeEvaluator.Evaluate(ctx, script, args...)
}

func TestTrackerReadyStateHoldsScope(t *testing.T) {
	eval := &scopedEvaluator{fakeEvaluator: fakeEvaluator{states: []string{"complete"}}}
	tr := New(eval, testOptions(t))

	release := eval.holdScope()
	done := make(chan error, 1)
	go func() { done <- tr.WaitFor(context.Background(), schemas.LoadStateLoad, time.Second) }()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, eval.callCount(), "readyState must wait for the frame scope")
	release()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not finish after the scope was released")
	}
	assert.Zero(t, eval.overlaps.Load())
	assert.Equal(t, 1, eval.callCount())
}
