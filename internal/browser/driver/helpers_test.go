// File: internal/browser/driver/helpers_test.go
package driver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testSessionID = "abc123"
	deleteRoute   = "DELETE "
)

// fakeRemote is a minimal W3C remote end. Routes are keyed by "METHOD /path" relative
// to /session/{id}; unmatched routes answer "unknown command".
type fakeRemote struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	routes   map[string]http.HandlerFunc
	requests []string
	bodies   map[string][]byte
	deleted  atomic.Int32
	newCaps  map[string]interface{}
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	f := &fakeRemote{
		t:      t,
		routes: map[string]http.HandlerFunc{},
		bodies: map[string][]byte{},
		newCaps: map[string]interface{}{
			"browserName":    "chrome",
			"browserVersion": "126.0.6478.55",
			"goog:chromeOptions": map[string]interface{}{
				"debuggerAddress": "localhost:9222",
			},
		},
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRemote) handle(route string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[route] = h
}

// value registers a route that answers {"value": v}.
func (f *fakeRemote) value(route string, v interface{}) {
	f.handle(route, func(w http.ResponseWriter, r *http.Request) {
		writeValue(w, http.StatusOK, v)
	})
}

// fail registers a route that answers with a W3C error.
func (f *fakeRemote) fail(route string, status int, code, message string) {
	f.handle(route, func(w http.ResponseWriter, r *http.Request) {
		writeValue(w, status, map[string]string{"error": code, "message": message, "stacktrace": ""})
	})
}

func (f *fakeRemote) count(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r == route {
			n++
		}
	}
	return n
}

func (f *fakeRemote) lastBody(route string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[route]
}

func (f *fakeRemote) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	if r.Method == http.MethodPost && r.URL.Path == "/session" {
		f.mu.Lock()
		f.bodies["POST /session"] = body
		caps := f.newCaps
		f.mu.Unlock()
		writeValue(w, http.StatusOK, map[string]interface{}{
			"sessionId":    testSessionID,
			"capabilities": caps,
		})
		return
	}

	prefix := "/session/" + testSessionID
	if !strings.HasPrefix(r.URL.Path, prefix) {
		writeValue(w, http.StatusNotFound, map[string]string{"error": "invalid session id", "message": "no such session"})
		return
	}
	route := r.Method + " " + strings.TrimPrefix(r.URL.Path, prefix)

	f.mu.Lock()
	f.requests = append(f.requests, route)
	f.bodies[route] = body
	h, ok := f.routes[route]
	f.mu.Unlock()
	if route == deleteRoute {
		f.deleted.Add(1)
		if !ok {
			writeValue(w, http.StatusOK, nil)
			return
		}
	}
	if !ok {
		writeValue(w, http.StatusNotFound, map[string]string{"error": "unknown command", "message": route})
		return
	}
	h(w, r)
}

func writeValue(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"value": v})
}

func element(id string) map[string]string {
	return map[string]string{elementKey: id}
}

// newTestSession opens a session against f.
func newTestSession(t *testing.T, f *fakeRemote) *Session {
	t.Helper()
	s, err := New(context.Background(), Options{
		URL:    f.server.URL,
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}
