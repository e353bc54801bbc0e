// File: cmd/helpers_test.go
package cmd

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/spf13/afero"
	"github.com/tidwall/gjson"

	"github.com/xkilldash9x/sparkle/internal/observability"
)

var fakePNG = []byte("\x89PNG\r\n\x1a\nfake")

// fakeWebDriver answers the handful of routes the commands use.
type fakeWebDriver struct {
	mu      sync.Mutex
	url     string
	deleted int
}

func (f *fakeWebDriver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()

	route := r.Method + " " + strings.TrimPrefix(r.URL.Path, "/session/s1")
	switch route {
	case "POST /session":
		reply(w, http.StatusOK, map[string]interface{}{
			"sessionId":    "s1",
			"capabilities": map[string]interface{}{"browserName": "chrome", "browserVersion": "126.0"},
		})
	case "POST /url":
		f.url = gjson.GetBytes(body, "url").String()
		reply(w, http.StatusOK, nil)
	case "GET /url":
		reply(w, http.StatusOK, f.url)
	case "GET /title":
		reply(w, http.StatusOK, "Example Domain")
	case "GET /screenshot":
		reply(w, http.StatusOK, base64.StdEncoding.EncodeToString(fakePNG))
	case "GET /cookie":
		reply(w, http.StatusOK, []map[string]interface{}{{"name": "sid", "value": "abc", "path": "/", "domain": "example.test"}})
	case "POST /goog/cdp/execute":
		reply(w, http.StatusOK, map[string]string{"product": "Chrome/126.0"})
	case "POST /execute/sync":
		script := gjson.GetBytes(body, "script").String()
		switch {
		case strings.Contains(script, "document.readyState"):
			reply(w, http.StatusOK, "complete")
		case strings.Contains(script, "location.origin"):
			reply(w, http.StatusOK, "https://example.test")
		case strings.Contains(script, "getItem"):
			reply(w, http.StatusOK, []map[string]string{{"name": "k", "value": "v"}})
		default:
			reply(w, http.StatusOK, map[string]interface{}{"b": 2, "a": 1})
		}
	case "DELETE ":
		f.deleted++
		reply(w, http.StatusOK, nil)
	default:
		reply(w, http.StatusNotFound, map[string]string{"error": "unknown command", "message": route})
	}
}

func (f *fakeWebDriver) deletions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleted
}

func reply(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"value": v})
}

// setupCLI points the configuration at a fresh fake endpoint through the
// environment and swaps the filesystem for an in-memory one.
func setupCLI(t *testing.T) (*fakeWebDriver, afero.Fs) {
	t.Helper()
	fake := &fakeWebDriver{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	t.Setenv("SPARKLE_BROWSER_WEBDRIVER_URL", srv.URL)
	t.Setenv("SPARKLE_TRACKER_ENABLED", "false")
	t.Setenv("SPARKLE_TIMEOUTS_CONNECT", "2s")
	t.Setenv("SPARKLE_LOGGER_LEVEL", "error")

	fs := afero.NewMemMapFs()
	prev := appFs
	appFs = fs
	t.Cleanup(func() { appFs = prev })

	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)
	return fake, fs
}

// executeCommand runs a fresh command tree and returns its stdout and stderr.
func executeCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}
