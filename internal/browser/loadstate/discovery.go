// File: internal/browser/loadstate/discovery.go
package loadstate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrNoPageTarget means the DevTools endpoint answered but listed no page.
var ErrNoPageTarget = errors.New("no page target exposed by the debugging endpoint")

// Target is one entry of the DevTools /json/list endpoint.
type Target struct {
	ID                   string
	Type                 string
	Title                string
	URL                  string
	WebSocketDebuggerURL string
}

// endpointURL turns a debuggerAddress ("localhost:9222") into an HTTP base URL.
func endpointURL(debuggerAddress string) string {
	addr := strings.TrimSuffix(debuggerAddress, "/")
	if strings.Contains(addr, "://") {
		return addr
	}
	return "http://" + addr
}

// ListTargets fetches the open targets of the browser at debuggerAddress.
func ListTargets(ctx context.Context, client *http.Client, debuggerAddress string) ([]Target, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL(debuggerAddress)+"/json/list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build target list request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query debugging endpoint %s: %w", debuggerAddress, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read target list: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("debugging endpoint returned HTTP %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsArray() {
		return nil, fmt.Errorf("debugging endpoint returned a malformed target list")
	}

	var targets []Target
	gjson.ParseBytes(body).ForEach(func(_, t gjson.Result) bool {
		targets = append(targets, Target{
			ID:                   t.Get("id").String(),
			Type:                 t.Get("type").String(),
			Title:                t.Get("title").String(),
			URL:                  t.Get("url").String(),
			WebSocketDebuggerURL: t.Get("webSocketDebuggerUrl").String(),
		})
		return true
	})
	return targets, nil
}

// SelectTarget prefers the page whose URL equals currentURL, else the first page.
// Targets without a socket URL (already attached elsewhere) are skipped.
func SelectTarget(targets []Target, currentURL string) (Target, error) {
	var first *Target
	for i := range targets {
		t := &targets[i]
		if t.Type != "page" || t.WebSocketDebuggerURL == "" {
			continue
		}
		if currentURL != "" && t.URL == currentURL {
			return *t, nil
		}
		if first == nil {
			first = t
		}
	}
	if first == nil {
		return Target{}, ErrNoPageTarget
	}
	return *first, nil
}

// Discover returns the socket URL of the page the session is driving.
func Discover(ctx context.Context, client *http.Client, debuggerAddress, currentURL string) (string, error) {
	targets, err := ListTargets(ctx, client, debuggerAddress)
	if err != nil {
		return "", err
	}
	t, err := SelectTarget(targets, currentURL)
	if err != nil {
		return "", err
	}
	return t.WebSocketDebuggerURL, nil
}
