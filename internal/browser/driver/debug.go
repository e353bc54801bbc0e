// File: internal/browser/driver/debug.go
package driver

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/chromedp/cdproto"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// debugChannel is the DevTools command channel tunnelled through the WebDriver
// vendor extension POST /session/{id}/{vendor}/cdp/execute.
type debugChannel struct {
	prefix string
}

func (d *debugChannel) path() string {
	return "/" + d.prefix + "/cdp/execute"
}

// ExecuteDebugCommand dispatches a raw DevTools command and returns its JSON result.
// The first call establishes the channel and caches it for the session's lifetime.
// params may be nil.
func (s *Session) ExecuteDebugCommand(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if method == "" {
		return nil, NewInvalidArgument("debug command", "method is required")
	}
	if params == nil {
		params = struct{}{}
	}

	op := "debug command " + method
	var out json.RawMessage
	err := s.withHandle(op, func(h *handle) error {
		ch, err := s.debugChannelFor(ctx, h)
		if err != nil {
			return err
		}
		raw, err := h.call(ctx, "cdp_execute", http.MethodPost, ch.path(), map[string]interface{}{
			"cmd":    method,
			"params": params,
		})
		if err != nil {
			var e *Error
			if errors.As(err, &e) && e.Kind == KindActionFailed {
				e.Op = op
			}
			return err
		}
		out = raw
		return nil
	})
	return out, err
}

// debugChannelFor returns the cached channel or establishes it once, even under concurrent first calls.
func (s *Session) debugChannelFor(ctx context.Context, h *handle) (*debugChannel, error) {
	s.debugMu.Lock()
	ch := s.debug
	s.debugMu.Unlock()
	if ch != nil {
		return ch, nil
	}

	v, err, _ := s.debugGroup.Do("debug", func() (interface{}, error) {
		s.debugMu.Lock()
		if s.debug != nil {
			ch := s.debug
			s.debugMu.Unlock()
			return ch, nil
		}
		s.debugMu.Unlock()

		candidate := &debugChannel{prefix: s.vendor}
		// A cheap probe proves the driver exposes the extension before we cache it.
		_, err := h.call(ctx, "cdp_execute", http.MethodPost, candidate.path(), map[string]interface{}{
			"cmd":    string(cdproto.CommandBrowserGetVersion),
			"params": struct{}{},
		})
		if err != nil {
			if KindOf(err) == KindSessionClosed {
				return nil, err
			}
			return nil, NewActionFailed("establish debug channel", fmt.Errorf("driver does not expose %s: %w", candidate.path(), err))
		}

		s.debugMu.Lock()
		s.debug = candidate
		s.debugMu.Unlock()
		s.logger.Debug("Debug command channel established.", zap.String("prefix", candidate.prefix))
		return candidate, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*debugChannel), nil
}

// dropDebugChannel forgets the cached channel; called first during Close.
func (s *Session) dropDebugChannel() {
	s.debugMu.Lock()
	defer s.debugMu.Unlock()
	if s.debug != nil {
		s.logger.Debug("Debug command channel released.")
	}
	s.debug = nil
}

// HasDebugChannel reports whether the channel has been established.
func (s *Session) HasDebugChannel() bool {
	s.debugMu.Lock()
	defer s.debugMu.Unlock()
	return s.debug != nil
}
