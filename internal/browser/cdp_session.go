// File: internal/browser/cdp_session.go
package browser

import (
	"context"
	"sync/atomic"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sparkle/internal/browser/driver"
)

// CDPSession sends raw DevTools commands through the session's debug channel.
type CDPSession struct {
	session  *driver.Session
	logger   *zap.Logger
	detached atomic.Bool
}

// Send dispatches method with params (may be nil) and returns the raw result.
func (c *CDPSession) Send(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if c.detached.Load() {
		return nil, &driver.Error{Kind: driver.KindSessionClosed, Op: "cdp " + method}
	}
	c.logger.Debug("Sending DevTools command.", zap.String("method", method))
	return c.session.ExecuteDebugCommand(ctx, method, params)
}

// Detach stops the sender. The shared debug channel stays with the session.
func (c *CDPSession) Detach() {
	c.detached.Store(true)
}
