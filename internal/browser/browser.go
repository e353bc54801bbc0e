// File: internal/browser/browser.go

// Package browser is the automation facade: it connects to a WebDriver endpoint
// and hands out a Page with navigation, locators, frames, load state waits and
// storage state on top of the driver, locator and loadstate packages.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"

	"github.com/chromedp/cdproto"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sparkle/internal/browser/driver"
	"github.com/xkilldash9x/sparkle/internal/browser/loadstate"
	"github.com/xkilldash9x/sparkle/internal/browser/retry"
	"github.com/xkilldash9x/sparkle/internal/browser/session"
)

const userAgentScript = "return navigator.userAgent"

// errBrowserClosed is the cancellation cause of the browser lifetime.
var errBrowserClosed = errors.New("browser closed")

// Browser owns one WebDriver session, the default page bound to it and the
// contexts opened over it.
type Browser struct {
	session *driver.Session
	opts    Options
	logger  *zap.Logger

	// ctx lives as long as the browser; page operations are bound to it so
	// Close interrupts in-flight waits.
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	page     *Page
	contexts []*Context

	closeOnce sync.Once
	closeErr  error
}

// Connect opens a session against an already running WebDriver endpoint. While
// the endpoint refuses connections (the driver is still booting) session creation
// is retried every ConnectInterval until Timeouts.Connect elapses.
func Connect(ctx context.Context, opts Options) (*Browser, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.Named("browser")

	policy := retry.Policy{
		Name:      "connect",
		Budget:    opts.Timeouts.Connect,
		Interval:  opts.ConnectInterval,
		Retryable: isConnectRefused,
	}
	op := fmt.Sprintf("connect to %s", opts.WebDriverURL)
	s, err := retry.Value(ctx, policy, op, func(ctx context.Context) (*driver.Session, error) {
		s, err := driver.New(ctx, driver.Options{
			URL:          opts.WebDriverURL,
			HTTPClient:   opts.HTTPClient,
			Capabilities: opts.Capabilities,
			Logger:       opts.Logger,
			SlowMo:       opts.SlowMo,
		})
		if err != nil && isConnectRefused(err) {
			logger.Debug("WebDriver endpoint not ready, retrying.", zap.Error(err))
		}
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.WebDriverURL, err)
	}

	bctx, cancel := context.WithCancelCause(context.Background())
	b := &Browser{
		session: s,
		opts:    opts,
		logger:  logger.With(zap.String("session_id", s.ID())),
		ctx:     bctx,
		cancel:  cancel,
	}
	caps := s.Capabilities()
	b.logger.Info("Connected to browser.",
		zap.String("browser", caps.BrowserName),
		zap.String("version", caps.BrowserVersion),
		zap.Bool("debugger", caps.DebuggerAddress != ""))
	return b, nil
}

// isConnectRefused matches the failures of an endpoint that is not listening yet.
func isConnectRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

// Session exposes the underlying driver session.
func (b *Browser) Session() *driver.Session { return b.session }

// Version reports the browser product string. The DevTools Browser.getVersion
// command is preferred; drivers without the debug channel fall back to the
// user agent.
func (b *Browser) Version(ctx context.Context) (string, error) {
	if b.IsClosed() {
		return "", closedError(b.ctx, "browser version")
	}
	bctx, cancel := session.CombineContext(ctx, b.ctx)
	defer cancel()

	v, err := b.version(bctx)
	return v, interrupted(ctx, b.ctx, "browser version", err)
}

func (b *Browser) version(ctx context.Context) (string, error) {
	raw, err := b.session.ExecuteDebugCommand(ctx, string(cdproto.CommandBrowserGetVersion), nil)
	if err == nil {
		if product := gjson.GetBytes(raw, "product").String(); product != "" {
			return product, nil
		}
	} else if errors.Is(err, driver.ErrSessionClosed) || ctx.Err() != nil {
		return "", err
	} else {
		b.logger.Debug("Browser.getVersion unavailable, falling back to user agent.", zap.Error(err))
	}

	raw, err = b.session.Evaluate(ctx, userAgentScript)
	if err != nil {
		return "", fmt.Errorf("failed to read browser version: %w", err)
	}
	return gjson.ParseBytes(raw).String(), nil
}

// NewPage returns the page bound to the session. A WebDriver session drives one
// top level browsing context, so an open page is reused; a closed one is replaced.
func (b *Browser) NewPage(ctx context.Context) (*Page, error) {
	if b.IsClosed() {
		return nil, closedError(b.ctx, "new page")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.page != nil && !b.page.IsClosed() {
		return b.page, nil
	}

	p, err := b.openPage(ctx, b.ctx, nil)
	if err != nil {
		return nil, err
	}
	b.page = p
	return p, nil
}

// openPage builds a page whose operations end with life and attaches its load
// state tracker when enabled.
func (b *Browser) openPage(ctx context.Context, life context.Context, owner *Context) (*Page, error) {
	tracker := loadstate.New(b.session, loadstate.Options{
		HTTPClient:        b.opts.HTTPClient,
		Logger:            b.logger,
		PollInterval:      b.opts.Timeouts.PollInterval,
		IdleAfter:         b.opts.Timeouts.NetworkIdle,
		DefaultTimeout:    b.opts.Timeouts.Navigation,
		DiscoveryAttempts: b.opts.Tracker.DiscoveryAttempts,
		DiscoveryBackoff:  b.opts.Tracker.DiscoveryBackoff,
	})
	p := newPage(b, life, owner, tracker)

	if b.opts.Tracker.Enabled {
		actx, cancel := session.CombineContext(ctx, life)
		defer cancel()
		currentURL, err := b.session.CurrentURL(actx)
		if err != nil {
			_ = tracker.Close()
			return nil, fmt.Errorf("failed to read current url: %w", interrupted(ctx, life, "new page", err))
		}
		if err := tracker.Attach(actx, b.session.DebuggerAddress(), currentURL); err != nil {
			p.logger.Debug("Load state tracker is polling.", zap.Error(err))
		}
	}
	return p, nil
}

// NewCDPSession returns a raw DevTools command sender over the debug channel.
func (b *Browser) NewCDPSession() *CDPSession {
	return &CDPSession{session: b.session, logger: b.logger.Named("cdp")}
}

// Close tears down the page and the session. Only the first call does any work;
// later calls return nil.
func (b *Browser) Close(ctx context.Context) error {
	first := false
	b.closeOnce.Do(func() {
		first = true
		b.cancel(errBrowserClosed)

		b.mu.Lock()
		p := b.page
		contexts := b.contexts
		b.contexts = nil
		b.mu.Unlock()
		for _, c := range contexts {
			if err := c.Close(); err != nil {
				b.logger.Warn("Failed to close browser context.", zap.String("context_id", c.ID()), zap.Error(err))
			}
		}
		if p != nil {
			if err := p.Close(); err != nil {
				b.logger.Warn("Failed to close page.", zap.Error(err))
			}
		}
		b.closeErr = b.session.Close(ctx)
		if b.closeErr == nil {
			b.logger.Info("Browser closed.")
		}
	})
	if !first {
		return nil
	}
	return b.closeErr
}

// IsClosed reports whether Close was called or the session ended.
func (b *Browser) IsClosed() bool {
	return b.ctx.Err() != nil || b.session.IsClosed()
}

// closedError is the SessionClosed failure of an operation attempted after its
// page, context or browser went away. The lifetime's cause says which.
func closedError(life context.Context, op string) error {
	e := &driver.Error{Kind: driver.KindSessionClosed, Op: op}
	if life.Err() != nil {
		e.Err = context.Cause(life)
	}
	return e
}

// interrupted reports an operation cut short because life ended (Close on the
// browser or context) as SessionClosed. Errors of a caller that gave up on its
// own, and errors already typed SessionClosed, pass through.
func interrupted(caller, life context.Context, op string, err error) error {
	if err == nil || caller.Err() != nil || life.Err() == nil || errors.Is(err, driver.ErrSessionClosed) {
		return err
	}
	return &driver.Error{Kind: driver.KindSessionClosed, Op: op, Err: context.Cause(life)}
}
