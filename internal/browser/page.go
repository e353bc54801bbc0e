// File: internal/browser/page.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sparkle/api/schemas"
	"github.com/xkilldash9x/sparkle/internal/browser/driver"
	"github.com/xkilldash9x/sparkle/internal/browser/loadstate"
	"github.com/xkilldash9x/sparkle/internal/browser/locator"
	"github.com/xkilldash9x/sparkle/internal/browser/session"
)

const contentScript = "return document.documentElement.outerHTML"

var errPageClosed = errors.New("page closed")

// Page is the top level browsing context of a session.
type Page struct {
	id        uuid.UUID
	browser   *Browser
	owner     *Context // nil for the browser's default page
	session   *driver.Session
	transport locator.Transport
	tracker   *loadstate.Tracker
	timeouts  Timeouts
	logger    *zap.Logger

	// life ends when the owning browser or context closes.
	life   context.Context
	closed atomic.Bool
}

func newPage(b *Browser, life context.Context, owner *Context, tracker *loadstate.Tracker) *Page {
	id := uuid.New()
	logger := b.logger.Named("page").With(zap.String("page_id", id.String()))
	if owner != nil {
		logger = logger.With(zap.String("context_id", owner.ID()))
	}
	return &Page{
		id:        id,
		browser:   b,
		owner:     owner,
		session:   b.session,
		transport: locator.FromSession(b.session),
		tracker:   tracker,
		timeouts:  b.opts.Timeouts,
		logger:    logger,
		life:      life,
	}
}

func (p *Page) ID() string { return p.id.String() }

// Context returns the browser context that opened the page, or nil for the
// browser's default page.
func (p *Page) Context() *Context { return p.owner }

// withPage runs fn on a context that also ends with the page's lifetime. A
// closed page fails fast and an operation interrupted by Close reports
// SessionClosed.
func withPage(ctx context.Context, p *Page, op string, fn func(context.Context) error) error {
	if p.IsClosed() {
		if p.closed.Load() && p.life.Err() == nil {
			return &driver.Error{Kind: driver.KindSessionClosed, Op: op, Err: errPageClosed}
		}
		return closedError(p.life, op)
	}
	bctx, cancel := session.CombineContext(ctx, p.life)
	defer cancel()
	return interrupted(ctx, p.life, op, fn(bctx))
}

// -- Navigation --

// Goto navigates and waits for waitUntil (load when empty) within the
// navigation timeout.
func (p *Page) Goto(ctx context.Context, url string, waitUntil schemas.LoadState) error {
	if waitUntil == "" {
		waitUntil = schemas.LoadStateLoad
	}
	return withPage(ctx, p, "navigate", func(ctx context.Context) error {
		p.logger.Debug("Navigating.", zap.String("url", url), zap.String("wait_until", string(waitUntil)))
		if err := p.session.Goto(ctx, url); err != nil {
			return fmt.Errorf("failed to navigate to %s: %w", url, err)
		}
		if err := p.tracker.WaitFor(ctx, waitUntil, p.timeouts.Navigation); err != nil {
			return fmt.Errorf("navigation to %s: %w", url, err)
		}
		return nil
	})
}

// WaitForLoadState blocks until state is reached. An empty state means load and
// a non positive timeout means the navigation timeout.
func (p *Page) WaitForLoadState(ctx context.Context, state schemas.LoadState, timeout time.Duration) error {
	if state == "" {
		state = schemas.LoadStateLoad
	}
	if timeout <= 0 {
		timeout = p.timeouts.Navigation
	}
	return withPage(ctx, p, "wait for load state", func(ctx context.Context) error {
		return p.tracker.WaitFor(ctx, state, timeout)
	})
}

func (p *Page) URL(ctx context.Context) (u string, err error) {
	err = withPage(ctx, p, "get url", func(ctx context.Context) error {
		u, err = p.session.CurrentURL(ctx)
		return err
	})
	return u, err
}

func (p *Page) Title(ctx context.Context) (title string, err error) {
	err = withPage(ctx, p, "get title", func(ctx context.Context) error {
		title, err = p.session.Title(ctx)
		return err
	})
	return title, err
}

// Content returns the serialized document.
func (p *Page) Content(ctx context.Context) (string, error) {
	var html string
	if err := p.evaluateInto(ctx, "content", contentScript, &html); err != nil {
		return "", err
	}
	return html, nil
}

// Screenshot captures the viewport as PNG.
func (p *Page) Screenshot(ctx context.Context) (png []byte, err error) {
	err = withPage(ctx, p, "screenshot", func(ctx context.Context) error {
		png, err = p.session.Screenshot(ctx)
		return err
	})
	return png, err
}

// -- Script --

// Evaluate runs a JavaScript expression and returns its JSON encoded result.
// A bare expression is wrapped so its value is returned; function bodies
// (containing "return", statements or several lines) run as given.
func (p *Page) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	return p.EvaluateWithArgs(ctx, asFunctionBody(expression))
}

// EvaluateWithArgs runs script as a function body; args are available as arguments[i].
func (p *Page) EvaluateWithArgs(ctx context.Context, script string, args ...interface{}) (result json.RawMessage, err error) {
	err = withPage(ctx, p, "evaluate", func(ctx context.Context) error {
		result, err = p.session.Evaluate(ctx, script, args...)
		return err
	})
	return result, err
}

func (p *Page) evaluateInto(ctx context.Context, op, script string, out interface{}, args ...interface{}) error {
	raw, err := p.EvaluateWithArgs(ctx, script, args...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return driver.NewSerialization(op, err)
	}
	return nil
}

func asFunctionBody(expression string) string {
	trimmed := strings.TrimSpace(expression)
	trimmed = strings.TrimSuffix(trimmed, ";")
	if strings.HasPrefix(trimmed, "return ") || strings.ContainsAny(trimmed, ";\n") {
		return expression
	}
	return "return (" + trimmed + ");"
}

// -- Locators --

// Locator returns a first-match locator bound to this page's timeouts.
func (p *Page) Locator(selector string) locator.Locator {
	return p.locatorFor(locator.Parse(selector))
}

func (p *Page) GetByText(text string) locator.Locator { return p.locatorFor(locator.ByText(text)) }

func (p *Page) GetByRole(role string) locator.Locator { return p.locatorFor(locator.ByRole(role)) }

func (p *Page) GetByLabel(text string) locator.Locator { return p.locatorFor(locator.ByLabel(text)) }

func (p *Page) GetByPlaceholder(text string) locator.Locator {
	return p.locatorFor(locator.ByPlaceholder(text))
}

func (p *Page) GetByTestID(id string) locator.Locator { return p.locatorFor(locator.ByTestID(id)) }

func (p *Page) locatorFor(by driver.By) locator.Locator {
	return locator.New(p.transport, by, p.logger).
		WithTimeout(p.timeouts.Default).
		WithInterval(p.timeouts.RetryInterval)
}

// FrameLocator addresses an iframe matched by selector.
func (p *Page) FrameLocator(selector string) locator.FrameLocator {
	return locator.NewFrameLocator(p.transport, locator.Parse(selector), p.logger).
		WithTimeout(p.timeouts.Default).
		WithInterval(p.timeouts.RetryInterval)
}

// -- Selector shortcuts --

func (p *Page) Click(ctx context.Context, selector string) error {
	return withPage(ctx, p, "click", func(ctx context.Context) error {
		return p.Locator(selector).Click(ctx)
	})
}

func (p *Page) Fill(ctx context.Context, selector, value string) error {
	return withPage(ctx, p, "fill", func(ctx context.Context) error {
		return p.Locator(selector).Fill(ctx, value)
	})
}

// Type sends text key by key with delay between keystrokes.
func (p *Page) Type(ctx context.Context, selector, text string, delay time.Duration) error {
	return withPage(ctx, p, "type", func(ctx context.Context) error {
		return p.Locator(selector).Type(ctx, text, delay)
	})
}

func (p *Page) TextContent(ctx context.Context, selector string) (text string, err error) {
	err = withPage(ctx, p, "text content", func(ctx context.Context) error {
		text, err = p.Locator(selector).TextContent(ctx)
		return err
	})
	return text, err
}

func (p *Page) IsVisible(ctx context.Context, selector string) (visible bool, err error) {
	err = withPage(ctx, p, "is visible", func(ctx context.Context) error {
		visible, err = p.Locator(selector).IsVisible(ctx)
		return err
	})
	return visible, err
}

// WaitForSelector waits until selector is attached and visible. A non positive
// timeout uses the default timeout.
func (p *Page) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return withPage(ctx, p, "wait for selector", func(ctx context.Context) error {
		l := p.Locator(selector)
		if timeout > 0 {
			l = l.WithTimeout(timeout)
		}
		return l.WaitFor(ctx)
	})
}

// -- Lifecycle --

// Close releases the page's event channel. The session stays open; closing it
// is the Browser's job.
func (p *Page) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.tracker.Close()
}

func (p *Page) IsClosed() bool {
	return p.closed.Load() || p.life.Err() != nil || p.session.IsClosed()
}

// LoadStateSnapshot exposes the tracker's view of the current navigation.
func (p *Page) LoadStateSnapshot() loadstate.Snapshot {
	return p.tracker.Snapshot()
}

// EventsLive reports whether load state waits are driven by the event channel.
func (p *Page) EventsLive() bool {
	return p.tracker.Live()
}
