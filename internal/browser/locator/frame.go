// File: internal/browser/locator/frame.go
package locator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sparkle/internal/browser/driver"
	"github.com/xkilldash9x/sparkle/internal/browser/retry"
	"github.com/xkilldash9x/sparkle/internal/browser/session"
)

// restoreTimeout bounds the switch back to the top level document, which runs
// even after the caller's context expired.
const restoreTimeout = 5 * time.Second

// FrameLocator identifies an iframe, possibly nested inside other iframes.
type FrameLocator struct {
	transport Transport
	logger    *zap.Logger
	parent    *FrameLocator
	selector  driver.By
	timeout   time.Duration
	interval  time.Duration
}

// NewFrameLocator returns a frame locator rooted at the top level document.
func NewFrameLocator(t Transport, by driver.By, logger *zap.Logger) FrameLocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return FrameLocator{
		transport: t,
		logger:    logger,
		selector:  by,
		timeout:   DefaultTimeout,
		interval:  retry.DefaultInterval,
	}
}

// FrameLocator nests: the returned locator enters f first.
func (f FrameLocator) FrameLocator(selector string) FrameLocator {
	parent := f
	child := f
	child.parent = &parent
	child.selector = Parse(selector)
	return child
}

func (f FrameLocator) WithTimeout(d time.Duration) FrameLocator {
	if d > 0 {
		f.timeout = d
	}
	return f
}

func (f FrameLocator) WithInterval(d time.Duration) FrameLocator {
	if d > 0 {
		f.interval = d
	}
	return f
}

// Chain lists the frame selectors from outermost to innermost.
func (f FrameLocator) Chain() []driver.By {
	var chain []driver.By
	for cur := &f; cur != nil; cur = cur.parent {
		chain = append([]driver.By{cur.selector}, chain...)
	}
	return chain
}

func (f FrameLocator) String() string {
	chain := f.Chain()
	parts := make([]string, len(chain))
	for i, by := range chain {
		parts[i] = fmt.Sprintf("%q", by.String())
	}
	return strings.Join(parts, " >> ")
}

func (f FrameLocator) policy() retry.Policy {
	p := retry.NewPolicy("frame", f.timeout)
	p.Interval = f.interval
	return p
}

// SwitchInto moves the session scope into this frame. The root resets to the top
// level document first; nested locators let their parent walk the outer levels.
// Callers must hold the transport's scope lock and restore the scope afterwards.
func (f FrameLocator) SwitchInto(ctx context.Context) error {
	if f.parent != nil {
		if err := f.parent.SwitchInto(ctx); err != nil {
			return err
		}
	} else if err := f.transport.SwitchToDefaultContent(ctx); err != nil {
		return err
	}

	frame, err := retry.Value(ctx, f.policy(), fmt.Sprintf("frame %q", f.selector.String()), func(ctx context.Context) (Element, error) {
		return f.transport.Find(ctx, f.selector)
	})
	if err != nil {
		return err
	}
	if err := f.transport.SwitchToFrame(ctx, frame); err != nil {
		return fmt.Errorf("failed to enter frame %q: %w", f.selector.String(), err)
	}
	return nil
}

// -- Element builders --

// Locator targets selector inside the frame.
func (f FrameLocator) Locator(selector string) ElementInFrame {
	return f.element(Parse(selector))
}

func (f FrameLocator) GetByText(text string) ElementInFrame { return f.element(ByText(text)) }

func (f FrameLocator) GetByRole(role string) ElementInFrame { return f.element(ByRole(role)) }

func (f FrameLocator) GetByLabel(text string) ElementInFrame { return f.element(ByLabel(text)) }

func (f FrameLocator) GetByPlaceholder(text string) ElementInFrame {
	return f.element(ByPlaceholder(text))
}

func (f FrameLocator) GetByTestID(id string) ElementInFrame { return f.element(ByTestID(id)) }

func (f FrameLocator) element(by driver.By) ElementInFrame {
	return ElementInFrame{frame: f, selector: by, timeout: f.timeout, interval: f.interval}
}

// ElementInFrame is an element selector evaluated inside a frame chain. Every
// attempt enters the chain, acts, and returns to the top level document.
type ElementInFrame struct {
	frame    FrameLocator
	selector driver.By
	timeout  time.Duration
	interval time.Duration
}

func (e ElementInFrame) WithTimeout(d time.Duration) ElementInFrame {
	if d > 0 {
		e.timeout = d
	}
	return e
}

func (e ElementInFrame) Selector() driver.By { return e.selector }

func (e ElementInFrame) String() string {
	return fmt.Sprintf("%s in frame %s", e.selector, e.frame)
}

func (e ElementInFrame) describe() string {
	return fmt.Sprintf("locator %q in frame %s", e.selector.String(), e.frame)
}

func (e ElementInFrame) policy(retryable func(error) bool) retry.Policy {
	p := retry.NewPolicy("frame", e.timeout)
	p.Interval = e.interval
	if retryable != nil {
		p.Retryable = retryable
	}
	return p
}

// withinFrame runs fn with the scope inside the frame chain. The switch back to the
// top level document happens on every path; its failure is reported only when
// fn itself succeeded.
func withinFrame[T any](ctx context.Context, e ElementInFrame, action string, fn func(context.Context) (T, error)) (v T, err error) {
	t := e.frame.transport
	unlock := t.LockScope()
	defer unlock()

	defer func() {
		rctx, cancel := context.WithTimeout(session.Detach(ctx), restoreTimeout)
		defer cancel()
		if rerr := t.SwitchToDefaultContent(rctx); rerr != nil {
			if err == nil {
				err = fmt.Errorf("failed to restore top level scope after %s: %w", action, rerr)
				return
			}
			e.frame.logger.Warn("Failed to restore top level scope.",
				zap.String("action", action), zap.Stringer("element", e), zap.Error(rerr))
		}
	}()

	if err = e.frame.SwitchInto(ctx); err != nil {
		return v, err
	}
	return fn(ctx)
}

// inFrame is one resolve-then-act attempt inside the frame chain.
func inFrame[T any](ctx context.Context, e ElementInFrame, action string, fn func(context.Context, Element) (T, error)) (T, error) {
	return withinFrame(ctx, e, action, func(ctx context.Context) (T, error) {
		var zero T
		el, err := e.frame.transport.Find(ctx, e.selector)
		if err != nil {
			return zero, err
		}
		v, err := fn(ctx, el)
		if err != nil {
			return zero, fmt.Errorf("%s %s: %w", action, e, err)
		}
		return v, nil
	})
}

func runInFrame[T any](ctx context.Context, e ElementInFrame, action string, fn func(context.Context, Element) (T, error)) (T, error) {
	return retry.Value(ctx, e.policy(nil), e.describe(), func(ctx context.Context) (T, error) {
		return inFrame(ctx, e, action, fn)
	})
}

func runInFrameErr(ctx context.Context, e ElementInFrame, action string, fn func(context.Context, Element) error) error {
	_, err := runInFrame(ctx, e, action, func(ctx context.Context, el Element) (struct{}, error) {
		return struct{}{}, fn(ctx, el)
	})
	return err
}

func (e ElementInFrame) Click(ctx context.Context) error {
	return runInFrameErr(ctx, e, "click", func(ctx context.Context, el Element) error { return el.Click(ctx) })
}

func (e ElementInFrame) Fill(ctx context.Context, text string) error {
	return runInFrameErr(ctx, e, "fill", func(ctx context.Context, el Element) error {
		if err := el.Clear(ctx); err != nil {
			return err
		}
		return el.SendKeys(ctx, text)
	})
}

// Type appends text without clearing the field.
func (e ElementInFrame) Type(ctx context.Context, text string) error {
	return runInFrameErr(ctx, e, "type", func(ctx context.Context, el Element) error { return el.SendKeys(ctx, text) })
}

func (e ElementInFrame) Press(ctx context.Context, key string) error {
	seq, err := keySequence(key)
	if err != nil {
		return err
	}
	return runInFrameErr(ctx, e, "press", func(ctx context.Context, el Element) error { return el.SendKeys(ctx, seq) })
}

func (e ElementInFrame) TextContent(ctx context.Context) (string, error) {
	return runInFrame(ctx, e, "textContent", func(ctx context.Context, el Element) (string, error) {
		raw, err := el.Property(ctx, "textContent")
		if err != nil {
			return "", err
		}
		return decodeString("textContent", raw)
	})
}

// InnerText returns the rendered text.
func (e ElementInFrame) InnerText(ctx context.Context) (string, error) {
	return runInFrame(ctx, e, "text", func(ctx context.Context, el Element) (string, error) { return el.Text(ctx) })
}

func (e ElementInFrame) Attribute(ctx context.Context, name string) (string, bool, error) {
	type attr struct {
		value string
		ok    bool
	}
	a, err := runInFrame(ctx, e, "attribute", func(ctx context.Context, el Element) (attr, error) {
		v, ok, err := el.Attribute(ctx, name)
		return attr{v, ok}, err
	})
	return a.value, a.ok, err
}

func (e ElementInFrame) IsVisible(ctx context.Context) (bool, error) {
	return runInFrame(ctx, e, "is visible", func(ctx context.Context, el Element) (bool, error) { return el.IsDisplayed(ctx) })
}

func (e ElementInFrame) WaitFor(ctx context.Context) error {
	_, err := retry.Value(ctx, e.policy(retryHidden), e.describe(), func(ctx context.Context) (struct{}, error) {
		return inFrame(ctx, e, "wait for", func(ctx context.Context, el Element) (struct{}, error) {
			visible, err := el.IsDisplayed(ctx)
			if err == nil && !visible {
				err = errHidden
			}
			return struct{}{}, err
		})
	})
	return err
}

// Count enters the frame chain once and counts matches without waiting for any.
func (e ElementInFrame) Count(ctx context.Context) (int, error) {
	return withinFrame(ctx, e, "count", func(ctx context.Context) (int, error) {
		all, err := e.frame.transport.FindAll(ctx, e.selector)
		return len(all), err
	})
}
