// File: internal/browser/locator/locator.go

// Package locator resolves selectors against a live session on every action and
// retries until the action succeeds or the locator's timeout elapses. Frame
// locators walk a chain of iframes before each action and always restore the
// top level scope afterwards.
package locator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sparkle/internal/browser/driver"
	"github.com/xkilldash9x/sparkle/internal/browser/retry"
)

const (
	DefaultTimeout = 30 * time.Second

	indexNone = -1
	// indexLast is resolved against the live match set at query time.
	indexLast = math.MaxInt
)

// errHidden marks a WaitFor attempt that found the element but not displayed.
var errHidden = errors.New("element is not visible")

// Locator is a re-resolvable description of zero, one or many elements.
// It is a value: builders return modified copies and no element reference is retained.
type Locator struct {
	transport Transport
	logger    *zap.Logger
	selector  driver.By
	index     int
	timeout   time.Duration
	interval  time.Duration
	// err is a construction error reported by every action.
	err error
}

// New returns a first-match locator.
func New(t Transport, by driver.By, logger *zap.Logger) Locator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Locator{
		transport: t,
		logger:    logger,
		selector:  by,
		index:     indexNone,
		timeout:   DefaultTimeout,
		interval:  retry.DefaultInterval,
	}
}

// -- Builders --

// Nth selects the n-th match counting from zero.
func (l Locator) Nth(n int) Locator {
	if n < 0 {
		l.err = driver.NewInvalidArgument("nth", fmt.Sprintf("index must not be negative, got %d", n))
		return l
	}
	l.index = n
	return l
}

func (l Locator) First() Locator { return l.Nth(0) }

// Last selects the final match of the set current at each action.
func (l Locator) Last() Locator {
	l.index = indexLast
	return l
}

func (l Locator) WithTimeout(d time.Duration) Locator {
	if d > 0 {
		l.timeout = d
	}
	return l
}

// WithInterval changes the pause between attempts.
func (l Locator) WithInterval(d time.Duration) Locator {
	if d > 0 {
		l.interval = d
	}
	return l
}

// Locator narrows to descendants matching selector.
func (l Locator) Locator(selector string) Locator {
	child := Parse(selector)
	if l.index != indexNone {
		l.err = driver.NewInvalidArgument("locator", "cannot chain below an indexed locator")
		return l
	}
	by, ok := descendant(l.selector, child)
	if !ok {
		l.err = driver.NewInvalidArgument("locator", fmt.Sprintf("cannot scope %s under %s", child, l.selector))
	}
	l.selector = by
	return l
}

// Selector returns the compiled query.
func (l Locator) Selector() driver.By { return l.selector }

func (l Locator) Timeout() time.Duration { return l.timeout }

// String renders the selector with its index, e.g. ".item[3]" or ".item:last".
func (l Locator) String() string {
	switch l.index {
	case indexNone:
		return l.selector.String()
	case indexLast:
		return l.selector.String() + ":last"
	default:
		return fmt.Sprintf("%s[%d]", l.selector, l.index)
	}
}

func (l Locator) describe() string {
	return fmt.Sprintf("locator %q", l.String())
}

func (l Locator) policy(retryable func(error) bool) retry.Policy {
	p := retry.NewPolicy("locator", l.timeout)
	p.Interval = l.interval
	if retryable != nil {
		p.Retryable = retryable
	}
	return p
}

// -- Resolution --

// resolve performs one lookup. Out of range indexes fail as ElementNotFound so
// the retry loop keeps waiting for the DOM to grow.
func (l Locator) resolve(ctx context.Context) (Element, error) {
	if l.err != nil {
		return nil, l.err
	}
	if l.index == indexNone {
		return l.transport.Find(ctx, l.selector)
	}

	all, err := l.transport.FindAll(ctx, l.selector)
	if err != nil {
		return nil, err
	}
	switch {
	case len(all) == 0:
		return nil, driver.NewElementNotFound(l.String())
	case l.index == indexLast:
		return all[len(all)-1], nil
	case l.index >= len(all):
		return nil, driver.NewElementNotFound(l.String())
	default:
		return all[l.index], nil
	}
}

// attempt resolves then acts while holding the scope lock, so a concurrent frame
// action cannot move the scope under a top level lookup.
func attempt[T any](ctx context.Context, l Locator, action string, fn func(context.Context, Element) (T, error)) (T, error) {
	unlock := l.transport.LockScope()
	defer unlock()

	var zero T
	el, err := l.resolve(ctx)
	if err != nil {
		return zero, err
	}
	v, err := fn(ctx, el)
	if err != nil {
		return zero, fmt.Errorf("%s %s: %w", action, l, err)
	}
	return v, nil
}

func run[T any](ctx context.Context, l Locator, action string, fn func(context.Context, Element) (T, error)) (T, error) {
	v, err := retry.Value(ctx, l.policy(nil), l.describe(), func(ctx context.Context) (T, error) {
		return attempt(ctx, l, action, fn)
	})
	if err != nil {
		l.logger.Debug("Locator action failed.", zap.String("action", action), zap.Stringer("locator", l), zap.Error(err))
	}
	return v, err
}

func runErr(ctx context.Context, l Locator, action string, fn func(context.Context, Element) error) error {
	_, err := run(ctx, l, action, func(ctx context.Context, el Element) (struct{}, error) {
		return struct{}{}, fn(ctx, el)
	})
	return err
}

// Element resolves the locator, waiting for a match, and returns the handle.
// The handle is a weak reference and may go stale.
func (l Locator) Element(ctx context.Context) (Element, error) {
	return run(ctx, l, "resolve", func(_ context.Context, el Element) (Element, error) { return el, nil })
}

// -- Actions --

func (l Locator) Click(ctx context.Context) error {
	return runErr(ctx, l, "click", func(ctx context.Context, el Element) error { return el.Click(ctx) })
}

// Fill clears the field and types text.
func (l Locator) Fill(ctx context.Context, text string) error {
	return runErr(ctx, l, "fill", func(ctx context.Context, el Element) error {
		if err := el.Clear(ctx); err != nil {
			return err
		}
		return el.SendKeys(ctx, text)
	})
}

// Type appends text without clearing. With a positive delay each character is
// sent separately; the element is resolved once so a retry never repeats input.
func (l Locator) Type(ctx context.Context, text string, delay time.Duration) error {
	if delay <= 0 {
		return runErr(ctx, l, "type", func(ctx context.Context, el Element) error { return el.SendKeys(ctx, text) })
	}

	el, err := l.Element(ctx)
	if err != nil {
		return err
	}
	unlock := l.transport.LockScope()
	defer unlock()
	for i, r := range text {
		if i > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := el.SendKeys(ctx, string(r)); err != nil {
			return fmt.Errorf("type %s: %w", l, err)
		}
	}
	return nil
}

// Press sends a key or combination such as "Enter" or "Control+A".
func (l Locator) Press(ctx context.Context, key string) error {
	seq, err := keySequence(key)
	if err != nil {
		return err
	}
	return runErr(ctx, l, "press", func(ctx context.Context, el Element) error { return el.SendKeys(ctx, seq) })
}

// Text returns the rendered text of the element.
func (l Locator) Text(ctx context.Context) (string, error) {
	return run(ctx, l, "text", func(ctx context.Context, el Element) (string, error) { return el.Text(ctx) })
}

// TextContent returns the DOM textContent, including hidden text.
func (l Locator) TextContent(ctx context.Context) (string, error) {
	return l.stringProperty(ctx, "textContent")
}

func (l Locator) InnerText(ctx context.Context) (string, error) {
	return l.stringProperty(ctx, "innerText")
}

func (l Locator) InnerHTML(ctx context.Context) (string, error) {
	return l.stringProperty(ctx, "innerHTML")
}

func (l Locator) stringProperty(ctx context.Context, name string) (string, error) {
	return run(ctx, l, name, func(ctx context.Context, el Element) (string, error) {
		raw, err := el.Property(ctx, name)
		if err != nil {
			return "", err
		}
		return decodeString(name, raw)
	})
}

// Attribute returns the attribute value and whether it is present.
func (l Locator) Attribute(ctx context.Context, name string) (string, bool, error) {
	type attr struct {
		value string
		ok    bool
	}
	a, err := run(ctx, l, "attribute", func(ctx context.Context, el Element) (attr, error) {
		v, ok, err := el.Attribute(ctx, name)
		return attr{v, ok}, err
	})
	return a.value, a.ok, err
}

func (l Locator) IsVisible(ctx context.Context) (bool, error) {
	return run(ctx, l, "is visible", func(ctx context.Context, el Element) (bool, error) { return el.IsDisplayed(ctx) })
}

func (l Locator) IsEnabled(ctx context.Context) (bool, error) {
	return run(ctx, l, "is enabled", func(ctx context.Context, el Element) (bool, error) { return el.IsEnabled(ctx) })
}

// IsChecked reports the selectedness of a checkbox, radio button or option.
func (l Locator) IsChecked(ctx context.Context) (bool, error) {
	return run(ctx, l, "is checked", func(ctx context.Context, el Element) (bool, error) { return el.IsSelected(ctx) })
}

// WaitFor blocks until the element exists and is displayed.
func (l Locator) WaitFor(ctx context.Context) error {
	_, err := retry.Value(ctx, l.policy(retryHidden), l.describe(), func(ctx context.Context) (struct{}, error) {
		return attempt(ctx, l, "wait for", func(ctx context.Context, el Element) (struct{}, error) {
			visible, err := el.IsDisplayed(ctx)
			if err == nil && !visible {
				err = errHidden
			}
			return struct{}{}, err
		})
	})
	return err
}

func (l Locator) Screenshot(ctx context.Context) ([]byte, error) {
	return run(ctx, l, "screenshot", func(ctx context.Context, el Element) ([]byte, error) { return el.Screenshot(ctx) })
}

// Count returns the number of current matches without waiting. Zero is a valid result.
func (l Locator) Count(ctx context.Context) (int, error) {
	if l.err != nil {
		return 0, l.err
	}
	unlock := l.transport.LockScope()
	defer unlock()
	all, err := l.transport.FindAll(ctx, l.selector)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// All returns one indexed locator per current match.
func (l Locator) All(ctx context.Context) ([]Locator, error) {
	n, err := l.Count(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Locator, n)
	for i := range out {
		out[i] = l.Nth(i)
	}
	return out, nil
}

func retryHidden(err error) bool {
	return errors.Is(err, errHidden) || driver.IsRetryable(err)
}

func decodeString(name string, raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", driver.NewSerialization(name, err)
	}
	return s, nil
}
