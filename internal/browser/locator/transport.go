// File: internal/browser/locator/transport.go
package locator

import (
	"context"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/sparkle/internal/browser/driver"
)

// Element is a resolved remote element. *driver.ElementRef satisfies it.
type Element interface {
	Click(ctx context.Context) error
	Clear(ctx context.Context) error
	SendKeys(ctx context.Context, text string) error
	Text(ctx context.Context) (string, error)
	Attribute(ctx context.Context, name string) (string, bool, error)
	Property(ctx context.Context, name string) (json.RawMessage, error)
	IsDisplayed(ctx context.Context) (bool, error)
	IsEnabled(ctx context.Context) (bool, error)
	IsSelected(ctx context.Context) (bool, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// Transport is what locators need from a session.
type Transport interface {
	Find(ctx context.Context, by driver.By) (Element, error)
	FindAll(ctx context.Context, by driver.By) ([]Element, error)
	SwitchToFrame(ctx context.Context, frame Element) error
	SwitchToDefaultContent(ctx context.Context) error
	// LockScope serializes callers that depend on the frame scope; the returned func unlocks.
	LockScope() func()
}

// FromSession adapts a driver session.
func FromSession(s *driver.Session) Transport {
	return sessionTransport{s: s}
}

type sessionTransport struct {
	s *driver.Session
}

func (t sessionTransport) Find(ctx context.Context, by driver.By) (Element, error) {
	el, err := t.s.Find(ctx, by)
	if err != nil {
		return nil, err
	}
	return el, nil
}

func (t sessionTransport) FindAll(ctx context.Context, by driver.By) ([]Element, error) {
	refs, err := t.s.FindAll(ctx, by)
	if err != nil {
		return nil, err
	}
	out := make([]Element, len(refs))
	for i, r := range refs {
		out[i] = r
	}
	return out, nil
}

func (t sessionTransport) SwitchToFrame(ctx context.Context, frame Element) error {
	ref, ok := frame.(*driver.ElementRef)
	if !ok {
		return driver.NewInvalidArgument("switch to frame", "element does not belong to this session")
	}
	return t.s.SwitchToFrame(ctx, ref)
}

func (t sessionTransport) SwitchToDefaultContent(ctx context.Context) error {
	return t.s.SwitchToDefaultContent(ctx)
}

func (t sessionTransport) LockScope() func() {
	return t.s.LockScope()
}
