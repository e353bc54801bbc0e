// File: internal/browser/locator/helpers_test.go
package locator

import (
	"context"
	"fmt"
	"sync"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/sparkle/internal/browser/driver"
)

// fakeDOM is an in-memory Transport. Elements are keyed by the exact selector
// value used to query them; iframe elements carry the document they contain.
type fakeDOM struct {
	mu       sync.Mutex
	top      *fakeDoc
	current  *fakeDoc
	scopeMu  sync.Mutex
	closed   bool
	findAlls int
	// failRestore makes switching back to the top level fail while inside a frame.
	failRestore bool
	switches    []string
}

type fakeDoc struct {
	name     string
	elements map[string][]*fakeElement
}

type fakeElement struct {
	dom       *fakeDOM
	text      string
	attrs     map[string]string
	props     map[string]string
	hidden    bool
	disabled  bool
	selected  bool
	value     string
	keys      []string
	clicks    int
	clickErrs []error
	frame     *fakeDoc
}

func newFakeDOM() *fakeDOM {
	top := &fakeDoc{name: "top", elements: map[string][]*fakeElement{}}
	return &fakeDOM{top: top, current: top}
}

func newDoc(name string) *fakeDoc {
	return &fakeDoc{name: name, elements: map[string][]*fakeElement{}}
}

// add appends an element to doc under selector.
func (d *fakeDOM) add(doc *fakeDoc, selector string, el *fakeElement) *fakeElement {
	d.mu.Lock()
	defer d.mu.Unlock()
	el.dom = d
	doc.elements[selector] = append(doc.elements[selector], el)
	return el
}

func (d *fakeDOM) scopeName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current.name
}

func (d *fakeDOM) findAllCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.findAlls
}

func (d *fakeDOM) closedErr(op string) error {
	if d.closed {
		return &driver.Error{Kind: driver.KindSessionClosed, Op: op}
	}
	return nil
}

func (d *fakeDOM) Find(ctx context.Context, by driver.By) (Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.closedErr("find"); err != nil {
		return nil, err
	}
	els := d.current.elements[by.Value]
	if len(els) == 0 {
		return nil, driver.NewElementNotFound(by.String())
	}
	return els[0], nil
}

func (d *fakeDOM) FindAll(ctx context.Context, by driver.By) ([]Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.findAlls++
	if err := d.closedErr("find all"); err != nil {
		return nil, err
	}
	out := []Element{}
	for _, el := range d.current.elements[by.Value] {
		out = append(out, el)
	}
	return out, nil
}

func (d *fakeDOM) SwitchToFrame(ctx context.Context, frame Element) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	el, ok := frame.(*fakeElement)
	if !ok || el.frame == nil {
		return &driver.Error{Kind: driver.KindActionFailed, Op: "switch to frame", Code: "no such frame"}
	}
	d.current = el.frame
	d.switches = append(d.switches, el.frame.name)
	return nil
}

func (d *fakeDOM) SwitchToDefaultContent(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.closedErr("switch to default content"); err != nil {
		return err
	}
	if d.failRestore && d.current != d.top {
		return driver.NewActionFailed("switch to default content", fmt.Errorf("browser hung"))
	}
	d.current = d.top
	d.switches = append(d.switches, "top")
	return nil
}

func (d *fakeDOM) LockScope() func() {
	d.scopeMu.Lock()
	return d.scopeMu.Unlock
}

func (e *fakeElement) Click(ctx context.Context) error {
	e.dom.mu.Lock()
	defer e.dom.mu.Unlock()
	if len(e.clickErrs) > 0 {
		err := e.clickErrs[0]
		e.clickErrs = e.clickErrs[1:]
		return err
	}
	e.clicks++
	return nil
}

func (e *fakeElement) Clear(ctx context.Context) error {
	e.dom.mu.Lock()
	defer e.dom.mu.Unlock()
	e.value = ""
	return nil
}

func (e *fakeElement) SendKeys(ctx context.Context, text string) error {
	e.dom.mu.Lock()
	defer e.dom.mu.Unlock()
	e.keys = append(e.keys, text)
	e.value += text
	return nil
}

func (e *fakeElement) Text(ctx context.Context) (string, error) {
	e.dom.mu.Lock()
	defer e.dom.mu.Unlock()
	return e.text, nil
}

func (e *fakeElement) Attribute(ctx context.Context, name string) (string, bool, error) {
	e.dom.mu.Lock()
	defer e.dom.mu.Unlock()
	v, ok := e.attrs[name]
	return v, ok, nil
}

func (e *fakeElement) Property(ctx context.Context, name string) (json.RawMessage, error) {
	e.dom.mu.Lock()
	defer e.dom.mu.Unlock()
	v, ok := e.props[name]
	if !ok {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(v)
}

func (e *fakeElement) IsDisplayed(ctx context.Context) (bool, error) {
	e.dom.mu.Lock()
	defer e.dom.mu.Unlock()
	return !e.hidden, nil
}

func (e *fakeElement) IsEnabled(ctx context.Context) (bool, error) {
	e.dom.mu.Lock()
	defer e.dom.mu.Unlock()
	return !e.disabled, nil
}

func (e *fakeElement) IsSelected(ctx context.Context) (bool, error) {
	e.dom.mu.Lock()
	defer e.dom.mu.Unlock()
	return e.selected, nil
}

func (e *fakeElement) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte("\x89PNG"), nil
}

func (e *fakeElement) snapshot() fakeElement {
	e.dom.mu.Lock()
	defer e.dom.mu.Unlock()
	return fakeElement{value: e.value, keys: append([]string(nil), e.keys...), clicks: e.clicks}
}
