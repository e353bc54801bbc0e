// File: internal/browser/driver/element.go
package driver

import (
	"context"
	"net/http"
	"net/url"

	json "github.com/json-iterator/go"
)

// ElementRef is a weak handle to a DOM node, valid only in the frame scope it was
// found in. Every dereference goes back through the session and may fail with a
// stale element error or ErrSessionClosed.
type ElementRef struct {
	id      string
	by      By
	session *Session
}

// ID is the remote element identifier.
func (e *ElementRef) ID() string { return e.id }

// By is the query that produced the reference.
func (e *ElementRef) By() By { return e.by }

// MarshalJSON renders the W3C element reference so refs can be passed as script arguments.
func (e *ElementRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{elementKey: e.id})
}

func (e *ElementRef) call(ctx context.Context, command, method, suffix string, body interface{}) (json.RawMessage, error) {
	var out json.RawMessage
	err := e.session.withHandle(command, func(h *handle) error {
		raw, err := h.call(ctx, command, method, "/element/"+url.PathEscape(e.id)+suffix, body)
		out = raw
		return err
	})
	return out, err
}

func (e *ElementRef) act(ctx context.Context, command, suffix string, body interface{}) error {
	return e.session.withHandle(command, func(h *handle) error {
		if err := e.session.pace(ctx); err != nil {
			return err
		}
		_, err := h.call(ctx, command, http.MethodPost, "/element/"+url.PathEscape(e.id)+suffix, body)
		return err
	})
}

// Click scrolls the element into view and clicks its center.
func (e *ElementRef) Click(ctx context.Context) error {
	return e.act(ctx, "element_click", "/click", nil)
}

// Clear empties an editable element.
func (e *ElementRef) Clear(ctx context.Context) error {
	return e.act(ctx, "element_clear", "/clear", nil)
}

// SendKeys types text into the element without clearing it first.
func (e *ElementRef) SendKeys(ctx context.Context, text string) error {
	return e.act(ctx, "element_send_keys", "/value", map[string]string{"text": text})
}

// Text is the rendered text of the element.
func (e *ElementRef) Text(ctx context.Context) (string, error) {
	return e.getString(ctx, "element_text", "/text")
}

// TagName is the lower case tag name.
func (e *ElementRef) TagName(ctx context.Context) (string, error) {
	return e.getString(ctx, "element_tag_name", "/name")
}

// Attribute returns the attribute value; ok is false when the attribute is absent.
func (e *ElementRef) Attribute(ctx context.Context, name string) (value string, ok bool, err error) {
	if name == "" {
		return "", false, NewInvalidArgument("element attribute", "attribute name is required")
	}
	raw, err := e.call(ctx, "element_attribute", http.MethodGet, "/attribute/"+url.PathEscape(name), nil)
	if err != nil {
		return "", false, err
	}
	var v *string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false, NewSerialization("element attribute", err)
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

// Property returns a DOM property as raw JSON.
func (e *ElementRef) Property(ctx context.Context, name string) (json.RawMessage, error) {
	if name == "" {
		return nil, NewInvalidArgument("element property", "property name is required")
	}
	return e.call(ctx, "element_property", http.MethodGet, "/property/"+url.PathEscape(name), nil)
}

// IsDisplayed reports visibility as computed by the driver.
func (e *ElementRef) IsDisplayed(ctx context.Context) (bool, error) {
	return e.getBool(ctx, "element_displayed", "/displayed")
}

// IsEnabled reports whether a form control is enabled.
func (e *ElementRef) IsEnabled(ctx context.Context) (bool, error) {
	return e.getBool(ctx, "element_enabled", "/enabled")
}

// IsSelected reports the checked state of checkboxes, radios and options.
func (e *ElementRef) IsSelected(ctx context.Context) (bool, error) {
	return e.getBool(ctx, "element_selected", "/selected")
}

// Screenshot captures the element's bounding box as PNG.
func (e *ElementRef) Screenshot(ctx context.Context) ([]byte, error) {
	raw, err := e.call(ctx, "element_screenshot", http.MethodGet, "/screenshot", nil)
	if err != nil {
		return nil, err
	}
	return decodePNG("element screenshot", raw)
}

func (e *ElementRef) getString(ctx context.Context, command, suffix string) (string, error) {
	raw, err := e.call(ctx, command, http.MethodGet, suffix, nil)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", NewSerialization(command, err)
	}
	return s, nil
}

func (e *ElementRef) getBool(ctx context.Context, command, suffix string) (bool, error) {
	raw, err := e.call(ctx, command, http.MethodGet, suffix, nil)
	if err != nil {
		return false, err
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, NewSerialization(command, err)
	}
	return b, nil
}
