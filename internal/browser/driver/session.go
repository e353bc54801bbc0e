// File: internal/browser/driver/session.go
package driver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/sparkle/api/schemas"
	"github.com/xkilldash9x/sparkle/internal/browser/session"
)

// closeTimeout bounds DELETE /session during Close, independent of the caller's context.
const closeTimeout = 10 * time.Second

// By is a locator strategy understood by the remote end.
type By struct {
	Using string
	Value string
}

const (
	StrategyCSS   = "css selector"
	StrategyXPath = "xpath"
)

// CSS returns a CSS selector strategy.
func CSS(selector string) By { return By{Using: StrategyCSS, Value: selector} }

// XPath returns an XPath strategy.
func XPath(expr string) By { return By{Using: StrategyXPath, Value: expr} }

func (b By) String() string {
	if b.Using == StrategyXPath {
		return "xpath=" + b.Value
	}
	return b.Value
}

// Options configures a new Session.
type Options struct {
	// URL is the WebDriver endpoint, e.g. http://127.0.0.1:9515.
	URL          string
	HTTPClient   *http.Client
	Capabilities *Capabilities
	Logger       *zap.Logger
	// SlowMo spaces state changing commands (navigate, click, keys, script) at least this far apart.
	SlowMo time.Duration
}

// SessionCapabilities is what the remote end reported when the session was created.
type SessionCapabilities struct {
	BrowserName     string
	BrowserVersion  string
	DebuggerAddress string
	Raw             json.RawMessage
}

// handle is the live remote session. Calls through it are strictly request/response.
type handle struct {
	wire      *wireClient
	sessionID string
	// callMu keeps at most one command in flight per session.
	callMu sync.Mutex
}

func (h *handle) path(suffix string) string {
	return "/session/" + url.PathEscape(h.sessionID) + suffix
}

func (h *handle) call(ctx context.Context, command, method, suffix string, body interface{}) (json.RawMessage, error) {
	h.callMu.Lock()
	defer h.callMu.Unlock()
	return h.wire.do(ctx, command, method, h.path(suffix), body)
}

// Session owns the single WebDriver session and, lazily, the DevTools command channel
// multiplexed over it. It is safe for concurrent use; once closed every call fails
// with ErrSessionClosed.
type Session struct {
	id      uuid.UUID
	logger  *zap.Logger
	caps    SessionCapabilities
	vendor  string
	limiter *rate.Limiter

	mu     sync.RWMutex
	handle *handle // nil once closed

	debugMu    sync.Mutex
	debug      *debugChannel
	debugGroup singleflight.Group

	// scopeMu serializes sequences that move the session's frame scope.
	scopeMu sync.Mutex
}

// New creates a remote session by POSTing the capabilities to opts.URL.
func New(ctx context.Context, opts Options) (*Session, error) {
	if opts.URL == "" {
		return nil, NewInvalidArgument("new session", "webdriver URL is required")
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, NewInvalidArgument("new session", err.Error())
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	caps := opts.Capabilities
	if caps == nil {
		caps = NewCapabilities("")
	}

	id := uuid.New()
	logger := opts.Logger.Named("driver").With(zap.String("session_id", id.String()))
	wire := newWireClient(opts.HTTPClient, opts.URL, logger)

	raw, err := wire.do(ctx, "new_session", http.MethodPost, "/session", caps.Payload())
	if err != nil {
		return nil, fmt.Errorf("failed to create webdriver session: %w", err)
	}

	res := gjson.ParseBytes(raw)
	remoteID := res.Get("sessionId").String()
	if remoteID == "" {
		return nil, NewSerialization("new session", fmt.Errorf("response carries no sessionId: %s", truncate(raw)))
	}
	rc := res.Get("capabilities")
	sc := SessionCapabilities{
		BrowserName:    rc.Get("browserName").String(),
		BrowserVersion: rc.Get("browserVersion").String(),
		Raw:            json.RawMessage(rc.Raw),
	}
	var fields map[string]json.RawMessage
	if rc.IsObject() {
		if err := json.Unmarshal([]byte(rc.Raw), &fields); err != nil {
			return nil, NewSerialization("new session", err)
		}
	}
	for _, key := range []string{"goog:chromeOptions", "ms:edgeOptions"} {
		if addr := gjson.GetBytes(fields[key], "debuggerAddress"); addr.Exists() {
			sc.DebuggerAddress = addr.String()
			break
		}
	}
	if sc.DebuggerAddress == "" {
		sc.DebuggerAddress = caps.DebuggerAddress
	}

	s := &Session{
		id:     id,
		logger: logger.With(zap.String("remote_session_id", remoteID)),
		caps:   sc,
		vendor: caps.vendorPrefix(),
		handle: &handle{wire: wire, sessionID: remoteID},
	}
	if opts.SlowMo > 0 {
		s.limiter = rate.NewLimiter(rate.Every(opts.SlowMo), 1)
	}
	s.logger.Info("WebDriver session created.",
		zap.String("browser", sc.BrowserName),
		zap.String("version", sc.BrowserVersion),
		zap.String("debugger_address", sc.DebuggerAddress))
	return s, nil
}

// ID is the local identifier used in logs.
func (s *Session) ID() string { return s.id.String() }

// Capabilities returns the capabilities negotiated at creation.
func (s *Session) Capabilities() SessionCapabilities { return s.caps }

// DebuggerAddress is the host:port of the browser's DevTools HTTP endpoint, if known.
func (s *Session) DebuggerAddress() string { return s.caps.DebuggerAddress }

// Logger returns the session scoped logger.
func (s *Session) Logger() *zap.Logger { return s.logger }

// IsClosed reports whether Close has been called.
func (s *Session) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle == nil
}

// withHandle is the read-mode acquisition: fn runs with the live handle and Close
// waits until fn returns, so no call ever observes a half closed session.
func (s *Session) withHandle(op string, fn func(h *handle) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.handle == nil {
		return newSessionClosed(op)
	}
	return fn(s.handle)
}

// pace applies the slow-mo delay before a state changing command.
func (s *Session) pace(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

// Close tears down the debug channel, then deletes the remote session.
// Calling it again is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	if h == nil {
		return nil
	}

	s.dropDebugChannel()

	// The caller's context may already be done; deletion must still be attempted.
	cctx, cancel := context.WithTimeout(session.Detach(ctx), closeTimeout)
	defer cancel()
	_, err := h.call(cctx, "delete_session", http.MethodDelete, "", nil)
	if err != nil && !errors.Is(err, ErrSessionClosed) {
		s.logger.Warn("Failed to delete remote session.", zap.Error(err))
		return fmt.Errorf("failed to close session: %w", err)
	}
	s.logger.Info("WebDriver session closed.")
	return nil
}

// Goto navigates the current top level browsing context. It returns once the
// remote end acknowledges the command, not once the page has loaded.
func (s *Session) Goto(ctx context.Context, target string) error {
	if target == "" {
		return NewInvalidArgument("navigate", "url is required")
	}
	return s.withHandle("navigate", func(h *handle) error {
		if err := s.pace(ctx); err != nil {
			return err
		}
		_, err := h.call(ctx, "navigate", http.MethodPost, "/url", map[string]string{"url": target})
		return err
	})
}

// CurrentURL returns the URL of the top level browsing context.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	return s.getString(ctx, "current_url", "/url")
}

// Title returns the document title of the top level browsing context.
func (s *Session) Title(ctx context.Context) (string, error) {
	return s.getString(ctx, "title", "/title")
}

func (s *Session) getString(ctx context.Context, command, suffix string) (string, error) {
	var out string
	err := s.withHandle(command, func(h *handle) error {
		raw, err := h.call(ctx, command, http.MethodGet, suffix, nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return NewSerialization(command, err)
		}
		return nil
	})
	return out, err
}

// Find issues a single query. Zero matches is ErrElementNotFound; there is no retry here.
func (s *Session) Find(ctx context.Context, by By) (*ElementRef, error) {
	var ref *ElementRef
	err := s.withHandle("find element", func(h *handle) error {
		raw, err := h.call(ctx, "find_element", http.MethodPost, "/element", by.payload())
		if err != nil {
			if KindOf(err) == KindElementNotFound {
				return &Error{Kind: KindElementNotFound, Selector: by.String(), Code: "no such element"}
			}
			return err
		}
		id, err := decodeElement("find element", raw)
		if err != nil {
			return err
		}
		ref = &ElementRef{id: id, by: by, session: s}
		return nil
	})
	return ref, err
}

// FindAll returns every match; no match is an empty slice, not an error.
func (s *Session) FindAll(ctx context.Context, by By) ([]*ElementRef, error) {
	var refs []*ElementRef
	err := s.withHandle("find elements", func(h *handle) error {
		raw, err := h.call(ctx, "find_elements", http.MethodPost, "/elements", by.payload())
		if err != nil {
			if KindOf(err) == KindElementNotFound {
				return nil
			}
			return err
		}
		ids, err := decodeElements("find elements", raw)
		if err != nil {
			return err
		}
		refs = make([]*ElementRef, len(ids))
		for i, id := range ids {
			refs[i] = &ElementRef{id: id, by: by, session: s}
		}
		return nil
	})
	if refs == nil && err == nil {
		refs = []*ElementRef{}
	}
	return refs, err
}

func (b By) payload() map[string]string {
	return map[string]string{"using": b.Using, "value": b.Value}
}

// Evaluate runs script as a function body in the page (use "return" to produce a value).
// Arguments may include *ElementRef values. Script exceptions are ActionFailed.
func (s *Session) Evaluate(ctx context.Context, script string, args ...interface{}) (json.RawMessage, error) {
	return s.execute(ctx, "execute_script", "/execute/sync", script, args)
}

// EvaluateAsync runs script with a trailing callback argument, resolved by calling it.
func (s *Session) EvaluateAsync(ctx context.Context, script string, args ...interface{}) (json.RawMessage, error) {
	return s.execute(ctx, "execute_async_script", "/execute/async", script, args)
}

func (s *Session) execute(ctx context.Context, command, suffix, script string, args []interface{}) (json.RawMessage, error) {
	if args == nil {
		args = []interface{}{}
	}
	var out json.RawMessage
	err := s.withHandle(command, func(h *handle) error {
		if err := s.pace(ctx); err != nil {
			return err
		}
		raw, err := h.call(ctx, command, http.MethodPost, suffix, map[string]interface{}{
			"script": script,
			"args":   args,
		})
		out = raw
		return err
	})
	return out, err
}

// Screenshot captures the viewport as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var png []byte
	err := s.withHandle("screenshot", func(h *handle) error {
		raw, err := h.call(ctx, "screenshot", http.MethodGet, "/screenshot", nil)
		if err != nil {
			return err
		}
		png, err = decodePNG("screenshot", raw)
		return err
	})
	return png, err
}

func decodePNG(command string, raw json.RawMessage) ([]byte, error) {
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, NewSerialization(command, err)
	}
	png, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, NewSerialization(command, err)
	}
	return png, nil
}

// wireCookie is the W3C cookie shape.
type wireCookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Path     string `json:"path,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Secure   bool   `json:"secure"`
	HTTPOnly bool   `json:"httpOnly"`
	Expiry   *int64 `json:"expiry,omitempty"`
	SameSite string `json:"sameSite,omitempty"`
}

// Cookies returns every cookie visible to the current document.
func (s *Session) Cookies(ctx context.Context) ([]schemas.Cookie, error) {
	var cookies []schemas.Cookie
	err := s.withHandle("get cookies", func(h *handle) error {
		raw, err := h.call(ctx, "get_cookies", http.MethodGet, "/cookie", nil)
		if err != nil {
			return err
		}
		var wc []wireCookie
		if err := json.Unmarshal(raw, &wc); err != nil {
			return NewSerialization("get cookies", err)
		}
		cookies = make([]schemas.Cookie, 0, len(wc))
		for _, c := range wc {
			cookies = append(cookies, fromWireCookie(c))
		}
		return nil
	})
	return cookies, err
}

// AddCookie sets a cookie on the current document's domain.
func (s *Session) AddCookie(ctx context.Context, c schemas.Cookie) error {
	if c.Name == "" {
		return NewInvalidArgument("add cookie", "cookie name is required")
	}
	return s.withHandle("add cookie", func(h *handle) error {
		_, err := h.call(ctx, "add_cookie", http.MethodPost, "/cookie", map[string]interface{}{"cookie": toWireCookie(c)})
		return err
	})
}

// DeleteCookies removes every cookie of the current document.
func (s *Session) DeleteCookies(ctx context.Context) error {
	return s.withHandle("delete cookies", func(h *handle) error {
		_, err := h.call(ctx, "delete_cookies", http.MethodDelete, "/cookie", nil)
		return err
	})
}

func fromWireCookie(c wireCookie) schemas.Cookie {
	out := schemas.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  -1,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: schemas.CookieSameSite(c.SameSite),
	}
	if c.Expiry != nil {
		out.Expires = float64(*c.Expiry)
	}
	return out
}

func toWireCookie(c schemas.Cookie) wireCookie {
	out := wireCookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Domain:   c.Domain,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
		SameSite: string(c.SameSite),
	}
	if c.Expires > 0 {
		exp := int64(c.Expires)
		out.Expiry = &exp
	}
	return out
}

// SwitchToFrame moves the addressing scope into the iframe el refers to.
func (s *Session) SwitchToFrame(ctx context.Context, el *ElementRef) error {
	if el == nil {
		return NewInvalidArgument("switch to frame", "frame element is nil")
	}
	return s.withHandle("switch to frame", func(h *handle) error {
		_, err := h.call(ctx, "switch_to_frame", http.MethodPost, "/frame", map[string]interface{}{"id": el})
		return err
	})
}

// SwitchToParentFrame moves the addressing scope one level up.
func (s *Session) SwitchToParentFrame(ctx context.Context) error {
	return s.withHandle("switch to parent frame", func(h *handle) error {
		_, err := h.call(ctx, "switch_to_parent_frame", http.MethodPost, "/frame/parent", nil)
		return err
	})
}

// SwitchToDefaultContent resets the addressing scope to the top level document.
func (s *Session) SwitchToDefaultContent(ctx context.Context) error {
	return s.withHandle("switch to default content", func(h *handle) error {
		_, err := h.call(ctx, "switch_to_default_content", http.MethodPost, "/frame", map[string]interface{}{"id": nil})
		return err
	})
}

// LockScope serializes callers that move the frame scope. The returned func unlocks.
func (s *Session) LockScope() func() {
	s.scopeMu.Lock()
	return s.scopeMu.Unlock
}
