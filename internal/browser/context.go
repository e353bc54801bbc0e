// File: internal/browser/context.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sparkle/api/schemas"
	"github.com/xkilldash9x/sparkle/internal/browser/driver"
	"github.com/xkilldash9x/sparkle/internal/browser/session"
)

// ContextOptions configures Browser.NewContext.
type ContextOptions struct {
	// StorageState is applied through the context's first page when set.
	StorageState *schemas.StorageState
}

// Context groups pages opened over the browser's session so they can be
// closed and their storage captured together. WebDriver drives a single top
// level browsing context per session, so contexts share cookies and storage.
type Context struct {
	id      uuid.UUID
	browser *Browser
	logger  *zap.Logger

	// ctx is a child of the browser lifetime, canceled by Close.
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu    sync.Mutex
	pages []*Page

	closeOnce sync.Once
}

// NewContext opens a context over the session and applies opts.StorageState.
func (b *Browser) NewContext(ctx context.Context, opts ContextOptions) (*Context, error) {
	if b.IsClosed() {
		return nil, closedError(b.ctx, "new context")
	}

	id := uuid.New()
	cctx, cancel := context.WithCancelCause(b.ctx)
	c := &Context{
		id:      id,
		browser: b,
		logger:  b.logger.Named("context").With(zap.String("context_id", id.String())),
		ctx:     cctx,
		cancel:  cancel,
	}

	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		cancel(errBrowserClosed)
		return nil, closedError(b.ctx, "new context")
	}
	b.contexts = append(b.contexts, c)
	b.mu.Unlock()

	if opts.StorageState != nil {
		p, err := c.NewPage(ctx)
		if err == nil {
			err = p.ApplyStorageState(ctx, opts.StorageState)
		}
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to apply storage state: %w", err)
		}
	}
	c.logger.Debug("Browser context created.")
	return c, nil
}

// Contexts returns the open contexts in creation order.
func (b *Browser) Contexts() []*Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Context, len(b.contexts))
	copy(out, b.contexts)
	return out
}

func (b *Browser) forgetContext(c *Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, other := range b.contexts {
		if other == c {
			b.contexts = append(b.contexts[:i], b.contexts[i+1:]...)
			return
		}
	}
}

func (c *Context) ID() string { return c.id.String() }

// Browser returns the browser the context was opened on.
func (c *Context) Browser() *Browser { return c.browser }

func (c *Context) op(action string) string {
	return fmt.Sprintf("%s in browser context %s", action, c.ID())
}

// NewPage opens a page owned by the context. Its operations end when the
// context or the browser closes.
func (c *Context) NewPage(ctx context.Context) (*Page, error) {
	if c.IsClosed() {
		return nil, closedError(c.ctx, c.op("new page"))
	}
	p, err := c.browser.openPage(ctx, c.ctx, c)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		_ = p.Close()
		return nil, closedError(c.ctx, c.op("new page"))
	}
	c.pages = append(c.pages, p)
	return p, nil
}

// Pages returns the context's open pages.
func (c *Context) Pages() []*Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Page, 0, len(c.pages))
	for _, p := range c.pages {
		if !p.IsClosed() {
			out = append(out, p)
		}
	}
	return out
}

// StorageState captures the session's cookies plus the web storage of every
// distinct origin loaded by the context's open pages.
func (c *Context) StorageState(ctx context.Context) (*schemas.StorageState, error) {
	op := c.op("storage state")
	if c.IsClosed() {
		return nil, closedError(c.ctx, op)
	}
	sctx, cancel := session.CombineContext(ctx, c.ctx)
	defer cancel()

	state, err := c.storageState(sctx)
	if err != nil {
		return nil, interrupted(ctx, c.ctx, op, err)
	}
	return state, nil
}

func (c *Context) storageState(ctx context.Context) (*schemas.StorageState, error) {
	cookies, err := c.browser.session.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	state := &schemas.StorageState{Cookies: []schemas.Cookie{}, Origins: []schemas.OriginState{}}
	if cookies != nil {
		state.Cookies = cookies
	}

	seen := make(map[string]struct{})
	for _, p := range c.Pages() {
		origin, err := p.originState(ctx)
		if err != nil {
			if errors.Is(err, driver.ErrSessionClosed) || ctx.Err() != nil {
				return nil, err
			}
			c.logger.Warn("Failed to read page storage.", zap.String("page_id", p.ID()), zap.Error(err))
			continue
		}
		if origin == nil {
			continue
		}
		if _, ok := seen[origin.Origin]; ok {
			continue
		}
		seen[origin.Origin] = struct{}{}
		state.Origins = append(state.Origins, *origin)
	}
	return state, nil
}

// Close closes the context's pages and interrupts their in-flight operations.
// Later calls are no-ops. The session stays open.
func (c *Context) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		c.cancel(fmt.Errorf("browser context %s closed", c.ID()))

		c.mu.Lock()
		pages := c.pages
		c.pages = nil
		c.mu.Unlock()
		for _, p := range pages {
			if err := p.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.browser.forgetContext(c)
		c.logger.Debug("Browser context closed.", zap.Int("pages", len(pages)))
	})
	return errors.Join(errs...)
}

// IsClosed reports whether the context, its browser or the session ended.
func (c *Context) IsClosed() bool {
	return c.ctx.Err() != nil || c.browser.session.IsClosed()
}
