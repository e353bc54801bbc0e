// File: internal/browser/storage.go
package browser

import (
	"context"
	"fmt"
	"path/filepath"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/sparkle/api/schemas"
	"github.com/xkilldash9x/sparkle/internal/browser/driver"
)

const (
	localStorage   = "localStorage"
	sessionStorage = "sessionStorage"

	originScript       = "return window.location.origin"
	readStorageScript  = `var s = window[arguments[0]], out = [];
for (var i = 0; i < s.length; i++) { var k = s.key(i); out.push({name: k, value: s.getItem(k)}); }
return out;`
	writeStorageScript = "window[arguments[0]].setItem(arguments[1], arguments[2]);"
)

// StorageState captures the session's cookies and the web storage of the
// current origin. Opaque origins (about:blank, data: URLs) have no storage.
func (p *Page) StorageState(ctx context.Context) (state *schemas.StorageState, err error) {
	err = withPage(ctx, p, "storage state", func(ctx context.Context) error {
		state = &schemas.StorageState{Cookies: []schemas.Cookie{}, Origins: []schemas.OriginState{}}
		var origin *schemas.OriginState

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			cookies, err := p.session.Cookies(gctx)
			if err != nil {
				return fmt.Errorf("failed to read cookies: %w", err)
			}
			if cookies != nil {
				state.Cookies = cookies
			}
			return nil
		})
		g.Go(func() (err error) {
			origin, err = p.originState(gctx)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}
		if origin != nil {
			state.Origins = append(state.Origins, *origin)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// originState reads both storage areas of the loaded document, or nil for an
// opaque origin.
func (p *Page) originState(ctx context.Context) (*schemas.OriginState, error) {
	var origin string
	if err := p.evaluateInto(ctx, "read origin", originScript, &origin); err != nil {
		return nil, fmt.Errorf("failed to read origin: %w", err)
	}
	if !hasStorage(origin) {
		return nil, nil
	}

	state := &schemas.OriginState{Origin: origin}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		state.LocalStorage, err = p.readStorage(gctx, localStorage)
		return err
	})
	g.Go(func() (err error) {
		state.SessionStorage, err = p.readStorage(gctx, sessionStorage)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return state, nil
}

func hasStorage(origin string) bool {
	return origin != "" && origin != "null"
}

func (p *Page) readStorage(ctx context.Context, area string) ([]schemas.NameValue, error) {
	items := []schemas.NameValue{}
	if err := p.evaluateInto(ctx, "read "+area, readStorageScript, &items, area); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", area, err)
	}
	if items == nil {
		items = []schemas.NameValue{}
	}
	return items, nil
}

// ApplyStorageState adds the cookies of state and replays the web storage of the
// current origin. WebDriver can only reach the storage of the loaded document,
// so entries for other origins are skipped.
func (p *Page) ApplyStorageState(ctx context.Context, state *schemas.StorageState) error {
	if state == nil {
		return driver.NewInvalidArgument("apply storage state", "state is required")
	}
	return withPage(ctx, p, "apply storage state", func(ctx context.Context) error {
		return p.applyStorageState(ctx, state)
	})
}

func (p *Page) applyStorageState(ctx context.Context, state *schemas.StorageState) error {
	for _, c := range state.Cookies {
		if err := p.session.AddCookie(ctx, c); err != nil {
			return fmt.Errorf("failed to add cookie %q: %w", c.Name, err)
		}
	}

	var origin string
	if err := p.evaluateInto(ctx, "read origin", originScript, &origin); err != nil {
		return fmt.Errorf("failed to read origin: %w", err)
	}
	for _, o := range state.Origins {
		if o.Origin != origin {
			p.logger.Debug("Skipping storage of another origin.",
				zap.String("origin", o.Origin), zap.String("current", origin))
			continue
		}
		if err := p.writeStorage(ctx, localStorage, o.LocalStorage); err != nil {
			return err
		}
		if err := p.writeStorage(ctx, sessionStorage, o.SessionStorage); err != nil {
			return err
		}
	}
	return nil
}

func (p *Page) writeStorage(ctx context.Context, area string, items []schemas.NameValue) error {
	for _, item := range items {
		if _, err := p.EvaluateWithArgs(ctx, writeStorageScript, area, item.Name, item.Value); err != nil {
			return fmt.Errorf("failed to set %s item %q: %w", area, item.Name, err)
		}
	}
	return nil
}

// SaveStorageState writes state as indented JSON, readable only by the owner.
func SaveStorageState(fs afero.Fs, path string, state *schemas.StorageState) error {
	path, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("failed to expand path %q: %w", path, err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode storage state: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %q: %w", dir, err)
		}
	}
	if err := afero.WriteFile(fs, path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write storage state: %w", err)
	}
	return nil
}

// LoadStorageState reads a file written by SaveStorageState.
func LoadStorageState(fs afero.Fs, path string) (*schemas.StorageState, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand path %q: %w", path, err)
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage state: %w", err)
	}
	var state schemas.StorageState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, driver.NewSerialization("load storage state", err)
	}
	if state.Cookies == nil {
		state.Cookies = []schemas.Cookie{}
	}
	if state.Origins == nil {
		state.Origins = []schemas.OriginState{}
	}
	return &state, nil
}
