// File: cmd/session.go
package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sparkle/internal/browser"
	"github.com/xkilldash9x/sparkle/internal/observability"
)

// pageSession is what a subcommand works with: the connected browser and its page.
type pageSession struct {
	browser *browser.Browser
	page    *browser.Page
	logger  *zap.Logger
}

// withPage connects using the configuration in the command context, runs fn and
// always closes the browser afterwards.
func withPage(cmd *cobra.Command, fn func(s *pageSession) error) (err error) {
	ctx := cmd.Context()
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return err
	}
	logger := observability.GetLogger().With(zap.String("command", cmd.Name()))

	b, err := browser.Connect(ctx, browser.OptionsFromConfig(cfg, logger))
	if err != nil {
		return err
	}
	defer func() {
		// The command context may be cancelled by a signal; the session must still go.
		if cerr := b.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()

	p, err := b.NewPage(ctx)
	if err != nil {
		return err
	}
	return fn(&pageSession{browser: b, page: p, logger: logger})
}
