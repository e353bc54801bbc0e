// File: cmd/navigate.go
package cmd

import (
	"fmt"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sparkle/api/schemas"
	"github.com/xkilldash9x/sparkle/internal/browser"
)

func newNavigateCmd() *cobra.Command {
	var (
		waitUntil    string
		screenshot   string
		storageState string
	)

	cmd := &cobra.Command{
		Use:   "navigate URL",
		Short: "Open a URL, wait for a load state and print the page title",
		Long: `Navigates the browser behind the configured WebDriver endpoint to URL and waits
until the requested load state is reached. Optionally saves a PNG screenshot and the
resulting storage state (cookies plus web storage of the final origin).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := schemas.ParseLoadState(waitUntil)
			if err != nil {
				return err
			}
			return withPage(cmd, func(s *pageSession) error {
				return runNavigate(cmd, s, args[0], state, screenshot, storageState)
			})
		},
	}
	cmd.Flags().StringVar(&waitUntil, "wait-until", "load", "load state to wait for: load, domcontentloaded, networkidle or commit")
	cmd.Flags().StringVar(&screenshot, "screenshot", "", "write a PNG screenshot to this file")
	cmd.Flags().StringVar(&storageState, "storage-state", "", "write the storage state as JSON to this file")
	return cmd
}

func runNavigate(cmd *cobra.Command, s *pageSession, url string, state schemas.LoadState, screenshot, storageState string) error {
	ctx := cmd.Context()
	if err := s.page.Goto(ctx, url, state); err != nil {
		return err
	}

	title, err := s.page.Title(ctx)
	if err != nil {
		return err
	}
	finalURL, err := s.page.URL(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\n", title, finalURL)

	if screenshot != "" {
		png, err := s.page.Screenshot(ctx)
		if err != nil {
			return err
		}
		path, err := homedir.Expand(screenshot)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", screenshot, err)
		}
		if err := afero.WriteFile(appFs, path, png, 0o644); err != nil {
			return fmt.Errorf("failed to write screenshot: %w", err)
		}
		s.logger.Info("Screenshot saved.", zap.String("path", path), zap.Int("bytes", len(png)))
	}

	if storageState != "" {
		st, err := s.page.StorageState(ctx)
		if err != nil {
			return err
		}
		if err := browser.SaveStorageState(appFs, storageState, st); err != nil {
			return err
		}
		s.logger.Info("Storage state saved.", zap.String("path", storageState),
			zap.Int("cookies", len(st.Cookies)), zap.Int("origins", len(st.Origins)))
	}
	return nil
}
