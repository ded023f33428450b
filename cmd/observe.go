// File: cmd/observe.go
package cmd

import (
	"fmt"
	"io"
	"os"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/browser/observer"
	"github.com/xkilldash9x/browserpilot/internal/engine"
	"github.com/xkilldash9x/browserpilot/internal/observability"
)

func newObserveCmd() *cobra.Command {
	var (
		screenshotPath string
		overlayPath    string
		offscreen      bool
		asText         bool
	)

	cmd := &cobra.Command{
		Use:   "observe [url]",
		Short: "Print an indexed snapshot of the page, optionally navigating first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger().Named("observe")

			eng, err := engine.Open(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := eng.Close(); cerr != nil {
					logger.Warn("Failed to close engine cleanly.", zap.Error(cerr))
				}
			}()

			if len(args) == 1 {
				entry := eng.Execute(ctx, schemas.Navigate(args[0]))
				if !entry.Result.Success {
					return fmt.Errorf("navigation failed (%s): %s", entry.Result.ErrorKind, entry.Result.Error)
				}
			}

			snap, err := eng.Observe(ctx, observer.Options{
				Screenshot:       screenshotPath != "",
				Overlay:          overlayPath != "",
				IncludeOffscreen: offscreen,
			})
			if err != nil {
				return fmt.Errorf("observation failed: %w", err)
			}

			if err := writeImage(screenshotPath, snap.Screenshot); err != nil {
				return err
			}
			if err := writeImage(overlayPath, snap.Overlay); err != nil {
				return err
			}
			return printSnapshot(cmd.OutOrStdout(), snap, asText)
		},
	}

	cmd.Flags().StringVar(&screenshotPath, "screenshot", "", "write a PNG screenshot to this path")
	cmd.Flags().StringVar(&overlayPath, "overlay", "", "write a PNG with element boxes and indexes drawn to this path")
	cmd.Flags().BoolVar(&offscreen, "offscreen", false, "include elements outside the viewport")
	cmd.Flags().BoolVar(&asText, "text", false, "print the planner text block instead of JSON")
	return cmd
}

// printSnapshot writes snap without image bytes; images go to files.
func printSnapshot(w io.Writer, snap *schemas.PageSnapshot, asText bool) error {
	if asText {
		_, err := io.WriteString(w, snap.Describe())
		return err
	}
	out := *snap
	out.Screenshot, out.Overlay = nil, nil
	enc := json.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writeImage(path string, data []byte) error {
	if path == "" {
		return nil
	}
	if len(data) == 0 {
		return fmt.Errorf("no image captured for %s", path)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
