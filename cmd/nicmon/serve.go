package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Sample diagnostics and run traffic together, serving status over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("serve")
		if err != nil {
			return err
		}
		if a.cfg.Listen == "" {
			return a.finish(errors.New("serve needs a listen address"))
		}
		ctx, cancel := signalContext()
		defer cancel()

		a.serveStatus(ctx)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return a.monitor(gctx) })
		if a.cfg.Traffic != nil {
			g.Go(func() error {
				err := a.traffic(gctx)
				if err == nil || errors.Is(err, context.Canceled) {
					// A finished finite run leaves sampling going.
					return nil
				}
				return err
			})
		}
		return a.finish(g.Wait())
	},
}
