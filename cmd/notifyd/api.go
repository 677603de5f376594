package main

import (
	"context"
	"net/http"

	queue "github.com/DoNewsCode/notify-queue"
	"github.com/DoNewsCode/notify-queue/internal/httpapi"
	"github.com/DoNewsCode/notify-queue/internal/message"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/oklog/run"
	"github.com/spf13/cobra"
)

func newAPICmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Serve the producer HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, cleanup, err := a.bootstrap()
			if err != nil {
				return err
			}
			defer cleanup()

			store, err := message.Open(cmd.Context(), cfg.SQLite.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			var g run.Group
			c.Invoke(func(q *queue.Queue, logger log.Logger) {
				api := httpapi.New(store, q, cfg.MaxAttempts, log.With(logger, "component", "api"))
				addServer(&g, &http.Server{Addr: cfg.HTTP.Addr, Handler: api.Router()}, logger)
			})
			return runGroup(cmd.Context(), &g)
		},
	}
}

// addServer runs srv as a run group actor.
func addServer(g *run.Group, srv *http.Server, logger log.Logger) {
	g.Add(func() error {
		_ = level.Info(logger).Log("msg", "http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}, func(err error) {
		_ = srv.Shutdown(context.Background())
	})
}
