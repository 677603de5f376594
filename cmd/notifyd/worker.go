package main

import (
	"context"
	"net"
	"net/http"
	"syscall"
	"time"

	queue "github.com/DoNewsCode/notify-queue"
	"github.com/DoNewsCode/notify-queue/internal/health"
	"github.com/DoNewsCode/notify-queue/internal/mailer"
	"github.com/DoNewsCode/notify-queue/internal/message"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func newWorkerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume email jobs and serve health endpoints",
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
				q.Subscribe(mailer.Handler{
					Messages: store,
					Sender:   mailer.NewLogSender(cfg.Mailer, log.With(logger, "component", "mailer")),
					Logger:   log.With(logger, "component", "worker"),
				})

				addServer(&g, &http.Server{
					Addr:    cfg.Health.Addr,
					Handler: health.NewHandler(q, stdprometheus.DefaultGatherer, logger).Router(),
				}, logger)
				addGRPCServer(&g, cfg.Health, q, logger)
			})
			// Starts Consume for every configured queue.
			c.ApplyRunGroup(&g)
			return runGroup(cmd.Context(), &g)
		},
	}
}

func addGRPCServer(g *run.Group, conf healthConfig, reporter health.StatsReporter, logger log.Logger) {
	srv := grpc.NewServer()
	healthSrv := health.NewGRPCServer()
	healthpb.RegisterHealthServer(srv, healthSrv)

	interval := time.Duration(conf.SyncIntervalSecond) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.Add(func() error {
		go health.Sync(ctx, healthSrv, reporter, interval)
		ln, err := net.Listen("tcp", conf.GRPCAddr)
		if err != nil {
			return err
		}
		_ = level.Info(logger).Log("msg", "grpc health server listening", "addr", conf.GRPCAddr)
		return srv.Serve(ln)
	}, func(err error) {
		cancel()
		srv.GracefulStop()
	})
}

// runGroup adds a signal handler and runs g. Stopping on a signal is not an error.
func runGroup(ctx context.Context, g *run.Group) error {
	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	err := g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		return nil
	}
	return err
}
