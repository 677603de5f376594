package main

import (
	"io"

	"github.com/DoNewsCode/core"
	"github.com/DoNewsCode/core/contract"
	"github.com/DoNewsCode/core/di"
	"github.com/DoNewsCode/core/otredis"
	queue "github.com/DoNewsCode/notify-queue"
	"github.com/DoNewsCode/notify-queue/internal/mailer"
	"github.com/DoNewsCode/notify-queue/internal/natsevents"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics/prometheus"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/pkg/errors"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

type app struct {
	configPath string
	out        io.Writer
	// providerOptions are passed to queue.Providers.
	providerOptions []queue.ProvidersOptionFunc
	registerer      stdprometheus.Registerer
}

type httpConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

type healthConfig struct {
	Addr               string `yaml:"addr" json:"addr"`
	GRPCAddr           string `yaml:"grpcAddr" json:"grpcAddr"`
	SyncIntervalSecond int    `yaml:"syncIntervalSecond" json:"syncIntervalSecond"`
}

type sqliteConfig struct {
	Path string `yaml:"path" json:"path"`
}

type natsConfig struct {
	URL string `yaml:"url" json:"url"`
}

type appConfig struct {
	HTTP   httpConfig
	Health healthConfig
	SQLite sqliteConfig
	NATS   natsConfig
	Mailer mailer.Config
	// MaxAttempts is read from the default queue section and applied to every email job.
	MaxAttempts int
}

func defaultAppConfig() appConfig {
	return appConfig{
		HTTP:        httpConfig{Addr: ":3000"},
		Health:      healthConfig{Addr: ":3001", GRPCAddr: ":3002", SyncIntervalSecond: 1},
		SQLite:      sqliteConfig{Path: "messages.db"},
		Mailer:      mailer.DefaultConfig(),
		MaxAttempts: 5,
	}
}

func loadAppConfig(conf contract.ConfigAccessor, logger log.Logger) appConfig {
	cfg := defaultAppConfig()
	sections := map[string]interface{}{
		"http":                      &cfg.HTTP,
		"health":                    &cfg.Health,
		"sqlite":                    &cfg.SQLite,
		"nats":                      &cfg.NATS,
		"mailer":                    &cfg.Mailer,
		"queue.default.maxAttempts": &cfg.MaxAttempts,
	}
	for path, target := range sections {
		if err := conf.Unmarshal(path, target); err != nil {
			_ = level.Warn(logger).Log("msg", "bad config section", "section", path, "err", err)
		}
	}
	return cfg
}

// bootstrap builds the container. The returned cleanup must be called once the command is done.
func (a *app) bootstrap() (*core.C, appConfig, func(), error) {
	c := core.New(core.WithConfigStack(file.Provider(a.configPath), yaml.Parser()))
	c.ProvideEssentials()

	var (
		cfg    appConfig
		logger log.Logger
	)
	c.Invoke(func(conf contract.ConfigAccessor, l log.Logger) {
		cfg = loadAppConfig(conf, l)
		logger = l
	})

	cleanup := func() { c.Shutdown() }
	registerer := a.registerer
	if registerer == nil {
		registerer = stdprometheus.DefaultRegisterer
	}

	var observer queue.Observer
	if cfg.NATS.URL != "" {
		publisher, err := natsevents.Connect(cfg.NATS.URL, logger)
		if err != nil {
			cleanup()
			return nil, cfg, nil, errors.Wrap(err, "connect nats")
		}
		observer = publisher
		cleanup = func() {
			c.Shutdown()
			if err := publisher.Close(); err != nil {
				_ = level.Warn(logger).Log("err", err)
			}
		}
	}

	c.Provide(otredis.Providers())
	c.Provide(queue.Providers(a.providerOptions...))
	deps := di.Deps{
		func(appName contract.AppName, env contract.Env) queue.Gauge {
			gauge := stdprometheus.NewGaugeVec(stdprometheus.GaugeOpts{
				Namespace: appName.String(),
				Subsystem: env.String(),
				Name:      "queue_length",
				Help:      "The number of jobs in each channel of the queue.",
			}, []string{"queue", "channel"})
			registerer.MustRegister(gauge)
			return prometheus.NewGauge(gauge)
		},
		func(appName contract.AppName, env contract.Env) queue.Counter {
			counter := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
				Namespace: appName.String(),
				Subsystem: env.String(),
				Name:      "jobs_processed_total",
				Help:      "The number of processed jobs by type and outcome.",
			}, []string{"queue", "type", "outcome"})
			registerer.MustRegister(counter)
			return prometheus.NewCounter(counter)
		},
	}
	if observer != nil {
		deps = append(deps, func() queue.Observer { return observer })
	}
	c.Provide(deps)
	return c, cfg, cleanup, nil
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "notifyd",
		Short:         "Durable email notification queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "config.yaml", "path to the yaml config file")
	root.AddCommand(newAPICmd(a), newWorkerCmd(a), newQueueCmd(a))
	return root
}
