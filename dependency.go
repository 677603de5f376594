package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/DoNewsCode/core/config"
	"github.com/DoNewsCode/core/contract"
	"github.com/DoNewsCode/core/di"
	"github.com/DoNewsCode/core/otredis"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/oklog/run"
	"github.com/pkg/errors"
)

/*
Providers returns a set of dependencies related to queue. It includes the
DispatcherMaker, the DispatcherFactory, the default *Queue and the exported configs.
	Depends On:
		contract.ConfigAccessor
		log.Logger
		contract.AppName
		contract.Env
		Dispatcher    `optional:"true"`
		Driver        `optional:"true"`
		otredis.Maker `optional:"true"`
		Gauge         `optional:"true"`
		Counter       `optional:"true"`
		Observer      `optional:"true"`
	Provides:
		DispatcherMaker
		DispatcherFactory
		*Queue
*/
func Providers(optionFunc ...ProvidersOptionFunc) di.Deps {
	option := &providersOption{}
	for _, f := range optionFunc {
		f(option)
	}
	return []interface{}{
		provideDispatcherFactory(option),
		provideConfig,
		provideDispatcher,
		di.Bind(new(DispatcherFactory), new(DispatcherMaker)),
	}
}

type providersOption struct {
	driver            Driver
	driverConstructor func(args DriverConstructorArgs) (Driver, error)
}

// ProvidersOptionFunc is the type of functional providersOption for Providers. Use this type to change how Providers work.
type ProvidersOptionFunc func(options *providersOption)

// WithDriver instructs the Providers to share one driver among all queues,
// typically an InProcessDriver. This option supersedes the WithDriverConstructor option.
func WithDriver(driver Driver) ProvidersOptionFunc {
	return func(options *providersOption) {
		options.driver = driver
	}
}

// WithDriverConstructor instructs the Providers to accept an alternative constructor for queue driver.
// If the WithDriver option is set, this option becomes an no-op.
func WithDriverConstructor(f func(args DriverConstructorArgs) (Driver, error)) ProvidersOptionFunc {
	return func(options *providersOption) {
		options.driverConstructor = f
	}
}

// DriverConstructorArgs are arguments to construct the driver. See WithDriverConstructor.
type DriverConstructorArgs struct {
	Name      string
	Conf      Configuration
	Logger    log.Logger
	AppName   contract.AppName
	Env       contract.Env
	Populator contract.DIPopulator
}

// Gauge is an alias used for dependency injection
type Gauge metrics.Gauge

// Counter is an alias used for dependency injection
type Counter metrics.Counter

// Configuration is the struct for queue configs.
type Configuration struct {
	RedisName                      string `yaml:"redisName" json:"redisName"`
	Parallelism                    int    `yaml:"parallelism" json:"parallelism"`
	CheckQueueLengthIntervalSecond int    `yaml:"checkQueueLengthIntervalSecond" json:"checkQueueLengthIntervalSecond"`
	LeaseDurationSecond            int    `yaml:"leaseDurationSecond" json:"leaseDurationSecond"`
	PollIntervalMillisecond        int    `yaml:"pollIntervalMillisecond" json:"pollIntervalMillisecond"`
	ShutdownTimeoutSecond          int    `yaml:"shutdownTimeoutSecond" json:"shutdownTimeoutSecond"`
	BackoffBaseMillisecond         int    `yaml:"backoffBaseMillisecond" json:"backoffBaseMillisecond"`
	MaxAttempts                    int    `yaml:"maxAttempts" json:"maxAttempts"`
	KeepCompleted                  int    `yaml:"keepCompleted" json:"keepCompleted"`
	KeepFailed                     int    `yaml:"keepFailed" json:"keepFailed"`
	ReclaimSchedule                string `yaml:"reclaimSchedule" json:"reclaimSchedule"`
}

func defaultConfiguration() Configuration {
	return Configuration{
		RedisName:                      "default",
		Parallelism:                    5,
		CheckQueueLengthIntervalSecond: 15,
		LeaseDurationSecond:            30,
		PollIntervalMillisecond:        500,
		ShutdownTimeoutSecond:          10,
		BackoffBaseMillisecond:         2000,
		MaxAttempts:                    5,
		KeepCompleted:                  100,
		KeepFailed:                     50,
		ReclaimSchedule:                "@every 5s",
	}
}

// options converts the configuration to NewQueue options. Zero values fall back to the queue defaults.
func (c Configuration) options() []func(*Queue) {
	opts := []func(*Queue){
		UseParallelism(c.Parallelism),
		UseLeaseDuration(time.Duration(c.LeaseDurationSecond) * time.Second),
		UsePollInterval(time.Duration(c.PollIntervalMillisecond) * time.Millisecond),
		UseDefaultMaxAttempts(c.MaxAttempts),
		UseReclaimSchedule(c.ReclaimSchedule),
	}
	if c.ShutdownTimeoutSecond > 0 {
		opts = append(opts, UseShutdownTimeout(time.Duration(c.ShutdownTimeoutSecond)*time.Second))
	}
	if c.BackoffBaseMillisecond > 0 {
		opts = append(opts, UseRetryPolicy(NewExponentialBackoff(time.Duration(c.BackoffBaseMillisecond)*time.Millisecond)))
	}
	return opts
}

// DispatcherFactory is a factory for *Queue. Note DispatcherFactory doesn't contain the factory method
// itself. ie. How to factory a queue is left for users to define.
//
// Here is an example on how to create a custom DispatcherFactory with an InProcessDriver.
//
//	factory := di.NewFactory(func(name string) (di.Pair, error) {
//		q := queue.NewQueue(queue.NewInProcessDriver())
//		return di.Pair{Conn: q}, nil
//	})
//	dispatcherFactory := DispatcherFactory{Factory: factory}
type DispatcherFactory struct {
	*di.Factory
}

// Make returns a Queue by the given name. If it has already been created under the same name,
// the that one will be returned.
func (s DispatcherFactory) Make(name string) (*Queue, error) {
	client, err := s.Factory.Make(name)
	if err != nil {
		return nil, err
	}
	return client.(*Queue), nil
}

// DispatcherMaker is the key of *DispatcherFactory in the dependencies graph. Used as a type hint for injection.
type DispatcherMaker interface {
	Make(string) (*Queue, error)
}

// makerIn is the injection parameters for provideDispatcherFactory
type makerIn struct {
	di.In

	Conf          contract.ConfigAccessor
	JobDispatcher Dispatcher `optional:"true"`
	Logger        log.Logger
	AppName       contract.AppName
	Env           contract.Env
	Gauge         Gauge                `optional:"true"`
	Counter       Counter              `optional:"true"`
	Observer      Observer             `optional:"true"`
	Populator     contract.DIPopulator `optional:"true"`
	Driver        Driver               `optional:"true"`
}

// makerOut is the di output of provideDispatcherFactory
type makerOut struct {
	di.Out
	DispatcherFactory DispatcherFactory
}

func (m makerOut) ModuleSentinel() {}

func (m makerOut) Module() interface{} { return m }

// provideDispatcherFactory is a provider for *DispatcherFactory and *Queue.
// It also provides an interface for each.
func provideDispatcherFactory(option *providersOption) func(p makerIn) (makerOut, error) {
	if option.driverConstructor == nil {
		option.driverConstructor = newDefaultDriver
	}
	return func(p makerIn) (makerOut, error) {
		var queueConfs map[string]Configuration
		if err := p.Conf.Unmarshal("queue", &queueConfs); err != nil {
			_ = level.Warn(p.Logger).Log("err", err)
		}
		factory := di.NewFactory(func(name string) (di.Pair, error) {
			var (
				ok   bool
				conf Configuration
			)
			p := p
			if conf, ok = queueConfs[name]; !ok {
				if name != "default" {
					return di.Pair{}, fmt.Errorf("queue configuration %s not found", name)
				}
				conf = defaultConfiguration()
			}

			opts := append(conf.options(), UseLogger(log.With(p.Logger, "queue", name)))
			if p.JobDispatcher != nil {
				opts = append(opts, UseDispatcher(p.JobDispatcher))
			}
			if p.Gauge != nil {
				opts = append(opts, UseGauge(p.Gauge.With("queue", name), time.Duration(conf.CheckQueueLengthIntervalSecond)*time.Second))
			}
			if p.Counter != nil {
				opts = append(opts, UseCounter(p.Counter.With("queue", name)))
			}
			if p.Observer != nil {
				opts = append(opts, UseObserver(p.Observer))
			}

			driver := option.driver
			if driver == nil {
				driver = p.Driver
			}
			if driver == nil {
				var err error
				driver, err = option.driverConstructor(
					DriverConstructorArgs{
						Name:      name,
						Conf:      conf,
						Logger:    p.Logger,
						AppName:   p.AppName,
						Env:       p.Env,
						Populator: p.Populator,
					},
				)
				if err != nil {
					return di.Pair{}, err
				}
			}
			return di.Pair{
				Closer: nil,
				Conn:   NewQueue(driver, opts...),
			}, nil
		})

		// Queue must be created eagerly, so that the consumer goroutines can start on boot up.
		for name := range queueConfs {
			if _, err := factory.Make(name); err != nil {
				return makerOut{}, err
			}
		}

		return makerOut{
			DispatcherFactory: DispatcherFactory{Factory: factory},
		}, nil
	}
}

// ProvideRunGroup implements container.RunProvider.
func (m makerOut) ProvideRunGroup(group *run.Group) {
	for name := range m.DispatcherFactory.List() {
		queueName := name
		ctx, cancel := context.WithCancel(context.Background())
		group.Add(func() error {
			consumer, err := m.DispatcherFactory.Make(queueName)
			if err != nil {
				return err
			}
			return consumer.Consume(ctx)
		}, func(err error) {
			cancel()
		})
	}
}

func newDefaultDriver(args DriverConstructorArgs) (Driver, error) {
	var maker otredis.Maker
	if args.Populator == nil {
		return nil, errors.New("the default driver requires setting the populator in DI container")
	}
	if err := args.Populator.Populate(&maker); err != nil {
		return nil, fmt.Errorf("the default driver requires an otredis.Maker in DI container: %w", err)
	}
	client, err := maker.Make(args.Conf.RedisName)
	if err != nil {
		return nil, fmt.Errorf("the default driver requires the redis client called %s: %w", args.Conf.RedisName, err)
	}
	return &RedisDriver{
		Logger:        args.Logger,
		RedisClient:   client,
		ChannelConfig: NewChannelConfig(fmt.Sprintf("%s:%s:%s", args.AppName.String(), args.Env.String(), args.Name)),
		KeepCompleted: args.Conf.KeepCompleted,
		KeepFailed:    args.Conf.KeepFailed,
	}, nil
}

type dispatcherOut struct {
	di.Out

	Queue *Queue
}

func provideDispatcher(maker DispatcherMaker) (dispatcherOut, error) {
	dispatcher, err := maker.Make("default")
	return dispatcherOut{
		Queue: dispatcher,
	}, err
}

type configOut struct {
	di.Out

	Config []config.ExportedConfig `group:"config,flatten"`
}

func provideConfig() configOut {
	configs := []config.ExportedConfig{{
		Owner: "queue",
		Data: map[string]interface{}{
			"queue": map[string]Configuration{
				"default": defaultConfiguration(),
			},
		},
	}}
	return configOut{Config: configs}
}
