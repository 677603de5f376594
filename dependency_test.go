package queue

import (
	"context"
	"testing"
	"time"

	"github.com/DoNewsCode/core"
	"github.com/DoNewsCode/core/config"
	"github.com/DoNewsCode/core/contract"
	"github.com/go-kit/kit/log"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/oklog/run"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testQueueConfig = `{"log":{"level":"error"},"queue":{
	"default":{"parallelism":1,"backoffBaseMillisecond":100,"maxAttempts":3},
	"alternative":{"parallelism":3,"leaseDurationSecond":60}
}}`

func newCore(conf string) *core.C {
	c := core.New(core.WithConfigStack(rawbytes.Provider([]byte(conf)), json.Parser()))
	c.ProvideEssentials()
	return c
}

func configAccessor(conf string) contract.ConfigAccessor {
	var accessor contract.ConfigAccessor
	newCore(conf).Invoke(func(c contract.ConfigAccessor) {
		accessor = c
	})
	return accessor
}

func TestProvideDispatcher_withDriver(t *testing.T) {
	driver := NewInProcessDriver()
	out, err := provideDispatcherFactory(&providersOption{driver: driver})(makerIn{
		Conf:    configAccessor(testQueueConfig),
		Logger:  log.NewNopLogger(),
		AppName: config.AppName("test"),
		Env:     config.EnvTesting,
	})
	require.NoError(t, err)
	assert.NotNil(t, out.DispatcherFactory)

	def, err := out.DispatcherFactory.Make("default")
	require.NoError(t, err)
	assert.Equal(t, 1, def.parallelism)
	assert.Equal(t, 3, def.defaultMaxAttempts)
	assert.Equal(t, NewExponentialBackoff(100*time.Millisecond), def.retryPolicy)
	assert.Same(t, driver, def.Driver())

	alt, err := out.DispatcherFactory.Make("alternative")
	require.NoError(t, err)
	assert.Equal(t, 3, alt.parallelism)
	assert.Equal(t, time.Minute, alt.leaseDuration)
	assert.Equal(t, 500*time.Millisecond, alt.pollInterval)

	_, err = out.DispatcherFactory.Make("unknown")
	assert.Error(t, err)

	var g run.Group
	out.ProvideRunGroup(&g)
}

func TestProvideDispatcher_defaultWithoutConfig(t *testing.T) {
	out, err := provideDispatcherFactory(&providersOption{})(makerIn{
		Conf:    configAccessor(`{}`),
		Logger:  log.NewNopLogger(),
		AppName: config.AppName("test"),
		Env:     config.EnvTesting,
		Driver:  NewInProcessDriver(),
	})
	require.NoError(t, err)
	def, err := out.DispatcherFactory.Make("default")
	require.NoError(t, err)
	assert.Equal(t, 5, def.parallelism)
	assert.Equal(t, 5, def.defaultMaxAttempts)
}

func TestProvideDispatcher_redisRequiresPopulator(t *testing.T) {
	_, err := provideDispatcherFactory(&providersOption{})(makerIn{
		Conf:    configAccessor(`{"queue":{"default":{"redisName":"default"}}}`),
		Logger:  log.NewNopLogger(),
		AppName: config.AppName("test"),
		Env:     config.EnvTesting,
	})
	assert.Error(t, err)
}

func TestProvideConfigs(t *testing.T) {
	c := provideConfig()
	require.Len(t, c.Config, 1)
	assert.Equal(t, "queue", c.Config[0].Owner)
}

func TestProviders(t *testing.T) {
	driver := NewInProcessDriver()
	c := newCore(testQueueConfig)
	c.Provide(Providers(WithDriver(driver)))

	var id string
	c.Invoke(func(q *Queue, maker DispatcherMaker) {
		assert.Equal(t, 1, q.parallelism)
		alt, err := maker.Make("alternative")
		require.NoError(t, err)
		assert.Equal(t, 3, alt.parallelism)

		id, err = q.Dispatch(context.Background(), JobFrom(MockJob{Value: "hi"}))
		require.NoError(t, err)
	})

	stored, err := driver.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.MaxAttempts)

	var g run.Group
	c.ApplyRunGroup(&g)
}
