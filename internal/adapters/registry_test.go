package adapters

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Meteo-X/pixiu-sub007/errs"
)

// fakeAdapter records lifecycle calls.
type fakeAdapter struct {
	name string
	log  *callLog

	failStart bool
	status    Status
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Initialize(context.Context) error {
	f.log.add(f.name + ".initialize")
	f.status = StatusInitialized
	return nil
}

func (f *fakeAdapter) Start(context.Context) error {
	f.log.add(f.name + ".start")
	if f.failStart {
		return errs.New("test", errs.KindConnection, errs.WithMessage("dial failed"))
	}
	f.status = StatusRunning
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.log.add(f.name + ".stop")
	f.status = StatusStopped
	return nil
}

func (f *fakeAdapter) Destroy(context.Context) error {
	f.log.add(f.name + ".destroy")
	f.status = StatusCreated
	return nil
}

func (f *fakeAdapter) Health(context.Context) Health {
	return Health{Status: f.status, Healthy: true, CheckedAt: time.Now()}
}

func fakeDescriptor(name string, log *callLog, failStart bool) Descriptor {
	return Descriptor{
		Version:     "1.0.0",
		Description: name + " test adapter",
		Factory: func(ExchangeConfig) (Adapter, error) {
			return &fakeAdapter{name: name, log: log, failStart: failStart}, nil
		},
	}
}

func TestRegistryRegisterAndCreate(t *testing.T) {
	registry := NewRegistry()
	log := new(callLog)
	require.NoError(t, registry.Register("binance", fakeDescriptor("binance", log, false)))

	err := registry.Register("binance", fakeDescriptor("binance", log, false))
	require.True(t, errs.IsKind(err, errs.KindInvalidArgument))

	err = registry.Register("broken", Descriptor{})
	require.True(t, errs.IsKind(err, errs.KindInvalidArgument))

	ctx := context.Background()
	adapter, err := registry.CreateInstance(ctx, "binance", ExchangeConfig{Exchange: "binance"})
	require.NoError(t, err)
	require.Equal(t, "binance", adapter.Name())
	require.Equal(t, []string{"binance.initialize"}, log.list())

	// one live instance per name
	_, err = registry.CreateInstance(ctx, "binance", ExchangeConfig{Exchange: "binance"})
	require.True(t, errs.IsKind(err, errs.KindInvalidState))

	_, err = registry.CreateInstance(ctx, "kraken", ExchangeConfig{Exchange: "kraken"})
	require.True(t, errs.IsKind(err, errs.KindInvalidState))
}

func TestRegistryDisabledAdapterRejected(t *testing.T) {
	registry := NewRegistry()
	log := new(callLog)
	require.NoError(t, registry.Register("binance", fakeDescriptor("binance", log, false)))
	require.NoError(t, registry.SetEnabled("binance", false))

	ctx := context.Background()
	_, err := registry.CreateInstance(ctx, "binance", ExchangeConfig{Exchange: "binance"})
	require.True(t, errs.IsKind(err, errs.KindInvalidState))

	// StartAutoAdapters skips disabled registrations instead of failing.
	require.NoError(t, registry.StartAutoAdapters(ctx, []ExchangeConfig{{Exchange: "binance"}}))
	require.Empty(t, log.list())
}

func TestRegistryAutoStartAndReverseShutdown(t *testing.T) {
	registry := NewRegistry()
	log := new(callLog)
	for _, name := range []string{"binance", "okx", "kraken"} {
		require.NoError(t, registry.Register(name, fakeDescriptor(name, log, false)))
	}

	ctx := context.Background()
	require.NoError(t, registry.StartAutoAdapters(ctx, []ExchangeConfig{
		{Exchange: "binance"}, {Exchange: "okx"}, {Exchange: "kraken"},
	}))
	require.NoError(t, registry.StopAllInstances(ctx))

	require.Equal(t, []string{
		"binance.initialize", "binance.start",
		"okx.initialize", "okx.start",
		"kraken.initialize", "kraken.start",
		"kraken.stop", "kraken.destroy",
		"okx.stop", "okx.destroy",
		"binance.stop", "binance.destroy",
	}, log.list())
}

func TestRegistryAutoStartFailureRollsBack(t *testing.T) {
	registry := NewRegistry()
	log := new(callLog)
	require.NoError(t, registry.Register("binance", fakeDescriptor("binance", log, false)))
	require.NoError(t, registry.Register("okx", fakeDescriptor("okx", log, true)))

	err := registry.StartAutoAdapters(context.Background(), []ExchangeConfig{
		{Exchange: "binance"}, {Exchange: "okx"},
	})
	require.Error(t, err)
	require.Equal(t, []string{
		"binance.initialize", "binance.start",
		"okx.initialize", "okx.start", "okx.destroy",
		"binance.stop", "binance.destroy",
	}, log.list())

	// Rollback left no instances behind.
	_, err = registry.Instance("binance")
	require.True(t, errs.IsKind(err, errs.KindInvalidState))
}

func TestRegistryUnregister(t *testing.T) {
	registry := NewRegistry()
	log := new(callLog)
	require.NoError(t, registry.Register("binance", fakeDescriptor("binance", log, false)))

	ctx := context.Background()
	_, err := registry.CreateInstance(ctx, "binance", ExchangeConfig{Exchange: "binance"})
	require.NoError(t, err)

	err = registry.Unregister("binance")
	require.True(t, errs.IsKind(err, errs.KindInvalidState))

	require.NoError(t, registry.DestroyInstance(ctx, "binance"))
	require.NoError(t, registry.Unregister("binance"))
	require.True(t, errs.IsKind(registry.Unregister("binance"), errs.KindInvalidState))
}

func TestRegistryHealthAndStatus(t *testing.T) {
	registry := NewRegistry()
	log := new(callLog)
	require.NoError(t, registry.Register("binance", fakeDescriptor("binance", log, false)))
	require.NoError(t, registry.Register("okx", fakeDescriptor("okx", log, false)))

	ctx := context.Background()
	require.NoError(t, registry.StartAutoAdapters(ctx, []ExchangeConfig{{Exchange: "binance"}}))

	health := registry.HealthAll(ctx)
	require.Len(t, health, 1)
	require.True(t, health["binance"].Healthy)

	status := registry.Status(ctx)
	require.Len(t, status, 2)
	require.True(t, status["binance"].Instance)
	require.Equal(t, StatusRunning, status["binance"].Status)
	require.False(t, status["okx"].Instance)
	require.Equal(t, "1.0.0", status["okx"].Version)
}
