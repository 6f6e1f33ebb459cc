package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Meteo-X/pixiu-sub007/errs"
	"github.com/Meteo-X/pixiu-sub007/internal/schema"
)

func testClock() func() time.Time {
	base := time.UnixMilli(1700000000000).UTC()
	return func() time.Time { return base }
}

func tradeRequest(symbol string) StreamRequest {
	return StreamRequest{Symbol: symbol, Type: schema.DataTypeTrade}
}

func TestSubscribeDeduplicates(t *testing.T) {
	mgr := NewManager(fakeProfile{max: 10}, testClock())

	first, err := mgr.Subscribe(tradeRequest("BTC/USDT"))
	require.NoError(t, err)
	require.Equal(t, StatusPending, first.Status)
	require.Equal(t, "btcusdt@trade", first.StreamName)

	second, err := mgr.Subscribe(tradeRequest("BTC/USDT"))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, mgr.Len())
}

func TestSubscribeEnforcesCap(t *testing.T) {
	mgr := NewManager(fakeProfile{max: 2}, testClock())
	_, err := mgr.Subscribe(tradeRequest("BTC/USDT"))
	require.NoError(t, err)
	_, err = mgr.Subscribe(tradeRequest("ETH/USDT"))
	require.NoError(t, err)

	_, err = mgr.Subscribe(tradeRequest("SOL/USDT"))
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindTooManyStreams))
}

func TestUnsubscribeFreesStream(t *testing.T) {
	mgr := NewManager(fakeProfile{max: 2}, testClock())
	sub, err := mgr.Subscribe(tradeRequest("BTC/USDT"))
	require.NoError(t, err)

	require.NoError(t, mgr.Unsubscribe(sub.ID))
	require.Equal(t, 0, mgr.Len())
	require.Empty(t, mgr.StreamNames())

	require.Error(t, mgr.Unsubscribe(sub.ID))

	again, err := mgr.Subscribe(tradeRequest("BTC/USDT"))
	require.NoError(t, err)
	require.NotEqual(t, sub.ID, again.ID)
}

func TestLifecycleTransitions(t *testing.T) {
	mgr := NewManager(fakeProfile{max: 10}, testClock())
	sub, err := mgr.Subscribe(tradeRequest("BTC/USDT"))
	require.NoError(t, err)

	mgr.MarkActive(sub.StreamName)
	mgr.MarkActive(sub.StreamName)
	got, ok := mgr.Get(sub.ID)
	require.True(t, ok)
	require.Equal(t, StatusActive, got.Status)
	require.Equal(t, uint64(2), got.MessageCount)

	mgr.MarkFailed(sub.StreamName)
	got, _ = mgr.Get(sub.ID)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, uint64(1), got.ErrorCount)

	mgr.MarkActive(sub.StreamName)
	got, _ = mgr.Get(sub.ID)
	require.Equal(t, StatusActive, got.Status)
}

func TestPauseAllAndBind(t *testing.T) {
	mgr := NewManager(fakeProfile{max: 10}, testClock())
	a, _ := mgr.Subscribe(tradeRequest("BTC/USDT"))
	b, _ := mgr.Subscribe(tradeRequest("ETH/USDT"))
	mgr.MarkActive(a.StreamName)

	mgr.PauseAll()
	got, _ := mgr.Get(a.ID)
	require.Equal(t, StatusPaused, got.Status)
	got, _ = mgr.Get(b.ID)
	require.Equal(t, StatusPaused, got.Status)

	mgr.BindConnection("conn-7")
	got, _ = mgr.Get(a.ID)
	require.Equal(t, "conn-7", got.ConnectionID)
}

func TestStreamNamesFirstSeenOrder(t *testing.T) {
	mgr := NewManager(fakeProfile{max: 10}, testClock())
	_, _ = mgr.Subscribe(tradeRequest("ETH/USDT"))
	_, _ = mgr.Subscribe(tradeRequest("BTC/USDT"))
	_, _ = mgr.Subscribe(StreamRequest{Symbol: "BTC/USDT", Type: schema.DataTypeTicker})

	require.Equal(t, []string{"ethusdt@trade", "btcusdt@trade", "btcusdt@ticker"}, mgr.StreamNames())

	url, err := mgr.CombinedURL("wss://x", URLOptions{})
	require.NoError(t, err)
	require.Equal(t, "wss://x/stream?streams=ethusdt@trade/btcusdt@trade/btcusdt@ticker", url)
}
