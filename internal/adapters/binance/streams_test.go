package binance

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Meteo-X/pixiu-sub007/errs"
	"github.com/Meteo-X/pixiu-sub007/internal/schema"
	"github.com/Meteo-X/pixiu-sub007/internal/subscription"
)

func TestCanonicalSymbol(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT":  "BTC/USDT",
		"btcusdt":  "BTC/USDT",
		"ETHBTC":   "ETH/BTC",
		"BTC/USDT": "BTC/USDT",
		"SOLUSDC":  "SOL/USDC",
	}
	for in, want := range cases {
		require.Equal(t, want, CanonicalSymbol(in), "input %q", in)
	}
}

func TestStreamNameRoundTrip(t *testing.T) {
	profile := NewProfile()
	requests := []subscription.StreamRequest{
		{Symbol: "BTC/USDT", Type: schema.DataTypeTrade},
		{Symbol: "ETH/USDT", Type: schema.DataTypeTicker},
		{Symbol: "BTC/USDT", Type: schema.DataTypeKline1m},
		{Symbol: "SOL/USDT", Type: schema.DataTypeKline4h},
		{Symbol: "BTC/USDT", Type: schema.DataTypeDepth},
		{Symbol: "BTC/USDT", Type: schema.DataTypeDepth,
			Params: subscription.StreamParams{DepthLevels: 5, UpdateSpeedMs: 100}},
		{Symbol: "BTC/USDT", Type: schema.DataTypeDepth,
			Params: subscription.StreamParams{UpdateSpeedMs: 100}},
	}
	for _, req := range requests {
		name, err := profile.StreamName(req)
		require.NoError(t, err, "request %+v", req)
		require.True(t, subscription.ValidStreamName(name), "name %q", name)

		back, err := profile.ParseStreamName(name)
		require.NoError(t, err, "name %q", name)
		require.Equal(t, req, back)
	}
}

func TestStreamNameLiterals(t *testing.T) {
	profile := NewProfile()
	cases := []struct {
		req  subscription.StreamRequest
		want string
	}{
		{subscription.StreamRequest{Symbol: "BTC/USDT", Type: schema.DataTypeTrade}, "btcusdt@trade"},
		{subscription.StreamRequest{Symbol: "ETH/USDT", Type: schema.DataTypeKline1m}, "ethusdt@kline_1m"},
		{subscription.StreamRequest{Symbol: "BTC/USDT", Type: schema.DataTypeDepth,
			Params: subscription.StreamParams{DepthLevels: 20, UpdateSpeedMs: 100}}, "btcusdt@depth20@100ms"},
	}
	for _, tc := range cases {
		name, err := profile.StreamName(tc.req)
		require.NoError(t, err)
		require.Equal(t, tc.want, name)
	}
}

func TestStreamNameRejectsBadParams(t *testing.T) {
	profile := NewProfile()
	cases := []subscription.StreamRequest{
		{Symbol: "BTC/USDT", Type: schema.DataTypeDepth, Params: subscription.StreamParams{DepthLevels: 7}},
		{Symbol: "BTC/USDT", Type: schema.DataTypeDepth, Params: subscription.StreamParams{UpdateSpeedMs: 250}},
		{Symbol: "BTC/USDT", Type: schema.DataType("bogus")},
	}
	for _, req := range cases {
		_, err := profile.StreamName(req)
		require.Error(t, err, "request %+v", req)
		require.True(t, errs.IsKind(err, errs.KindInvalidArgument))
	}
}

func TestParseStreamNameRejectsUnknownSuffix(t *testing.T) {
	profile := NewProfile()
	_, err := profile.ParseStreamName("btcusdt@bookTicker")
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindInvalidArgument))
}

func TestCombinedURLScenario(t *testing.T) {
	profile := NewProfile()
	names := make([]string, 0, 3)
	for _, req := range []subscription.StreamRequest{
		{Symbol: "BTC/USDT", Type: schema.DataTypeTrade},
		{Symbol: "ETH/USDT", Type: schema.DataTypeTicker},
		{Symbol: "BTC/USDT", Type: schema.DataTypeKline1m},
	} {
		name, err := profile.StreamName(req)
		require.NoError(t, err)
		names = append(names, name)
	}

	url, err := subscription.BuildCombinedStreamURL(names, "wss://stream.binance.com:9443", subscription.URLOptions{})
	require.NoError(t, err)
	require.Equal(t,
		"wss://stream.binance.com:9443/stream?streams=btcusdt@trade/ethusdt@ticker/btcusdt@kline_1m",
		url)
}
