package sinks

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/Meteo-X/pixiu-sub007/internal/dataflow"
	"github.com/Meteo-X/pixiu-sub007/internal/observability"
	"github.com/Meteo-X/pixiu-sub007/internal/schema"
)

func testRecord(symbol string, typ schema.DataType, seq int64) *schema.MarketData {
	md := &schema.MarketData{
		Exchange:       "binance",
		Symbol:         symbol,
		Type:           typ,
		EventTimestamp: seq,
	}
	md.Tag("source", "exchange-collector")
	return md
}

func TestTopicStrategy(t *testing.T) {
	cases := []struct {
		typ  schema.DataType
		want string
	}{
		{schema.DataTypeTrade, "market-trade-binance"},
		{schema.DataTypeTicker, "market-ticker-binance"},
		{schema.DataTypeKline1m, "market-kline-binance"},
		{schema.DataTypeKline4h, "market-kline-binance"},
		{schema.DataTypeDepth, "market-depth-binance"},
		{schema.DataTypeOrderBook, "market-depth-binance"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Topic("market", testRecord("BTC/USDT", tc.typ, 1)), string(tc.typ))
	}
	require.Equal(t, "market-trade-binance", Topic("", testRecord("BTC/USDT", schema.DataTypeTrade, 1)))
}

func TestAttributesMandatoryKeys(t *testing.T) {
	record := testRecord("BTC/USDT", schema.DataTypeTrade, 1700000000000)
	attrs := Attributes(record)
	require.Equal(t, "binance", attrs["exchange"])
	require.Equal(t, "BTC/USDT", attrs["symbol"])
	require.Equal(t, "trade", attrs["type"])
	require.Equal(t, "1700000000000", attrs["timestamp"])
	require.Equal(t, "exchange-collector", attrs["source"])

	// Records without a source tag still carry the default.
	bare := &schema.MarketData{
		Exchange: "binance", Symbol: "BTC/USDT",
		Type: schema.DataTypeTrade, EventTimestamp: 1,
	}
	require.Equal(t, "exchange-collector", Attributes(bare)["source"])
}

func TestPubSubSinkPublishes(t *testing.T) {
	publisher := NewMemoryPublisher()
	sink := NewPubSubSink("pubsub", "market", publisher)

	batch := []*schema.MarketData{
		testRecord("BTC/USDT", schema.DataTypeTrade, 1),
		testRecord("BTC/USDT", schema.DataTypeKline1m, 2),
	}
	require.NoError(t, sink.Write(context.Background(), batch))

	messages := publisher.Messages()
	require.Len(t, messages, 2)
	require.Equal(t, "market-trade-binance", messages[0].Topic)
	require.Equal(t, "market-kline-binance", messages[1].Topic)
	require.Equal(t, "binance:BTC/USDT", messages[0].OrderingKey)
	require.Equal(t, "binance", messages[0].Attrs["exchange"])
	require.Equal(t, "BTC/USDT", messages[0].Attrs["symbol"])
	require.Equal(t, "trade", messages[0].Attrs["type"])
	require.Equal(t, "exchange-collector", messages[0].Attrs["source"])

	var decoded schema.MarketData
	require.NoError(t, json.Unmarshal(messages[0].Payload, &decoded))
	require.Equal(t, "BTC/USDT", decoded.Symbol)

	require.Equal(t, dataflow.HealthHealthy, sink.Health().Status)
}

type failingPublisher struct{ fails int }

func (p *failingPublisher) Publish(context.Context, string, string, []byte, map[string]string) error {
	p.fails++
	return context.DeadlineExceeded
}

func (p *failingPublisher) Close() error { return nil }

func TestPubSubSinkHealthDegrades(t *testing.T) {
	sink := NewPubSubSink("pubsub", "market", &failingPublisher{})
	batch := []*schema.MarketData{testRecord("BTC/USDT", schema.DataTypeTrade, 1)}

	require.Error(t, sink.Write(context.Background(), batch))
	require.Equal(t, dataflow.HealthDegraded, sink.Health().Status)

	require.Error(t, sink.Write(context.Background(), batch))
	require.Error(t, sink.Write(context.Background(), batch))
	require.Equal(t, dataflow.HealthUnhealthy, sink.Health().Status)
}

func TestCacheSinkKeepsRecent(t *testing.T) {
	sink := NewCacheSink("cache", 3, time.Minute)
	defer func() { _ = sink.Close(context.Background()) }()

	var batch []*schema.MarketData
	for i := int64(1); i <= 5; i++ {
		batch = append(batch, testRecord("BTC/USDT", schema.DataTypeTrade, i))
	}
	require.NoError(t, sink.Write(context.Background(), batch))

	tuple := batch[0].Tuple()
	latest, ok := sink.Latest(tuple)
	require.True(t, ok)
	require.Equal(t, int64(5), latest.EventTimestamp)

	recent := sink.Recent(tuple, 10)
	require.Len(t, recent, 3)
	require.Equal(t, int64(5), recent[0].EventTimestamp)
	require.Equal(t, int64(3), recent[2].EventTimestamp)
}

func TestCacheSinkReadMetrics(t *testing.T) {
	metrics := observability.NewMemoryMetrics()
	observability.SetMetrics(metrics)
	defer observability.SetMetrics(nil)

	sink := NewCacheSink("cache", 10, time.Minute)
	defer func() { _ = sink.Close(context.Background()) }()

	record := testRecord("BTC/USDT", schema.DataTypeTrade, 1)
	require.NoError(t, sink.Write(context.Background(), []*schema.MarketData{record}))

	labels := map[string]string{"sink": "cache"}
	require.NotEmpty(t, sink.Recent(record.Tuple(), 1))
	require.Empty(t, sink.Recent("binance|ETH/USDT|trade", 1))

	require.Equal(t, float64(1), metrics.Counter("pixiu_cache_hits_total", labels))
	require.Equal(t, float64(1), metrics.Counter("pixiu_cache_misses_total", labels))
	require.Equal(t, 1, metrics.HistogramCount("pixiu_cache_entry_age_ms", labels))
}

func TestCacheSinkExpiry(t *testing.T) {
	sink := NewCacheSink("cache", 10, 50*time.Millisecond)
	defer func() { _ = sink.Close(context.Background()) }()

	record := testRecord("BTC/USDT", schema.DataTypeTrade, 1)
	require.NoError(t, sink.Write(context.Background(), []*schema.MarketData{record}))

	_, ok := sink.Latest(record.Tuple())
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := sink.Latest(record.Tuple())
		return !ok
	}, time.Second, 10*time.Millisecond)
}

type captureForwarder struct{ records []*schema.MarketData }

func (f *captureForwarder) Forward(record *schema.MarketData) {
	f.records = append(f.records, record)
}

func TestProxySinkForwards(t *testing.T) {
	forwarder := new(captureForwarder)
	sink := NewProxySink("proxy", forwarder)

	batch := []*schema.MarketData{
		testRecord("BTC/USDT", schema.DataTypeTrade, 1),
		testRecord("ETH/USDT", schema.DataTypeTicker, 2),
	}
	require.NoError(t, sink.Write(context.Background(), batch))
	require.Len(t, forwarder.records, 2)
	require.Equal(t, dataflow.HealthHealthy, sink.Health().Status)
	require.NoError(t, sink.Close(context.Background()))
}
