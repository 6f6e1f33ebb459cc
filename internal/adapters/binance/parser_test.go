package binance

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/Meteo-X/pixiu-sub007/errs"
	"github.com/Meteo-X/pixiu-sub007/internal/schema"
)

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms).UTC() }
}

func TestParseTrade(t *testing.T) {
	parser := NewParser(fixedClock(1700000000100))
	frame := []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","E":1700000000000,"s":"BTCUSDT","t":12345,"p":"50000.00","q":"0.1","T":1700000000000,"m":false}}`)

	record, err := parser.Parse(frame)
	require.NoError(t, err)
	require.Equal(t, "binance", record.Exchange)
	require.Equal(t, "BTC/USDT", record.Symbol)
	require.Equal(t, schema.DataTypeTrade, record.Type)
	require.Equal(t, int64(1700000000000), record.EventTimestamp)
	require.Equal(t, int64(1700000000100), record.ReceivedTimestamp)

	payload, ok := record.Payload.(schema.TradePayload)
	require.True(t, ok)
	require.Equal(t, "12345", payload.ID)
	require.True(t, payload.Price.Equal(decimal.RequireFromString("50000.00")))
	require.True(t, payload.Quantity.Equal(decimal.RequireFromString("0.1")))
	require.Equal(t, schema.TradeSideBuy, payload.Side)

	require.Equal(t, "exchange-collector", record.Metadata["source"])
	require.Equal(t, "1.00", record.Metadata["quality"])
}

func TestParseEventTimeBeforeEventType(t *testing.T) {
	// Live frames often serialise "E" (event time, a number) before "e".
	// The decoder matches struct fields case-insensitively, so the meta
	// struct must tag both keys or "E" binds to the string field and the
	// whole frame fails to decode.
	parser := NewParser(fixedClock(1700000000100))
	frame := []byte(`{"stream":"btcusdt@trade","data":{"E":1700000000000,"e":"trade","s":"BTCUSDT","t":42,"p":"50000.00","q":"0.1","T":1700000000000,"m":false}}`)

	record, err := parser.Parse(frame)
	require.NoError(t, err)
	require.Equal(t, schema.DataTypeTrade, record.Type)
	require.Equal(t, int64(1700000000000), record.EventTimestamp)
}

func TestParseTradeBuyerMakerIsSell(t *testing.T) {
	parser := NewParser(fixedClock(1700000000100))
	frame := []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","E":1700000000000,"s":"BTCUSDT","t":1,"p":"1","q":"1","T":1700000000000,"m":true}}`)

	record, err := parser.Parse(frame)
	require.NoError(t, err)
	require.Equal(t, schema.TradeSideSell, record.Payload.(schema.TradePayload).Side)
}

func TestParseAggTrade(t *testing.T) {
	parser := NewParser(fixedClock(1700000000050))
	frame := []byte(`{"stream":"ethusdt@aggTrade","data":{"e":"aggTrade","E":1700000000000,"s":"ETHUSDT","a":777,"p":"3000.5","q":"2","T":1700000000000,"m":false}}`)

	record, err := parser.Parse(frame)
	require.NoError(t, err)
	require.Equal(t, "ETH/USDT", record.Symbol)
	require.Equal(t, schema.DataTypeTrade, record.Type)
	require.Equal(t, "777", record.Payload.(schema.TradePayload).ID)
}

func TestParseTicker(t *testing.T) {
	parser := NewParser(fixedClock(1700000000010))
	frame := []byte(`{"stream":"btcusdt@ticker","data":{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT","c":"50100","b":"50099","a":"50101","v":"1234.5","p":"150.25"}}`)

	record, err := parser.Parse(frame)
	require.NoError(t, err)
	require.Equal(t, schema.DataTypeTicker, record.Type)
	payload := record.Payload.(schema.TickerPayload)
	require.True(t, payload.LastPrice.Equal(decimal.NewFromInt(50100)))
	require.True(t, payload.Volume24h.Equal(decimal.RequireFromString("1234.5")))
}

func TestParseKline(t *testing.T) {
	parser := NewParser(fixedClock(1700000000010))
	frame := []byte(`{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1700000000000,"s":"BTCUSDT","k":{"t":1699999940000,"T":1700000000000,"i":"1m","o":"50000","c":"50050","h":"50060","l":"49990","v":"10.5","x":true}}}`)

	record, err := parser.Parse(frame)
	require.NoError(t, err)
	require.Equal(t, schema.DataTypeKline1m, record.Type)
	payload := record.Payload.(schema.KlinePayload)
	require.Equal(t, "1m", payload.Interval)
	require.True(t, payload.Closed)
	require.True(t, payload.High.Equal(decimal.NewFromInt(50060)))
}

func TestParseDepthUpdate(t *testing.T) {
	parser := NewParser(fixedClock(1700000000010))
	frame := []byte(`{"stream":"btcusdt@depth","data":{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","U":100,"u":105,"b":[["50000","1.5"]],"a":[["50001","0.5"],["50002","2"]]}}`)

	record, err := parser.Parse(frame)
	require.NoError(t, err)
	require.Equal(t, schema.DataTypeDepth, record.Type)
	payload := record.Payload.(schema.DepthPayload)
	require.Len(t, payload.Bids, 1)
	require.Len(t, payload.Asks, 2)
	require.Equal(t, uint64(100), payload.FirstUpdateID)
	require.Equal(t, uint64(105), payload.FinalUpdateID)
	require.False(t, payload.Snapshot)
	require.Equal(t, "105", record.Metadata["sequence"])
}

func TestParsePartialDepthSnapshot(t *testing.T) {
	parser := NewParser(fixedClock(1700000000010))
	frame := []byte(`{"stream":"btcusdt@depth5@100ms","data":{"lastUpdateId":9001,"bids":[["50000","1"]],"asks":[["50001","1"]]}}`)

	record, err := parser.Parse(frame)
	require.NoError(t, err)
	require.Equal(t, schema.DataTypeOrderBook, record.Type)
	payload := record.Payload.(schema.DepthPayload)
	require.True(t, payload.Snapshot)
	require.Equal(t, uint64(9001), payload.FinalUpdateID)
	require.Equal(t, int64(1700000000010), record.EventTimestamp)
}

func TestParseRejectsNonEnvelope(t *testing.T) {
	parser := NewParser(nil)
	_, err := parser.Parse([]byte(`{"e":"trade","s":"BTCUSDT"}`))
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindParse))
}

func TestParseUnknownEvent(t *testing.T) {
	parser := NewParser(nil)
	_, err := parser.Parse([]byte(`{"stream":"btcusdt@forceOrder","data":{"e":"forceOrder","E":1,"s":"BTCUSDT"}}`))
	require.Error(t, err)
	require.True(t, errs.IsUnknownEvent(err))
}

func TestParseMalformedNumber(t *testing.T) {
	parser := NewParser(fixedClock(1700000000100))
	frame := []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","E":1700000000000,"s":"BTCUSDT","t":1,"p":"not-a-number","q":"1","T":1700000000000,"m":false}}`)

	_, err := parser.Parse(frame)
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindParse))
	require.False(t, errs.IsUnknownEvent(err))
}

func TestQualityDegradesWithLatency(t *testing.T) {
	frame := []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","E":1700000000000,"s":"BTCUSDT","t":1,"p":"1","q":"1","T":1700000000000,"m":false}}`)

	slow := NewParser(fixedClock(1700000002000))
	record, err := slow.Parse(frame)
	require.NoError(t, err)
	require.Equal(t, "0.90", record.Metadata["quality"])

	stale := NewParser(fixedClock(1700000007000))
	record, err = stale.Parse(frame)
	require.NoError(t, err)
	require.Equal(t, "0.80", record.Metadata["quality"])
}
