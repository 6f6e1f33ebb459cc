package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Meteo-X/pixiu-sub007/errs"
	"github.com/Meteo-X/pixiu-sub007/internal/schema"
)

const sampleConfig = `
server:
  listen_addr: ":9090"
logging:
  level: debug
pubsub:
  url: nats://localhost:4222
  topic_prefix: market
cache:
  enabled: true
  keep: 10
  ttl: 30s
proxy:
  enabled: true
  server:
    max_clients: 50
exchanges:
  - name: binance
    connection:
      base_url: wss://stream.binance.com:9443/stream
      heartbeat:
        ping_interval: 30s
    streams:
      - symbol: BTC/USDT
        type: trade
      - symbol: ETH/USDT
        type: kline_1m
      - symbol: BTC/USDT
        type: order_book
        depth_levels: 20
        update_speed_ms: 100
dataflow:
  engine:
    queue_size: 5000
    overflow: drop_oldest
  routes:
    - name: trades-everywhere
      types: [trade]
      sinks: [pubsub, proxy]
      continue: true
    - name: default
      priority: -1
      sinks: [pubsub]
`

func TestParseSampleConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.Server.ListenAddr)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "nats://localhost:4222", cfg.PubSub.URL)
	require.Equal(t, 30*time.Second, cfg.Cache.TTL)
	require.Equal(t, 50, cfg.Proxy.Server.MaxClients)
	require.Equal(t, 5000, cfg.DataFlow.Engine.QueueSize)
	require.Len(t, cfg.DataFlow.Routes, 2)
	require.ElementsMatch(t, []string{SinkPubSub, SinkCache, SinkProxy}, cfg.SinkIDs())

	adapters, err := cfg.AdapterConfigs()
	require.NoError(t, err)
	require.Len(t, adapters, 1)
	require.Equal(t, "binance", adapters[0].Connection.Exchange)
	require.Len(t, adapters[0].Streams, 3)
	require.Equal(t, schema.DataTypeOrderBook, adapters[0].Streams[2].Type)
	require.Equal(t, 20, adapters[0].Streams[2].Params.DepthLevels)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
exchanges:
  - name: binance
    streams:
      - symbol: BTC/USDT
        type: trade
`))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.ListenAddr)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "market", cfg.PubSub.TopicPrefix)
	require.Len(t, cfg.DataFlow.Routes, 1)
	require.Equal(t, []string{SinkPubSub}, cfg.DataFlow.Routes[0].Sinks)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte(`
exchanges:
  - name: binance
    streams:
      - symbol: BTC/USDT
        type: trade
snapshott:
  ttl: 5s
`))
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindConfig))
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no exchanges", `server: {listen_addr: ":8080"}`},
		{"missing stream type", `
exchanges:
  - name: binance
    streams:
      - symbol: BTC/USDT
`},
		{"unknown stream type", `
exchanges:
  - name: binance
    streams:
      - symbol: BTC/USDT
        type: quotes
`},
		{"duplicate exchange", `
exchanges:
  - name: binance
    streams: [{symbol: BTC/USDT, type: trade}]
  - name: Binance
    streams: [{symbol: ETH/USDT, type: trade}]
`},
		{"route targets disabled sink", `
exchanges:
  - name: binance
    streams: [{symbol: BTC/USDT, type: trade}]
dataflow:
  routes:
    - name: r
      sinks: [cache]
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			require.True(t, errs.IsKind(err, errs.KindConfig))
		})
	}
}
