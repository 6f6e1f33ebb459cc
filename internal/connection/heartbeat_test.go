package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Meteo-X/pixiu-sub007/errs"
)

func TestHeartbeatScoreFromLatencyRatio(t *testing.T) {
	start := time.UnixMilli(1700000000000).UTC()
	monitor := NewHeartbeatMonitor(HeartbeatConfig{}, start)

	// Round trips consuming almost the whole pong timeout must tank the
	// score even though every pong still arrives in time.
	at := start
	for i := 0; i < 10; i++ {
		at = at.Add(defaultPingInterval)
		monitor.PingSent(at)
		latency, err := monitor.PongReceived(at.Add(4900 * time.Millisecond))
		require.NoError(t, err)
		require.Equal(t, 4900*time.Millisecond, latency)
	}
	require.InDelta(t, 0.02, monitor.Score(), 0.001)
	require.False(t, monitor.Healthy())
}

func TestHeartbeatLatencySmoothing(t *testing.T) {
	start := time.UnixMilli(1700000000000).UTC()
	monitor := NewHeartbeatMonitor(HeartbeatConfig{}, start)

	at := start
	for i := 0; i < 5; i++ {
		at = at.Add(defaultPingInterval)
		monitor.PingSent(at)
		latency, err := monitor.PongReceived(at.Add(100 * time.Millisecond))
		require.NoError(t, err)
		require.Equal(t, 100*time.Millisecond, latency)
	}
	require.Equal(t, 100*time.Millisecond, monitor.LatencyEWMA())
	require.True(t, monitor.Healthy())
	require.InDelta(t, 0.98, monitor.Score(), 0.001)
}

func TestHeartbeatIntervalDriftPenalty(t *testing.T) {
	start := time.UnixMilli(1700000000000).UTC()
	monitor := NewHeartbeatMonitor(HeartbeatConfig{}, start)

	// Instant pairs right on the configured cadence score full health.
	at := start
	for i := 0; i < 3; i++ {
		at = at.Add(defaultPingInterval)
		monitor.ServerPing(at)
	}
	require.InDelta(t, 1.0, monitor.Score(), 0.001)

	// A pair arriving at double the cadence pushes the mean interval past
	// the tolerance; the score takes the discount.
	at = at.Add(2 * defaultPingInterval)
	monitor.ServerPing(at)
	require.InDelta(t, 0.7, monitor.Score(), 0.001)
}

func TestHeartbeatUnsolicitedPong(t *testing.T) {
	start := time.UnixMilli(1700000000000).UTC()
	monitor := NewHeartbeatMonitor(HeartbeatConfig{}, start)

	_, err := monitor.PongReceived(start.Add(time.Second))
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindProtocol))
	require.Equal(t, uint64(1), monitor.UnsolicitedPongs())
}

func TestHeartbeatPongOverdue(t *testing.T) {
	start := time.UnixMilli(1700000000000).UTC()
	monitor := NewHeartbeatMonitor(HeartbeatConfig{}, start)

	monitor.PingSent(start)
	require.NoError(t, monitor.Check(start.Add(4*time.Second)))

	err := monitor.Check(start.Add(6 * time.Second))
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindHeartbeatLost))
}

func TestHeartbeatLivenessKeyedToServerPings(t *testing.T) {
	start := time.UnixMilli(1700000000000).UTC()
	monitor := NewHeartbeatMonitor(HeartbeatConfig{}, start)

	monitor.ServerPing(start.Add(10 * time.Second))
	require.NoError(t, monitor.Check(start.Add(70*time.Second)))

	// The server going silent declares the link lost; only another server
	// ping restores it.
	err := monitor.Check(start.Add(71 * time.Second))
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindHeartbeatLost))

	monitor.ServerPing(start.Add(72 * time.Second))
	require.NoError(t, monitor.Check(start.Add(90*time.Second)))
}

func TestHeartbeatUnsolicitedPingDisabledByDefault(t *testing.T) {
	start := time.UnixMilli(1700000000000).UTC()

	monitor := NewHeartbeatMonitor(HeartbeatConfig{}, start)
	require.False(t, monitor.AllowsUnsolicitedPing())

	pinger := NewHeartbeatMonitor(HeartbeatConfig{AllowUnsolicitedPing: true}, start)
	require.True(t, pinger.AllowsUnsolicitedPing())
}
