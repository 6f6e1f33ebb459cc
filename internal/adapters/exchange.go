package adapters

import (
	"context"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/Meteo-X/pixiu-sub007/errs"
	"github.com/Meteo-X/pixiu-sub007/internal/adapters/binance"
	"github.com/Meteo-X/pixiu-sub007/internal/connection"
	"github.com/Meteo-X/pixiu-sub007/internal/observability"
	"github.com/Meteo-X/pixiu-sub007/internal/schema"
	"github.com/Meteo-X/pixiu-sub007/internal/subscription"
)

// FrameParser normalises raw exchange frames into canonical records.
type FrameParser interface {
	Parse(frame []byte) (*schema.MarketData, error)
}

// Pipeline is the engine-side surface the adapter feeds.
type Pipeline interface {
	Submit(ctx context.Context, record *schema.MarketData) error
}

// ExchangeConfig describes one exchange adapter instance.
type ExchangeConfig struct {
	Exchange   string                       `yaml:"exchange"`
	Connection connection.Config            `yaml:"connection"`
	Streams    []subscription.StreamRequest `yaml:"streams"`
}

// ExchangeAdapter collects one exchange's streams: it owns the subscription
// set and the websocket session, parses every frame, and submits the result
// to the pipeline.
type ExchangeAdapter struct {
	cfg      ExchangeConfig
	profile  subscription.Profile
	parser   FrameParser
	pipeline Pipeline

	mu     sync.Mutex
	status Status
	subs   *subscription.Manager
	conn   *connection.Manager
	stats  statsTracker

	runCtx    context.Context
	runCancel context.CancelFunc
}

// idleUnhealthyAfter is how long a running adapter may go without frames
// before its health check fails.
const idleUnhealthyAfter = 60 * time.Second

const statsAlpha = 0.2

// AdapterStats is a point-in-time activity snapshot.
type AdapterStats struct {
	Status       Status    `json:"status"`
	Processed    uint64    `json:"processed"`
	Published    uint64    `json:"published"`
	Errors       uint64    `json:"errors"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	AvgQuality   float64   `json:"avg_quality"`
	LastActivity time.Time `json:"last_activity"`
}

// statsTracker accumulates frame counters and EWMA latency/quality.
type statsTracker struct {
	mu           sync.Mutex
	processed    uint64
	published    uint64
	errors       uint64
	avgLatencyMs float64
	avgQuality   float64
	lastActivity time.Time
}

func (t *statsTracker) observe(record *schema.MarketData) {
	t.mu.Lock()
	t.processed++
	t.lastActivity = time.Now().UTC()
	if lag := float64(record.ReceivedTimestamp - record.EventTimestamp); lag >= 0 {
		t.avgLatencyMs = ewma(t.avgLatencyMs, lag, t.processed == 1)
	}
	if q, err := strconv.ParseFloat(record.Metadata["quality"], 64); err == nil {
		t.avgQuality = ewma(t.avgQuality, q, t.processed == 1)
	}
	t.mu.Unlock()
}

func (t *statsTracker) publishedOne() {
	t.mu.Lock()
	t.published++
	t.mu.Unlock()
}

func (t *statsTracker) errored() {
	t.mu.Lock()
	t.errors++
	t.mu.Unlock()
}

func (t *statsTracker) snapshot() AdapterStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return AdapterStats{
		Processed:    t.processed,
		Published:    t.published,
		Errors:       t.errors,
		AvgLatencyMs: t.avgLatencyMs,
		AvgQuality:   t.avgQuality,
		LastActivity: t.lastActivity,
	}
}

func ewma(prev, sample float64, first bool) float64 {
	if first {
		return sample
	}
	return statsAlpha*sample + (1-statsAlpha)*prev
}

// NewExchangeAdapter builds an adapter from its exchange profile and parser.
func NewExchangeAdapter(cfg ExchangeConfig, profile subscription.Profile, parser FrameParser, pipeline Pipeline) *ExchangeAdapter {
	a := new(ExchangeAdapter)
	a.cfg = cfg
	a.profile = profile
	a.parser = parser
	a.pipeline = pipeline
	a.status = StatusCreated
	return a
}

// NewBinanceAdapter builds the Binance adapter.
func NewBinanceAdapter(cfg ExchangeConfig, pipeline Pipeline) *ExchangeAdapter {
	if cfg.Exchange == "" {
		cfg.Exchange = binance.ExchangeName
	}
	if cfg.Connection.Exchange == "" {
		cfg.Connection.Exchange = cfg.Exchange
	}
	return NewExchangeAdapter(cfg, binance.NewProfile(), binance.NewParser(nil), pipeline)
}

// Name implements Adapter.
func (a *ExchangeAdapter) Name() string { return a.cfg.Exchange }

// Initialize registers the configured streams and wires the connection.
func (a *ExchangeAdapter) Initialize(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != StatusCreated {
		return a.invalidState("initialize")
	}
	if len(a.cfg.Streams) == 0 {
		return errs.New("adapters/exchange", errs.KindConfig,
			errs.WithField("streams"), errs.WithMessage("adapter has no streams configured"))
	}

	subs := subscription.NewManager(a.profile, nil)
	for _, req := range a.cfg.Streams {
		if _, err := subs.Subscribe(req); err != nil {
			return err
		}
	}
	a.subs = subs
	a.conn = connection.NewManager(a.cfg.Connection, subs, a.handleFrame)
	a.setStatusLocked(StatusInitialized)
	return nil
}

// Start opens the websocket session.
func (a *ExchangeAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.status != StatusInitialized {
		defer a.mu.Unlock()
		return a.invalidState("start")
	}
	a.runCtx, a.runCancel = context.WithCancel(ctx)
	conn := a.conn
	a.mu.Unlock()

	if err := conn.Start(a.runCtx); err != nil {
		return err
	}
	a.mu.Lock()
	a.setStatusLocked(StatusRunning)
	a.mu.Unlock()
	observability.Log().Info("adapter started",
		observability.Field{Key: "exchange", Value: a.cfg.Exchange},
		observability.Field{Key: "streams", Value: len(a.subs.StreamNames())})
	return nil
}

// Stop closes the websocket session. Restarting requires Destroy and a
// fresh Initialize.
func (a *ExchangeAdapter) Stop(_ context.Context) error {
	a.mu.Lock()
	if a.status != StatusRunning {
		defer a.mu.Unlock()
		return a.invalidState("stop")
	}
	conn := a.conn
	cancel := a.runCancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	conn.Stop()
	a.mu.Lock()
	a.setStatusLocked(StatusStopped)
	a.mu.Unlock()
	return nil
}

// Destroy releases everything. Running adapters are stopped first.
func (a *ExchangeAdapter) Destroy(ctx context.Context) error {
	a.mu.Lock()
	status := a.status
	a.mu.Unlock()
	if status == StatusRunning {
		if err := a.Stop(ctx); err != nil {
			return err
		}
	}
	a.mu.Lock()
	a.subs = nil
	a.conn = nil
	a.setStatusLocked(StatusCreated)
	a.mu.Unlock()
	return nil
}

// Health implements Adapter.
func (a *ExchangeAdapter) Health(_ context.Context) Health {
	a.mu.Lock()
	status := a.status
	conn := a.conn
	a.mu.Unlock()

	health := Health{Status: status, CheckedAt: time.Now().UTC()}
	switch status {
	case StatusRunning:
		state := conn.State()
		health.Healthy = state == connection.StateActive || state == connection.StateConnected
		health.Detail = string(state)
		if last := a.stats.snapshot().LastActivity; health.Healthy && !last.IsZero() &&
			time.Since(last) > idleUnhealthyAfter {
			health.Healthy = false
			health.Detail = "idle"
		}
	case StatusInitialized, StatusStopped:
		health.Healthy = true
	}
	return health
}

// Stats returns the adapter activity snapshot.
func (a *ExchangeAdapter) Stats() AdapterStats {
	a.mu.Lock()
	status := a.status
	a.mu.Unlock()
	stats := a.stats.snapshot()
	stats.Status = status
	return stats
}

// AddStreams grows the live subscription set.
func (a *ExchangeAdapter) AddStreams(reqs []subscription.StreamRequest) error {
	a.mu.Lock()
	conn := a.conn
	status := a.status
	a.mu.Unlock()
	if status != StatusRunning {
		return a.invalidState("add streams")
	}
	return conn.AddStreams(reqs)
}

// ConnectionEvents exposes the session lifecycle stream.
func (a *ExchangeAdapter) ConnectionEvents() <-chan connection.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	return a.conn.Events()
}

func (a *ExchangeAdapter) handleFrame(frame []byte) error {
	labels := map[string]string{"exchange": a.cfg.Exchange}
	record, err := a.parser.Parse(frame)
	if err != nil {
		if errs.IsUnknownEvent(err) {
			observability.Telemetry().IncCounter("pixiu_adapter_unknown_events_total", 1, labels)
			return nil
		}
		a.stats.errored()
		observability.Telemetry().IncCounter("pixiu_adapter_parse_errors_total", 1, labels)
		return err
	}
	a.stats.observe(record)

	if stream := peekStream(frame); stream != "" {
		a.subs.MarkActive(stream)
	}

	if err := a.pipeline.Submit(a.runCtx, record); err != nil {
		if errs.IsKind(err, errs.KindBackpressure) {
			observability.Telemetry().IncCounter("pixiu_adapter_backpressure_total", 1, labels)
			return nil
		}
		return err
	}
	a.stats.publishedOne()
	observability.Telemetry().IncCounter("pixiu_adapter_records_total", 1, labels)
	return nil
}

func (a *ExchangeAdapter) setStatusLocked(status Status) {
	a.status = status
	observability.Telemetry().SetGauge("pixiu_adapter_status", float64(status),
		map[string]string{"exchange": a.cfg.Exchange})
}

func (a *ExchangeAdapter) invalidState(op string) error {
	return errs.New("adapters/exchange", errs.KindInvalidState,
		errs.WithMessage("cannot "+op+" from status "+a.status.String()))
}

// peekStream pulls the combined-envelope stream name without a full decode.
func peekStream(frame []byte) string {
	var envelope struct {
		Stream string `json:"stream"`
	}
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return ""
	}
	return envelope.Stream
}
