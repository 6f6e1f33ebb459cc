package dataflow

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Meteo-X/pixiu-sub007/errs"
	"github.com/Meteo-X/pixiu-sub007/internal/observability"
	"github.com/Meteo-X/pixiu-sub007/internal/schema"
	"github.com/Meteo-X/pixiu-sub007/lib/async"
)

// OverflowPolicy decides what happens when the ingress queue is full.
type OverflowPolicy string

const (
	// OverflowBlock waits up to the submit timeout, then rejects.
	OverflowBlock OverflowPolicy = "block"
	// OverflowDropOldest evicts the oldest queued record to admit the new one.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowDropNew discards the incoming record.
	OverflowDropNew OverflowPolicy = "drop_new"
)

const (
	defaultQueueSize       = 10000
	defaultOutboxSize      = 1000
	defaultSubmitTimeout   = 50 * time.Millisecond
	defaultBatchSize       = 100
	defaultBatchTimeout    = 200 * time.Millisecond
	defaultSinkMaxRetries  = 3
	defaultSinkRetryDelay  = 100 * time.Millisecond
	defaultDrainTimeout    = 10 * time.Second
	defaultSinkParallelism = 4
)

// Config tunes the engine's queues, batching, and retry behaviour.
// Zero values take defaults.
type Config struct {
	QueueSize       int            `yaml:"queue_size"`
	Overflow        OverflowPolicy `yaml:"overflow"`
	SubmitTimeout   time.Duration  `yaml:"submit_timeout"`
	OutboxSize      int            `yaml:"outbox_size"`
	BatchSize       int            `yaml:"batch_size"`
	BatchTimeout    time.Duration  `yaml:"batch_timeout"`
	SinkMaxRetries  int            `yaml:"sink_max_retries"`
	SinkRetryDelay  time.Duration  `yaml:"sink_retry_delay"`
	DrainTimeout    time.Duration  `yaml:"drain_timeout"`
	SinkParallelism int            `yaml:"sink_parallelism"`
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Overflow == "" {
		c.Overflow = OverflowBlock
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = defaultSubmitTimeout
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = defaultOutboxSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaultBatchTimeout
	}
	if c.SinkMaxRetries < 0 {
		c.SinkMaxRetries = defaultSinkMaxRetries
	}
	if c.SinkRetryDelay <= 0 {
		c.SinkRetryDelay = defaultSinkRetryDelay
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.SinkParallelism <= 0 {
		c.SinkParallelism = defaultSinkParallelism
	}
	return c
}

// queued pairs a record with its admission time so sink delivery can report
// end-to-end latency.
type queued struct {
	record   *schema.MarketData
	enqueued time.Time
}

type sinkState struct {
	sink   Sink
	outbox chan queued
}

// Engine runs the pipeline: a bounded ingress queue feeds one routing
// goroutine, which fans records out to per-sink outboxes served by dedicated
// batching workers. One router plus one worker per sink keeps per-stream
// delivery order intact end to end.
type Engine struct {
	cfg          Config
	router       *Router
	transformers []Transformer
	sinks        map[string]*sinkState
	dlq          *observability.DeadLetterQueue
	writes       *async.Pool

	ingress chan queued

	// mu orders Submit's sends against Stop's close of the ingress channel.
	mu      sync.RWMutex
	started bool
	closed  bool

	loops conc.WaitGroup
}

// NewEngine assembles an engine over the router, transform chain, and sinks.
func NewEngine(cfg Config, router *Router, transformers []Transformer, sinks []Sink, dlq *observability.DeadLetterQueue) (*Engine, error) {
	cfg = cfg.withDefaults()
	if router == nil {
		return nil, errs.New("dataflow/engine", errs.KindInvalidArgument,
			errs.WithMessage("router required"))
	}
	if len(sinks) == 0 {
		return nil, errs.New("dataflow/engine", errs.KindInvalidArgument,
			errs.WithMessage("at least one sink required"))
	}

	states := make(map[string]*sinkState, len(sinks))
	for _, sink := range sinks {
		if _, dup := states[sink.ID()]; dup {
			return nil, errs.New("dataflow/engine", errs.KindInvalidArgument,
				errs.WithMessage("duplicate sink id "+sink.ID()))
		}
		states[sink.ID()] = &sinkState{
			sink:   sink,
			outbox: make(chan queued, cfg.OutboxSize),
		}
	}
	for _, rule := range router.Rules() {
		for _, id := range rule.Sinks {
			if _, ok := states[id]; !ok {
				return nil, errs.New("dataflow/engine", errs.KindConfig,
					errs.WithMessage("route rule "+rule.Name+" targets unknown sink "+id))
			}
		}
	}

	writes, err := async.NewPool(cfg.SinkParallelism, len(sinks))
	if err != nil {
		return nil, err
	}

	e := new(Engine)
	e.cfg = cfg
	e.router = router
	e.transformers = transformers
	e.sinks = states
	e.dlq = dlq
	e.writes = writes
	e.ingress = make(chan queued, cfg.QueueSize)
	return e, nil
}

// Start launches the routing and sink worker goroutines.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errs.New("dataflow/engine", errs.KindInvalidState,
			errs.WithMessage("engine already started"))
	}
	e.started = true

	e.loops.Go(func() { e.routeLoop(ctx) })
	for _, state := range e.sinks {
		state := state
		e.loops.Go(func() { e.sinkLoop(ctx, state) })
	}
	return nil
}

// Submit admits one record into the pipeline subject to the overflow policy.
func (e *Engine) Submit(ctx context.Context, record *schema.MarketData) error {
	if record == nil {
		return errs.New("dataflow/engine", errs.KindInvalidArgument,
			errs.WithMessage("nil record"))
	}
	// The read lock spans every send below so Stop cannot close the
	// ingress channel underneath a blocked submitter.
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed || !e.started {
		return errs.New("dataflow/engine", errs.KindInvalidState,
			errs.WithMessage("engine not accepting records"))
	}
	item := queued{record: record, enqueued: time.Now()}

	metrics := observability.Telemetry()
	select {
	case e.ingress <- item:
		metrics.IncCounter("pixiu_dataflow_submitted_total", 1, nil)
		metrics.SetGauge("pixiu_dataflow_queue_depth", float64(len(e.ingress)), nil)
		return nil
	default:
	}

	switch e.cfg.Overflow {
	case OverflowDropNew:
		metrics.IncCounter("pixiu_dataflow_dropped_total", 1,
			map[string]string{"policy": string(OverflowDropNew)})
		return errs.New("dataflow/engine", errs.KindBackpressure,
			errs.WithMessage("ingress queue full, record dropped"))
	case OverflowDropOldest:
		for {
			select {
			case e.ingress <- item:
				metrics.IncCounter("pixiu_dataflow_submitted_total", 1, nil)
				return nil
			default:
			}
			select {
			case <-e.ingress:
				metrics.IncCounter("pixiu_dataflow_dropped_total", 1,
					map[string]string{"policy": string(OverflowDropOldest)})
			default:
			}
		}
	default: // OverflowBlock
		timer := time.NewTimer(e.cfg.SubmitTimeout)
		defer timer.Stop()
		select {
		case e.ingress <- item:
			metrics.IncCounter("pixiu_dataflow_submitted_total", 1, nil)
			return nil
		case <-ctx.Done():
			return errs.New("dataflow/engine", errs.KindBackpressure,
				errs.WithMessage("submit cancelled"), errs.WithCause(ctx.Err()))
		case <-timer.C:
			metrics.IncCounter("pixiu_dataflow_dropped_total", 1,
				map[string]string{"policy": string(OverflowBlock)})
			return errs.New("dataflow/engine", errs.KindBackpressure,
				errs.WithMessage("ingress queue full"))
		}
	}
}

// Stop closes the intake and drains queued records to the sinks, bounded by
// the drain timeout. Sinks are closed afterwards.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.started {
		close(e.ingress)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.loops.Wait()
		close(done)
	}()

	var drainErr error
	select {
	case <-done:
	case <-time.After(e.cfg.DrainTimeout):
		drainErr = errs.New("dataflow/engine", errs.KindTimeout,
			errs.WithMessage("drain timed out after "+e.cfg.DrainTimeout.String()))
	case <-ctx.Done():
		drainErr = errs.New("dataflow/engine", errs.KindTimeout,
			errs.WithMessage("drain cancelled"), errs.WithCause(ctx.Err()))
	}
	e.writes.Close()

	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var closeErrs []error
	for _, state := range e.sinks {
		if err := state.sink.Close(closeCtx); err != nil {
			closeErrs = append(closeErrs, err)
		}
	}
	if drainErr != nil {
		return drainErr
	}
	return observability.AggregateErrors("close sinks", closeErrs)
}

// SinkHealth reports the latest health of every sink.
func (e *Engine) SinkHealth() map[string]SinkHealth {
	out := make(map[string]SinkHealth, len(e.sinks))
	for id, state := range e.sinks {
		out[id] = state.sink.Health()
	}
	return out
}

// QueueDepth returns the current ingress backlog.
func (e *Engine) QueueDepth() int { return len(e.ingress) }

func (e *Engine) routeLoop(ctx context.Context) {
	metrics := observability.Telemetry()
	defer func() {
		for _, state := range e.sinks {
			close(state.outbox)
		}
	}()

	for item := range e.ingress {
		record := e.applyTransforms(ctx, item.record)
		if record == nil {
			continue
		}
		item.record = record
		sinks, rules := e.router.Route(record)
		if len(sinks) == 0 {
			metrics.IncCounter("pixiu_dataflow_unrouted_total", 1, nil)
			continue
		}
		for _, name := range rules {
			metrics.IncCounter("pixiu_dataflow_routed_total", 1, map[string]string{"rule": name})
		}
		for _, id := range sinks {
			state := e.sinks[id]
			select {
			case state.outbox <- item:
			default:
				// A lagging sink must not stall the others; shed its
				// oldest queued record and admit the new one.
				select {
				case <-state.outbox:
					metrics.IncCounter("pixiu_dataflow_outbox_dropped_total", 1,
						map[string]string{"sink": id})
				default:
				}
				select {
				case state.outbox <- item:
				default:
					metrics.IncCounter("pixiu_dataflow_outbox_dropped_total", 1,
						map[string]string{"sink": id})
				}
			}
		}
	}
}

func (e *Engine) applyTransforms(ctx context.Context, record *schema.MarketData) *schema.MarketData {
	metrics := observability.Telemetry()
	for _, transformer := range e.transformers {
		next, err := transformer.Transform(ctx, record)
		if err != nil {
			metrics.IncCounter("pixiu_dataflow_transform_errors_total", 1,
				map[string]string{"transformer": transformer.Name()})
			observability.Log().Warn("transformer failed",
				observability.Field{Key: "transformer", Value: transformer.Name()},
				observability.Field{Key: "error", Value: err.Error()})
			return nil
		}
		if next == nil {
			metrics.IncCounter("pixiu_dataflow_filtered_total", 1,
				map[string]string{"transformer": transformer.Name()})
			return nil
		}
		record = next
	}
	return record
}

func (e *Engine) sinkLoop(ctx context.Context, state *sinkState) {
	batch := make([]queued, 0, e.cfg.BatchSize)
	timer := time.NewTimer(e.cfg.BatchTimeout)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}

	flush := func() {
		if len(batch) == 0 {
			return
		}
		e.writeBatch(ctx, state, batch)
		batch = make([]queued, 0, e.cfg.BatchSize)
	}

	for {
		select {
		case item, ok := <-state.outbox:
			if !ok {
				flush()
				return
			}
			if len(batch) == 0 {
				timer.Reset(e.cfg.BatchTimeout)
			}
			batch = append(batch, item)
			if len(batch) >= e.cfg.BatchSize {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				flush()
			}
		case <-timer.C:
			flush()
		}
	}
}

// writeBatch delivers one batch with bounded retries. Exhausted or permanent
// failures land in the dead letter queue.
func (e *Engine) writeBatch(ctx context.Context, state *sinkState, batch []queued) {
	metrics := observability.Telemetry()
	id := state.sink.ID()
	delay := e.cfg.SinkRetryDelay

	records := make([]*schema.MarketData, len(batch))
	oldest := batch[0].enqueued
	for i, item := range batch {
		records[i] = item.record
		if item.enqueued.Before(oldest) {
			oldest = item.enqueued
		}
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.SinkMaxRetries; attempt++ {
		if attempt > 0 {
			metrics.IncCounter("pixiu_dataflow_sink_retries_total", 1,
				map[string]string{"sink": id})
			time.Sleep(delay)
			delay *= 2
		}
		lastErr = e.deliver(ctx, state, records)
		if lastErr == nil {
			metrics.IncCounter("pixiu_dataflow_batches_total", 1, map[string]string{"sink": id})
			// The oldest record bounds the batch's submit-to-write latency.
			metrics.ObserveHistogram("pixiu_dataflow_delivery_latency_ms",
				float64(time.Since(oldest).Milliseconds()),
				map[string]string{"sink": id})
			return
		}
		metrics.IncCounter("pixiu_dataflow_sink_errors_total", 1,
			map[string]string{"sink": id, "kind": string(errs.KindOf(lastErr))})
		if errs.IsKind(lastErr, errs.KindSinkPermanent) {
			break
		}
	}

	metrics.IncCounter("pixiu_dataflow_dead_letters_total", float64(len(batch)),
		map[string]string{"sink": id})
	observability.Log().Error("batch permanently failed",
		observability.Field{Key: "sink", Value: id},
		observability.Field{Key: "batch", Value: len(batch)},
		observability.Field{Key: "error", Value: lastErr.Error()})
	if e.dlq != nil {
		e.dlq.Offer(observability.DeadLetter{
			SinkID:   id,
			Reason:   lastErr.Error(),
			Messages: records,
			FailedAt: time.Now().UTC(),
		})
	}
}

// deliver runs the sink write on the shared worker pool so total in-flight
// writes stay capped at the configured parallelism.
func (e *Engine) deliver(ctx context.Context, state *sinkState, batch []*schema.MarketData) error {
	result := make(chan error, 1)
	submitErr := e.writes.Submit(ctx, func(taskCtx context.Context) error {
		result <- state.sink.Write(taskCtx, batch)
		return nil
	})
	if submitErr != nil {
		if errs.IsKind(submitErr, errs.KindBackpressure) {
			// Pool saturated; write inline rather than dropping the batch.
			return state.sink.Write(ctx, batch)
		}
		return submitErr
	}
	return <-result
}
