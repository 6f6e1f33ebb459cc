// Command collector launches the market data collection service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/Meteo-X/pixiu-sub007/config"
	"github.com/Meteo-X/pixiu-sub007/errs"
	"github.com/Meteo-X/pixiu-sub007/internal/adapters"
	"github.com/Meteo-X/pixiu-sub007/internal/dataflow"
	"github.com/Meteo-X/pixiu-sub007/internal/observability"
	"github.com/Meteo-X/pixiu-sub007/internal/proxy"
	"github.com/Meteo-X/pixiu-sub007/internal/sinks"
	"github.com/Meteo-X/pixiu-sub007/internal/telemetry"
)

const (
	defaultConfigPath        = "config/collector.yaml"
	httpReadHeaderTimeout    = 5 * time.Second
	adapterShutdownTimeout   = 10 * time.Second
	engineShutdownTimeout    = 15 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	deadLetterCapacity       = 1024
)

func main() {
	configPath := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	observability.SetLogger(logger)
	log := observability.Log()

	_, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		log.Error("initialize telemetry", observability.Field{Key: "error", Value: err})
		os.Exit(1)
	}
	if cfg.Telemetry.Endpoint != "" {
		log.Info("telemetry initialized", observability.Field{Key: "endpoint", Value: cfg.Telemetry.Endpoint})
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		log.Error("build runtime", observability.Field{Key: "error", Value: err})
		os.Exit(1)
	}

	if err := rt.engine.Start(ctx); err != nil {
		log.Error("start dataflow engine", observability.Field{Key: "error", Value: err})
		os.Exit(1)
	}
	if err := rt.registry.StartAutoAdapters(ctx, rt.adapterCfgs); err != nil {
		log.Error("start adapters", observability.Field{Key: "error", Value: err})
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           buildMux(cfg, rt),
		ReadHeaderTimeout: httpReadHeaderTimeout,
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", observability.Field{Key: "error", Value: err})
		}
	})
	log.Info("collector started",
		observability.Field{Key: "listen_addr", Value: cfg.Server.ListenAddr},
		observability.Field{Key: "exchanges", Value: len(cfg.Exchanges)})

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+engineShutdownTimeout)
	defer shutdownCancel()
	performShutdown(shutdownCtx, log, cfg, server, rt, telemetryShutdown)
	lifecycle.Wait()
	log.Info("collector stopped")
}

func parseFlags() string {
	path := flag.String("config", "", fmt.Sprintf("path to configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	if *path != "" {
		return *path
	}
	return filepath.Clean(defaultConfigPath)
}

func newLogger(cfg config.LoggingConfig) observability.Logger {
	var w io.Writer = os.Stdout
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return observability.NewZerologLogger(w, cfg.Level)
}

// runtime bundles the wired components so startup and shutdown stay symmetric.
type runtime struct {
	engine      *dataflow.Engine
	registry    *adapters.Registry
	adapterCfgs []adapters.ExchangeConfig
	proxy       *proxy.Server
	cache       *sinks.CacheSink
	dlq         *observability.DeadLetterQueue
}

func buildRuntime(cfg config.Config) (*runtime, error) {
	rt := new(runtime)
	rt.dlq = observability.NewDeadLetterQueue(deadLetterCapacity)

	publisher, err := buildPublisher(cfg.PubSub)
	if err != nil {
		return nil, fmt.Errorf("connect pubsub: %w", err)
	}
	sinkList := []dataflow.Sink{sinks.NewPubSubSink(config.SinkPubSub, cfg.PubSub.TopicPrefix, publisher)}

	if cfg.Cache.Enabled {
		rt.cache = sinks.NewCacheSink(config.SinkCache, cfg.Cache.Keep, cfg.Cache.TTL)
		sinkList = append(sinkList, rt.cache)
	}
	if cfg.Proxy.Enabled {
		rt.proxy = proxy.NewServer(cfg.Proxy.Server, prometheus.DefaultRegisterer)
		sinkList = append(sinkList, sinks.NewProxySink(config.SinkProxy, rt.proxy))
	}

	router, err := dataflow.NewRouter(cfg.DataFlow.Routes)
	if err != nil {
		return nil, err
	}
	rt.engine, err = dataflow.NewEngine(cfg.DataFlow.Engine, router, nil, sinkList, rt.dlq)
	if err != nil {
		return nil, err
	}

	rt.adapterCfgs, err = cfg.AdapterConfigs()
	if err != nil {
		return nil, err
	}
	rt.registry = adapters.NewRegistry()
	if err := rt.registry.Register("binance", adapters.Descriptor{
		Version:     "1.0.0",
		Description: "Binance combined-stream websocket collector",
		Features:    []string{"trade", "ticker", "kline", "depth"},
		Factory: func(ac adapters.ExchangeConfig) (adapters.Adapter, error) {
			return adapters.NewBinanceAdapter(ac, rt.engine), nil
		},
	}); err != nil {
		return nil, err
	}
	for _, ac := range rt.adapterCfgs {
		if strings.ToLower(ac.Exchange) != "binance" {
			return nil, errs.New("collector", errs.KindConfig,
				errs.WithMessage(fmt.Sprintf("unsupported exchange %q", ac.Exchange)))
		}
	}
	return rt, nil
}

func buildPublisher(cfg config.PubSubConfig) (sinks.Publisher, error) {
	if cfg.URL == "" {
		observability.Log().Warn("pubsub url empty, using in-memory publisher")
		return sinks.NewMemoryPublisher(), nil
	}
	return sinks.ConnectNATS(cfg.URL, nats.Name(cfg.ClientName))
}

func buildMux(cfg config.Config, rt *runtime) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", healthHandler(rt))
	mux.HandleFunc("/api/adapters", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, rt.registry.Status(r.Context()))
	})
	if cfg.Proxy.Enabled {
		mux.Handle(cfg.Proxy.Path, rt.proxy)
	}
	if cfg.Cache.Enabled {
		mux.HandleFunc("/api/cache", cacheHandler(rt.cache))
	}
	return mux
}

type healthResponse struct {
	Status   string                         `json:"status"`
	Adapters map[string]adapters.Health     `json:"adapters"`
	Sinks    map[string]dataflow.SinkHealth `json:"sinks"`
}

func healthHandler(rt *runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:   "ok",
			Adapters: rt.registry.HealthAll(r.Context()),
			Sinks:    rt.engine.SinkHealth(),
		}
		code := http.StatusOK
		for _, h := range resp.Adapters {
			if !h.Healthy {
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
		for _, h := range resp.Sinks {
			if h.Status == dataflow.HealthUnhealthy {
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, code, resp)
	}
}

// cacheHandler serves recent records for one (exchange, symbol, type) tuple.
func cacheHandler(cache *sinks.CacheSink) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		exchange := q.Get("exchange")
		symbol := q.Get("symbol")
		dataType := q.Get("type")
		if exchange == "" || symbol == "" || dataType == "" {
			http.Error(w, "exchange, symbol, and type query parameters required", http.StatusBadRequest)
			return
		}
		limit := 1
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = n
		}
		tuple := exchange + "|" + strings.ToUpper(symbol) + "|" + dataType
		records := cache.Recent(tuple, limit)
		if len(records) == 0 {
			http.Error(w, "no cached data for tuple", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observability.Log().Warn("encode response", observability.Field{Key: "error", Value: err})
	}
}

func performShutdown(ctx context.Context, log observability.Logger, cfg config.Config, server *http.Server, rt *runtime, telemetryShutdown func(context.Context) error) {
	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			log.Warn("shutdown step failed",
				observability.Field{Key: "step", Value: name},
				observability.Field{Key: "error", Value: err})
			return
		}
		log.Debug("shutdown step completed", observability.Field{Key: "step", Value: name})
	}

	step("http server", cfg.Server.ShutdownTimeout, server.Shutdown)
	step("adapters", adapterShutdownTimeout, rt.registry.StopAllInstances)
	step("dataflow engine", engineShutdownTimeout, rt.engine.Stop)
	if rt.proxy != nil {
		rt.proxy.Close()
	}
	step("telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
		return telemetryShutdown(stepCtx)
	})

	if letters := rt.dlq.Drain(); len(letters) > 0 {
		log.Warn("undelivered batches at shutdown", observability.Field{Key: "count", Value: len(letters)})
	}
}
