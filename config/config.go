// Package config loads and validates the collector's runtime configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Meteo-X/pixiu-sub007/errs"
	"github.com/Meteo-X/pixiu-sub007/internal/adapters"
	"github.com/Meteo-X/pixiu-sub007/internal/connection"
	"github.com/Meteo-X/pixiu-sub007/internal/dataflow"
	"github.com/Meteo-X/pixiu-sub007/internal/proxy"
	"github.com/Meteo-X/pixiu-sub007/internal/schema"
	"github.com/Meteo-X/pixiu-sub007/internal/sinks"
	"github.com/Meteo-X/pixiu-sub007/internal/subscription"
	"github.com/Meteo-X/pixiu-sub007/internal/telemetry"
)

const component = "config"

// Well-known sink identifiers the route table may target.
const (
	SinkPubSub = "pubsub"
	SinkCache  = "cache"
	SinkProxy  = "proxy"
)

// Config is the collector configuration tree loaded from YAML.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	PubSub    PubSubConfig     `yaml:"pubsub"`
	Cache     CacheConfig      `yaml:"cache"`
	Proxy     ProxyConfig      `yaml:"proxy"`
	Exchanges []ExchangeConfig `yaml:"exchanges"`
	DataFlow  DataFlowConfig   `yaml:"dataflow"`
}

// ServerConfig controls the collector's HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig controls the zerolog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// PubSubConfig configures the NATS publisher sink. An empty URL switches the
// collector to an in-memory publisher, which is only useful for local runs.
type PubSubConfig struct {
	URL         string `yaml:"url"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientName  string `yaml:"client_name"`
}

// CacheConfig configures the in-memory latest-data cache sink.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keep    int           `yaml:"keep"`
	TTL     time.Duration `yaml:"ttl"`
}

// ProxyConfig configures the websocket fan-out sink.
type ProxyConfig struct {
	Enabled bool               `yaml:"enabled"`
	Path    string             `yaml:"path"`
	Server  proxy.ServerConfig `yaml:"server"`
}

// ExchangeConfig declares one exchange adapter and its stream set.
type ExchangeConfig struct {
	Name       string            `yaml:"name"`
	Connection connection.Config `yaml:"connection"`
	Streams    []StreamSpec      `yaml:"streams"`
}

// StreamSpec is the YAML-facing shape of a stream subscription request.
type StreamSpec struct {
	Symbol        string `yaml:"symbol"`
	Type          string `yaml:"type"`
	DepthLevels   int    `yaml:"depth_levels"`
	UpdateSpeedMs int    `yaml:"update_speed_ms"`
}

// DataFlowConfig aggregates engine tunables and the route table.
type DataFlowConfig struct {
	Engine dataflow.Config      `yaml:"engine"`
	Routes []dataflow.RouteRule `yaml:"routes"`
}

// Request converts the spec into a subscription request.
func (s StreamSpec) Request() (subscription.StreamRequest, error) {
	req := subscription.StreamRequest{
		Symbol: s.Symbol,
		Type:   schema.DataType(strings.ToLower(strings.TrimSpace(s.Type))),
		Params: subscription.StreamParams{
			DepthLevels:   s.DepthLevels,
			UpdateSpeedMs: s.UpdateSpeedMs,
		},
	}
	if strings.TrimSpace(s.Symbol) == "" {
		return req, errs.New(component, errs.KindConfig, errs.WithMessage("stream symbol required"))
	}
	if !req.Type.Valid() {
		return req, errs.New(component, errs.KindConfig,
			errs.WithMessage(fmt.Sprintf("unknown stream type %q", s.Type)), errs.WithField("type"))
	}
	return req, nil
}

// AdapterConfigs converts the exchange section into adapter configurations.
func (c Config) AdapterConfigs() ([]adapters.ExchangeConfig, error) {
	out := make([]adapters.ExchangeConfig, 0, len(c.Exchanges))
	for _, ex := range c.Exchanges {
		cfg := adapters.ExchangeConfig{Exchange: ex.Name, Connection: ex.Connection}
		if cfg.Connection.Exchange == "" {
			cfg.Connection.Exchange = ex.Name
		}
		for _, spec := range ex.Streams {
			req, err := spec.Request()
			if err != nil {
				return nil, err
			}
			cfg.Streams = append(cfg.Streams, req)
		}
		out = append(out, cfg)
	}
	return out, nil
}

// Load reads, decodes, and validates the configuration file at path. Unknown
// YAML keys are rejected so typos surface at startup instead of silently
// falling back to defaults.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, errs.New(component, errs.KindConfig,
			errs.WithMessage("read config file"), errs.WithCause(err))
	}
	return Parse(raw)
}

// Parse decodes and validates a YAML configuration document.
func Parse(raw []byte) (Config, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, errs.New(component, errs.KindConfig,
			errs.WithMessage("decode config"), errs.WithCause(err))
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.PubSub.TopicPrefix == "" {
		c.PubSub.TopicPrefix = sinks.DefaultTopicPrefix
	}
	if c.PubSub.ClientName == "" {
		c.PubSub.ClientName = "pixiu-collector"
	}
	if c.Cache.Keep <= 0 {
		c.Cache.Keep = 100
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = time.Minute
	}
	if c.Proxy.Path == "" {
		c.Proxy.Path = "/ws"
	}
	if len(c.DataFlow.Routes) == 0 {
		c.DataFlow.Routes = []dataflow.RouteRule{{
			Name:  "default",
			Sinks: []string{SinkPubSub},
		}}
	}
	return c
}

// SinkIDs lists the sink identifiers enabled by this configuration.
func (c Config) SinkIDs() []string {
	ids := []string{SinkPubSub}
	if c.Cache.Enabled {
		ids = append(ids, SinkCache)
	}
	if c.Proxy.Enabled {
		ids = append(ids, SinkProxy)
	}
	return ids
}

// Validate checks cross-field constraints the YAML decoder cannot catch.
func (c Config) Validate() error {
	if len(c.Exchanges) == 0 {
		return errs.New(component, errs.KindConfig, errs.WithMessage("at least one exchange required"))
	}
	seen := make(map[string]struct{}, len(c.Exchanges))
	for i, ex := range c.Exchanges {
		name := strings.ToLower(strings.TrimSpace(ex.Name))
		if name == "" {
			return errs.New(component, errs.KindConfig,
				errs.WithMessage(fmt.Sprintf("exchanges[%d]: name required", i)))
		}
		if _, dup := seen[name]; dup {
			return errs.New(component, errs.KindConfig,
				errs.WithMessage(fmt.Sprintf("exchanges[%d]: duplicate exchange %q", i, name)))
		}
		seen[name] = struct{}{}
		if len(ex.Streams) == 0 {
			return errs.New(component, errs.KindConfig,
				errs.WithMessage(fmt.Sprintf("exchanges[%d]: at least one stream required", i)))
		}
		for j, spec := range ex.Streams {
			if _, err := spec.Request(); err != nil {
				return errs.New(component, errs.KindConfig,
					errs.WithMessage(fmt.Sprintf("exchanges[%d].streams[%d]", i, j)), errs.WithCause(err))
			}
		}
	}

	enabled := make(map[string]struct{})
	for _, id := range c.SinkIDs() {
		enabled[id] = struct{}{}
	}
	for _, rule := range c.DataFlow.Routes {
		for _, sink := range rule.Sinks {
			if _, ok := enabled[sink]; !ok {
				return errs.New(component, errs.KindConfig,
					errs.WithMessage(fmt.Sprintf("route %q targets unknown or disabled sink %q", rule.Name, sink)))
			}
		}
	}
	return nil
}
