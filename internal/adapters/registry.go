package adapters

import (
	"context"
	"sync"

	"github.com/Meteo-X/pixiu-sub007/errs"
	"github.com/Meteo-X/pixiu-sub007/internal/observability"
)

// Factory constructs an adapter instance from its configuration.
type Factory func(cfg ExchangeConfig) (Adapter, error)

// Descriptor describes a registered adapter implementation.
type Descriptor struct {
	Factory     Factory
	Version     string
	Description string
	Features    []string
}

// InstanceInfo is one row of the registry status report.
type InstanceInfo struct {
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Features    []string `json:"features,omitempty"`
	Enabled     bool     `json:"enabled"`
	Instance    bool     `json:"instance"`
	Status      Status   `json:"status"`
}

type registryEntry struct {
	descriptor Descriptor
	enabled    bool
	instance   Adapter
}

// Registry maps adapter names to factories and owns the running instances.
// Instances start in creation order; shutdown runs in reverse.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
	// creation order of live instances, for reverse-order shutdown
	running []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := new(Registry)
	r.entries = make(map[string]*registryEntry)
	return r
}

// Register adds an adapter factory under name, enabled by default.
func (r *Registry) Register(name string, desc Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		return errs.New("adapters/registry", errs.KindInvalidArgument,
			errs.WithMessage("adapter name required"))
	}
	if desc.Factory == nil {
		return errs.New("adapters/registry", errs.KindInvalidArgument,
			errs.WithMessage("adapter "+name+": factory required"))
	}
	if _, dup := r.entries[name]; dup {
		return errs.New("adapters/registry", errs.KindInvalidArgument,
			errs.WithMessage("adapter "+name+" already registered"))
	}
	r.entries[name] = &registryEntry{descriptor: desc, enabled: true}
	return nil
}

// Unregister removes a factory. Fails while an instance is alive.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	if !ok {
		return errs.New("adapters/registry", errs.KindInvalidState,
			errs.WithMessage("adapter "+name+" not registered"))
	}
	if entry.instance != nil {
		return errs.New("adapters/registry", errs.KindInvalidState,
			errs.WithMessage("adapter "+name+" has a live instance"))
	}
	delete(r.entries, name)
	return nil
}

// SetEnabled toggles an adapter. Disabled adapters reject CreateInstance and
// are skipped by StartAutoAdapters.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	if !ok {
		return errs.New("adapters/registry", errs.KindInvalidState,
			errs.WithMessage("adapter "+name+" not registered"))
	}
	entry.enabled = enabled
	return nil
}

// CreateInstance builds and initializes the named adapter. One live instance
// per name.
func (r *Registry) CreateInstance(ctx context.Context, name string, cfg ExchangeConfig) (Adapter, error) {
	r.mu.Lock()
	entry, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return nil, errs.New("adapters/registry", errs.KindInvalidState,
			errs.WithMessage("adapter "+name+" not registered"))
	}
	if !entry.enabled {
		r.mu.Unlock()
		return nil, errs.New("adapters/registry", errs.KindInvalidState,
			errs.WithMessage("adapter "+name+" is disabled"))
	}
	if entry.instance != nil {
		r.mu.Unlock()
		return nil, errs.New("adapters/registry", errs.KindInvalidState,
			errs.WithMessage("adapter "+name+" already has an instance"))
	}
	factory := entry.descriptor.Factory
	r.mu.Unlock()

	adapter, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	if err := adapter.Initialize(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	entry.instance = adapter
	r.running = append(r.running, name)
	r.mu.Unlock()
	return adapter, nil
}

// Instance returns the live instance for name.
func (r *Registry) Instance(name string) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	if !ok || entry.instance == nil {
		return nil, errs.New("adapters/registry", errs.KindInvalidState,
			errs.WithMessage("adapter "+name+" has no instance"))
	}
	return entry.instance, nil
}

// StartInstance starts the named instance.
func (r *Registry) StartInstance(ctx context.Context, name string) error {
	adapter, err := r.Instance(name)
	if err != nil {
		return err
	}
	return adapter.Start(ctx)
}

// StopInstance stops the named instance; it stays created for inspection.
func (r *Registry) StopInstance(ctx context.Context, name string) error {
	adapter, err := r.Instance(name)
	if err != nil {
		return err
	}
	return adapter.Stop(ctx)
}

// DestroyInstance tears the named instance down and forgets it.
func (r *Registry) DestroyInstance(ctx context.Context, name string) error {
	adapter, err := r.Instance(name)
	if err != nil {
		return err
	}
	if err := adapter.Destroy(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	r.entries[name].instance = nil
	for i, n := range r.running {
		if n == name {
			r.running = append(r.running[:i], r.running[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	return nil
}

// StartAutoAdapters creates and starts one instance per configuration, in
// order. Configurations naming disabled adapters are skipped; on failure the
// instances already started are destroyed again, in reverse.
func (r *Registry) StartAutoAdapters(ctx context.Context, configs []ExchangeConfig) error {
	started := make([]string, 0, len(configs))
	rollback := func() {
		for i := len(started) - 1; i >= 0; i-- {
			if err := r.stopAndDestroy(ctx, started[i]); err != nil {
				observability.Log().Warn("rollback failed",
					observability.Field{Key: "adapter", Value: started[i]},
					observability.Field{Key: "error", Value: err.Error()})
			}
		}
	}

	for _, cfg := range configs {
		if r.isDisabled(cfg.Exchange) {
			observability.Log().Info("adapter disabled, skipping",
				observability.Field{Key: "adapter", Value: cfg.Exchange})
			continue
		}
		if _, err := r.CreateInstance(ctx, cfg.Exchange, cfg); err != nil {
			rollback()
			return err
		}
		if err := r.StartInstance(ctx, cfg.Exchange); err != nil {
			if destroyErr := r.DestroyInstance(ctx, cfg.Exchange); destroyErr != nil {
				observability.Log().Warn("rollback failed",
					observability.Field{Key: "adapter", Value: cfg.Exchange},
					observability.Field{Key: "error", Value: destroyErr.Error()})
			}
			rollback()
			return err
		}
		started = append(started, cfg.Exchange)
	}
	return nil
}

// StopAllInstances stops and destroys every live instance in reverse creation
// order, collecting failures.
func (r *Registry) StopAllInstances(ctx context.Context) error {
	r.mu.Lock()
	names := make([]string, len(r.running))
	copy(names, r.running)
	r.mu.Unlock()

	var failures []error
	for i := len(names) - 1; i >= 0; i-- {
		if err := r.stopAndDestroy(ctx, names[i]); err != nil {
			failures = append(failures, err)
		}
	}
	return observability.AggregateErrors("stop adapters", failures)
}

// HealthAll reports health for every live instance.
func (r *Registry) HealthAll(ctx context.Context) map[string]Health {
	out := make(map[string]Health)
	for name, adapter := range r.instances() {
		out[name] = adapter.Health(ctx)
	}
	return out
}

// Status reports every registration with its instance state.
func (r *Registry) Status(ctx context.Context) map[string]InstanceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]InstanceInfo, len(r.entries))
	for name, entry := range r.entries {
		info := InstanceInfo{
			Version:     entry.descriptor.Version,
			Description: entry.descriptor.Description,
			Features:    entry.descriptor.Features,
			Enabled:     entry.enabled,
		}
		if entry.instance != nil {
			info.Instance = true
			info.Status = entry.instance.Health(ctx).Status
		}
		out[name] = info
	}
	return out
}

func (r *Registry) stopAndDestroy(ctx context.Context, name string) error {
	adapter, err := r.Instance(name)
	if err != nil {
		return err
	}
	if adapter.Health(ctx).Status == StatusRunning {
		if err := adapter.Stop(ctx); err != nil {
			return err
		}
	}
	return r.DestroyInstance(ctx, name)
}

func (r *Registry) isDisabled(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	return ok && !entry.enabled
}

func (r *Registry) instances() map[string]Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Adapter)
	for name, entry := range r.entries {
		if entry.instance != nil {
			out[name] = entry.instance
		}
	}
	return out
}
