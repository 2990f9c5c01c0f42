package superres

import (
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kiranshivaraju/relaize/internal/catalog"
	"github.com/kiranshivaraju/relaize/internal/config"
	"github.com/kiranshivaraju/relaize/internal/inference"
	"github.com/kiranshivaraju/relaize/internal/metrics"
)

// Key identifies a cached engine. The output scale is not part of it since
// Engine.Process takes the scale per call.
type Key struct {
	Model    string
	Device   string
	UseTile  bool
	TileSize int
}

// Registry hands out engines memoised by Key. It holds at most
// EngineCacheSize engines; the least recently used one is closed to make
// room. Evicted engines are closed in the background once their in-flight
// inference finishes, so a busy engine never stalls other lookups.
type Registry struct {
	catalog *catalog.Catalog
	loader  inference.Loader
	cfg     config.SuperResConfig
	policy  Policy
	metrics *metrics.Metrics

	mu      sync.Mutex
	engines *lru.Cache[Key, *Engine]
	evicted []*Engine // filled by onEvict, guarded by mu

	closing sync.WaitGroup
}

// NewRegistry builds an empty registry. Bare model names are checked
// against cat; paths and URLs are passed to the backend as weight files.
func NewRegistry(cat *catalog.Catalog, loader inference.Loader, cfg config.SuperResConfig, m *metrics.Metrics) (*Registry, error) {
	size := cfg.EngineCacheSize
	if size <= 0 {
		size = 1
	}
	r := &Registry{
		catalog: cat,
		loader:  loader,
		cfg:     cfg,
		policy:  NewPolicy(cfg.AllowedModels, cfg.FallbackModel),
		metrics: m,
	}
	cache, err := lru.NewWithEvict(size, r.onEvict)
	if err != nil {
		return nil, fmt.Errorf("creating engine cache: %w", err)
	}
	r.engines = cache
	return r, nil
}

// onEvict runs inside the cache with r.mu held, so it only queues the
// engine. Closing waits for the engine's mutex.
func (r *Registry) onEvict(key Key, e *Engine) {
	slog.Info("closing cached super-resolution engine", "model_id", key.Model, "device", key.Device)
	r.metrics.EngineEvicted()
	r.evicted = append(r.evicted, e)
}

func (r *Registry) takeEvicted() []*Engine {
	out := r.evicted
	r.evicted = nil
	return out
}

// Engine returns the engine for model, building it on first use. An empty
// model selects the configured default. The engine's default scale is the
// configured target scale.
func (r *Registry) Engine(model string) (*Engine, error) {
	if !r.cfg.Enabled {
		return nil, ErrDisabled
	}
	if model == "" {
		model = r.cfg.ModelName
	}
	target := Resolve(r.policy.Apply(model))
	if target.ModelName == "" {
		return nil, fmt.Errorf("%w: no model configured", inference.ErrWeightsMissing)
	}
	if target.WeightPath == "" && !r.catalog.KnownSuperRes(target.ModelName) {
		return nil, fmt.Errorf("%w: unknown super-resolution model %q", inference.ErrUnsupported, target.ModelName)
	}

	key := Key{
		Model:    target.ModelName,
		Device:   r.cfg.Device,
		UseTile:  r.cfg.UseTile,
		TileSize: r.cfg.TileSize,
	}
	if target.WeightPath != "" {
		key.Model = target.WeightPath
	}

	r.mu.Lock()
	e, ok := r.engines.Get(key)
	if !ok {
		e = NewEngine(r.loader, Options{
			ModelName:  target.ModelName,
			WeightPath: target.WeightPath,
			Device:     r.cfg.Device,
			Scale:      r.cfg.TargetScale,
			UseTile:    r.cfg.UseTile,
			TileSize:   r.cfg.TileSize,
			OOMPolicy:  r.cfg.OOMPolicy,
		}, r.metrics)
		r.engines.Add(key, e)
	}
	evicted := r.takeEvicted()
	r.mu.Unlock()

	for _, old := range evicted {
		r.closing.Add(1)
		go func() {
			defer r.closing.Done()
			_ = old.Close()
		}()
	}
	return e, nil
}

// Len reports how many engines are cached.
func (r *Registry) Len() int {
	return r.engines.Len()
}

// Close closes every cached engine and waits for background closes.
func (r *Registry) Close() {
	r.mu.Lock()
	r.engines.Purge()
	evicted := r.takeEvicted()
	r.mu.Unlock()

	for _, e := range evicted {
		_ = e.Close()
	}
	r.closing.Wait()
}
