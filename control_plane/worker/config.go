package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/modelprobe/modelprobe/control_plane/store"
)

// configTTL is how long a loaded scheduler config is reused before the
// store is asked again.
const configTTL = 5 * time.Second

// Overrides are environment-sourced knobs applied on top of the stored
// config at worker startup. Nil fields leave the stored value alone.
type Overrides struct {
	ChannelConcurrency   *int
	MaxGlobalConcurrency *int
	MinJitterMs          *int
	MaxJitterMs          *int
}

func (o Overrides) apply(cfg *store.SchedulerConfig) {
	if o.ChannelConcurrency != nil {
		cfg.ChannelConcurrency = *o.ChannelConcurrency
	}
	if o.MaxGlobalConcurrency != nil {
		cfg.MaxGlobalConcurrency = *o.MaxGlobalConcurrency
	}
	if o.MinJitterMs != nil {
		cfg.MinJitterMs = *o.MinJitterMs
	}
	if o.MaxJitterMs != nil {
		cfg.MaxJitterMs = *o.MaxJitterMs
	}
	cfg.Normalize()
}

// ConfigCache memoizes the scheduler config with a short TTL so the pool
// is not hitting the store once per job, while dashboard edits still apply
// within a few seconds.
type ConfigCache struct {
	store     store.Store
	overrides Overrides

	mu        sync.Mutex
	cached    *store.SchedulerConfig
	fetchedAt time.Time
}

// NewConfigCache creates a cache over the store with startup overrides.
func NewConfigCache(s store.Store, overrides Overrides) *ConfigCache {
	return &ConfigCache{store: s, overrides: overrides}
}

// Get returns the current effective config, reloading from the store when
// the memoized copy is older than the TTL. Load failures fall back to the
// last good copy, or defaults.
func (c *ConfigCache) Get(ctx context.Context) *store.SchedulerConfig {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Since(c.fetchedAt) < configTTL {
		return c.cached
	}

	cfg, err := c.store.LoadSchedulerConfig(ctx)
	if err != nil {
		log.Printf("worker: config reload failed, keeping previous: %v", err)
		if c.cached != nil {
			return c.cached
		}
		cfg = store.DefaultSchedulerConfig()
	}
	c.overrides.apply(cfg)
	c.cached = cfg
	c.fetchedAt = time.Now()
	return cfg
}

// Reload drops the memoized copy; the next Get hits the store.
func (c *ConfigCache) Reload() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}
