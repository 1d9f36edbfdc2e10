package location

import (
	"hash/fnv"
	"log/slog"
	"sync"
)

// Registry defaults. The warm pool amortizes cell construction under
// first-touch bursts; none of the store's behavior depends on its presence.
const (
	// DefaultInitialPoolSize is the total number of pre-constructed cells
	// across all registry shards.
	DefaultInitialPoolSize = 15000

	// DefaultRefreshThresholdFraction triggers a background refill once a
	// shard's pool drops below (1 - fraction) of its initial size.
	DefaultRefreshThresholdFraction = 0.30

	// DefaultShardCount partitions the registry namespace to avoid a single
	// serialization bottleneck. Matches the owner-placement modulus.
	DefaultShardCount = ClusterSize
)

// MetricsReporter receives registry instrumentation events. The zero-cost
// noop implementation is used when no collector is configured.
type MetricsReporter interface {
	// CellAdopted is called each time a cell is bound to a new location id.
	CellAdopted()

	// PoolSize reports the current warm pool size of one registry shard.
	PoolSize(shard, size int)
}

type noopMetrics struct{}

func (noopMetrics) CellAdopted() {}

func (noopMetrics) PoolSize(int, int) {}

// RegistryConfig holds the tunables of the registry and its warm pool.
// Zero values select the defaults.
type RegistryConfig struct {
	// InitialPoolSize is the total warm pool size across shards.
	InitialPoolSize int

	// RefreshThresholdFraction is the pool usage fraction that triggers a
	// background refill.
	RefreshThresholdFraction float64

	// RefreshBatchSize is the number of cells constructed per refill across
	// shards. Zero means RefreshThresholdFraction x InitialPoolSize.
	RefreshBatchSize int

	// ShardCount is the number of independent registry shards.
	ShardCount int
}

func (cfg RegistryConfig) withDefaults() RegistryConfig {
	if cfg.InitialPoolSize <= 0 {
		cfg.InitialPoolSize = DefaultInitialPoolSize
	}
	if cfg.RefreshThresholdFraction <= 0 || cfg.RefreshThresholdFraction >= 1 {
		cfg.RefreshThresholdFraction = DefaultRefreshThresholdFraction
	}
	if cfg.RefreshBatchSize <= 0 {
		cfg.RefreshBatchSize = int(cfg.RefreshThresholdFraction * float64(cfg.InitialPoolSize))
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = DefaultShardCount
	}
	return cfg
}

// RegistryOption configures optional Registry parameters.
type RegistryOption func(*Registry)

// WithRegistryMetrics sets the MetricsReporter for the registry.
// If mr is nil, the no-op reporter is kept.
func WithRegistryMetrics(mr MetricsReporter) RegistryOption {
	return func(r *Registry) {
		if mr != nil {
			r.metrics = mr
		}
	}
}

// Registry maintains the process-wide mapping from location id to Cell,
// partitioned into a fixed set of shards so lookups for different keys do
// not contend. A given id always hashes to the same shard.
//
// Each shard keeps a warm pool of pre-constructed cells; a single
// background refresher per shard refills the pool asynchronously, with at
// most one refill in flight.
type Registry struct {
	shards  []*registryShard
	codec   *Codec
	logger  *slog.Logger
	metrics MetricsReporter

	done chan struct{}
	wg   sync.WaitGroup
}

type registryShard struct {
	id int

	mu         sync.Mutex
	cells      map[string]*Cell
	pool       []*Cell
	refreshing bool

	lowWater  int
	batchSize int
	refreshCh chan int
}

// NewRegistry creates the registry shards, starts their pool refreshers,
// and triggers the initial warmup. Close must be called to stop the
// refresher goroutines.
func NewRegistry(cfg RegistryConfig, codec *Codec, logger *slog.Logger, opts ...RegistryOption) *Registry {
	cfg = cfg.withDefaults()

	r := &Registry{
		codec:   codec,
		logger:  logger.With(slog.String("component", "location.registry")),
		metrics: noopMetrics{},
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	perShardInitial := max(cfg.InitialPoolSize/cfg.ShardCount, 1)
	perShardBatch := max(cfg.RefreshBatchSize/cfg.ShardCount, 1)

	r.shards = make([]*registryShard, cfg.ShardCount)
	for i := range r.shards {
		s := &registryShard{
			id:        i,
			cells:     make(map[string]*Cell),
			lowWater:  int((1 - cfg.RefreshThresholdFraction) * float64(perShardInitial)),
			batchSize: perShardBatch,
			refreshCh: make(chan int, 1),
		}
		r.shards[i] = s

		r.wg.Add(1)
		go r.runRefresher(s)

		// Initial warmup runs on the refresher so startup is not blocked
		// on constructing the full pool.
		s.refreshing = true
		s.refreshCh <- perShardInitial
	}

	r.logger.Info("registry started",
		slog.Int("shards", cfg.ShardCount),
		slog.Int("initial_pool_size", cfg.InitialPoolSize),
		slog.Int("refresh_batch_size", cfg.RefreshBatchSize),
	)

	return r
}

// GetOrCreate returns the Cell for locationID, creating it on first
// reference. At most one Cell ever exists for a given id on this node.
func (r *Registry) GetOrCreate(locationID string) *Cell {
	s := r.shardFor(locationID)

	s.mu.Lock()
	if c, ok := s.cells[locationID]; ok {
		s.mu.Unlock()
		return c
	}

	var c *Cell
	if len(s.pool) > 0 {
		c = s.pool[0]
		s.pool = s.pool[1:]
	} else {
		c = newCell(r.codec)
	}
	c.adopt(locationID)
	s.cells[locationID] = c

	r.maybeRefreshLocked(s)
	s.mu.Unlock()

	r.metrics.CellAdopted()
	return c
}

// Cells returns the number of adopted cells across all shards.
func (r *Registry) Cells() int {
	total := 0
	for _, s := range r.shards {
		s.mu.Lock()
		total += len(s.cells)
		s.mu.Unlock()
	}
	return total
}

// Close stops the pool refreshers. Cells already handed out remain valid;
// GetOrCreate keeps working but falls back to direct construction once the
// pools drain.
func (r *Registry) Close() {
	close(r.done)
	r.wg.Wait()
}

// shardFor hashes locationID onto its registry shard. Stable per id.
func (r *Registry) shardFor(locationID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(locationID))
	return r.shards[int(h.Sum32())%len(r.shards)]
}

// maybeRefreshLocked schedules a pool refill if the shard dropped below its
// low-water mark and no refill is in flight. Caller holds s.mu.
func (r *Registry) maybeRefreshLocked(s *registryShard) {
	if s.refreshing || len(s.pool) >= s.lowWater {
		return
	}
	select {
	case s.refreshCh <- s.batchSize:
		s.refreshing = true
	default:
	}
}

// runRefresher constructs cells off the lookup path and appends them to the
// shard pool. One goroutine per shard; batches are serialized by refreshCh.
func (r *Registry) runRefresher(s *registryShard) {
	defer r.wg.Done()

	for {
		select {
		case <-r.done:
			return
		case batch := <-s.refreshCh:
			fresh := make([]*Cell, batch)
			for i := range fresh {
				fresh[i] = newCell(r.codec)
			}

			s.mu.Lock()
			s.pool = append(s.pool, fresh...)
			s.refreshing = false
			size := len(s.pool)
			s.mu.Unlock()

			r.metrics.PoolSize(s.id, size)
			r.logger.Debug("warm pool refilled",
				slog.Int("shard", s.id),
				slog.Int("batch", batch),
				slog.Int("pool_size", size),
			)
		}
	}
}
