package locmetrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/evosense/locationd/internal/location"
	"github.com/evosense/locationd/internal/peering"
	"github.com/evosense/locationd/internal/server"
)

// verify interface compliance at compile time.
var (
	_ server.Reporter          = (*Collector)(nil)
	_ peering.MetricsReporter  = (*Collector)(nil)
	_ location.MetricsReporter = (*Collector)(nil)
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const namespace = "locationd"

// Label names for locationd metrics.
const (
	labelOutcome   = "outcome"
	labelPeer      = "peer"
	labelProcedure = "procedure"
	labelCode      = "code"
	labelShard     = "shard"
)

// -------------------------------------------------------------------------
// Collector -- Prometheus node metrics
// -------------------------------------------------------------------------

// Collector holds all locationd Prometheus metrics. It satisfies the
// metrics reporter interfaces of the location, peering, and server
// packages, so one instance is wired through the whole data plane.
type Collector struct {
	// Writes counts client writes by outcome (committed, forwarded,
	// forward_failed, failed). Forwarded writes are counted again as
	// committed or failed on the owner node they land on.
	Writes *prometheus.CounterVec

	// Reads counts client reads by outcome (local, owner, reconstructed,
	// not_found, failed).
	Reads *prometheus.CounterVec

	// Reconstructions counts fragment reconstruction attempts by outcome
	// (ok, not_enough_shards, decode_failed).
	Reconstructions *prometheus.CounterVec

	// ChannelResets counts effective peer channel evictions (debounced
	// resets are not counted).
	ChannelResets *prometheus.CounterVec

	// PeerRPCs counts outgoing peer calls by procedure and result code.
	PeerRPCs *prometheus.CounterVec

	// RegistryCells tracks the number of cells adopted by the registry.
	// There is no eviction, so the gauge only rises within one process.
	RegistryCells prometheus.Gauge

	// WarmPoolSize tracks the warm pool size per registry shard.
	WarmPoolSize *prometheus.GaugeVec
}

// NewCollector creates a Collector with all node metrics registered against
// the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Writes,
		c.Reads,
		c.Reconstructions,
		c.ChannelResets,
		c.PeerRPCs,
		c.RegistryCells,
		c.WarmPoolSize,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Client writes handled by this node, by outcome.",
		}, []string{labelOutcome}),

		Reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_total",
			Help:      "Client reads handled by this node, by outcome.",
		}, []string{labelOutcome}),

		Reconstructions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconstructions_total",
			Help:      "Record reconstructions from peer fragments, by outcome.",
		}, []string{labelOutcome}),

		ChannelResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_resets_total",
			Help:      "Peer channel evictions after connection errors.",
		}, []string{labelPeer}),

		PeerRPCs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_rpcs_total",
			Help:      "Outgoing peer RPCs, by procedure and result code.",
		}, []string{labelProcedure, labelCode}),

		RegistryCells: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_cells",
			Help:      "Location cells adopted by the registry.",
		}),

		WarmPoolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "warm_pool_size",
			Help:      "Pre-constructed cells available per registry shard.",
		}, []string{labelShard}),
	}
}

// -------------------------------------------------------------------------
// server.Reporter
// -------------------------------------------------------------------------

// WriteOutcome counts one client write with its outcome label.
func (c *Collector) WriteOutcome(outcome string) {
	c.Writes.WithLabelValues(outcome).Inc()
}

// ReadOutcome counts one client read with its outcome label.
func (c *Collector) ReadOutcome(outcome string) {
	c.Reads.WithLabelValues(outcome).Inc()
}

// ReconstructionOutcome counts one reconstruction attempt.
func (c *Collector) ReconstructionOutcome(outcome string) {
	c.Reconstructions.WithLabelValues(outcome).Inc()
}

// -------------------------------------------------------------------------
// peering.MetricsReporter
// -------------------------------------------------------------------------

// ChannelReset counts one effective channel eviction for a peer.
func (c *Collector) ChannelReset(peerID int) {
	c.ChannelResets.WithLabelValues(strconv.Itoa(peerID)).Inc()
}

// RPCCompleted counts one outgoing peer call.
func (c *Collector) RPCCompleted(procedure, code string) {
	c.PeerRPCs.WithLabelValues(procedure, code).Inc()
}

// -------------------------------------------------------------------------
// location.MetricsReporter
// -------------------------------------------------------------------------

// CellAdopted tracks a cell being bound to a location id.
func (c *Collector) CellAdopted() {
	c.RegistryCells.Inc()
}

// PoolSize reports the warm pool size of one registry shard.
func (c *Collector) PoolSize(shard, size int) {
	c.WarmPoolSize.WithLabelValues(strconv.Itoa(shard)).Set(float64(size))
}
