package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/evosense/locationd/internal/location"
	"github.com/evosense/locationd/internal/peering"
)

// Reporter receives dispatcher instrumentation events.
type Reporter interface {
	// WriteOutcome is called once per client write with its outcome label:
	// "committed", "forwarded", "forward_failed", or "failed".
	WriteOutcome(outcome string)

	// ReadOutcome is called once per client read with its outcome label:
	// "local", "owner", "reconstructed", "not_found", or "failed".
	ReadOutcome(outcome string)

	// ReconstructionOutcome is called once per reconstruction attempt:
	// "ok", "not_enough_shards", or "decode_failed".
	ReconstructionOutcome(outcome string)
}

type noopReporter struct{}

func (noopReporter) WriteOutcome(string) {}

func (noopReporter) ReadOutcome(string) {}

func (noopReporter) ReconstructionOutcome(string) {}

// Option configures optional Dispatcher parameters.
type Option func(*Dispatcher)

// WithMetrics sets the Reporter for the dispatcher.
// If r is nil, the no-op reporter is kept.
func WithMetrics(r Reporter) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.metrics = r
		}
	}
}

// Dispatcher is the top-level request router of one node.
type Dispatcher struct {
	registry *location.Registry
	channels *peering.ChannelManager
	codec    *location.Codec
	logger   *slog.Logger
	metrics  Reporter
}

// NewDispatcher wires the dispatcher to this node's registry, channel
// manager, and codec.
func NewDispatcher(
	registry *location.Registry,
	channels *peering.ChannelManager,
	codec *location.Codec,
	logger *slog.Logger,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		channels: channels,
		codec:    codec,
		logger:   logger.With(slog.String("component", "server.dispatcher")),
		metrics:  noopReporter{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// APIHandler returns the client-facing HTTP handler.
func (d *Dispatcher) APIHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", d.handlePing)
	mux.HandleFunc("GET /ping", d.handlePing)
	mux.HandleFunc("PUT /{location_id}", d.handlePut)
	mux.HandleFunc("GET /{location_id}", d.handleGet)
	return mux
}

// handlePing is the readiness probe: always succeeds while the server runs.
func (d *Dispatcher) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "pong")
}

// handlePut accepts a client write and routes it to the key's owner: either
// this node's own cell, or one RouteWrite RPC to the owner peer.
func (d *Dispatcher) handlePut(w http.ResponseWriter, r *http.Request) {
	locationID := r.PathValue("location_id")

	var stats location.LocationStats
	if err := json.NewDecoder(r.Body).Decode(&stats); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	ownerID := location.Owner(locationID)

	if ownerID != d.channels.SelfID() {
		req := &peering.RouteWriteRequest{
			LocationID:      locationID,
			ID:              stats.ID,
			SeismicActivity: stats.SeismicActivity,
			TemperatureC:    stats.TemperatureC,
			RadiationLevel:  stats.RadiationLevel,
		}
		if err := d.channels.RouteWrite(r.Context(), ownerID, req); err != nil {
			d.metrics.WriteOutcome("forward_failed")
			d.logger.Error("write forward to owner failed",
				slog.String("location_id", locationID),
				slog.Int("owner", ownerID),
				slog.String("error", err.Error()),
			)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		d.metrics.WriteOutcome("forwarded")
		writeJSON(w, http.StatusCreated, struct{}{})
		return
	}

	if err := d.localPut(r.Context(), locationID, stats); err != nil {
		d.metrics.WriteOutcome("failed")
		d.logger.Error("write failed",
			slog.String("location_id", locationID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	d.metrics.WriteOutcome("committed")
	writeJSON(w, http.StatusCreated, struct{}{})
}

// handleGet serves a client read: the local authoritative record if this
// node owns the key, otherwise the owner's record or a reconstruction from
// peer fragments when this node at least stores a fragment.
func (d *Dispatcher) handleGet(w http.ResponseWriter, r *http.Request) {
	locationID := r.PathValue("location_id")
	cell := d.registry.GetOrCreate(locationID)

	if rec, err := cell.GetLocation(); err == nil {
		d.metrics.ReadOutcome("local")
		writeJSON(w, http.StatusOK, rec)
		return
	}

	localShard, err := cell.GetShard()
	if err != nil {
		d.metrics.ReadOutcome("not_found")
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	rec, outcome, err := d.reconstruct(r.Context(), locationID, localShard)
	if err != nil {
		d.metrics.ReadOutcome("failed")
		d.logger.Error("read reconstruction failed",
			slog.String("location_id", locationID),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, location.ErrNotEnoughShards) {
			http.Error(w, "Not enough shards", http.StatusInternalServerError)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	d.metrics.ReadOutcome(outcome)
	writeJSON(w, http.StatusOK, rec)
}

// localPut executes the owner write path against this node's cell.
func (d *Dispatcher) localPut(ctx context.Context, locationID string, stats location.LocationStats) error {
	cell := d.registry.GetOrCreate(locationID)
	return cell.PutLocation(ctx, stats, d.channels)
}

// reconstruct fans a fragment read out to all seven cluster slots (the slot
// for this node is answered from the local cell) and recovers the record.
//
// If the owner answered with its authoritative record, that wins. Otherwise
// the six non-owner replies are classified positionally -- reply index i
// (counted with the owner skipped) is data fragment i for i < 4 and parity
// fragment i-4 above that -- and the record is rebuilt from any four of them.
func (d *Dispatcher) reconstruct(ctx context.Context, locationID string, localShard []byte) (location.EnrichedLocationStats, string, error) {
	ownerID := location.Owner(locationID)
	selfID := d.channels.SelfID()

	responses := make([]*peering.GetShardResponse, location.ClusterSize)

	var wg sync.WaitGroup
	for peerID := range location.ClusterSize {
		if peerID == selfID {
			responses[peerID] = &peering.GetShardResponse{Shard: localShard}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := d.channels.GetShard(ctx, peerID, locationID)
			if err != nil {
				// A missing reply just leaves the slot empty; reconstruction
				// tolerates up to two absent fragments.
				d.logger.Debug("fragment read failed",
					slog.String("location_id", locationID),
					slog.Int("peer", peerID),
					slog.String("error", err.Error()),
				)
				return
			}
			responses[peerID] = resp
		}()
	}
	wg.Wait()

	if ownerResp := responses[ownerID]; ownerResp != nil && ownerResp.LocationStats != nil {
		return *ownerResp.LocationStats, "owner", nil
	}

	dataFrags := make(map[int][]byte, location.DataShards)
	parityFrags := make(map[int][]byte, location.ParityShards)
	for i := range location.ClusterSize - 1 {
		peerID := i
		if i >= ownerID {
			peerID = i + 1
		}
		resp := responses[peerID]
		if resp == nil || len(resp.Shard) == 0 {
			continue
		}
		if i < location.DataShards {
			dataFrags[i] = resp.Shard
		} else {
			parityFrags[i-location.DataShards] = resp.Shard
		}
	}

	if have := len(dataFrags) + len(parityFrags); have < location.DataShards {
		d.metrics.ReconstructionOutcome("not_enough_shards")
		return location.EnrichedLocationStats{}, "", fmt.Errorf(
			"have %d of %d fragments for %q: %w",
			have, location.DataShards, locationID, location.ErrNotEnoughShards,
		)
	}

	data, err := d.codec.Decode(dataFrags, parityFrags)
	if err != nil {
		d.metrics.ReconstructionOutcome("decode_failed")
		return location.EnrichedLocationStats{}, "", fmt.Errorf("decode fragments for %q: %w", locationID, err)
	}

	rec, err := location.Reassemble(data)
	if err != nil {
		d.metrics.ReconstructionOutcome("decode_failed")
		return location.EnrichedLocationStats{}, "", fmt.Errorf("reassemble record for %q: %w", locationID, err)
	}

	d.metrics.ReconstructionOutcome("ok")
	return rec, "reconstructed", nil
}

// writeJSON writes v as a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already out; an encode failure here only means the
	// client went away.
	_ = json.NewEncoder(w).Encode(v)
}
