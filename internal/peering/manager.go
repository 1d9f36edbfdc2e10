package peering

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"connectrpc.com/connect"

	"github.com/evosense/locationd/internal/location"
)

// verify interface compliance at compile time.
var _ location.FragmentFanout = (*ChannelManager)(nil)

// Defaults for the channel manager.
const (
	// DefaultResetDebounce is the minimum time between two effective channel
	// resets for the same peer. Resets inside the window are no-ops, so a
	// burst of failing in-flight RPCs evicts the channel only once.
	DefaultResetDebounce = 300 * time.Millisecond

	// DefaultRPCTimeout bounds each peer call. Transport deadline failures
	// surface as connection errors and trigger a channel reset.
	DefaultRPCTimeout = 2 * time.Second
)

// MetricsReporter receives channel manager instrumentation events.
type MetricsReporter interface {
	// ChannelReset is called each time a peer channel is actually evicted
	// (debounced resets do not count).
	ChannelReset(peerID int)

	// RPCCompleted is called after every peer call with the procedure path
	// and the result code ("ok" on success).
	RPCCompleted(procedure, code string)
}

type noopMetrics struct{}

func (noopMetrics) ChannelReset(int) {}

func (noopMetrics) RPCCompleted(string, string) {}

// ManagerOption configures optional ChannelManager parameters.
type ManagerOption func(*ChannelManager)

// WithHTTPClient sets the HTTP client shared by all peer clients.
func WithHTTPClient(c connect.HTTPClient) ManagerOption {
	return func(m *ChannelManager) {
		if c != nil {
			m.httpClient = c
		}
	}
}

// WithResetDebounce overrides the reset debounce window.
func WithResetDebounce(d time.Duration) ManagerOption {
	return func(m *ChannelManager) {
		if d > 0 {
			m.debounce = d
		}
	}
}

// WithRPCTimeout overrides the per-call timeout. Zero disables the bound.
func WithRPCTimeout(d time.Duration) ManagerOption {
	return func(m *ChannelManager) {
		m.rpcTimeout = d
	}
}

// WithManagerMetrics sets the MetricsReporter for the manager.
// If mr is nil, the no-op reporter is kept.
func WithManagerMetrics(mr MetricsReporter) ManagerOption {
	return func(m *ChannelManager) {
		if mr != nil {
			m.metrics = mr
		}
	}
}

// ChannelManager caches at most one PeerClient per peer node. Clients are
// constructed lazily (no I/O) and stay cached until Reset evicts them;
// holders of a previously returned client are unaffected by a reset, which
// only changes what future GetChannel calls hand out.
//
// The manager never performs I/O in its map operations. The higher-level
// call helpers (RouteWrite, WriteShard, GetShard) do perform I/O and feed
// transport failures back into Reset.
type ChannelManager struct {
	selfID     int
	endpoints  map[int]string
	httpClient connect.HTTPClient
	debounce   time.Duration
	rpcTimeout time.Duration
	logger     *slog.Logger
	metrics    MetricsReporter

	mu        sync.Mutex
	channels  map[int]*PeerClient
	lastReset map[int]time.Time
}

// NewChannelManager creates a manager for this node. endpoints maps every
// other cluster index to the base URL of that peer's RPC listener; selfID
// must not appear in it.
func NewChannelManager(selfID int, endpoints map[int]string, logger *slog.Logger, opts ...ManagerOption) *ChannelManager {
	m := &ChannelManager{
		selfID:     selfID,
		endpoints:  endpoints,
		httpClient: http.DefaultClient,
		debounce:   DefaultResetDebounce,
		rpcTimeout: DefaultRPCTimeout,
		logger:     logger.With(slog.String("component", "peering.channels")),
		metrics:    noopMetrics{},
		channels:   make(map[int]*PeerClient),
		lastReset:  make(map[int]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SelfID returns this node's cluster index.
func (m *ChannelManager) SelfID() int { return m.selfID }

// GetChannel returns the cached client for peerID, constructing and caching
// a fresh one if none exists.
func (m *ChannelManager) GetChannel(peerID int) (*PeerClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(peerID)
}

// GetAllChannels ensures a client exists for every known peer and returns
// this node's index plus a snapshot of the cache. Mutating the returned map
// does not affect the manager.
func (m *ChannelManager) GetAllChannels() (int, map[int]*PeerClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[int]*PeerClient, len(m.endpoints))
	for peerID := range m.endpoints {
		ch, err := m.getOrCreateLocked(peerID)
		if err != nil {
			return 0, nil, err
		}
		snapshot[peerID] = ch
	}
	return m.selfID, snapshot, nil
}

// Reset drops the cached client for peerID so the next GetChannel rebuilds
// it. Debounced per peer: a reset within the debounce window of the
// previous effective reset is a no-op.
func (m *ChannelManager) Reset(peerID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if last, ok := m.lastReset[peerID]; ok && now.Sub(last) < m.debounce {
		m.logger.Debug("channel reset debounced", slog.Int("peer", peerID))
		return
	}

	delete(m.channels, peerID)
	m.lastReset[peerID] = now
	m.metrics.ChannelReset(peerID)

	m.logger.Info("channel reset", slog.Int("peer", peerID))
}

// getOrCreateLocked implements the lazy construction path. Caller holds m.mu.
func (m *ChannelManager) getOrCreateLocked(peerID int) (*PeerClient, error) {
	if ch, ok := m.channels[peerID]; ok {
		return ch, nil
	}

	endpoint, ok := m.endpoints[peerID]
	if !ok {
		return nil, fmt.Errorf("peer %d: %w", peerID, ErrUnknownPeer)
	}

	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("peer %d endpoint %q: %w", peerID, endpoint, ErrInvalidEndpoint)
	}

	ch := NewPeerClient(m.httpClient, endpoint, peerID)
	m.channels[peerID] = ch

	m.logger.Debug("channel created",
		slog.Int("peer", peerID),
		slog.String("endpoint", endpoint),
	)

	return ch, nil
}

// -------------------------------------------------------------------------
// Peer calls -- I/O with connection-error feedback
// -------------------------------------------------------------------------

// RouteWrite forwards a client write to the owner peer.
func (m *ChannelManager) RouteWrite(ctx context.Context, peerID int, req *RouteWriteRequest) error {
	ch, err := m.GetChannel(peerID)
	if err != nil {
		return err
	}

	ctx, cancel := m.callContext(ctx)
	defer cancel()

	err = ch.RouteWrite(ctx, req)
	m.observe(ProcedureRouteWrite, peerID, err)
	return err
}

// WriteShard delivers one fragment to a peer. Satisfies the cell's fragment
// fan-out interface.
func (m *ChannelManager) WriteShard(ctx context.Context, peerID int, locationID string, fragment []byte) error {
	ch, err := m.GetChannel(peerID)
	if err != nil {
		return err
	}

	ctx, cancel := m.callContext(ctx)
	defer cancel()

	err = ch.WriteShard(ctx, locationID, fragment)
	m.observe(ProcedureWriteShard, peerID, err)
	return err
}

// GetShard fetches a peer's fragment or record for a key.
func (m *ChannelManager) GetShard(ctx context.Context, peerID int, locationID string) (*GetShardResponse, error) {
	ch, err := m.GetChannel(peerID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := m.callContext(ctx)
	defer cancel()

	resp, err := ch.GetShard(ctx, locationID)
	m.observe(ProcedureGetShard, peerID, err)
	return resp, err
}

// callContext bounds one peer call with the configured RPC timeout.
func (m *ChannelManager) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.rpcTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.rpcTimeout)
}

// observe records the call outcome and feeds connection errors back into
// the reset path.
func (m *ChannelManager) observe(procedure string, peerID int, err error) {
	code := "ok"
	if err != nil {
		code = connect.CodeOf(err).String()
	}
	m.metrics.RPCCompleted(procedure, code)

	if IsConnectionError(err) {
		m.logger.Warn("peer call failed with connection error, resetting channel",
			slog.Int("peer", peerID),
			slog.String("procedure", procedure),
			slog.String("error", err.Error()),
		)
		m.Reset(peerID)
	}
}
