package peering_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"connectrpc.com/connect"

	"github.com/evosense/locationd/internal/location"
	"github.com/evosense/locationd/internal/peering"
)

// countingMetrics records channel manager instrumentation events.
type countingMetrics struct {
	mu     sync.Mutex
	resets []int
	calls  []string
}

func (c *countingMetrics) ChannelReset(peerID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets = append(c.resets, peerID)
}

func (c *countingMetrics) RPCCompleted(procedure, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, procedure+":"+code)
}

func (c *countingMetrics) resetCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resets)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// testEndpoints returns a full six-peer endpoint map for node 0.
func testEndpoints() map[int]string {
	eps := make(map[int]string, 6)
	for i := 1; i < location.ClusterSize; i++ {
		eps[i] = "http://127.0.0.1:9080"
	}
	return eps
}

func TestGetChannelCachesClient(t *testing.T) {
	t.Parallel()

	m := peering.NewChannelManager(0, testEndpoints(), discardLogger())

	first, err := m.GetChannel(1)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	second, err := m.GetChannel(1)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}

	if first != second {
		t.Error("GetChannel built a new client for a cached peer")
	}
	if first.PeerID() != 1 {
		t.Errorf("PeerID = %d, want 1", first.PeerID())
	}
}

func TestGetChannelUnknownPeer(t *testing.T) {
	t.Parallel()

	m := peering.NewChannelManager(0, map[int]string{1: "http://127.0.0.1:9080"}, discardLogger())

	if _, err := m.GetChannel(5); !errors.Is(err, peering.ErrUnknownPeer) {
		t.Errorf("GetChannel(5): err = %v, want ErrUnknownPeer", err)
	}
}

func TestGetChannelInvalidEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		endpoint string
	}{
		{"missing scheme", "127.0.0.1:9080"},
		{"garbage", "://nope"},
		{"empty host", "http://"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := peering.NewChannelManager(0, map[int]string{1: tt.endpoint}, discardLogger())
			if _, err := m.GetChannel(1); !errors.Is(err, peering.ErrInvalidEndpoint) {
				t.Errorf("GetChannel: err = %v, want ErrInvalidEndpoint", err)
			}
		})
	}
}

func TestGetAllChannels(t *testing.T) {
	t.Parallel()

	m := peering.NewChannelManager(2, map[int]string{
		0: "http://127.0.0.1:9080",
		1: "http://127.0.0.1:9081",
		3: "http://127.0.0.1:9083",
	}, discardLogger())

	selfID, channels, err := m.GetAllChannels()
	if err != nil {
		t.Fatalf("GetAllChannels: %v", err)
	}

	if selfID != 2 {
		t.Errorf("selfID = %d, want 2", selfID)
	}
	if len(channels) != 3 {
		t.Errorf("channels = %d entries, want 3", len(channels))
	}
	for _, peerID := range []int{0, 1, 3} {
		if channels[peerID] == nil {
			t.Errorf("no channel for peer %d", peerID)
		}
	}

	// The snapshot is a copy: mutating it must not affect the manager.
	delete(channels, 0)
	if _, err := m.GetChannel(0); err != nil {
		t.Errorf("GetChannel after snapshot mutation: %v", err)
	}
}

func TestResetSwapsChannel(t *testing.T) {
	t.Parallel()

	m := peering.NewChannelManager(0, testEndpoints(), discardLogger())

	before, err := m.GetChannel(3)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}

	m.Reset(3)

	after, err := m.GetChannel(3)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if before == after {
		t.Error("GetChannel returned the evicted client after Reset")
	}
}

// TestResetDebounce verifies the debounce window: two resets inside the
// window cause one eviction; a later reset outside it causes a second.
func TestResetDebounce(t *testing.T) {
	t.Parallel()

	metrics := &countingMetrics{}
	m := peering.NewChannelManager(0, testEndpoints(), discardLogger(),
		peering.WithResetDebounce(200*time.Millisecond),
		peering.WithManagerMetrics(metrics),
	)

	if _, err := m.GetChannel(3); err != nil {
		t.Fatalf("GetChannel: %v", err)
	}

	m.Reset(3)
	afterFirst, err := m.GetChannel(3)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}

	// Inside the window: a no-op, the fresh client stays cached.
	m.Reset(3)
	afterSecond, err := m.GetChannel(3)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if afterFirst != afterSecond {
		t.Error("reset inside the debounce window evicted the channel")
	}

	// Outside the window: eviction happens again.
	time.Sleep(400 * time.Millisecond)
	m.Reset(3)
	afterThird, err := m.GetChannel(3)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if afterThird == afterSecond {
		t.Error("reset outside the debounce window did not evict the channel")
	}

	if got := metrics.resetCount(); got != 2 {
		t.Errorf("effective resets = %d, want 2", got)
	}
}

func TestIsConnectionError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable", connect.NewError(connect.CodeUnavailable, errors.New("dial refused")), true},
		{"deadline exceeded", connect.NewError(connect.CodeDeadlineExceeded, errors.New("slow")), true},
		{"canceled", connect.NewError(connect.CodeCanceled, errors.New("gone")), true},
		{"aborted", connect.NewError(connect.CodeAborted, errors.New("raced")), true},
		{"unknown", connect.NewError(connect.CodeUnknown, errors.New("???")), true},
		{"context deadline", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"raw transport error", errors.New("connection reset by peer"), true},
		{"internal", connect.NewError(connect.CodeInternal, errors.New("handler bug")), false},
		{"not found", connect.NewError(connect.CodeNotFound, errors.New("no record")), false},
		{"invalid argument", connect.NewError(connect.CodeInvalidArgument, errors.New("bad id")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := peering.IsConnectionError(tt.err); got != tt.want {
				t.Errorf("IsConnectionError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// TestWriteShardDelivers exercises the real wire path against an in-process
// Connect handler.
func TestWriteShardDelivers(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		got *peering.WriteShardRequest
	)

	mux := http.NewServeMux()
	mux.Handle(peering.ProcedureWriteShard, connect.NewUnaryHandler(
		peering.ProcedureWriteShard,
		func(_ context.Context, req *connect.Request[peering.WriteShardRequest]) (*connect.Response[peering.WriteShardResponse], error) {
			mu.Lock()
			got = req.Msg
			mu.Unlock()
			return connect.NewResponse(&peering.WriteShardResponse{}), nil
		},
		connect.WithCodec(peering.JSONCodec()),
	))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	m := peering.NewChannelManager(0, map[int]string{1: srv.URL}, discardLogger(),
		peering.WithHTTPClient(srv.Client()),
	)

	fragment := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := m.WriteShard(context.Background(), 1, "abc", fragment); err != nil {
		t.Fatalf("WriteShard: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatal("handler never saw the request")
	}
	if got.LocationID != "abc" {
		t.Errorf("LocationID = %q, want %q", got.LocationID, "abc")
	}
	if string(got.Shard) != string(fragment) {
		t.Errorf("Shard = %v, want %v", got.Shard, fragment)
	}
}

// TestGetShardRoundTrip verifies the record payload survives the JSON wire.
func TestGetShardRoundTrip(t *testing.T) {
	t.Parallel()

	rec := location.EnrichedLocationStats{
		ID:                "b6517ac5-2bf3-4a97-864a-ab4561381d5e",
		ModificationCount: 7,
		SeismicActivity:   1.5,
		TemperatureC:      -40,
		RadiationLevel:    0.25,
	}

	mux := http.NewServeMux()
	mux.Handle(peering.ProcedureGetShard, connect.NewUnaryHandler(
		peering.ProcedureGetShard,
		func(_ context.Context, req *connect.Request[peering.GetShardRequest]) (*connect.Response[peering.GetShardResponse], error) {
			if req.Msg.LocationID != "abc" {
				return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("wrong id"))
			}
			return connect.NewResponse(&peering.GetShardResponse{
				Shard:         []byte{1, 2, 3},
				LocationStats: &rec,
			}), nil
		},
		connect.WithCodec(peering.JSONCodec()),
	))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	m := peering.NewChannelManager(0, map[int]string{4: srv.URL}, discardLogger(),
		peering.WithHTTPClient(srv.Client()),
	)

	resp, err := m.GetShard(context.Background(), 4, "abc")
	if err != nil {
		t.Fatalf("GetShard: %v", err)
	}
	if string(resp.Shard) != string([]byte{1, 2, 3}) {
		t.Errorf("Shard = %v, want [1 2 3]", resp.Shard)
	}
	if resp.LocationStats == nil {
		t.Fatal("LocationStats is nil")
	}
	if *resp.LocationStats != rec {
		t.Errorf("LocationStats = %+v, want %+v", *resp.LocationStats, rec)
	}
}

// TestConnectionErrorResetsChannel verifies the feedback loop from a failed
// call into the channel cache.
func TestConnectionErrorResetsChannel(t *testing.T) {
	t.Parallel()

	metrics := &countingMetrics{}
	// Port 1 is never listening; the dial fails immediately.
	m := peering.NewChannelManager(0, map[int]string{1: "http://127.0.0.1:1"}, discardLogger(),
		peering.WithManagerMetrics(metrics),
		peering.WithRPCTimeout(time.Second),
	)

	err := m.WriteShard(context.Background(), 1, "abc", []byte{1, 2, 3})
	if err == nil {
		t.Fatal("WriteShard to a dead endpoint succeeded")
	}
	if !peering.IsConnectionError(err) {
		t.Fatalf("err = %v, not classified as connection error", err)
	}

	if got := metrics.resetCount(); got != 1 {
		t.Errorf("effective resets = %d, want 1", got)
	}
}
