package location_test

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/evosense/locationd/internal/location"
)

// fakeFanout records fragment writes in place of real peer RPCs.
type fakeFanout struct {
	self int
	err  error

	mu     sync.Mutex
	writes map[int][]byte
}

func newFakeFanout(self int) *fakeFanout {
	return &fakeFanout{self: self, writes: make(map[int][]byte)}
}

func (f *fakeFanout) SelfID() int { return f.self }

func (f *fakeFanout) WriteShard(_ context.Context, peerID int, _ string, fragment []byte) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[peerID] = append([]byte(nil), fragment...)
	return nil
}

func (f *fakeFanout) peers() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	peers := make([]int, 0, len(f.writes))
	for p := range f.writes {
		peers = append(peers, p)
	}
	sort.Ints(peers)
	return peers
}

// testCell creates an adopted cell through a registry, the only way cells
// are created in production.
func testCell(t *testing.T, locationID string) *location.Cell {
	t.Helper()

	codec, err := location.NewCodec()
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	registry := location.NewRegistry(location.RegistryConfig{
		InitialPoolSize: 8,
		ShardCount:      1,
	}, codec, slog.New(slog.DiscardHandler))
	t.Cleanup(registry.Close)

	return registry.GetOrCreate(locationID)
}

func testStats() location.LocationStats {
	return location.LocationStats{
		ID:              "b6517ac5-2bf3-4a97-864a-ab4561381d5e",
		SeismicActivity: 1.0,
		TemperatureC:    2.0,
		RadiationLevel:  3.0,
	}
}

func TestCellPutShardGetShard(t *testing.T) {
	t.Parallel()

	cell := testCell(t, "shard-roundtrip")
	fragment := []byte{1, 2, 3, 4, 5}

	if err := cell.PutShard(fragment); err != nil {
		t.Fatalf("PutShard: %v", err)
	}

	got, err := cell.GetShard()
	if err != nil {
		t.Fatalf("GetShard: %v", err)
	}
	if string(got) != string(fragment) {
		t.Errorf("GetShard = %v, want %v", got, fragment)
	}
}

func TestCellGetShardNotFound(t *testing.T) {
	t.Parallel()

	cell := testCell(t, "no-shard")

	if _, err := cell.GetShard(); !errors.Is(err, location.ErrNotFound) {
		t.Errorf("GetShard on empty cell: err = %v, want ErrNotFound", err)
	}
}

func TestCellGetLocationNotFound(t *testing.T) {
	t.Parallel()

	cell := testCell(t, "no-record")

	if _, err := cell.GetLocation(); !errors.Is(err, location.ErrNotFound) {
		t.Errorf("GetLocation on empty cell: err = %v, want ErrNotFound", err)
	}
}

func TestCellPutShardOverwrites(t *testing.T) {
	t.Parallel()

	cell := testCell(t, "shard-overwrite")

	if err := cell.PutShard([]byte{1, 2, 3}); err != nil {
		t.Fatalf("PutShard: %v", err)
	}
	if err := cell.PutShard([]byte{4, 5, 6}); err != nil {
		t.Fatalf("PutShard: %v", err)
	}

	got, err := cell.GetShard()
	if err != nil {
		t.Fatalf("GetShard: %v", err)
	}
	if string(got) != string([]byte{4, 5, 6}) {
		t.Errorf("GetShard = %v, want [4 5 6]", got)
	}
}

// TestCellPutLocationFanout verifies fragment targeting: fragment i goes to
// peer i, shifted past this node's own index.
func TestCellPutLocationFanout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		self      int
		wantPeers []int
	}{
		{self: 0, wantPeers: []int{1, 2, 3, 4, 5, 6}},
		{self: 3, wantPeers: []int{0, 1, 2, 4, 5, 6}},
		{self: 6, wantPeers: []int{0, 1, 2, 3, 4, 5}},
	}

	for _, tt := range tests {
		cell := testCell(t, "fanout")
		fanout := newFakeFanout(tt.self)

		if err := cell.PutLocation(context.Background(), testStats(), fanout); err != nil {
			t.Fatalf("self %d: PutLocation: %v", tt.self, err)
		}

		got := fanout.peers()
		if len(got) != location.DataShards+location.ParityShards {
			t.Fatalf("self %d: wrote to %d peers, want 6", tt.self, len(got))
		}
		for i, p := range got {
			if p != tt.wantPeers[i] {
				t.Errorf("self %d: peers = %v, want %v", tt.self, got, tt.wantPeers)
				break
			}
		}

		for _, fragment := range fanout.writes {
			if len(fragment) != location.ShardSize {
				t.Errorf("self %d: fragment is %d bytes, want %d", tt.self, len(fragment), location.ShardSize)
			}
		}
	}
}

// TestCellModificationCountMonotonic verifies the authoritative record
// after N writes carries the stats of the last write and count N.
func TestCellModificationCountMonotonic(t *testing.T) {
	t.Parallel()

	cell := testCell(t, "monotonic")
	fanout := newFakeFanout(0)

	stats := testStats()
	for i := 1; i <= 3; i++ {
		stats.TemperatureC = float64(i)
		if err := cell.PutLocation(context.Background(), stats, fanout); err != nil {
			t.Fatalf("PutLocation %d: %v", i, err)
		}

		rec, err := cell.GetLocation()
		if err != nil {
			t.Fatalf("GetLocation %d: %v", i, err)
		}
		if rec.ModificationCount != int64(i) {
			t.Errorf("write %d: ModificationCount = %d, want %d", i, rec.ModificationCount, i)
		}
		if rec.TemperatureC != float64(i) {
			t.Errorf("write %d: TemperatureC = %g, want %g", i, rec.TemperatureC, float64(i))
		}
	}

	if got := cell.ModificationCount(); got != 3 {
		t.Errorf("ModificationCount = %d, want 3", got)
	}
}

// TestCellPutLocationFailureKeepsRecord verifies a failed fan-out still
// commits the authoritative record and advances the counter -- there is no
// rollback, the peers just lag behind until the next successful write.
func TestCellPutLocationFailureKeepsRecord(t *testing.T) {
	t.Parallel()

	cell := testCell(t, "failed-fanout")
	fanout := newFakeFanout(0)
	fanout.err = errors.New("peer unreachable")

	err := cell.PutLocation(context.Background(), testStats(), fanout)
	if err == nil {
		t.Fatal("PutLocation succeeded with failing fan-out")
	}

	rec, getErr := cell.GetLocation()
	if getErr != nil {
		t.Fatalf("GetLocation after failed write: %v", getErr)
	}
	if rec.ModificationCount != 1 {
		t.Errorf("ModificationCount = %d, want 1", rec.ModificationCount)
	}
}

// TestCellPutLocationBadIDFails verifies a record whose id is not a UUID is
// rejected at encode time.
func TestCellPutLocationBadIDFails(t *testing.T) {
	t.Parallel()

	cell := testCell(t, "bad-id")
	stats := testStats()
	stats.ID = "not-a-uuid"

	if err := cell.PutLocation(context.Background(), stats, newFakeFanout(0)); !errors.Is(err, location.ErrEncoding) {
		t.Errorf("PutLocation with bad id: err = %v, want ErrEncoding", err)
	}
}
