package location

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// FragmentFanout is the peer-write capability a Cell needs to distribute
// fragments. It is implemented by the peering channel manager; WriteShard
// is expected to classify transport failures and invalidate the affected
// channel itself.
type FragmentFanout interface {
	// SelfID returns this node's cluster index.
	SelfID() int

	// WriteShard delivers one fragment of locationID's record to the peer
	// with the given cluster index.
	WriteShard(ctx context.Context, peerID int, locationID string, fragment []byte) error
}

// Cell is the per-key serialized state machine. It holds the authoritative
// record when this node owns the key, the locally stored fragment when it
// does not, and the monotonic modification counter.
//
// All operations on a Cell are serialized by its mutex: one handler at a
// time, including the fragment fan-out inside PutLocation. Serialization is
// per key only -- cells for different keys run in parallel.
type Cell struct {
	mu sync.Mutex

	locationID string
	codec      *Codec

	modificationCount int64
	authoritative     *EnrichedLocationStats
	localShard        []byte
}

// newCell constructs an unadopted Cell. The Registry assigns the location
// id when the cell is taken out of the warm pool.
func newCell(codec *Codec) *Cell {
	return &Cell{codec: codec}
}

// adopt binds the cell to a location id. Called by the Registry exactly
// once, before the cell is published.
func (c *Cell) adopt(locationID string) {
	c.locationID = locationID
}

// PutLocation accepts a client write. Only the owner of the key should send
// this; routing is the dispatcher's responsibility.
//
// The write increments the modification counter, replaces the authoritative
// record, encodes it into 4 data + 2 parity fragments, and sends fragment i
// to peer i (shifted past this node's own index, which keeps no fragment).
// All six writes run concurrently; the call succeeds only if every write
// succeeds. A failed write leaves the authoritative record in place -- the
// owner and the peer fragments may disagree until the next write.
func (c *Cell) PutLocation(ctx context.Context, stats LocationStats, fanout FragmentFanout) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.modificationCount++
	rec := Enrich(stats, c.modificationCount)
	c.authoritative = &rec

	data, parity, err := c.codec.Encode(rec)
	if err != nil {
		return fmt.Errorf("encode record for %q: %w", c.locationID, err)
	}

	fragments := make([][]byte, 0, DataShards+ParityShards)
	fragments = append(fragments, data...)
	fragments = append(fragments, parity...)

	selfID := fanout.SelfID()

	g := new(errgroup.Group)
	for i, fragment := range fragments {
		// Fragment index i targets peer i, skipping this node.
		peerID := i
		if i >= selfID {
			peerID = i + 1
		}
		g.Go(func() error {
			if err := fanout.WriteShard(ctx, peerID, c.locationID, fragment); err != nil {
				return fmt.Errorf("write fragment %d to node %d: %w", i, peerID, err)
			}
			return nil
		})
	}

	return g.Wait()
}

// GetLocation returns the authoritative record, or ErrNotFound if this cell
// never accepted a PutLocation.
func (c *Cell) GetLocation() (EnrichedLocationStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.authoritative == nil {
		return EnrichedLocationStats{}, fmt.Errorf("record for %q: %w", c.locationID, ErrNotFound)
	}
	return *c.authoritative, nil
}

// GetShard returns a copy of the locally stored fragment, or ErrNotFound if
// no peer ever wrote one here.
func (c *Cell) GetShard() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.localShard == nil {
		return nil, fmt.Errorf("fragment for %q: %w", c.locationID, ErrNotFound)
	}
	return append([]byte(nil), c.localShard...), nil
}

// PutShard stores a fragment distributed by the key's owner, replacing any
// previous fragment unconditionally.
func (c *Cell) PutShard(fragment []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.localShard = append([]byte(nil), fragment...)
	return nil
}

// ModificationCount returns the number of writes this cell has accepted.
func (c *Cell) ModificationCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modificationCount
}
