package peering

import (
	"context"
	"fmt"

	"connectrpc.com/connect"
)

// PeerClient bundles the typed Connect clients for one peer node.
// Construction performs no I/O; the underlying HTTP client connects on
// first use. PeerClients are safe for concurrent use and remain usable
// after the ChannelManager evicts them from its cache.
type PeerClient struct {
	peerID  int
	baseURL string

	routeWrite *connect.Client[RouteWriteRequest, RouteWriteResponse]
	writeShard *connect.Client[WriteShardRequest, WriteShardResponse]
	getShard   *connect.Client[GetShardRequest, GetShardResponse]
}

// NewPeerClient creates the client set for the peer service rooted at
// baseURL (scheme://host:port, no trailing slash).
func NewPeerClient(httpClient connect.HTTPClient, baseURL string, peerID int, opts ...connect.ClientOption) *PeerClient {
	opts = append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)

	return &PeerClient{
		peerID:  peerID,
		baseURL: baseURL,
		routeWrite: connect.NewClient[RouteWriteRequest, RouteWriteResponse](
			httpClient, baseURL+ProcedureRouteWrite, opts...),
		writeShard: connect.NewClient[WriteShardRequest, WriteShardResponse](
			httpClient, baseURL+ProcedureWriteShard, opts...),
		getShard: connect.NewClient[GetShardRequest, GetShardResponse](
			httpClient, baseURL+ProcedureGetShard, opts...),
	}
}

// PeerID returns the cluster index of the peer this client talks to.
func (pc *PeerClient) PeerID() int { return pc.peerID }

// RouteWrite forwards a client write to the peer, which must be the owner
// of the request's location id.
func (pc *PeerClient) RouteWrite(ctx context.Context, req *RouteWriteRequest) error {
	if _, err := pc.routeWrite.CallUnary(ctx, connect.NewRequest(req)); err != nil {
		return fmt.Errorf("route write to node %d: %w", pc.peerID, err)
	}
	return nil
}

// WriteShard stores one fragment of locationID's record on the peer.
func (pc *PeerClient) WriteShard(ctx context.Context, locationID string, fragment []byte) error {
	req := &WriteShardRequest{LocationID: locationID, Shard: fragment}
	if _, err := pc.writeShard.CallUnary(ctx, connect.NewRequest(req)); err != nil {
		return fmt.Errorf("write fragment to node %d: %w", pc.peerID, err)
	}
	return nil
}

// GetShard fetches whatever the peer holds for locationID.
func (pc *PeerClient) GetShard(ctx context.Context, locationID string) (*GetShardResponse, error) {
	req := &GetShardRequest{LocationID: locationID}
	resp, err := pc.getShard.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, fmt.Errorf("get fragment from node %d: %w", pc.peerID, err)
	}
	return resp.Msg, nil
}
