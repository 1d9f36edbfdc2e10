package server

import (
	"context"
	"fmt"
	"net/http"

	"connectrpc.com/connect"

	"github.com/evosense/locationd/internal/peering"
)

// RPCHandler returns the HTTP handler serving the peer node service. Every
// procedure is a unary Connect handler over the peering JSON codec; the
// supplied options (interceptors) apply to all of them.
func (d *Dispatcher) RPCHandler(opts ...connect.HandlerOption) http.Handler {
	opts = append([]connect.HandlerOption{connect.WithCodec(peering.JSONCodec())}, opts...)

	mux := http.NewServeMux()
	mux.Handle(peering.ProcedureRouteWrite, connect.NewUnaryHandler(
		peering.ProcedureRouteWrite, d.handleRouteWrite, opts...))
	mux.Handle(peering.ProcedureWriteShard, connect.NewUnaryHandler(
		peering.ProcedureWriteShard, d.handleWriteShard, opts...))
	mux.Handle(peering.ProcedureGetShard, connect.NewUnaryHandler(
		peering.ProcedureGetShard, d.handleGetShard, opts...))
	return mux
}

// handleRouteWrite executes a write forwarded by a non-owner peer. The
// sender already determined that this node owns the key.
func (d *Dispatcher) handleRouteWrite(
	ctx context.Context,
	req *connect.Request[peering.RouteWriteRequest],
) (*connect.Response[peering.RouteWriteResponse], error) {
	msg := req.Msg

	if err := d.localPut(ctx, msg.LocationID, msg.Stats()); err != nil {
		d.metrics.WriteOutcome("failed")
		return nil, connect.NewError(connect.CodeInternal,
			fmt.Errorf("routed write for %q: %w", msg.LocationID, err))
	}

	d.metrics.WriteOutcome("committed")
	return connect.NewResponse(&peering.RouteWriteResponse{}), nil
}

// handleWriteShard stores a fragment distributed by a key's owner.
func (d *Dispatcher) handleWriteShard(
	_ context.Context,
	req *connect.Request[peering.WriteShardRequest],
) (*connect.Response[peering.WriteShardResponse], error) {
	msg := req.Msg

	cell := d.registry.GetOrCreate(msg.LocationID)
	if err := cell.PutShard(msg.Shard); err != nil {
		return nil, connect.NewError(connect.CodeInternal,
			fmt.Errorf("store fragment for %q: %w", msg.LocationID, err))
	}

	return connect.NewResponse(&peering.WriteShardResponse{}), nil
}

// handleGetShard returns whatever this node holds for the key: the
// authoritative record (when it is the owner), the local fragment, or
// neither. An empty response is a valid answer, not an error.
func (d *Dispatcher) handleGetShard(
	_ context.Context,
	req *connect.Request[peering.GetShardRequest],
) (*connect.Response[peering.GetShardResponse], error) {
	cell := d.registry.GetOrCreate(req.Msg.LocationID)

	resp := &peering.GetShardResponse{}
	if rec, err := cell.GetLocation(); err == nil {
		resp.LocationStats = &rec
	}
	if shard, err := cell.GetShard(); err == nil {
		resp.Shard = shard
	}

	return connect.NewResponse(resp), nil
}
