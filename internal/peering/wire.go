package peering

import (
	"encoding/json"

	"connectrpc.com/connect"

	"github.com/evosense/locationd/internal/location"
)

// ServiceName is the fully qualified name of the peer node service, as
// reported by the gRPC health endpoint.
const ServiceName = "locationpb.v1.NodeService"

// Procedure paths of the peer node service. The Connect protocol routes by
// full procedure path, so these double as the HTTP mux patterns on the
// serving side.
const (
	// ProcedureRouteWrite forwards a client write from a non-owner to the
	// key's owner.
	ProcedureRouteWrite = "/" + ServiceName + "/RouteWrite"

	// ProcedureWriteShard delivers one fragment from the owner to a peer.
	ProcedureWriteShard = "/" + ServiceName + "/WriteShard"

	// ProcedureGetShard asks a peer for whatever it holds for a key:
	// its fragment, its authoritative record, or neither.
	ProcedureGetShard = "/" + ServiceName + "/GetShard"
)

// RouteWriteRequest is the non-owner-to-owner write forwarding message.
// The receiver executes its local owner write path.
type RouteWriteRequest struct {
	LocationID      string  `json:"location_id"`
	ID              string  `json:"id"`
	SeismicActivity float64 `json:"seismic_activity"`
	TemperatureC    float64 `json:"temperature_c"`
	RadiationLevel  float64 `json:"radiation_level"`
}

// Stats extracts the client record carried by the request.
func (r *RouteWriteRequest) Stats() location.LocationStats {
	return location.LocationStats{
		ID:              r.ID,
		SeismicActivity: r.SeismicActivity,
		TemperatureC:    r.TemperatureC,
		RadiationLevel:  r.RadiationLevel,
	}
}

// RouteWriteResponse acknowledges a forwarded write.
type RouteWriteResponse struct{}

// WriteShardRequest carries one fragment of a record from the owner to the
// peer that stores it.
type WriteShardRequest struct {
	LocationID string `json:"location_id"`
	Shard      []byte `json:"shard"`
}

// WriteShardResponse acknowledges a fragment write.
type WriteShardResponse struct{}

// GetShardRequest asks a peer for its fragment or record for a key.
type GetShardRequest struct {
	LocationID string `json:"location_id"`
}

// GetShardResponse returns whichever of the two the peer holds. Both fields
// may be empty.
type GetShardResponse struct {
	Shard         []byte                          `json:"shard,omitempty"`
	LocationStats *location.EnrichedLocationStats `json:"location_stats,omitempty"`
}

// jsonCodec is a connect.Codec backed by encoding/json. Registering it
// under the standard "json" codec name makes unary calls travel as plain
// application/json Connect POSTs on both the client and handler side.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonCodec) Unmarshal(data []byte, msg any) error {
	return json.Unmarshal(data, msg)
}

// JSONCodec returns the codec used by all peer service clients and
// handlers.
func JSONCodec() connect.Codec { return jsonCodec{} }
