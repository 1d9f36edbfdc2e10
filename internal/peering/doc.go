// Package peering implements the inter-node RPC surface: the wire types of
// the peer node service, Connect clients for calling peers, and the
// ChannelManager that caches one lazily constructed client per peer with a
// debounced reset.
//
// The peer service speaks the Connect protocol with a plain JSON codec, so
// the same HTTP listener serves both unary peer calls and standard gRPC
// health checks.
package peering
