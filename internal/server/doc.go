// Package server implements the node dispatcher: the client-facing HTTP
// surface (put stats, get enriched stats, health) and the Connect handlers
// of the peer node service (write routing, fragment write, fragment read).
// The dispatcher routes writes to the key's owner and serves reads from the
// authoritative record, the owner, or by reconstructing the record from
// peer fragments.
package server
