// Package location implements the per-node data plane of the
// environmental-sensor store: the record wire layout and Reed-Solomon
// fragment codec, the per-key Cell state machine that holds the
// authoritative record and fans fragment writes out to peers, and the
// sharded Registry that maps location ids to Cells.
//
// Each record is owned by exactly one of the seven cluster nodes; owner
// placement is the pure function Owner and must produce identical results
// on every node.
package location
