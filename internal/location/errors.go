package location

import "errors"

// Sentinel errors for the location data plane.
var (
	// ErrEncoding indicates a record could not be serialized into fragments.
	// In practice this means the record id is not a parseable UUID.
	ErrEncoding = errors.New("record encoding failed")

	// ErrDecoding indicates the Reed-Solomon code could not reconstruct the
	// data fragments from the supplied set.
	ErrDecoding = errors.New("fragment decoding failed")

	// ErrInvalidShard indicates a fragment whose length is not ShardSize.
	ErrInvalidShard = errors.New("fragment has invalid size")

	// ErrNotEnoughShards indicates fewer than DataShards fragments were
	// available for reconstruction.
	ErrNotEnoughShards = errors.New("not enough fragments to reconstruct")

	// ErrNotFound indicates a Cell holds neither the requested record nor
	// the requested fragment.
	ErrNotFound = errors.New("not found")
)
