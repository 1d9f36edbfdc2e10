package location

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/klauspost/reedsolomon"
)

// Record wire layout, little-endian:
//
//	[0,16)  record id (UUID bytes)
//	[16,24) modification_count (int64)
//	[24,32) seismic_activity (float64)
//	[32,40) temperature_c (float64)
//	[40,48) radiation_level (float64)
//
// The 48-byte record splits by position into four 12-byte data fragments;
// two parity fragments are computed with a systematic Reed-Solomon code so
// that any four of the six fragments recover the record. Fragments carry no
// header -- their index is positional, assigned by the cluster layout.
const (
	idSize = 16

	// RecordSize is the fixed serialized size of an EnrichedLocationStats.
	RecordSize = idSize + 8 + 8 + 8 + 8

	// DataShards is the number of data fragments per record.
	DataShards = 4

	// ParityShards is the number of parity fragments per record.
	ParityShards = 2

	// ShardSize is the fixed size of every fragment.
	ShardSize = RecordSize / DataShards
)

// Codec encodes records into data+parity fragments and reconstructs them.
// A Codec is safe for concurrent use.
type Codec struct {
	enc reedsolomon.Encoder
}

// NewCodec creates a Codec with the cluster's fixed Reed-Solomon geometry
// (DataShards data, ParityShards parity).
func NewCodec() (*Codec, error) {
	enc, err := reedsolomon.New(DataShards, ParityShards)
	if err != nil {
		return nil, fmt.Errorf("create reed-solomon encoder: %w", err)
	}
	return &Codec{enc: enc}, nil
}

// Encode serializes rec and returns its four data fragments and two parity
// fragments, each exactly ShardSize bytes.
func (c *Codec) Encode(rec EnrichedLocationStats) (data, parity [][]byte, err error) {
	buf, err := marshalRecord(rec)
	if err != nil {
		return nil, nil, err
	}

	shards := make([][]byte, DataShards+ParityShards)
	for i := range DataShards {
		shards[i] = buf[i*ShardSize : (i+1)*ShardSize]
	}
	for i := range ParityShards {
		shards[DataShards+i] = make([]byte, ShardSize)
	}

	if err := c.enc.Encode(shards); err != nil {
		return nil, nil, fmt.Errorf("compute parity fragments: %w (%w)", ErrEncoding, err)
	}

	return shards[:DataShards], shards[DataShards:], nil
}

// Decode reconstructs the full set of data fragments from whatever subset
// of data and parity fragments is available. Keys of data are data indices
// in [0, DataShards); keys of parity are parity indices in [0, ParityShards).
// At least DataShards fragments must be supplied in total.
func (c *Codec) Decode(data, parity map[int][]byte) ([][]byte, error) {
	shards := make([][]byte, DataShards+ParityShards)

	present := 0
	for i, b := range data {
		if i < 0 || i >= DataShards {
			return nil, fmt.Errorf("data fragment index %d out of range: %w", i, ErrDecoding)
		}
		if len(b) != ShardSize {
			return nil, fmt.Errorf("data fragment %d is %d bytes, want %d: %w", i, len(b), ShardSize, ErrInvalidShard)
		}
		shards[i] = b
		present++
	}
	for i, b := range parity {
		if i < 0 || i >= ParityShards {
			return nil, fmt.Errorf("parity fragment index %d out of range: %w", i, ErrDecoding)
		}
		if len(b) != ShardSize {
			return nil, fmt.Errorf("parity fragment %d is %d bytes, want %d: %w", i, len(b), ShardSize, ErrInvalidShard)
		}
		shards[DataShards+i] = b
		present++
	}

	if present < DataShards {
		return nil, fmt.Errorf("have %d of %d required fragments: %w", present, DataShards, ErrNotEnoughShards)
	}

	if err := c.enc.ReconstructData(shards); err != nil {
		return nil, fmt.Errorf("reconstruct data fragments: %w (%w)", ErrDecoding, err)
	}

	return shards[:DataShards], nil
}

// Reassemble parses a record from its four data fragments in index order.
// Every fragment must be exactly ShardSize bytes.
func Reassemble(data [][]byte) (EnrichedLocationStats, error) {
	if len(data) != DataShards {
		return EnrichedLocationStats{}, fmt.Errorf("have %d data fragments, want %d: %w", len(data), DataShards, ErrInvalidShard)
	}

	buf := make([]byte, 0, RecordSize)
	for i, frag := range data {
		if len(frag) != ShardSize {
			return EnrichedLocationStats{}, fmt.Errorf("fragment %d is %d bytes, want %d: %w", i, len(frag), ShardSize, ErrInvalidShard)
		}
		buf = append(buf, frag...)
	}

	return unmarshalRecord(buf)
}

// marshalRecord serializes rec into a RecordSize buffer.
func marshalRecord(rec EnrichedLocationStats) ([]byte, error) {
	uid, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("parse record id %q: %w", rec.ID, ErrEncoding)
	}

	buf := make([]byte, RecordSize)
	copy(buf[:idSize], uid[:])
	binary.LittleEndian.PutUint64(buf[16:24], uint64(rec.ModificationCount))
	binary.LittleEndian.PutUint64(buf[24:32], math.Float64bits(rec.SeismicActivity))
	binary.LittleEndian.PutUint64(buf[32:40], math.Float64bits(rec.TemperatureC))
	binary.LittleEndian.PutUint64(buf[40:48], math.Float64bits(rec.RadiationLevel))

	return buf, nil
}

// unmarshalRecord parses a RecordSize buffer back into a record.
func unmarshalRecord(buf []byte) (EnrichedLocationStats, error) {
	if len(buf) != RecordSize {
		return EnrichedLocationStats{}, fmt.Errorf("record buffer is %d bytes, want %d: %w", len(buf), RecordSize, ErrDecoding)
	}

	uid, err := uuid.FromBytes(buf[:idSize])
	if err != nil {
		return EnrichedLocationStats{}, fmt.Errorf("parse record id bytes: %w", ErrDecoding)
	}

	return EnrichedLocationStats{
		ID:                uid.String(),
		ModificationCount: int64(binary.LittleEndian.Uint64(buf[16:24])),
		SeismicActivity:   math.Float64frombits(binary.LittleEndian.Uint64(buf[24:32])),
		TemperatureC:      math.Float64frombits(binary.LittleEndian.Uint64(buf[32:40])),
		RadiationLevel:    math.Float64frombits(binary.LittleEndian.Uint64(buf[40:48])),
	}, nil
}
