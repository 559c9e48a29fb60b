// Package wire encodes the sync stream's frame types for the three
// payload flavors spec.md §6 defines. op_id and the op-id positions
// (last_op_id, after, next_after) are always decimal strings on the wire,
// in every flavor; no frame carries target_op (spec.md §9's open question
// on op_id precision): domain.OpID is logically a 64-bit integer, and round-
// tripping it through JSON numbers risks silent precision loss in
// clients that parse JSON numbers as float64.
package wire

import (
	"encoding/json"

	"github.com/forkmeplease/powersync-service/internal/domain"
)

// Flavor selects how StreamingSyncData.Data.Data[i].Data is encoded.
type Flavor int

const (
	// FlavorDefault places each op payload's JSON document text in the
	// frame unchanged.
	FlavorDefault Flavor = iota
	// FlavorRaw encodes each op payload as a quoted JSON string.
	FlavorRaw
	// FlavorBinary is used by clients requesting binary_data=true. It
	// encodes op payloads exactly as FlavorRaw does; op_id stays a
	// decimal string and no BSON framing is applied.
	FlavorBinary
)

// BucketDescription appears in the checkpoint and checkpoint_diff frames.
type BucketDescription struct {
	Bucket   string `json:"bucket"`
	Checksum int32  `json:"checksum"`
	Count    int64  `json:"count"`
	Priority int    `json:"priority"`
}

// CheckpointFrame is the "checkpoint" frame: the first line of a new
// checkpoint cycle, listing every visible bucket.
type CheckpointFrame struct {
	LastOpID        string              `json:"last_op_id"`
	WriteCheckpoint string              `json:"write_checkpoint,omitempty"`
	Buckets         []BucketDescription `json:"buckets"`
}

// CheckpointDiffFrame is "checkpoint_diff": an incremental update to a
// previously-sent CheckpointFrame.
type CheckpointDiffFrame struct {
	LastOpID        string              `json:"last_op_id"`
	WriteCheckpoint string              `json:"write_checkpoint,omitempty"`
	UpdatedBuckets  []BucketDescription `json:"updated_buckets"`
	RemovedBuckets  []string            `json:"removed_buckets"`
}

// CheckpointCompleteFrame closes out a checkpoint cycle once every
// priority group has been fully streamed.
type CheckpointCompleteFrame struct {
	LastOpID string `json:"last_op_id"`
}

// PartialCheckpointCompleteFrame closes out one priority group within a
// checkpoint cycle, before the lowest priority has been reached.
type PartialCheckpointCompleteFrame struct {
	LastOpID string `json:"last_op_id"`
	Priority int    `json:"priority"`
}

// BucketOpFrame is one entry of a StreamingSyncData batch.
type BucketOpFrame struct {
	OpID       string  `json:"op_id"`
	Op         string  `json:"op"`
	ObjectType *string `json:"object_type,omitempty"`
	ObjectID   *string `json:"object_id,omitempty"`
	Checksum   int32   `json:"checksum"`
	Subkey     *string `json:"subkey,omitempty"`
	Data       *string `json:"data"`
}

// StreamingSyncData is the per-bucket-batch data frame (spec.md §6).
type StreamingSyncData struct {
	Data StreamingSyncDataBody `json:"data"`
}

type StreamingSyncDataBody struct {
	Bucket    string          `json:"bucket"`
	After     string          `json:"after"`
	NextAfter string          `json:"next_after"`
	HasMore   bool            `json:"has_more"`
	Data      []BucketOpFrame `json:"data"`
}

// EncodeOps renders ops into StreamingSyncData frame entries for the
// given flavor. For FlavorDefault and FlavorRaw, op.Data is assumed to
// already be a UTF-8 JSON document (or nil); FlavorRaw additionally
// escapes it into a quoted JSON string rather than leaving it embedded.
func EncodeOps(ops []domain.BucketOp, flavor Flavor) ([]BucketOpFrame, error) {
	frames := make([]BucketOpFrame, 0, len(ops))
	for _, op := range ops {
		frame := BucketOpFrame{
			OpID:     op.OpID.String(),
			Op:       string(op.Op),
			Checksum: op.Checksum,
		}
		if op.ObjectType != "" {
			v := op.ObjectType
			frame.ObjectType = &v
		}
		if op.ObjectID != "" {
			v := op.ObjectID
			frame.ObjectID = &v
		}
		if op.Subkey != "" {
			v := op.Subkey
			frame.Subkey = &v
		}
		if op.Data != nil {
			encoded, err := encodePayload(op.Data, flavor)
			if err != nil {
				return nil, err
			}
			frame.Data = &encoded
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func encodePayload(raw []byte, flavor Flavor) (string, error) {
	switch flavor {
	case FlavorRaw, FlavorBinary:
		out, err := json.Marshal(string(raw))
		if err != nil {
			return "", err
		}
		return string(out), nil
	default:
		// Default flavor embeds the already-serialized JSON document
		// literally, preserving any big-int literals a big-int-preserving
		// encoder produced for it.
		return string(raw), nil
	}
}

// FrameByteSize approximates a StreamingSyncData frame's wire size for
// the ≥50 KiB "emit a null sentinel" memory-hygiene rule in spec.md §4.7.
func FrameByteSize(f StreamingSyncData) int {
	n := len(f.Data.Bucket) + len(f.Data.After) + len(f.Data.NextAfter)
	for _, op := range f.Data.Data {
		n += len(op.OpID) + len(op.Op)
		if op.Data != nil {
			n += len(*op.Data)
		}
	}
	return n
}
