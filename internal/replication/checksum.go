package replication

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/forkmeplease/powersync-service/internal/domain"
)

// checksumOp derives the per-op 32-bit checksum spec.md §4.1 requires
// ("a 32-bit checksum derived from the operation") but leaves
// unspecified beyond its algebraic properties (§5 invariant 2): additive
// mod 2^32 over (a,c], and exactly reproducible from an op's own fields
// so that two replicas of the same op stream agree.  CRC32 (IEEE) over a
// canonical encoding of the op's identity and payload satisfies both;
// nothing in the op's own fields, not wall-clock time or a random seed,
// ever changes the checksum of a re-applied op, which is required by
// invariant 5's idempotent-upsert semantics.
func checksumOp(op domain.BucketOp) int32 {
	buf := make([]byte, 0, 64+len(op.Data))
	buf = append(buf, []byte(op.Bucket)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(op.Op)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(op.RowID)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(op.ObjectType)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(op.ObjectID)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(op.Subkey)...)
	buf = append(buf, 0)
	buf = append(buf, op.Data...)
	var tgt [8]byte
	binary.BigEndian.PutUint64(tgt[:], uint64(op.TargetOp))
	buf = append(buf, tgt[:]...)
	return int32(crc32.ChecksumIEEE(buf))
}
