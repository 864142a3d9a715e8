package fragment

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// deletionMagic identifies deletion-vector files (ASCII "QVD1").
const deletionMagic uint32 = 0x51564431

// DeletionVector is a set of deleted row ids for one fragment, backed by a
// 64-bit roaring bitmap. Like fragments, deletion-vector files are immutable:
// a delete writes a new file holding the union of the old set and the newly
// deleted rows.
type DeletionVector struct {
	bm *roaring64.Bitmap
}

// NewDeletionVector returns an empty deletion vector.
func NewDeletionVector() *DeletionVector {
	return &DeletionVector{bm: roaring64.New()}
}

// Delete marks a row id as deleted.
func (d *DeletionVector) Delete(rowID uint64) {
	d.bm.Add(rowID)
}

// Contains reports whether a row id is deleted.
func (d *DeletionVector) Contains(rowID uint64) bool {
	return d.bm.Contains(rowID)
}

// Count returns the number of deleted rows.
func (d *DeletionVector) Count() uint64 {
	return d.bm.GetCardinality()
}

// Union merges another deletion vector into this one.
func (d *DeletionVector) Union(other *DeletionVector) {
	d.bm.Or(other.bm)
}

// Encode serializes the deletion vector with magic and checksum.
func (d *DeletionVector) Encode() ([]byte, error) {
	body, err := d.bm.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize deletion bitmap: %w", err)
	}

	out := make([]byte, 4, 4+len(body)+4)
	binary.LittleEndian.PutUint32(out, deletionMagic)
	out = append(out, body...)
	return binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(out)), nil
}

// DecodeDeletionVector parses an encoded deletion vector, verifying magic
// and checksum.
func DecodeDeletionVector(data []byte) (*DeletionVector, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: deletion vector too small (%d bytes)", ErrCorruption, len(data))
	}

	body, sum := data[:len(data)-4], binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return nil, fmt.Errorf("%w: deletion vector checksum mismatch", ErrCorruption)
	}
	if binary.LittleEndian.Uint32(body[0:4]) != deletionMagic {
		return nil, fmt.Errorf("%w: bad deletion vector magic", ErrCorruption)
	}

	bm := roaring64.New()
	if err := bm.UnmarshalBinary(body[4:]); err != nil {
		return nil, fmt.Errorf("%w: decode deletion bitmap: %v", ErrCorruption, err)
	}
	return &DeletionVector{bm: bm}, nil
}
