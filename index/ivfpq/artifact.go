package ivfpq

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"path"

	"github.com/klauspost/compress/zstd"
	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/quantization"
)

// Artifact file layout:
//
//	[magic u32][version u32][zstd(body)][crc32 u32]
//
// The checksum covers everything before it. The body is a flat little-endian
// dump of the trained model plus the posting lists; everything needed to
// serve searches without retraining.
const (
	// ArtifactMagic identifies index artifact files (ASCII "QVIX").
	ArtifactMagic uint32 = 0x51564958
	// ArtifactVersion is the current artifact layout version.
	ArtifactVersion uint32 = 1
)

// ErrCorruption is returned when an artifact fails checksum or structural
// validation.
var ErrCorruption = errors.New("index artifact corrupted")

// ArtifactName returns the blobstore key of the artifact built from the
// given table version, relative to the table prefix.
func ArtifactName(tablePrefix string, sourceVersion uint64) string {
	return path.Join(tablePrefix, "index", fmt.Sprintf("IVFPQ-%010d.qix", sourceVersion))
}

// Encode serializes the index into an artifact file.
func (idx *Index) Encode() ([]byte, error) {
	var body []byte
	u32 := func(v uint32) { body = binary.LittleEndian.AppendUint32(body, v) }
	u64 := func(v uint64) { body = binary.LittleEndian.AppendUint64(body, v) }
	f32s := func(vs []float32) {
		for _, v := range vs {
			u32(math.Float32bits(v))
		}
	}

	p := idx.params
	u64(idx.sourceVersion)
	u32(uint32(idx.dim))
	body = append(body, byte(p.Metric))
	u32(uint32(p.NumPartitions))
	u32(uint32(p.NumSubvectors))
	u32(uint32(p.NumCentroids))
	u64(uint64(p.Seed))

	f32s(idx.centroids)
	for _, slot := range idx.pq.Codebooks() {
		for _, centroid := range slot {
			f32s(centroid)
		}
	}

	u32(uint32(len(idx.fragmentIDs)))
	for _, id := range idx.fragmentIDs {
		u32(uint32(len(id)))
		body = append(body, id...)
	}

	for _, list := range idx.partitions {
		u32(uint32(len(list)))
		for _, e := range list {
			u64(e.rowID)
			body = append(body, e.codes...)
		}
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	compressed := enc.EncodeAll(body, nil)
	enc.Close()

	out := make([]byte, 8, 8+len(compressed)+4)
	binary.LittleEndian.PutUint32(out[0:4], ArtifactMagic)
	binary.LittleEndian.PutUint32(out[4:8], ArtifactVersion)
	out = append(out, compressed...)
	return binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(out)), nil
}

// Decode parses an artifact file back into a servable index.
func Decode(data []byte) (*Index, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("%w: file too small (%d bytes)", ErrCorruption, len(data))
	}

	payload, sum := data[:len(data)-4], binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(payload) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruption)
	}
	if binary.LittleEndian.Uint32(payload[0:4]) != ArtifactMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruption)
	}
	if v := binary.LittleEndian.Uint32(payload[4:8]); v != ArtifactVersion {
		return nil, fmt.Errorf("%w: unsupported artifact version %d", ErrCorruption, v)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	body, err := dec.DecodeAll(payload[8:], nil)
	dec.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrCorruption, err)
	}

	r := &bodyReader{data: body}

	sourceVersion := r.u64()
	dim := int(r.u32())
	metric := distance.Metric(r.u8())
	numPartitions := int(r.u32())
	numSubvectors := int(r.u32())
	numCentroids := int(r.u32())
	seed := int64(r.u64())

	if r.err != nil || dim <= 0 || numPartitions <= 0 || numSubvectors <= 0 || numCentroids <= 0 || numCentroids > 256 {
		return nil, fmt.Errorf("%w: invalid artifact header", ErrCorruption)
	}

	centroids := r.f32s(numPartitions * dim)

	subDim := dim / numSubvectors
	codebooks := make([][][]float32, numSubvectors)
	for m := range codebooks {
		codebooks[m] = make([][]float32, numCentroids)
		for k := range codebooks[m] {
			codebooks[m][k] = r.f32s(subDim)
		}
	}

	fragmentIDs := make([]string, int(r.u32()))
	for i := range fragmentIDs {
		fragmentIDs[i] = r.str(int(r.u32()))
	}

	partitions := make([][]entry, numPartitions)
	for p := range partitions {
		n := int(r.u32())
		if r.err != nil {
			break
		}
		list := make([]entry, 0, n)
		for i := 0; i < n; i++ {
			id := r.u64()
			codes := r.bytes(numSubvectors)
			list = append(list, entry{rowID: id, codes: codes})
		}
		partitions[p] = list
	}

	if r.err != nil || r.off != len(r.data) {
		return nil, fmt.Errorf("%w: truncated or oversized body", ErrCorruption)
	}

	pq, err := quantization.NewProductQuantizer(dim, numSubvectors, numCentroids)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	pq.SetCodebooks(codebooks)

	idx := &Index{
		sourceVersion: sourceVersion,
		dim:           dim,
		params: Params{
			NumPartitions: numPartitions,
			NumSubvectors: numSubvectors,
			NumCentroids:  numCentroids,
			Metric:        metric,
			Seed:          seed,
		},
		centroids:   centroids,
		pq:          pq,
		fragmentIDs: fragmentIDs,
		partitions:  partitions,
	}
	idx.buildCoverage()
	return idx, nil
}

// Load fetches and decodes an artifact from a blobstore.
func Load(ctx context.Context, store blobstore.BlobStore, name string) (*Index, error) {
	data, err := blobstore.Get(ctx, store, name)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

type bodyReader struct {
	data []byte
	off  int
	err  error
}

func (r *bodyReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w: truncated body", ErrCorruption)
		return nil
	}
	out := r.data[r.off : r.off+n]
	r.off += n
	return out
}

func (r *bodyReader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *bodyReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *bodyReader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *bodyReader) f32s(n int) []float32 {
	b := r.take(4 * n)
	if b == nil {
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func (r *bodyReader) str(n int) string {
	return string(r.take(n))
}

func (r *bodyReader) bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
