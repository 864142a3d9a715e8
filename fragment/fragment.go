// Package fragment implements the immutable columnar file format that holds
// table rows, plus the roaring deletion vectors layered on top of it.
//
// A fragment file is a sequence of independently compressed column blocks
// followed by a JSON footer describing them:
//
//	[magic u32][version u32]
//	[block: _rowid][block: scalar col]...[block: vector col]
//	[footer JSON][footer length u32][magic u32]
//
// Every block carries a CRC32 (IEEE) checksum in the footer; a mismatch on
// read surfaces as ErrCorruption and is never repaired. Fragments are written
// once and never modified: deletes are recorded in separate deletion-vector
// files.
package fragment

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/codec"
	"github.com/quiverdb/quiver/schema"
)

const (
	// Magic identifies quiver fragment files (ASCII "QVF1").
	Magic uint32 = 0x51564631
	// FormatVersion is the current fragment layout version.
	FormatVersion uint32 = 1

	// RowIDColumn is the reserved name of the implicit row-id column.
	RowIDColumn = "_rowid"

	headerSize  = 8
	trailerSize = 8
)

// ErrCorruption is returned when stored bytes fail checksum or structural
// validation. Corrupt data is reported, never repaired.
var ErrCorruption = errors.New("fragment corrupted")

type columnMeta struct {
	Name        string          `json:"name"`
	Type        schema.DataType `json:"type"`
	Dim         int             `json:"dim,omitempty"`
	Offset      int64           `json:"offset"`
	Length      int64           `json:"length"`
	Compression CompressionType `json:"compression"`
	Checksum    uint32          `json:"checksum"`
}

type fileFooter struct {
	RowCount int          `json:"row_count"`
	Columns  []columnMeta `json:"columns"`
}

// EncodeOption customizes fragment encoding.
type EncodeOption func(*encodeOptions)

type encodeOptions struct {
	compression CompressionType
}

// WithCompression selects the column-block compression codec.
// The default is ZSTD.
func WithCompression(c CompressionType) EncodeOption {
	return func(o *encodeOptions) { o.compression = c }
}

// Encode serializes validated rows into a fragment file. rowIDs and rows must
// be the same length; rows must already satisfy the schema.
func Encode(sch *schema.Schema, rowIDs []uint64, rows []schema.Row, opts ...EncodeOption) ([]byte, error) {
	if len(rowIDs) != len(rows) {
		return nil, fmt.Errorf("row id count %d does not match row count %d", len(rowIDs), len(rows))
	}
	if len(rows) == 0 {
		return nil, errors.New("cannot encode an empty fragment")
	}

	o := encodeOptions{compression: CompressionZSTD}
	for _, opt := range opts {
		opt(&o)
	}

	out := make([]byte, headerSize, 4096)
	binary.LittleEndian.PutUint32(out[0:4], Magic)
	binary.LittleEndian.PutUint32(out[4:8], FormatVersion)

	footer := fileFooter{RowCount: len(rows)}

	appendBlock := func(name string, typ schema.DataType, dim int, raw []byte) error {
		block, err := compressBlock(raw, o.compression)
		if err != nil {
			return fmt.Errorf("encode column %q: %w", name, err)
		}
		footer.Columns = append(footer.Columns, columnMeta{
			Name:        name,
			Type:        typ,
			Dim:         dim,
			Offset:      int64(len(out)),
			Length:      int64(len(block)),
			Compression: o.compression,
			Checksum:    crc32.ChecksumIEEE(block),
		})
		out = append(out, block...)
		return nil
	}

	rowIDRaw := make([]byte, 8*len(rowIDs))
	for i, id := range rowIDs {
		binary.LittleEndian.PutUint64(rowIDRaw[i*8:], id)
	}
	if err := appendBlock(RowIDColumn, schema.TypeInt64, 0, rowIDRaw); err != nil {
		return nil, err
	}

	for _, f := range sch.Fields {
		raw, err := encodeColumn(f, rows)
		if err != nil {
			return nil, err
		}
		if err := appendBlock(f.Name, f.Type, f.Dim, raw); err != nil {
			return nil, err
		}
	}

	footerBytes, err := codec.Default.Marshal(footer)
	if err != nil {
		return nil, fmt.Errorf("encode footer: %w", err)
	}
	out = append(out, footerBytes...)

	trailer := make([]byte, trailerSize)
	binary.LittleEndian.PutUint32(trailer[0:4], uint32(len(footerBytes)))
	binary.LittleEndian.PutUint32(trailer[4:8], Magic)
	return append(out, trailer...), nil
}

func encodeColumn(f schema.Field, rows []schema.Row) ([]byte, error) {
	switch f.Type {
	case schema.TypeInt64:
		raw := make([]byte, 8*len(rows))
		for i, row := range rows {
			binary.LittleEndian.PutUint64(raw[i*8:], uint64(schema.AsInt64(row[f.Name])))
		}
		return raw, nil

	case schema.TypeFloat64:
		raw := make([]byte, 8*len(rows))
		for i, row := range rows {
			binary.LittleEndian.PutUint64(raw[i*8:], math.Float64bits(schema.AsFloat64(row[f.Name])))
		}
		return raw, nil

	case schema.TypeBool:
		raw := make([]byte, len(rows))
		for i, row := range rows {
			if b, _ := row[f.Name].(bool); b {
				raw[i] = 1
			}
		}
		return raw, nil

	case schema.TypeString:
		var raw []byte
		for _, row := range rows {
			s, _ := row[f.Name].(string)
			raw = binary.LittleEndian.AppendUint32(raw, uint32(len(s)))
			raw = append(raw, s...)
		}
		return raw, nil

	case schema.TypeVector:
		raw := make([]byte, 0, 4*f.Dim*len(rows))
		for _, row := range rows {
			vec := vectorValue(row[f.Name])
			if len(vec) != f.Dim {
				return nil, fmt.Errorf("column %q: vector dimension %d, want %d", f.Name, len(vec), f.Dim)
			}
			for _, x := range vec {
				raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(x))
			}
		}
		return raw, nil

	default:
		return nil, fmt.Errorf("column %q: unsupported type %s", f.Name, f.Type)
	}
}

func vectorValue(v any) []float32 {
	switch vec := v.(type) {
	case []float32:
		return vec
	case []float64:
		out := make([]float32, len(vec))
		for i, x := range vec {
			out[i] = float32(x)
		}
		return out
	default:
		return nil
	}
}

// Reader decodes columns out of a fragment blob on demand. The footer is
// parsed once at open; column blocks are fetched, checksummed and
// decompressed per access.
type Reader struct {
	blob   blobstore.Blob
	footer fileFooter
}

// NewReader opens a fragment blob and parses its footer.
// The Reader takes ownership of the blob.
func NewReader(ctx context.Context, blob blobstore.Blob) (*Reader, error) {
	size := blob.Size()
	if size < int64(headerSize+trailerSize) {
		return nil, fmt.Errorf("%w: file too small (%d bytes)", ErrCorruption, size)
	}

	head := make([]byte, headerSize)
	if _, err := blob.ReadAt(ctx, head, 0); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if binary.LittleEndian.Uint32(head[0:4]) != Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruption)
	}
	if v := binary.LittleEndian.Uint32(head[4:8]); v != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorruption, v)
	}

	trailer := make([]byte, trailerSize)
	if _, err := blob.ReadAt(ctx, trailer, size-trailerSize); err != nil {
		return nil, fmt.Errorf("read trailer: %w", err)
	}
	if binary.LittleEndian.Uint32(trailer[4:8]) != Magic {
		return nil, fmt.Errorf("%w: bad trailing magic", ErrCorruption)
	}

	footerLen := int64(binary.LittleEndian.Uint32(trailer[0:4]))
	if footerLen <= 0 || footerLen > size-int64(headerSize+trailerSize) {
		return nil, fmt.Errorf("%w: invalid footer length %d", ErrCorruption, footerLen)
	}

	footerBytes := make([]byte, footerLen)
	if _, err := blob.ReadAt(ctx, footerBytes, size-trailerSize-footerLen); err != nil {
		return nil, fmt.Errorf("read footer: %w", err)
	}

	var footer fileFooter
	if err := codec.Default.Unmarshal(footerBytes, &footer); err != nil {
		return nil, fmt.Errorf("%w: decode footer: %v", ErrCorruption, err)
	}
	if footer.RowCount <= 0 || len(footer.Columns) == 0 {
		return nil, fmt.Errorf("%w: empty footer", ErrCorruption)
	}

	return &Reader{blob: blob, footer: footer}, nil
}

// Close releases the underlying blob.
func (r *Reader) Close() error {
	return r.blob.Close()
}

// RowCount returns the number of rows stored in the fragment, ignoring any
// deletion vector.
func (r *Reader) RowCount() int {
	return r.footer.RowCount
}

// ColumnNames returns the stored column names, _rowid first.
func (r *Reader) ColumnNames() []string {
	names := make([]string, len(r.footer.Columns))
	for i, c := range r.footer.Columns {
		names[i] = c.Name
	}
	return names
}

func (r *Reader) column(name string) (columnMeta, error) {
	for _, c := range r.footer.Columns {
		if c.Name == name {
			return c, nil
		}
	}
	return columnMeta{}, fmt.Errorf("column %q not found in fragment", name)
}

func (r *Reader) readColumnBlock(ctx context.Context, meta columnMeta) ([]byte, error) {
	block := make([]byte, meta.Length)
	if _, err := r.blob.ReadAt(ctx, block, meta.Offset); err != nil {
		return nil, fmt.Errorf("read column %q: %w", meta.Name, err)
	}
	if crc32.ChecksumIEEE(block) != meta.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch on column %q", ErrCorruption, meta.Name)
	}
	return decompressBlock(block, meta.Compression)
}

// RowIDs reads the implicit row-id column.
func (r *Reader) RowIDs(ctx context.Context) ([]uint64, error) {
	meta, err := r.column(RowIDColumn)
	if err != nil {
		return nil, err
	}
	raw, err := r.readColumnBlock(ctx, meta)
	if err != nil {
		return nil, err
	}
	if len(raw) != 8*r.footer.RowCount {
		return nil, fmt.Errorf("%w: row id column has %d bytes, want %d", ErrCorruption, len(raw), 8*r.footer.RowCount)
	}
	ids := make([]uint64, r.footer.RowCount)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return ids, nil
}

// Vectors reads the vector column as a flattened row-major []float32 and
// returns the dimension.
func (r *Reader) Vectors(ctx context.Context) ([]float32, int, error) {
	for _, meta := range r.footer.Columns {
		if meta.Type != schema.TypeVector {
			continue
		}
		raw, err := r.readColumnBlock(ctx, meta)
		if err != nil {
			return nil, 0, err
		}
		want := 4 * meta.Dim * r.footer.RowCount
		if len(raw) != want {
			return nil, 0, fmt.Errorf("%w: vector column has %d bytes, want %d", ErrCorruption, len(raw), want)
		}
		vecs := make([]float32, meta.Dim*r.footer.RowCount)
		for i := range vecs {
			vecs[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return vecs, meta.Dim, nil
	}
	return nil, 0, errors.New("fragment has no vector column")
}

// Column reads a column by name. The result is []int64, []float64, []string,
// []bool or, for the vector column, a flattened []float32.
func (r *Reader) Column(ctx context.Context, name string) (any, error) {
	meta, err := r.column(name)
	if err != nil {
		return nil, err
	}
	raw, err := r.readColumnBlock(ctx, meta)
	if err != nil {
		return nil, err
	}
	return decodeColumn(meta, r.footer.RowCount, raw)
}

func decodeColumn(meta columnMeta, rows int, raw []byte) (any, error) {
	switch meta.Type {
	case schema.TypeInt64:
		if len(raw) != 8*rows {
			return nil, fmt.Errorf("%w: column %q has %d bytes, want %d", ErrCorruption, meta.Name, len(raw), 8*rows)
		}
		out := make([]int64, rows)
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
		}
		return out, nil

	case schema.TypeFloat64:
		if len(raw) != 8*rows {
			return nil, fmt.Errorf("%w: column %q has %d bytes, want %d", ErrCorruption, meta.Name, len(raw), 8*rows)
		}
		out := make([]float64, rows)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
		return out, nil

	case schema.TypeBool:
		if len(raw) != rows {
			return nil, fmt.Errorf("%w: column %q has %d bytes, want %d", ErrCorruption, meta.Name, len(raw), rows)
		}
		out := make([]bool, rows)
		for i := range out {
			out[i] = raw[i] == 1
		}
		return out, nil

	case schema.TypeString:
		out := make([]string, 0, rows)
		off := 0
		for len(out) < rows {
			if off+4 > len(raw) {
				return nil, fmt.Errorf("%w: truncated string column %q", ErrCorruption, meta.Name)
			}
			n := int(binary.LittleEndian.Uint32(raw[off:]))
			off += 4
			if off+n > len(raw) {
				return nil, fmt.Errorf("%w: truncated string column %q", ErrCorruption, meta.Name)
			}
			out = append(out, string(raw[off:off+n]))
			off += n
		}
		if off != len(raw) {
			return nil, fmt.Errorf("%w: trailing bytes in string column %q", ErrCorruption, meta.Name)
		}
		return out, nil

	case schema.TypeVector:
		want := 4 * meta.Dim * rows
		if len(raw) != want {
			return nil, fmt.Errorf("%w: column %q has %d bytes, want %d", ErrCorruption, meta.Name, len(raw), want)
		}
		out := make([]float32, meta.Dim*rows)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: column %q has unsupported type %s", ErrCorruption, meta.Name, meta.Type)
	}
}

// Rows materializes rows from the fragment. columns selects the scalar and
// vector columns to include (nil means all); the row-id column is always
// read and returned alongside.
func (r *Reader) Rows(ctx context.Context, columns []string) ([]uint64, []schema.Row, error) {
	ids, err := r.RowIDs(ctx)
	if err != nil {
		return nil, nil, err
	}

	var selected []columnMeta
	if columns == nil {
		for _, meta := range r.footer.Columns {
			if meta.Name != RowIDColumn {
				selected = append(selected, meta)
			}
		}
	} else {
		for _, name := range columns {
			meta, err := r.column(name)
			if err != nil {
				return nil, nil, err
			}
			selected = append(selected, meta)
		}
	}

	rows := make([]schema.Row, len(ids))
	for i := range rows {
		rows[i] = make(schema.Row, len(selected))
	}

	for _, meta := range selected {
		col, err := r.Column(ctx, meta.Name)
		if err != nil {
			return nil, nil, err
		}
		switch vals := col.(type) {
		case []int64:
			for i, v := range vals {
				rows[i][meta.Name] = v
			}
		case []float64:
			for i, v := range vals {
				rows[i][meta.Name] = v
			}
		case []string:
			for i, v := range vals {
				rows[i][meta.Name] = v
			}
		case []bool:
			for i, v := range vals {
				rows[i][meta.Name] = v
			}
		case []float32:
			dim := meta.Dim
			for i := range rows {
				rows[i][meta.Name] = vals[i*dim : (i+1)*dim : (i+1)*dim]
			}
		}
	}

	return ids, rows, nil
}
