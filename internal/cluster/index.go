package cluster

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Centroid index blob format: the downstream router maps request embeddings
// to cluster ids with a flat nearest-neighbor scan over this matrix. Layout:
// 4-byte magic, uint32 dim, uint32 count, then count*dim little-endian
// float32 values, row-major.
var indexMagic = []byte("CIDX")

// BuildIndex serializes centroids into an index blob.
func BuildIndex(centroids [][]float64) ([]byte, error) {
	if len(centroids) == 0 {
		return nil, errors.New("index: no centroids")
	}
	dim := len(centroids[0])

	var buf bytes.Buffer
	buf.Write(indexMagic)
	if err := binary.Write(&buf, binary.LittleEndian, uint32(dim)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(centroids))); err != nil {
		return nil, err
	}

	for i, c := range centroids {
		if len(c) != dim {
			return nil, fmt.Errorf("index: centroid %d has dim %d, want %d", i, len(c), dim)
		}
		for _, v := range c {
			if err := binary.Write(&buf, binary.LittleEndian, float32(v)); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

// ParseIndex reads an index blob back into centroid rows.
func ParseIndex(blob []byte) ([][]float64, error) {
	r := bytes.NewReader(blob)

	magic := make([]byte, 4)
	if _, err := r.Read(magic); err != nil || !bytes.Equal(magic, indexMagic) {
		return nil, errors.New("index: bad magic")
	}

	var dim, count uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	if dim == 0 || count == 0 {
		return nil, errors.New("index: empty header")
	}

	out := make([][]float64, count)
	for i := range out {
		row := make([]float64, dim)
		for j := range row {
			var v float32
			if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
				return nil, fmt.Errorf("index: truncated blob: %w", err)
			}
			if math.IsNaN(float64(v)) {
				return nil, fmt.Errorf("index: NaN at row %d", i)
			}
			row[j] = float64(v)
		}
		out[i] = row
	}
	return out, nil
}
