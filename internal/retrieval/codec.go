package retrieval

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// vectorsMagic prefixes vectors.bin.
var vectorsMagic = [4]byte{'D', 'Q', 'V', '1'}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// encodeVectors writes a header (magic, count, dimension) followed by the
// row-major vector data.
func encodeVectors(vecs [][]float32, dim int) []byte {
	var buf bytes.Buffer
	buf.Grow(12 + len(vecs)*dim*4)
	buf.Write(vectorsMagic[:])
	binary.Write(&buf, binary.LittleEndian, uint32(len(vecs)))
	binary.Write(&buf, binary.LittleEndian, uint32(dim))
	for _, v := range vecs {
		buf.Write(encodeFloat32s(v))
	}
	return buf.Bytes()
}

func decodeVectors(b []byte) ([][]float32, int, error) {
	if len(b) < 12 || !bytes.Equal(b[:4], vectorsMagic[:]) {
		return nil, 0, fmt.Errorf("missing vectors header")
	}
	count := int(binary.LittleEndian.Uint32(b[4:8]))
	dim := int(binary.LittleEndian.Uint32(b[8:12]))
	body := b[12:]
	if len(body) != count*dim*4 {
		return nil, 0, fmt.Errorf("vectors body is %d bytes, header says %d x %d", len(body), count, dim)
	}
	vecs := make([][]float32, count)
	for i := range vecs {
		v, err := decodeFloat32s(body[i*dim*4 : (i+1)*dim*4])
		if err != nil {
			return nil, 0, err
		}
		vecs[i] = v
	}
	return vecs, dim, nil
}

// squaredL2 returns the squared Euclidean distance between a and b.
func squaredL2(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(sum)
}

// normalize scales v to unit length in place. Zero vectors are left as is.
func normalize(v []float32) {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return
	}
	n := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
}
