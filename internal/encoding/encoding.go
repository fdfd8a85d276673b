// Package encoding holds the on-disk codecs shared by the store layers:
// the float32 embedding blob format and the JSON metadata column.
package encoding

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidVector is returned for nil, empty, or non-finite vectors
// and for blobs that do not round-trip.
var ErrInvalidVector = errors.New("invalid vector")

// EncodeVector serializes an embedding as a little-endian blob:
// an int32 element count followed by the raw float32 values.
func EncodeVector(vector []float32) ([]byte, error) {
	if vector == nil {
		return nil, ErrInvalidVector
	}
	if len(vector) > math.MaxInt32 {
		return nil, fmt.Errorf("vector too large: %d elements", len(vector))
	}

	buf := make([]byte, 4+4*len(vector))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(int32(len(vector))))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[4+4*i:], math.Float32bits(v))
	}
	return buf, nil
}

// DecodeVector parses a blob produced by EncodeVector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, ErrInvalidVector
	}
	n := int32(binary.LittleEndian.Uint32(data[0:4]))
	if n < 0 {
		return nil, ErrInvalidVector
	}
	if len(data)-4 < int(n)*4 {
		return nil, ErrInvalidVector
	}

	vector := make([]float32, n)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4+4*i:]))
	}
	return vector, nil
}

// ValidateVector rejects nil, empty, or non-finite vectors. A positive
// expectedDim additionally pins the dimensionality.
func ValidateVector(vector []float32, expectedDim int) error {
	if len(vector) == 0 {
		return ErrInvalidVector
	}
	if expectedDim > 0 && len(vector) != expectedDim {
		return fmt.Errorf("%w: dimension %d, want %d", ErrInvalidVector, len(vector), expectedDim)
	}
	for _, v := range vector {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrInvalidVector
		}
	}
	return nil
}

// Normalize returns the L2-normalized copy of vector. A zero vector is
// returned unchanged; callers validate separately.
func Normalize(vector []float32) []float32 {
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vector
	}
	inv := 1.0 / math.Sqrt(sum)
	out := make([]float32, len(vector))
	for i, v := range vector {
		out[i] = float32(float64(v) * inv)
	}
	return out
}

// EncodeMetadata serializes entry metadata to the JSON text stored in
// the metadata column. Nil maps encode as the empty string.
func EncodeMetadata(metadata map[string]any) (string, error) {
	if metadata == nil {
		return "", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

// DecodeMetadata parses the JSON metadata column. Empty input yields a
// nil map.
func DecodeMetadata(jsonStr string) (map[string]any, error) {
	if jsonStr == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return metadata, nil
}
