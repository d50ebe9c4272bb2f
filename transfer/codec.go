package transfer

import (
	"encoding/binary"

	"github.com/BaSui01/rendezvous/types"
)

// Metadata envelopes carry little-endian 64-bit integers; the direct fast
// path carries a self-describing encoding of the whole value. Data-slice
// envelopes are raw byte ranges with no framing at all, so reassembly
// relies purely on the slice plan both sides derive from the exchanged
// total.

const (
	wireKindFixed    byte = 0
	wireKindVariable byte = 1
)

func encodeScalar(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

func decodeScalar(p []byte) (int64, error) {
	if len(p) != 8 {
		return 0, types.Errorf(types.ErrProtocolViolation,
			"scalar envelope carries %d bytes, want 8", len(p))
	}
	return int64(binary.LittleEndian.Uint64(p)), nil
}

func encodeVector(vs []int64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint64(b[i*8:], uint64(v))
	}
	return b
}

func decodeVector(p []byte) ([]int64, error) {
	if len(p)%8 != 0 {
		return nil, types.Errorf(types.ErrProtocolViolation,
			"vector envelope carries %d bytes, want a multiple of 8", len(p))
	}
	vs := make([]int64, len(p)/8)
	for i := range vs {
		vs[i] = int64(binary.LittleEndian.Uint64(p[i*8:]))
	}
	return vs, nil
}

// encodeValue serializes a whole value for the direct fast path:
// kind byte, rank, dims, then the payload (fixed) or the element sizes
// followed by the concatenated elements (variable).
func encodeValue(v *types.Value) []byte {
	rank := len(v.Shape)
	n := 1 + 8 + 8*rank
	if v.Kind == types.ElementVariable {
		n += 8 * len(v.Elems)
		for _, e := range v.Elems {
			n += len(e)
		}
	} else {
		n += len(v.Bytes)
	}

	b := make([]byte, 0, n)
	if v.Kind == types.ElementVariable {
		b = append(b, wireKindVariable)
	} else {
		b = append(b, wireKindFixed)
	}
	b = binary.LittleEndian.AppendUint64(b, uint64(rank))
	for _, d := range v.Shape {
		b = binary.LittleEndian.AppendUint64(b, uint64(d))
	}
	if v.Kind == types.ElementVariable {
		for _, e := range v.Elems {
			b = binary.LittleEndian.AppendUint64(b, uint64(len(e)))
		}
		for _, e := range v.Elems {
			b = append(b, e...)
		}
		return b
	}
	return append(b, v.Bytes...)
}

// decodeValue parses a direct fast-path envelope. Every length is checked
// before use; a short or oversized payload is a protocol violation.
func decodeValue(p []byte) (*types.Value, error) {
	if len(p) < 9 {
		return nil, types.Errorf(types.ErrProtocolViolation,
			"direct envelope carries %d bytes, want at least 9", len(p))
	}
	kindByte := p[0]
	rank := int64(binary.LittleEndian.Uint64(p[1:9]))
	p = p[9:]
	if rank < 0 || int64(len(p)) < 8*rank {
		return nil, types.NewError(types.ErrProtocolViolation, "direct envelope truncated in shape")
	}
	var shape []int64
	if rank > 0 {
		shape = make([]int64, rank)
		for i := range shape {
			shape[i] = int64(binary.LittleEndian.Uint64(p[i*8:]))
			if shape[i] < 0 {
				return nil, types.NewError(types.ErrProtocolViolation, "negative dim in direct envelope")
			}
		}
		p = p[8*rank:]
	}

	switch kindByte {
	case wireKindFixed:
		v := &types.Value{Kind: types.ElementFixed, Shape: shape, Bytes: p}
		return v, nil
	case wireKindVariable:
		v := &types.Value{Kind: types.ElementVariable, Shape: shape}
		n := v.NumElements()
		if n < 0 {
			return nil, types.NewError(types.ErrProtocolViolation, "overflowing shape in direct envelope")
		}
		if int64(len(p)) < 8*n {
			return nil, types.NewError(types.ErrProtocolViolation, "direct envelope truncated in element sizes")
		}
		sizes := make([]int64, n)
		var total int64
		for i := range sizes {
			sizes[i] = int64(binary.LittleEndian.Uint64(p[i*8:]))
			if sizes[i] < 0 {
				return nil, types.NewError(types.ErrProtocolViolation, "negative element size in direct envelope")
			}
			total += sizes[i]
		}
		p = p[8*n:]
		if int64(len(p)) != total {
			return nil, types.Errorf(types.ErrProtocolViolation,
				"direct envelope carries %d element bytes, sizes want %d", len(p), total)
		}
		elems := make([][]byte, n)
		var off int64
		for i := range elems {
			elems[i] = p[off : off+sizes[i] : off+sizes[i]]
			off += sizes[i]
		}
		v.Elems = elems
		return v, nil
	default:
		return nil, types.Errorf(types.ErrProtocolViolation, "unknown wire kind 0x%02x", kindByte)
	}
}
