package rendezvous

import (
	"strconv"
	"strings"

	"github.com/BaSui01/rendezvous/types"
)

// FrameIter scopes a key to one concrete execution: FrameID names the
// execution frame, IterID the iteration within it. Two transfers over the
// same logical edge never collide as long as their FrameIter pairs differ.
type FrameIter struct {
	FrameID uint64
	IterID  uint64
}

// String renders the frame_id:iter_id tail used in keys.
func (fi FrameIter) String() string {
	return strconv.FormatUint(fi.FrameID, 10) + ":" + strconv.FormatUint(fi.IterID, 10)
}

// CreateKey formats the canonical key
//
//	src_endpoint;src_incarnation;dst_endpoint;name;frame_id:iter_id
//
// The incarnation number distinguishes restarts of the source endpoint so
// a reborn peer never pairs with a stale exchange. CreateKey does not
// validate its inputs; ParseKey is where malformed keys are rejected.
func CreateKey(src string, srcIncarnation uint64, dst, name string, fi FrameIter) string {
	return NewPrefix(src, srcIncarnation, dst, name).Key("", fi)
}

// Prefix is the src;incarnation;dst;name head shared by every key of one
// logical edge. Building it once per edge keeps per-transfer key derivation
// to a single concatenation.
type Prefix struct {
	head string
}

// NewPrefix serializes the per-edge key head.
func NewPrefix(src string, srcIncarnation uint64, dst, name string) Prefix {
	var b strings.Builder
	b.Grow(len(src) + len(dst) + len(name) + 24)
	b.WriteString(src)
	b.WriteByte(';')
	b.WriteString(strconv.FormatUint(srcIncarnation, 10))
	b.WriteByte(';')
	b.WriteString(dst)
	b.WriteByte(';')
	b.WriteString(name)
	return Prefix{head: b.String()}
}

// Key appends a name suffix and the execution discriminator to the prefix.
// Sender and receiver must derive phase keys with identical suffixes in
// identical order; the suffix is glued directly onto the channel name.
func (p Prefix) Key(suffix string, fi FrameIter) string {
	var b strings.Builder
	b.Grow(len(p.head) + len(suffix) + 44)
	b.WriteString(p.head)
	b.WriteString(suffix)
	b.WriteByte(';')
	b.WriteString(fi.String())
	return b.String()
}

// ParsedKey is the decomposed, validated form of a key. It is an opaque
// value: ParseKey is the only constructor and FullKey the only serialized
// view. Tables compare and hash nothing but FullKey. The zero ParsedKey is
// uninitialized and rejected by every table operation.
type ParsedKey struct {
	src  string
	inc  uint64
	dst  string
	edge string
	fi   FrameIter
	full string
}

// ParseKey validates and decomposes a canonical key string. It fails with
// a MALFORMED_KEY error when the string does not split into the five
// expected fields, when an endpoint or channel name is empty or carries a
// delimiter or whitespace, or when a numeric field is not decimal.
func ParseKey(full string) (ParsedKey, error) {
	parts := strings.Split(full, ";")
	if len(parts) != 5 {
		return ParsedKey{}, types.Errorf(types.ErrMalformedKey,
			"want 5 ;-separated fields, got %d", len(parts)).WithKey(full)
	}
	src, incStr, dst, edge, tail := parts[0], parts[1], parts[2], parts[3], parts[4]

	if !validField(src) {
		return ParsedKey{}, types.NewError(types.ErrMalformedKey, "bad source endpoint").WithKey(full)
	}
	if !validField(dst) {
		return ParsedKey{}, types.NewError(types.ErrMalformedKey, "bad destination endpoint").WithKey(full)
	}
	if !validField(edge) {
		return ParsedKey{}, types.NewError(types.ErrMalformedKey, "bad channel name").WithKey(full)
	}
	inc, err := strconv.ParseUint(incStr, 10, 64)
	if err != nil {
		return ParsedKey{}, types.NewError(types.ErrMalformedKey, "bad incarnation").
			WithKey(full).WithCause(err)
	}

	colon := strings.IndexByte(tail, ':')
	if colon < 0 || colon != strings.LastIndexByte(tail, ':') {
		return ParsedKey{}, types.NewError(types.ErrMalformedKey, "bad frame:iter tail").WithKey(full)
	}
	frame, err := strconv.ParseUint(tail[:colon], 10, 64)
	if err != nil {
		return ParsedKey{}, types.NewError(types.ErrMalformedKey, "bad frame id").
			WithKey(full).WithCause(err)
	}
	iter, err := strconv.ParseUint(tail[colon+1:], 10, 64)
	if err != nil {
		return ParsedKey{}, types.NewError(types.ErrMalformedKey, "bad iter id").
			WithKey(full).WithCause(err)
	}

	return ParsedKey{
		src:  src,
		inc:  inc,
		dst:  dst,
		edge: edge,
		fi:   FrameIter{FrameID: frame, IterID: iter},
		full: full,
	}, nil
}

// ValidName reports whether s can appear as an endpoint or channel name
// inside a key: non-empty, free of the ';' delimiter and of whitespace.
func ValidName(s string) bool {
	return validField(s)
}

// validField rejects empty fields and fields carrying the key delimiter or
// whitespace. Colons are fine: they only separate frame from iter in the
// final field, which is parsed separately.
func validField(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ';', ' ', '\t', '\n', '\r':
			return false
		}
	}
	return true
}

// SrcEndpoint returns the producing endpoint identifier.
func (k ParsedKey) SrcEndpoint() string { return k.src }

// SrcIncarnation returns the producer's incarnation number.
func (k ParsedKey) SrcIncarnation() uint64 { return k.inc }

// DstEndpoint returns the consuming endpoint identifier.
func (k ParsedKey) DstEndpoint() string { return k.dst }

// EdgeName returns the channel name including any phase suffix.
func (k ParsedKey) EdgeName() string { return k.edge }

// FrameIter returns the execution discriminator.
func (k ParsedKey) FrameIter() FrameIter { return k.fi }

// FullKey returns the canonical serialized key, the only form tables
// compare or hash.
func (k ParsedKey) FullKey() string { return k.full }

// String implements fmt.Stringer for logging.
func (k ParsedKey) String() string { return k.full }

// initialized reports whether k came out of ParseKey.
func (k ParsedKey) initialized() bool { return k.full != "" }
