package store

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/sirgallo/nyada/storeerr"
)

//============================================= Value Universe


// Tag identifies the wire type of an encoded Value (spec §3.1).
type Tag byte

const (
	TagString Tag = 's'
	TagInt    Tag = 'i'
	TagBytes  Tag = 'b'
	TagNull   Tag = 'n'
	TagRef    Tag = 'r'
)

// Value is the tagged union every container stores: a string, an integer, a
// raw byte string, null, or a reference to another container by name.
type Value struct {
	Tag   Tag
	Str   string
	Int   int64
	Bytes []byte
	Ref   []byte // container name; resolved to a Container lazily via a Registry
}

func VString(s string) Value  { return Value{Tag: TagString, Str: s} }
func VInt(i int64) Value      { return Value{Tag: TagInt, Int: i} }
func VBytes(b []byte) Value   { return Value{Tag: TagBytes, Bytes: b} }
func VNull() Value            { return Value{Tag: TagNull} }
func VRef(name []byte) Value  { return Value{Tag: TagRef, Ref: name} }

//============================================= Encode / Decode


// Encode serializes a Value to its tagged wire form: one tag byte followed
// by a type-specific payload (spec §3.1/§4.1).
func Encode(v Value) ([]byte, error) {
	switch v.Tag {
	case TagNull:
		return []byte{byte(TagNull)}, nil

	case TagInt:
		buf := make([]byte, 9)
		buf[0] = byte(TagInt)
		binary.BigEndian.PutUint64(buf[1:], uint64(v.Int))
		return buf, nil

	case TagString:
		return encodeLenPrefixed(byte(TagString), []byte(v.Str)), nil

	case TagBytes:
		return encodeLenPrefixed(byte(TagBytes), v.Bytes), nil

	case TagRef:
		return encodeLenPrefixed(byte(TagRef), v.Ref), nil

	default:
		return nil, fmt.Errorf("store: encode: unknown tag %q", v.Tag)
	}
}

func encodeLenPrefixed(tag byte, payload []byte) []byte {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = tag
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf
}

// Decode parses a tagged wire value. reg resolves TagRef payloads to live
// Containers; pass nil if the caller only needs the raw name (e.g.
// inspection tools, not live traversal).
func Decode(data []byte, reg *Registry) (Value, error) {
	if len(data) == 0 {
		return Value{}, storeerr.BadLengthf("decode: empty payload")
	}

	tag := Tag(data[0])
	switch tag {
	case TagNull:
		return VNull(), nil

	case TagInt:
		if len(data) != 9 {
			return Value{}, storeerr.BadLengthf("decode: int payload must be 8 bytes, got %d", len(data)-1)
		}
		return VInt(int64(binary.BigEndian.Uint64(data[1:]))), nil

	case TagString:
		payload, err := decodeLenPrefixed(data)
		if err != nil {
			return Value{}, err
		}
		return VString(string(payload)), nil

	case TagBytes:
		payload, err := decodeLenPrefixed(data)
		if err != nil {
			return Value{}, err
		}
		return VBytes(payload), nil

	case TagRef:
		payload, err := decodeLenPrefixed(data)
		if err != nil {
			return Value{}, err
		}
		if reg != nil {
			if _, err := reg.Resolve(payload); err != nil {
				return Value{}, fmt.Errorf("decode: reference %q: %w", payload, storeerr.ErrUnknownName)
			}
		}
		return VRef(payload), nil

	default:
		return Value{}, fmt.Errorf("%w: %q", storeerr.ErrUnknownTag, tag)
	}
}

// ResolveRef looks up the container a TagRef value names. Separate from
// Decode so callers that only need the name (e.g. re-serializing without
// touching the registry) don't pay for a Resolve.
func ResolveRef(v Value, reg *Registry) (Container, error) {
	if v.Tag != TagRef {
		return nil, fmt.Errorf("store: ResolveRef: value is not a reference (tag %q)", v.Tag)
	}
	return reg.Resolve(v.Ref)
}

func decodeLenPrefixed(data []byte) ([]byte, error) {
	if len(data) < 5 {
		return nil, storeerr.BadLengthf("decode: truncated length prefix")
	}
	n := binary.BigEndian.Uint32(data[1:5])
	if uint32(len(data)-5) != n {
		return nil, storeerr.BadLengthf("decode: declared length %d, got %d", n, len(data)-5)
	}
	out := make([]byte, n)
	copy(out, data[5:])
	return out, nil
}

//============================================= Bucket Hashing


// Bucket returns the bucket index for key under a B-bucket KeyValueMap
// layout. Non-cryptographic and not specified bit-for-bit by the source
// (its bucketing lived in an uncompiled C++ extension); xxhash is a
// reasonable, fast, widely-used stand-in (spec §3.5, Design Notes).
func Bucket(key []byte, b int) int {
	if b <= 0 {
		return 0
	}
	return int(xxhash.Sum64(key) % uint64(b))
}

//============================================= Submap Serialization


// SerializeSubmap encodes a bucket's key/value pairs into a single
// self-delimiting page body: a repeated (4-byte key length, key, 4-byte
// value length, value) sequence. The source's submap codec also lived in
// the uncompiled C++ extension; this format is a free but unambiguous
// implementation choice (spec §3.5, Design Notes).
func SerializeSubmap(entries map[string][]byte) []byte {
	size := 0
	for k, v := range entries {
		size += 4 + len(k) + 4 + len(v)
	}

	buf := make([]byte, size)
	off := 0
	for k, v := range entries {
		binary.BigEndian.PutUint32(buf[off:], uint32(len(k)))
		off += 4
		copy(buf[off:], k)
		off += len(k)
		binary.BigEndian.PutUint32(buf[off:], uint32(len(v)))
		off += 4
		copy(buf[off:], v)
		off += len(v)
	}
	return buf
}

// DeserializeSubmap decodes a page body produced by SerializeSubmap.
func DeserializeSubmap(data []byte) (map[string][]byte, error) {
	out := make(map[string][]byte)
	off := 0
	for off < len(data) {
		if off+4 > len(data) {
			return nil, storeerr.StoreCorruptf("deserialize_submap: truncated key length at offset %d", off)
		}
		klen := int(binary.BigEndian.Uint32(data[off:]))
		off += 4
		if off+klen > len(data) {
			return nil, storeerr.StoreCorruptf("deserialize_submap: truncated key at offset %d", off)
		}
		key := string(data[off : off+klen])
		off += klen

		if off+4 > len(data) {
			return nil, storeerr.StoreCorruptf("deserialize_submap: truncated value length at offset %d", off)
		}
		vlen := int(binary.BigEndian.Uint32(data[off:]))
		off += 4
		if off+vlen > len(data) {
			return nil, storeerr.StoreCorruptf("deserialize_submap: truncated value at offset %d", off)
		}
		val := make([]byte, vlen)
		copy(val, data[off:off+vlen])
		off += vlen

		out[key] = val
	}
	return out, nil
}
