// Package wire implements the pipeline's protobuf wire messages.
//
// The messages are canonical proto3 (see the layouts in messages.go), but
// the codecs are written against protowire directly instead of generated
// code: the message set is small, stable, and the build carries no protoc
// step. Any proto3 reader with the matching schema interoperates.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rainco77/evochora-sub004/internal/domain"
)

// field is one decoded field of a length-delimited message.
type field struct {
	num protowire.Number
	typ protowire.Type
	// exactly one of these is set, depending on typ
	varint uint64
	bytes  []byte
}

// forEachField walks b and invokes fn per field. Unknown fields are
// skipped by the caller simply ignoring numbers it does not handle.
func forEachField(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("op=wire.parse: %w: bad tag", domain.ErrInvalidArgument)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("op=wire.parse: %w: bad varint", domain.ErrInvalidArgument)
			}
			f.varint = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("op=wire.parse: %w: bad bytes", domain.ErrInvalidArgument)
			}
			f.bytes = v
			b = b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return fmt.Errorf("op=wire.parse: %w: bad fixed32", domain.ErrInvalidArgument)
			}
			f.varint = uint64(v)
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fmt.Errorf("op=wire.parse: %w: bad fixed64", domain.ErrInvalidArgument)
			}
			f.varint = v
			b = b[n:]
		default:
			return fmt.Errorf("op=wire.parse: %w: wire type %d", domain.ErrInvalidArgument, typ)
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendBytesAlways emits the field even when empty; used for repeated
// bytes where an empty element is still an element.
func appendBytesAlways(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

// appendPackedInt64 emits a packed repeated int64 field.
func appendPackedInt64(b []byte, num protowire.Number, vs []int64) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// appendPackedBool emits a packed repeated bool field.
func appendPackedBool(b []byte, num protowire.Number, vs []bool) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		u := uint64(0)
		if v {
			u = 1
		}
		packed = protowire.AppendVarint(packed, u)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func consumePackedInt64(f field) ([]int64, error) {
	// Accept both packed and unpacked encodings.
	if f.typ == protowire.VarintType {
		return []int64{int64(f.varint)}, nil
	}
	var out []int64
	b := f.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("op=wire.parse: %w: packed int64", domain.ErrInvalidArgument)
		}
		out = append(out, int64(v))
		b = b[n:]
	}
	return out, nil
}

func consumePackedBool(f field) ([]bool, error) {
	if f.typ == protowire.VarintType {
		return []bool{f.varint != 0}, nil
	}
	var out []bool
	b := f.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("op=wire.parse: %w: packed bool", domain.ErrInvalidArgument)
		}
		out = append(out, v != 0)
		b = b[n:]
	}
	return out, nil
}
