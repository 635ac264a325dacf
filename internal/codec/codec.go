// Package codec wraps binary blobs in a self-describing compression
// envelope. Every blob is [header | compressed payload]; the header names
// the codec, so readers never consult configuration and rows written
// under older codecs stay decodable. The codec set is append-only.
package codec

import (
	"fmt"

	"github.com/rainco77/evochora-sub004/internal/domain"
)

// Header layout: magic (2 bytes) | codec id (1 byte) | version (1 byte).
const (
	headerLen = 4
	magic0    = 0xEC
	magic1    = 0x0A
	version   = 1
)

// Codec ids. Never reuse or remove an id while any reader might still
// encounter it.
const (
	IDNone byte = 0x00
	IDGzip byte = 0x01
	IDZstd byte = 0x02
)

// Codec compresses and decompresses blob payloads.
type Codec interface {
	ID() byte
	Name() string
	Compress(raw []byte) ([]byte, error)
	Decompress(compressed []byte) ([]byte, error)
}

var codecs = map[byte]Codec{}

func register(c Codec) {
	if _, dup := codecs[c.ID()]; dup {
		panic(fmt.Sprintf("codec id 0x%02x registered twice", c.ID()))
	}
	codecs[c.ID()] = c
}

// ByName resolves a codec by its configuration name.
func ByName(name string) (Codec, error) {
	for _, c := range codecs {
		if c.Name() == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("op=codec.by_name: %w: %q", domain.ErrInvalidArgument, name)
}

// Encode wraps raw in the header of the given codec.
func Encode(c Codec, raw []byte) ([]byte, error) {
	compressed, err := c.Compress(raw)
	if err != nil {
		return nil, fmt.Errorf("op=codec.encode: %w", err)
	}
	out := make([]byte, headerLen, headerLen+len(compressed))
	out[0], out[1], out[2], out[3] = magic0, magic1, c.ID(), version
	return append(out, compressed...), nil
}

// Decode detects the codec from the header and decompresses the payload.
func Decode(blob []byte) ([]byte, error) {
	if len(blob) < headerLen || blob[0] != magic0 || blob[1] != magic1 {
		return nil, fmt.Errorf("op=codec.decode: %w: missing codec header", domain.ErrInvalidArgument)
	}
	c, ok := codecs[blob[2]]
	if !ok {
		return nil, fmt.Errorf("op=codec.decode: %w: codec id 0x%02x", domain.ErrUnknownType, blob[2])
	}
	raw, err := c.Decompress(blob[headerLen:])
	if err != nil {
		return nil, fmt.Errorf("op=codec.decode: %w", err)
	}
	return raw, nil
}

// none is the identity codec.
type none struct{}

func (none) ID() byte     { return IDNone }
func (none) Name() string { return "none" }
func (none) Compress(raw []byte) ([]byte, error) {
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}
func (none) Decompress(compressed []byte) ([]byte, error) {
	out := make([]byte, len(compressed))
	copy(out, compressed)
	return out, nil
}

func init() { register(none{}) }
