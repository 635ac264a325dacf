package codec

import (
	"github.com/klauspost/compress/zstd"
)

// Shared encoder/decoder; both are safe for concurrent use via
// EncodeAll/DecodeAll.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

type zstdCodec struct{}

func (zstdCodec) ID() byte     { return IDZstd }
func (zstdCodec) Name() string { return "zstd" }

func (zstdCodec) Compress(raw []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(raw, nil), nil
}

func (zstdCodec) Decompress(compressed []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(compressed, nil)
}

func init() { register(zstdCodec{}) }
