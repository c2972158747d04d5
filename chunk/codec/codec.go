// Package codec provides the pluggable compression step of the chunk pipeline.
package codec

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ErrIncompressible is returned by Encode when the encoded form would not be
// smaller than the input. Callers keep the original bytes in that case.
var ErrIncompressible = errors.New("data is incompressible")

// Codec transforms a chunk buffer into an equivalent encoded representation.
// Encode must not modify its input; Decode must reproduce the exact bytes
// that were passed to Encode.
type Codec interface {
	Name() string
	Encode(data []byte) ([]byte, error)
	Decode(encoded []byte, decodedSize int) ([]byte, error)
}

// Names lists the codecs Lookup understands.
var Names = []string{"none", "zstd", "lz4"}

// Lookup returns the codec registered under name. An empty name selects None.
func Lookup(name string) (Codec, error) {
	switch name {
	case "", "none":
		return None{}, nil
	case "zstd":
		return Zstd{}, nil
	case "lz4":
		return LZ4{}, nil
	default:
		return nil, fmt.Errorf("unknown codec: %q", name)
	}
}

// IsNone reports whether c leaves buffers untouched.
func IsNone(c Codec) bool {
	if c == nil {
		return true
	}
	_, ok := c.(None)
	return ok
}

// None is the default codec. It returns its input unchanged.
type None struct{}

// Name ...
func (None) Name() string { return "none" }

// Encode ...
func (None) Encode(data []byte) ([]byte, error) { return data, nil }

// Decode ...
func (None) Decode(encoded []byte, decodedSize int) ([]byte, error) {
	if len(encoded) != decodedSize {
		return nil, fmt.Errorf("uncompressed chunk: size %d does not match expected %d", len(encoded), decodedSize)
	}
	return encoded, nil
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use with EncodeAll
// and DecodeAll, so a single pair serves every worker.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// Zstd compresses with zstd at the default level.
type Zstd struct{}

// Name ...
func (Zstd) Name() string { return "zstd" }

// Encode ...
func (Zstd) Encode(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	if len(compressed) >= len(data) {
		return nil, ErrIncompressible
	}
	return compressed, nil
}

// Decode ...
func (Zstd) Decode(encoded []byte, decodedSize int) ([]byte, error) {
	decoded, err := zstdDecoder.DecodeAll(encoded, make([]byte, 0, decodedSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(decoded) != decodedSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(decoded), decodedSize)
	}
	return decoded, nil
}

// LZ4 compresses with LZ4 block mode. The remote side needs the decoded size,
// which is the chunk's byte range length.
type LZ4 struct{}

// Name ...
func (LZ4) Name() string { return "lz4" }

// Encode ...
func (LZ4) Encode(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, ErrIncompressible
	}
	return destination[:written], nil
}

// Decode ...
func (LZ4) Decode(encoded []byte, decodedSize int) ([]byte, error) {
	destination := make([]byte, decodedSize)
	read, err := lz4.UncompressBlock(encoded, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != decodedSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, decodedSize)
	}
	return destination, nil
}
