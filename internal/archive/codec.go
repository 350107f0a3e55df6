package archive

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses archived snapshots.
type Codec interface {
	// Name is the configuration value selecting the codec.
	Name() string
	// Extension is appended to object keys, e.g. ".zst".
	Extension() string
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
}

// Codec names accepted by ParseCodec.
const (
	CodecZstd   = "zstd"
	CodecLZ4    = "lz4"
	CodecSnappy = "snappy"
	CodecNone   = "none"
)

// ParseCodec returns the codec for name. Empty selects zstd.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecZstd:
		return newZstdCodec()
	case CodecLZ4:
		return lz4Codec{}, nil
	case CodecSnappy:
		return snappyCodec{}, nil
	case CodecNone:
		return noneCodec{}, nil
	default:
		return nil, fmt.Errorf("archive: unknown codec %q", name)
	}
}

// codecForKey picks the codec an object was written with from its key.
func codecForKey(key string) (Codec, error) {
	switch {
	case strings.HasSuffix(key, ".zst"):
		return newZstdCodec()
	case strings.HasSuffix(key, ".lz4"):
		return lz4Codec{}, nil
	case strings.HasSuffix(key, ".sz"):
		return snappyCodec{}, nil
	case strings.HasSuffix(key, ".json"):
		return noneCodec{}, nil
	default:
		return nil, fmt.Errorf("archive: no codec for key %q", key)
	}
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// EncodeAll and DecodeAll are safe for concurrent use, so one instance is shared.
var newZstdCodec = sync.OnceValues(func() (Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
})

func (*zstdCodec) Name() string      { return CodecZstd }
func (*zstdCodec) Extension() string { return ".zst" }

func (c *zstdCodec) Encode(src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, nil), nil
}

func (c *zstdCodec) Decode(src []byte) ([]byte, error) {
	return c.dec.DecodeAll(src, nil)
}

type lz4Codec struct{}

func (lz4Codec) Name() string      { return CodecLZ4 }
func (lz4Codec) Extension() string { return ".lz4" }

func (lz4Codec) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decode(src []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
}

type snappyCodec struct{}

func (snappyCodec) Name() string      { return CodecSnappy }
func (snappyCodec) Extension() string { return ".sz" }

func (snappyCodec) Encode(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (snappyCodec) Decode(src []byte) ([]byte, error) {
	return snappy.Decode(nil, src)
}

type noneCodec struct{}

func (noneCodec) Name() string                      { return CodecNone }
func (noneCodec) Extension() string                 { return "" }
func (noneCodec) Encode(src []byte) ([]byte, error) { return src, nil }
func (noneCodec) Decode(src []byte) ([]byte, error) { return src, nil }
