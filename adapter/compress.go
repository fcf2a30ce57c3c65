package adapter

import (
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compressor is the pluggable byte-compression step in the serializing
// adapter's encode/decode chain.
type Compressor interface {
	Name() string
	Compress([]byte) ([]byte, error)
	Decompress([]byte) ([]byte, error)
}

// NoCompression passes bytes through unchanged.
type NoCompression struct{}

func (NoCompression) Name() string                        { return "none" }
func (NoCompression) Compress(b []byte) ([]byte, error)    { return b, nil }
func (NoCompression) Decompress(b []byte) ([]byte, error)  { return b, nil }

// Snappy compresses using github.com/golang/snappy.
type Snappy struct{}

func (Snappy) Name() string { return "snappy" }

func (Snappy) Compress(b []byte) ([]byte, error) {
	return snappy.Encode(nil, b), nil
}

func (Snappy) Decompress(b []byte) ([]byte, error) {
	return snappy.Decode(nil, b)
}

// LZ4 compresses using github.com/pierrec/lz4/v4.
type LZ4 struct{}

func (LZ4) Name() string { return "lz4" }

func (LZ4) Compress(b []byte) ([]byte, error) {
	buf := make([]byte, lz4.CompressBlockBound(len(b)))
	var c lz4.Compressor
	n, err := c.CompressBlock(b, buf)
	if err != nil {
		return nil, err
	}
	if n == 0 && len(b) > 0 {
		// Incompressible input: lz4 reports 0 and the caller must fall
		// back to storing raw bytes.
		return append([]byte{0}, b...), nil
	}
	return append([]byte{1}, buf[:n]...), nil
}

func (LZ4) Decompress(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return b, nil
	}
	tag, payload := b[0], b[1:]
	if tag == 0 {
		return payload, nil
	}
	dst := make([]byte, 0, len(payload)*4+64)
	for {
		n, err := lz4.UncompressBlock(payload, dst[:cap(dst)])
		if err == nil {
			return dst[:n], nil
		}
		dst = make([]byte, len(dst)+len(payload)*4+64)
	}
}

// ZSTD compresses using github.com/klauspost/compress/zstd.
type ZSTD struct{}

func (ZSTD) Name() string { return "zstd" }

func (ZSTD) Compress(b []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(b, nil), nil
}

func (ZSTD) Decompress(b []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(b, nil)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return out, nil
}
