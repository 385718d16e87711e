package utils

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// zstd frame magic number, little endian 0xFD2FB528
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// ZStd is safe for concurrent use, EncodeAll and DecodeAll do not share state.
type ZStd struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// experiments showd best compromise with level 3
func NewZStd() (*ZStd, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(3)))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %v", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %v", err)
	}
	return &ZStd{
		encoder: encoder,
		decoder: decoder,
	}, nil
}

func (rx *ZStd) Compress(data []byte) []byte {
	return rx.encoder.EncodeAll(data, nil)
}

func (rx *ZStd) Decompress(data []byte) ([]byte, error) {
	return rx.decoder.DecodeAll(data, nil)
}

// IsCompressed reports whether data starts with a zstd frame.
func IsCompressed(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}

// Unpack decompresses zstd frames and returns anything else unchanged.
func (rx *ZStd) Unpack(data []byte) ([]byte, error) {
	if !IsCompressed(data) {
		return data, nil
	}
	return rx.Decompress(data)
}
