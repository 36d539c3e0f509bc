// transform/zstd.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package transform

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// zstdStage compresses block payloads with zstandard. When the compressed
// form is not smaller than the input, the payload is stored raw and the
// metadata records that, so incompressible blocks pay no size penalty.
type zstdStage struct {
	level   zstd.EncoderLevel
	algo    string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstd returns a zstd compression stage at the given zstd level
// (1..11, clamped by the encoder). EncodeAll/DecodeAll on shared
// encoder/decoder instances are safe for concurrent use.
func NewZstd(level int) (Transform, error) {
	lv := zstd.EncoderLevelFromZstd(level)
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(lv))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &zstdStage{
		level:   lv,
		algo:    fmt.Sprintf("zstd:%d", level),
		encoder: enc,
		decoder: dec,
	}, nil
}

func (z *zstdStage) Name() string { return "zstd" }

func (z *zstdStage) Encode(data []byte) ([]byte, Meta, error) {
	m := Meta{Algo: z.algo, Size: len(data)}
	out := z.encoder.EncodeAll(data, make([]byte, 0, len(data)))
	if len(out) >= len(data) {
		m.Algo = "raw"
		return data, m, nil
	}
	return out, m, nil
}

func (z *zstdStage) Decode(data []byte, m Meta) ([]byte, error) {
	if m.Algo == "raw" {
		return data, nil
	}
	out, err := z.decoder.DecodeAll(data, make([]byte, 0, m.Size))
	if err != nil {
		return nil, err
	}
	if m.Size != 0 && len(out) != m.Size {
		return nil, fmt.Errorf("decompressed to %d bytes, expected %d: %w",
			len(out), m.Size, ErrIntegrity)
	}
	return out, nil
}
