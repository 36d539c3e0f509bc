// transform/lz4.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package transform

import (
	"fmt"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// lz4Stage compresses block payloads with the lz4 block format. Like the
// zstd stage it falls back to storing the payload raw when compression
// doesn't shrink it.
type lz4Stage struct{}

// Reusing compressors avoids reallocating their hash tables per block.
var lz4Pool = sync.Pool{
	New: func() interface{} {
		return &lz4.Compressor{}
	},
}

// NewLZ4 returns an lz4 block-compression stage.
func NewLZ4() Transform {
	return lz4Stage{}
}

func (lz4Stage) Name() string { return "lz4" }

func (lz4Stage) Encode(data []byte) ([]byte, Meta, error) {
	m := Meta{Algo: "lz4", Size: len(data)}

	c := lz4Pool.Get().(*lz4.Compressor)
	defer lz4Pool.Put(c)

	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := c.CompressBlock(data, dst)
	if err != nil {
		return nil, Meta{}, err
	}
	if n == 0 || n >= len(data) {
		// Incompressible.
		m.Algo = "raw"
		return data, m, nil
	}
	return dst[:n], m, nil
}

func (lz4Stage) Decode(data []byte, m Meta) ([]byte, error) {
	if m.Algo == "raw" {
		return data, nil
	}
	out := make([]byte, m.Size)
	n, err := lz4.UncompressBlock(data, out)
	if err != nil {
		return nil, err
	}
	if n != m.Size {
		return nil, fmt.Errorf("decompressed to %d bytes, expected %d: %w",
			n, m.Size, ErrIntegrity)
	}
	return out, nil
}
