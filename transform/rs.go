// transform/rs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package transform

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/klauspost/reedsolomon"
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// rsStage appends Reed-Solomon parity to block payloads so that payloads
// damaged at rest can be reconstructed on read. The stage stores the
// concatenated data+parity shards along with a per-shard CRC; on decode,
// shards whose CRC disagrees are dropped and rebuilt from parity. Only
// when more shards are damaged than parity can repair does the stage give
// up, as ErrIntegrity.
type rsStage struct {
	data   int
	parity int
	enc    reedsolomon.Encoder

	mu       sync.Mutex
	decoders map[[2]int]reedsolomon.Encoder
}

// NewReedSolomon returns a parity stage with the given data/parity shard
// counts.
func NewReedSolomon(dataShards, parityShards int) (Transform, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &rsStage{data: dataShards, parity: parityShards, enc: enc}, nil
}

func (r *rsStage) Name() string { return "rs" }

// decoder returns an Encoder for the shard geometry a payload was stored
// with, which may differ from the stage's current configuration.
func (r *rsStage) decoder(dataShards, parityShards int) (reedsolomon.Encoder, error) {
	if dataShards == r.data && parityShards == r.parity {
		return r.enc, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := [2]int{dataShards, parityShards}
	if enc, ok := r.decoders[key]; ok {
		return enc, nil
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	if r.decoders == nil {
		r.decoders = make(map[[2]int]reedsolomon.Encoder)
	}
	r.decoders[key] = enc
	return enc, nil
}

func (r *rsStage) Encode(data []byte) ([]byte, Meta, error) {
	m := Meta{
		Algo:         fmt.Sprintf("rs:%d+%d", r.data, r.parity),
		Size:         len(data),
		DataShards:   r.data,
		ParityShards: r.parity,
	}
	if len(data) == 0 {
		m.Algo = "raw"
		return data, m, nil
	}

	shards, err := r.enc.Split(data)
	if err != nil {
		return nil, Meta{}, err
	}
	if err := r.enc.Encode(shards); err != nil {
		return nil, Meta{}, err
	}

	var out bytes.Buffer
	m.ShardCRCs = make([]uint32, 0, len(shards))
	for _, s := range shards {
		m.ShardCRCs = append(m.ShardCRCs, crc32.Checksum(s, castagnoliTable))
		out.Write(s)
	}
	return out.Bytes(), m, nil
}

func (r *rsStage) Decode(data []byte, m Meta) ([]byte, error) {
	if m.Algo == "raw" {
		return data, nil
	}

	total := m.DataShards + m.ParityShards
	if total <= 0 || len(data)%total != 0 {
		return nil, fmt.Errorf("bad shard geometry %d+%d for %d bytes: %w",
			m.DataShards, m.ParityShards, len(data), ErrIntegrity)
	}
	enc, err := r.decoder(m.DataShards, m.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("bad shard geometry %d+%d: %v: %w",
			m.DataShards, m.ParityShards, err, ErrIntegrity)
	}
	shardSize := len(data) / total

	shards := make([][]byte, total)
	damaged := 0
	for i := range shards {
		s := data[i*shardSize : (i+1)*shardSize]
		if i < len(m.ShardCRCs) && crc32.Checksum(s, castagnoliTable) != m.ShardCRCs[i] {
			damaged++
			continue
		}
		shards[i] = s
	}

	if damaged > 0 {
		if err := enc.Reconstruct(shards); err != nil {
			return nil, fmt.Errorf("reconstruct with %d damaged shards: %v: %w",
				damaged, err, ErrIntegrity)
		}
		if ok, err := enc.Verify(shards); err != nil || !ok {
			return nil, fmt.Errorf("parity verification after reconstruct: %w", ErrIntegrity)
		}
	}

	var out bytes.Buffer
	out.Grow(m.Size)
	if err := enc.Join(&out, shards, m.Size); err != nil {
		return nil, fmt.Errorf("join shards: %v: %w", err, ErrIntegrity)
	}
	return out.Bytes(), nil
}
