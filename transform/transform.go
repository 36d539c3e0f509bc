// transform/transform.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package transform implements the reversible per-block filter chain that
// block payloads pass through on their way to storage: compression,
// authenticated encryption, and Reed-Solomon parity. Stages are applied in
// configured order on encode and strictly reversed on decode, each stage
// driven by the metadata its encode produced.
package transform

import (
	"errors"
	"fmt"
)

// ErrIntegrity marks data-integrity failures: a failed authenticated
// decryption or parity that cannot be reconstructed. It is never a
// retryable I/O condition; callers must abort the affected read.
var ErrIntegrity = errors.New("block integrity check failed")

// ErrUnknownStage is returned when decode meets metadata naming a stage
// this build has no implementation for.
var ErrUnknownStage = errors.New("unknown transform stage")

// Meta is the per-stage metadata needed to reverse one stage of the
// pipeline. Each stage fills the fields it needs and ignores the rest;
// the struct is kept flat so it gob-encodes into the stored object
// envelope without registration ceremony.
type Meta struct {
	// Name of the stage that produced this metadata.
	Name string
	// Algo identifies the exact algorithm/level used, so payloads written
	// under older configurations stay decodable. Compression stages set
	// "raw" when the payload was stored uncompressed.
	Algo string
	// Nonce for authenticated encryption stages.
	Nonce []byte
	// Size of the payload as it entered the stage on encode.
	Size int
	// Reed-Solomon geometry and per-shard checksums.
	DataShards   int
	ParityShards int
	ShardCRCs    []uint32
}

// Transform is one reversible stage. Implementations must be stateless
// across invocations and safe for concurrent use; Encode and Decode run
// inside I/O engine workers.
type Transform interface {
	Name() string

	// Encode filters data and returns the transformed bytes plus the
	// metadata required to reverse the stage. The input slice is never
	// modified.
	Encode(data []byte) ([]byte, Meta, error)

	// Decode is the exact inverse of Encode for every byte string:
	// Decode(Encode(x)) == x.
	Decode(data []byte, m Meta) ([]byte, error)
}

// Pipeline applies an ordered chain of Transforms. The order is fixed at
// construction and identical for every block of a run; decode follows the
// metadata recorded at encode time rather than the current configuration,
// so versions written under a different chain remain readable.
type Pipeline struct {
	stages []Transform
	byName map[string]Transform
}

// NewPipeline assembles a pipeline from already-constructed stages, applied
// in the given order on encode.
func NewPipeline(stages ...Transform) *Pipeline {
	p := &Pipeline{stages: stages, byName: make(map[string]Transform, len(stages))}
	for _, s := range stages {
		p.byName[s.Name()] = s
	}
	return p
}

// Stages reports the configured stage names in encode order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Encode runs data through every stage in order and returns the final
// bytes along with one Meta per stage, in application order.
func (p *Pipeline) Encode(data []byte) ([]byte, []Meta, error) {
	metas := make([]Meta, 0, len(p.stages))
	out := data
	for _, s := range p.stages {
		var m Meta
		var err error
		out, m, err = s.Encode(out)
		if err != nil {
			return nil, nil, fmt.Errorf("%s encode: %w", s.Name(), err)
		}
		m.Name = s.Name()
		metas = append(metas, m)
	}
	return out, metas, nil
}

// Decode reverses Encode: stages named by metas are applied in reverse
// order. Stages are looked up by recorded name, so a pipeline whose
// configuration has since changed can still decode as long as it carries
// implementations for the recorded stages.
func (p *Pipeline) Decode(data []byte, metas []Meta) ([]byte, error) {
	out := data
	for i := len(metas) - 1; i >= 0; i-- {
		m := metas[i]
		s, ok := p.byName[m.Name]
		if !ok {
			return nil, fmt.Errorf("%q: %w", m.Name, ErrUnknownStage)
		}
		var err error
		out, err = s.Decode(out, m)
		if err != nil {
			return nil, fmt.Errorf("%s decode: %w", m.Name, err)
		}
	}
	return out, nil
}
