// transform/transform_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package transform

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return KeyFromPassphrase("correct horse battery staple", []byte("salty"))
}

func testStages(t *testing.T) map[string]Transform {
	zs, err := NewZstd(3)
	require.NoError(t, err)
	enc, err := NewAESGCM(testKey())
	require.NoError(t, err)
	rs, err := NewReedSolomon(4, 2)
	require.NoError(t, err)
	return map[string]Transform{
		"zstd":      zs,
		"lz4":       NewLZ4(),
		"aes256gcm": enc,
		"rs":        rs,
	}
}

func testPayloads() map[string][]byte {
	rng := rand.New(rand.NewSource(1))
	random := make([]byte, 16*1024)
	rng.Read(random)
	return map[string][]byte{
		"empty":        {},
		"tiny":         {0x42},
		"compressible": bytes.Repeat([]byte("0123456789abcdef"), 1024),
		"random":       random,
		"zeros":        make([]byte, 4096),
	}
}

func TestStageRoundTrip(t *testing.T) {
	for sname, stage := range testStages(t) {
		for pname, payload := range testPayloads() {
			out, m, err := stage.Encode(payload)
			require.NoError(t, err, "%s/%s", sname, pname)

			back, err := stage.Decode(out, m)
			require.NoError(t, err, "%s/%s", sname, pname)
			require.True(t, bytes.Equal(payload, back), "%s/%s round trip", sname, pname)
		}
	}
}

func TestCompressionShrinksAndFallsBack(t *testing.T) {
	payloads := testPayloads()
	for _, name := range []string{"zstd", "lz4"} {
		stage := testStages(t)[name]

		out, m, err := stage.Encode(payloads["compressible"])
		require.NoError(t, err)
		require.Less(t, len(out), len(payloads["compressible"]))
		require.NotEqual(t, "raw", m.Algo)

		// Random data must pass through unchanged rather than growing.
		out, m, err = stage.Encode(payloads["random"])
		require.NoError(t, err)
		require.Equal(t, "raw", m.Algo)
		require.Equal(t, len(payloads["random"]), len(out))
	}
}

func TestPipelineRoundTrip(t *testing.T) {
	stages := testStages(t)
	p := NewPipeline(stages["zstd"], stages["rs"], stages["aes256gcm"])

	for pname, payload := range testPayloads() {
		out, metas, err := p.Encode(payload)
		require.NoError(t, err, pname)
		require.Len(t, metas, 3)
		require.Equal(t, "zstd", metas[0].Name)
		require.Equal(t, "aes256gcm", metas[2].Name)

		back, err := p.Decode(out, metas)
		require.NoError(t, err, pname)
		require.True(t, bytes.Equal(payload, back), "%s chain round trip", pname)
	}
}

func TestDecodeFollowsRecordedMetadata(t *testing.T) {
	// A payload written with only zstd must still decode through a pipeline
	// now configured with more stages: decode dispatches on the recorded
	// metadata, not on the current configuration.
	stages := testStages(t)
	old := NewPipeline(stages["zstd"])
	payload := testPayloads()["compressible"]

	out, metas, err := old.Encode(payload)
	require.NoError(t, err)

	current := NewPipeline(stages["zstd"], stages["aes256gcm"])
	back, err := current.Decode(out, metas)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, back))

	// Unknown stage names must error out rather than be skipped.
	metas[0].Name = "rot13"
	_, err = current.Decode(out, metas)
	require.ErrorIs(t, err, ErrUnknownStage)
}

func TestTamperedCiphertextFailsAuthentication(t *testing.T) {
	stage := testStages(t)["aes256gcm"]
	payload := []byte("super secret block payload")

	out, m, err := stage.Encode(payload)
	require.NoError(t, err)
	m.Name = "aes256gcm"

	out[len(out)/2] ^= 0xff
	_, err = stage.Decode(out, m)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestReedSolomonReconstructsDamage(t *testing.T) {
	stage := testStages(t)["rs"]
	payload := testPayloads()["random"]

	out, m, err := stage.Encode(payload)
	require.NoError(t, err)

	// Corrupt two whole shards; 2 parity shards can absorb that.
	shardSize := len(out) / (m.DataShards + m.ParityShards)
	for i := 0; i < 2*shardSize; i++ {
		out[i] ^= 0xa5
	}
	back, err := stage.Decode(out, m)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, back))

	// Three damaged shards exceed the parity budget.
	for i := 0; i < 3*shardSize; i++ {
		out[i] ^= 0x5a
	}
	_, err = stage.Decode(out, m)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestReedSolomonDecodesPastGeometry(t *testing.T) {
	// Payloads written under an older shard geometry must still decode
	// after the configuration changes: decode builds its codec from the
	// recorded shard counts, not from the stage's own.
	old, err := NewReedSolomon(4, 2)
	require.NoError(t, err)
	payload := testPayloads()["random"]

	out, m, err := old.Encode(payload)
	require.NoError(t, err)

	current, err := NewReedSolomon(6, 3)
	require.NoError(t, err)
	back, err := current.Decode(out, m)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, back))

	// Reconstruction also follows the recorded geometry.
	shardSize := len(out) / (m.DataShards + m.ParityShards)
	for i := 0; i < 2*shardSize; i++ {
		out[i] ^= 0xa5
	}
	back, err = current.Decode(out, m)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, back))
}

func TestUniqueNoncePerBlock(t *testing.T) {
	stage := testStages(t)["aes256gcm"]
	payload := []byte("same bytes in, different ciphertext out")

	out1, m1, err := stage.Encode(payload)
	require.NoError(t, err)
	out2, m2, err := stage.Encode(payload)
	require.NoError(t, err)

	require.False(t, bytes.Equal(m1.Nonce, m2.Nonce))
	require.False(t, bytes.Equal(out1, out2))
}
