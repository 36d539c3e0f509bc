// config/config_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	Cfg = Config{}
	require.NoError(t, Configure(filepath.Join(t.TempDir(), "missing.toml")))

	assert.Equal(t, 4*1024*1024, Cfg.BlockSize)
	assert.Equal(t, "file", Cfg.Backend)
	assert.Equal(t, 5, Cfg.QueueDepth)
	assert.Equal(t, 3, Cfg.ReadObjectAttempts)
	assert.False(t, Cfg.ConsistencyCheckWrites)
}

func TestTomlFile(t *testing.T) {
	Cfg = Config{}
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
block_size = 65536
backend = "s3"
active_transforms = ["zstd", "aes256gcm"]

[s3]
bucket = "backups"
region = "eu-central-1"

[encryption]
passphrase = "hunter2"
salt = "pepper"
`), 0600))

	require.NoError(t, Configure(path))
	assert.Equal(t, 65536, Cfg.BlockSize)
	assert.Equal(t, "s3", Cfg.Backend)
	assert.Equal(t, []string{"zstd", "aes256gcm"}, Cfg.ActiveTransforms)
	assert.Equal(t, "backups", Cfg.S3.Bucket)
	assert.Equal(t, "hunter2", Cfg.Encryption.Passphrase)
}

func TestEnvOverride(t *testing.T) {
	Cfg = Config{}
	t.Setenv("BENJI_BLOCKSIZE", "8192")
	t.Setenv("BENJI_BACKEND", "memory")

	require.NoError(t, Configure(filepath.Join(t.TempDir(), "missing.toml")))
	assert.Equal(t, 8192, Cfg.BlockSize)
	assert.Equal(t, "memory", Cfg.Backend)
}

func TestValidation(t *testing.T) {
	Cfg = Config{}
	t.Setenv("BENJI_BACKEND", "tape")
	assert.Error(t, Configure(filepath.Join(t.TempDir(), "missing.toml")))

	Cfg = Config{}
	t.Setenv("BENJI_BACKEND", "file")
	t.Setenv("BENJI_TRANSFORMS", "zstd,rot13")
	assert.Error(t, Configure(filepath.Join(t.TempDir(), "missing.toml")))
}
