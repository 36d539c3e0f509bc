// config/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"fmt"
	"io"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all
	// parameters will be used instead.
	DefaultConfig = "/etc/benji/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	BlockSize int `toml:"block_size" env:"BENJI_BLOCKSIZE" env-default:"4194304" env-description:"Backup block size in bytes."`

	Backend string `toml:"backend" env:"BENJI_BACKEND" env-default:"file" env-description:"Storage backend: file, s3, gcs or memory."`

	CatalogPath string `toml:"catalog_path" env:"BENJI_CATALOG" env-default:"/var/lib/benji/catalog.db" env-description:"Path of the metadata catalog database."`

	SimultaneousReads  int `toml:"simultaneous_reads" env:"BENJI_READS" env-default:"3" env-description:"Max concurrent block reads."`
	SimultaneousWrites int `toml:"simultaneous_writes" env:"BENJI_WRITES" env-default:"3" env-description:"Max concurrent block writes."`
	QueueDepth         int `toml:"queue_depth" env:"BENJI_QUEUEDEPTH" env-default:"5" env-description:"Extra submissions accepted beyond the concurrency cap before the scan blocks."`

	ReadObjectAttempts     int  `toml:"read_object_attempts" env:"BENJI_READ_ATTEMPTS" env-default:"3" env-description:"Attempts per object read before giving up."`
	WriteObjectAttempts    int  `toml:"write_object_attempts" env:"BENJI_WRITE_ATTEMPTS" env-default:"3" env-description:"Attempts per object write before giving up."`
	UploadAttempts         int  `toml:"upload_attempts" env:"BENJI_UPLOAD_ATTEMPTS" env-default:"5" env-description:"Transport-level attempts per S3 upload."`
	ConsistencyCheckWrites bool `toml:"consistency_check_writes" env:"BENJI_CONSISTENCY_CHECK" env-default:"false" env-description:"Read every stored object back and verify it."`

	// Transform stages applied to stored payloads, in order, e.g.
	// ["zstd", "aes256gcm"]. Valid names: zstd, lz4, aes256gcm, rs.
	ActiveTransforms []string `toml:"active_transforms" env:"BENJI_TRANSFORMS" env-description:"Ordered transform stages applied to stored payloads."`

	CompressionLevel int `toml:"compression_level" env:"BENJI_ZSTD_LEVEL" env-default:"3" env-description:"Zstd compression level."`

	Encryption struct {
		Passphrase string `toml:"passphrase" env:"BENJI_ENC_PASSPHRASE" env-default:"" env-description:"Passphrase the AES-256 key is derived from."`
		Salt       string `toml:"salt" env:"BENJI_ENC_SALT" env-default:"" env-description:"Key derivation salt."`
	} `toml:"encryption"`

	Parity struct {
		DataShards   int `toml:"data_shards" env:"BENJI_RS_DATA" env-default:"17" env-description:"Reed-Solomon data shards."`
		ParityShards int `toml:"parity_shards" env:"BENJI_RS_PARITY" env-default:"3" env-description:"Reed-Solomon parity shards."`
	} `toml:"parity"`

	File struct {
		Root string `toml:"root" env:"BENJI_FILE_ROOT" env-default:"/var/lib/benji/objects" env-description:"Object directory for the file backend."`
	} `toml:"file"`

	S3 struct {
		Bucket    string `toml:"bucket" env:"BENJI_S3_BUCKET" env-description:"S3 Bucket name." env-default:"benji"`
		Remote    string `toml:"remote" env:"BENJI_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"BENJI_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"BENJI_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"BENJI_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
	} `toml:"s3"`

	GCS struct {
		Bucket   string `toml:"bucket" env:"BENJI_GCS_BUCKET" env-description:"GCS Bucket name." env-default:"benji"`
		Project  string `toml:"project" env:"BENJI_GCS_PROJECT" env-description:"GCS project id." env-default:""`
		Location string `toml:"location" env:"BENJI_GCS_LOCATION" env-description:"Bucket location for bucket creation." env-default:"us"`
	} `toml:"gcs"`

	// Transfer rate limits in bytes per second; zero disables the limit.
	UploadBytesPerSecond   int `toml:"upload_bytes_per_second" env:"BENJI_UPLOAD_RATE" env-default:"0" env-description:"Upload bandwidth limit in bytes/s, 0 for unlimited."`
	DownloadBytesPerSecond int `toml:"download_bytes_per_second" env:"BENJI_DOWNLOAD_RATE" env-default:"0" env-description:"Download bandwidth limit in bytes/s, 0 for unlimited."`

	Log struct {
		Level  int  `toml:"level" env:"BENJI_LOG_LEVEL" env-default:"1" env-description:"Log level."`
		Pretty bool `toml:"pretty" env:"BENJI_LOG_PRETTY" env-default:"true" env-description:"Pretty logging."`
	} `toml:"log"`
}

// Configure parses the configuration file and reads the environment
// variables. The configuration file has the lower priority and the
// environment variables have the highest priority. It is perfectly fine
// to use just one of these or to combine them.
func Configure(path string) error {
	if err := cleanenv.ReadConfig(path, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}
	return validate()
}

func validate() error {
	if Cfg.BlockSize <= 0 {
		return fmt.Errorf("block_size %d: must be positive", Cfg.BlockSize)
	}
	switch Cfg.Backend {
	case "file", "s3", "gcs", "memory":
	default:
		return fmt.Errorf("backend %q: not one of file, s3, gcs, memory", Cfg.Backend)
	}
	for _, name := range Cfg.ActiveTransforms {
		switch name {
		case "zstd", "lz4", "aes256gcm", "rs":
		default:
			return fmt.Errorf("transform %q: not one of zstd, lz4, aes256gcm, rs", name)
		}
	}
	return nil
}

// Usage returns a flag usage function covering every environment
// variable the configuration understands.
func Usage(w io.Writer, base func()) func() {
	return cleanenv.FUsage(w, &Cfg, nil, base)
}
