// cmd/benji/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// benji backs up block devices and raw image files to local or cloud
// object storage, deduplicating blocks by content checksum and running
// stored payloads through a configurable transform chain.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lacoski/benji/backup"
	"github.com/lacoski/benji/config"
	"github.com/lacoski/benji/event"
	"github.com/lacoski/benji/meta"
	"github.com/lacoski/benji/storage"
	"github.com/lacoski/benji/transform"
	"github.com/lacoski/benji/util"
)

func usage() {
	fmt.Printf("usage: benji backup [--config path] [--base uid] [--label k=v] <volume> <device>\n")
	fmt.Printf("usage: benji restore [--config path] <version-uid> <device>\n")
	fmt.Printf("usage: benji versions [--config path] <volume>\n")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "backup":
		backupCmd(os.Args[2:])
	case "restore":
		restoreCmd(os.Args[2:])
	case "versions":
		versionsCmd(os.Args[2:])
	default:
		usage()
	}
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// configure loads the configuration, sets up logging, and installs a
// context cancelled on SIGINT/SIGTERM.
func configure(path string) (context.Context, context.CancelFunc) {
	if err := config.Configure(path); err != nil {
		log.Fatal().Err(err).Msg("reading configuration")
	}
	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	return ctx, cancel
}

// openBackend builds the configured backend with the retry and rate
// limiting policies composed around it.
func openBackend(ctx context.Context) storage.Backend {
	cfg := &config.Cfg

	var backend storage.Backend
	var err error
	switch cfg.Backend {
	case "file":
		backend, err = storage.NewFile(cfg.File.Root)
	case "s3":
		backend, err = storage.NewS3(storage.S3Options{
			Remote:         cfg.S3.Remote,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UploadAttempts: cfg.UploadAttempts,
		})
	case "gcs":
		backend, err = storage.NewGCS(ctx, storage.GCSOptions{
			BucketName: cfg.GCS.Bucket,
			ProjectID:  cfg.GCS.Project,
			Location:   cfg.GCS.Location,
		})
	case "memory":
		backend = storage.NewMemory()
	}
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Backend).Msg("opening backend")
	}

	backend = storage.NewRetrying(backend, storage.RetryOptions{
		ReadAttempts:           cfg.ReadObjectAttempts,
		WriteAttempts:          cfg.WriteObjectAttempts,
		ConsistencyCheckWrites: cfg.ConsistencyCheckWrites,
	})
	if cfg.UploadBytesPerSecond > 0 || cfg.DownloadBytesPerSecond > 0 {
		backend = storage.NewRateLimited(backend,
			cfg.UploadBytesPerSecond, cfg.DownloadBytesPerSecond)
	}
	return backend
}

// pipeline assembles the configured transform chain.
func pipeline() *transform.Pipeline {
	cfg := &config.Cfg

	var stages []transform.Transform
	for _, name := range cfg.ActiveTransforms {
		var s transform.Transform
		var err error
		switch name {
		case "zstd":
			s, err = transform.NewZstd(cfg.CompressionLevel)
		case "lz4":
			s = transform.NewLZ4()
		case "aes256gcm":
			if cfg.Encryption.Passphrase == "" {
				log.Fatal().Msg("aes256gcm transform needs an encryption passphrase")
			}
			key := transform.KeyFromPassphrase(cfg.Encryption.Passphrase,
				[]byte(cfg.Encryption.Salt))
			s, err = transform.NewAESGCM(key)
		case "rs":
			s, err = transform.NewReedSolomon(cfg.Parity.DataShards,
				cfg.Parity.ParityShards)
		}
		if err != nil {
			log.Fatal().Err(err).Str("transform", name).Msg("building transform")
		}
		stages = append(stages, s)
	}
	return transform.NewPipeline(stages...)
}

func openRunner(ctx context.Context, labels map[string]string) (*backup.Runner, meta.Catalog) {
	cfg := &config.Cfg

	catalog, err := meta.OpenBoltCatalog(cfg.CatalogPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.CatalogPath).Msg("opening catalog")
	}

	events := event.NewRegistry()
	events.Register(event.BlockStored, func(ev event.Event) bool {
		log.Debug().Str("version", ev.VersionUID).Int64("block", ev.BlockIndex).
			Msg("stored new object")
		return false
	})

	r := backup.NewRunner(catalog, openBackend(ctx), backup.Options{
		BlockSize:          cfg.BlockSize,
		SimultaneousReads:  cfg.SimultaneousReads,
		SimultaneousWrites: cfg.SimultaneousWrites,
		QueueDepth:         cfg.QueueDepth,
		Transforms:         pipeline(),
		Events:             events,
		Labels:             labels,
	})
	return r, catalog
}

func backupCmd(args []string) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultConfig, "path to configuration file")
	base := fs.String("base", "", "base version uid for a differential backup")
	var labels labelFlags
	fs.Var(&labels, "label", "key=value label attached to the version (repeatable)")
	fs.Usage = config.Usage(fs.Output(), fs.Usage)
	fs.Parse(args)
	if fs.NArg() != 2 {
		usage()
	}
	volume, device := fs.Arg(0), fs.Arg(1)

	ctx, cancel := configure(*configPath)
	defer cancel()

	src, err := backup.OpenFileSource(device, config.Cfg.BlockSize)
	if err != nil {
		log.Fatal().Err(err).Str("device", device).Msg("opening source")
	}
	defer src.Close()

	r, _ := openRunner(ctx, labels)
	v, err := r.Backup(ctx, volume, src, *base, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("backup failed")
	}
	fmt.Printf("%s\n", v.UID)
}

func restoreCmd(args []string) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultConfig, "path to configuration file")
	fs.Usage = config.Usage(fs.Output(), fs.Usage)
	fs.Parse(args)
	if fs.NArg() != 2 {
		usage()
	}
	uid, device := fs.Arg(0), fs.Arg(1)

	ctx, cancel := configure(*configPath)
	defer cancel()

	r, catalog := openRunner(ctx, nil)
	v, err := catalog.Version(uid)
	if err != nil {
		log.Fatal().Err(err).Str("version", uid).Msg("looking up version")
	}

	dst, err := backup.CreateFileDestination(device, v.Size, v.BlockSize)
	if err != nil {
		log.Fatal().Err(err).Str("device", device).Msg("opening destination")
	}

	if err := r.Restore(ctx, uid, dst); err != nil {
		dst.Close()
		log.Fatal().Err(err).Msg("restore failed")
	}
	if err := dst.Close(); err != nil {
		log.Fatal().Err(err).Msg("flushing destination")
	}
}

func versionsCmd(args []string) {
	fs := flag.NewFlagSet("versions", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultConfig, "path to configuration file")
	fs.Usage = config.Usage(fs.Output(), fs.Usage)
	fs.Parse(args)
	if fs.NArg() != 1 {
		usage()
	}

	_, cancel := configure(*configPath)
	defer cancel()

	catalog, err := meta.OpenBoltCatalog(config.Cfg.CatalogPath)
	if err != nil {
		log.Fatal().Err(err).Msg("opening catalog")
	}

	versions, err := catalog.Versions(fs.Arg(0))
	if err != nil {
		log.Fatal().Err(err).Msg("listing versions")
	}
	for _, v := range versions {
		fmt.Printf("%s  %s  %-10s  %s\n", v.UID,
			v.Created.Format(time.RFC3339), v.Status, util.FmtBytes(v.Size))
	}
}

// labelFlags collects repeated --label key=value flags.
type labelFlags map[string]string

func (l *labelFlags) String() string { return "" }

func (l *labelFlags) Set(s string) error {
	if *l == nil {
		*l = make(map[string]string)
	}
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			(*l)[s[:i]] = s[i+1:]
			return nil
		}
	}
	return fmt.Errorf("%q: expected key=value", s)
}
