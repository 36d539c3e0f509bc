// backup/source.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/lacoski/benji/meta"
)

// Source is the volume being backed up: a block device, a raw image
// file, anything with a fixed size and random-access block reads.
// ReadBlock is called from multiple I/O engine workers concurrently.
type Source interface {
	Size() (int64, error)
	ReadBlock(ctx context.Context, b meta.Block) ([]byte, error)
	Close() error
}

// Destination is the target a version is restored onto. WriteBlock is
// called from multiple I/O engine workers concurrently, each for a
// disjoint byte range.
type Destination interface {
	WriteBlock(ctx context.Context, b meta.Block, data []byte) error
	Close() error
}

type fileSource struct {
	f         *os.File
	blockSize int
}

// OpenFileSource opens a raw image file or block device for backup.
// Concurrent ReadBlock calls use pread and share no file offset.
func OpenFileSource(path string, blockSize int) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &fileSource{f: f, blockSize: blockSize}, nil
}

func (s *fileSource) Size() (int64, error) {
	// Block devices report zero from Stat; seek to the end instead.
	return s.f.Seek(0, io.SeekEnd)
}

func (s *fileSource) ReadBlock(ctx context.Context, b meta.Block) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]byte, b.Size)
	n, err := s.f.ReadAt(buf, b.Index*int64(s.blockSize))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("block %d: %w", b.Index, err)
	}
	if n != b.Size {
		return nil, fmt.Errorf("block %d: short read: %d < %d", b.Index, n, b.Size)
	}
	return buf, nil
}

func (s *fileSource) Close() error {
	return s.f.Close()
}

type fileDestination struct {
	f         *os.File
	blockSize int
}

// CreateFileDestination creates (or opens) the restore target and sizes
// it to the version being restored. Sparse blocks still get explicit
// zero writes so restoring over a dirty target is correct.
func CreateFileDestination(path string, size int64, blockSize int) (Destination, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	return &fileDestination{f: f, blockSize: blockSize}, nil
}

func (d *fileDestination) WriteBlock(ctx context.Context, b meta.Block, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(data) != b.Size {
		return fmt.Errorf("block %d: payload is %d bytes, want %d",
			b.Index, len(data), b.Size)
	}
	_, err := d.f.WriteAt(data, b.Index*int64(d.blockSize))
	if err != nil {
		return fmt.Errorf("block %d: %w", b.Index, err)
	}
	return nil
}

func (d *fileDestination) Close() error {
	if err := d.f.Sync(); err != nil {
		d.f.Close()
		return err
	}
	return d.f.Close()
}
