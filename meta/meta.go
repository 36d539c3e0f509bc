// meta/meta.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package meta holds the data model shared by the backup engine: content
// checksums, blocks, versions, and the metadata catalog that maps them to
// stored objects.
package meta

import (
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ChecksumSize is the number of bytes in the content hash computed for
// each block of a volume.
const ChecksumSize = 32

// Checksum is the content hash of one block's raw payload. A nil Checksum
// marks a sparse (all-zero or unwritten) block that has no stored object.
type Checksum []byte

// HashBytes computes the BLAKE2b-256 checksum of the given byte slice.
func HashBytes(b []byte) Checksum {
	h := blake2b.Sum256(b)
	return h[:]
}

// IsSparse reports whether the checksum denotes a sparse block.
func (c Checksum) IsSparse() bool {
	return len(c) == 0
}

func (c Checksum) Equal(o Checksum) bool {
	if len(c) != len(o) {
		return false
	}
	for i := range c {
		if c[i] != o[i] {
			return false
		}
	}
	return true
}

// String returns the checksum as a hexadecimal-encoded string, or "sparse"
// for a nil checksum.
func (c Checksum) String() string {
	if c.IsSparse() {
		return "sparse"
	}
	return hex.EncodeToString(c)
}

// Block is one logical unit of a volume, identified by its index and the
// checksum of its content. Block is a plain value type: handing one to
// another goroutine copies every field, so there is never shared mutable
// state across a concurrency boundary.
type Block struct {
	Index    int64
	Size     int
	Checksum Checksum
}

// VersionStatus tracks the lifecycle of a Version.
type VersionStatus int

const (
	StatusIncomplete VersionStatus = iota
	StatusValid
	StatusInvalid
)

func (s VersionStatus) String() string {
	switch s {
	case StatusIncomplete:
		return "incomplete"
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Version is one complete point-in-time image of a volume: an ordered
// sequence of Blocks plus identifying metadata. A Version is created as
// StatusIncomplete, promoted to StatusValid only once every block is
// durably stored, and otherwise marked StatusInvalid. Valid versions are
// immutable.
type Version struct {
	UID       string
	Volume    string
	Created   time.Time
	BlockSize int
	Size      int64
	Labels    map[string]string
	Status    VersionStatus
}

// Blocks reports how many blocks the version spans.
func (v *Version) Blocks() int64 {
	if v.BlockSize <= 0 {
		return 0
	}
	return (v.Size + int64(v.BlockSize) - 1) / int64(v.BlockSize)
}

// StoredObjectRef points at the physical, transformed representation of
// one unique block payload in a storage backend.
type StoredObjectRef struct {
	Checksum Checksum
	ObjectID string
}

// ObjectIDForChecksum derives the backend object key for a checksum. The
// two-hex-digit fan-out prefix spreads keys across prefixes so backends
// that rate-limit per prefix are not hammered on a single one.
func ObjectIDForChecksum(c Checksum) string {
	hx := hex.EncodeToString(c)
	return "blocks/" + hx[:2] + "/" + hx
}

// Catalog is the metadata store consulted and updated by backup and
// restore runs. LookupChecksum and VersionBlocks must be safe to call
// concurrently with each other and with the record methods.
type Catalog interface {
	// CreateVersion records a new version. The version keeps whatever
	// status the caller set (normally StatusIncomplete).
	CreateVersion(v *Version) error

	// Version returns the version with the given UID.
	Version(uid string) (*Version, error)

	// Versions lists all versions of a volume, oldest first.
	Versions(volume string) ([]*Version, error)

	// VersionBlocks returns the version's block map ordered by ascending
	// block index.
	VersionBlocks(uid string) ([]Block, error)

	// RecordBlock adds or replaces one block of a version's block map.
	RecordBlock(uid string, b Block) error

	// MarkVersion updates a version's status.
	MarkVersion(uid string, status VersionStatus) error

	// LookupChecksum returns the stored object holding the payload for the
	// given checksum, or nil if the checksum is unknown.
	LookupChecksum(c Checksum) (*StoredObjectRef, error)

	// RecordObject marks a checksum as durably stored. Callers must only
	// invoke this after the backend write has completed.
	RecordObject(ref StoredObjectRef) error
}

// ErrVersionNotFound is returned by Catalog implementations when a version
// UID is unknown.
var ErrVersionNotFound = fmt.Errorf("version not found")
