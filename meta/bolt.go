// meta/bolt.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package meta

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketVersions = []byte("versions")
	bucketBlocks   = []byte("blocks")
	bucketObjects  = []byte("objects")
)

// boltCatalog persists the catalog in a single bbolt file. Versions are
// gob-encoded; block maps live in one nested bucket per version keyed by
// big-endian block index so that a cursor walk yields ascending index
// order; the object index maps raw checksum bytes to the object ID.
type boltCatalog struct {
	db *bolt.DB
}

// OpenBoltCatalog opens (creating if needed) the catalog database at path.
func OpenBoltCatalog(path string) (Catalog, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketVersions, bucketBlocks, bucketObjects} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltCatalog{db: db}, nil
}

// Close releases the underlying database file.
func (c *boltCatalog) Close() error {
	return c.db.Close()
}

func indexKey(index int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(index))
	return k[:]
}

func encodeBlock(b Block) []byte {
	buf := make([]byte, binary.MaxVarintLen64+len(b.Checksum))
	n := binary.PutVarint(buf, int64(b.Size))
	n += copy(buf[n:], b.Checksum)
	return buf[:n]
}

func decodeBlock(index int64, v []byte) (Block, error) {
	size, n := binary.Varint(v)
	if n <= 0 {
		return Block{}, fmt.Errorf("block %d: corrupt size varint", index)
	}
	b := Block{Index: index, Size: int(size)}
	if len(v) > n {
		b.Checksum = append(Checksum(nil), v[n:]...)
	}
	return b, nil
}

func (c *boltCatalog) CreateVersion(v *Version) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(v); err != nil {
			return err
		}
		if err := tx.Bucket(bucketVersions).Put([]byte(v.UID), buf.Bytes()); err != nil {
			return err
		}
		_, err := tx.Bucket(bucketBlocks).CreateBucketIfNotExists([]byte(v.UID))
		return err
	})
}

func (c *boltCatalog) Version(uid string) (*Version, error) {
	var v Version
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketVersions).Get([]byte(uid))
		if raw == nil {
			return ErrVersionNotFound
		}
		return gob.NewDecoder(bytes.NewReader(raw)).Decode(&v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *boltCatalog) Versions(volume string) ([]*Version, error) {
	var vs []*Version
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVersions).ForEach(func(k, raw []byte) error {
			var v Version
			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
				return err
			}
			if v.Volume == volume {
				vs = append(vs, &v)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(vs); i++ {
		for j := i; j > 0 && vs[j].Created.Before(vs[j-1].Created); j-- {
			vs[j], vs[j-1] = vs[j-1], vs[j]
		}
	}
	return vs, nil
}

func (c *boltCatalog) VersionBlocks(uid string) ([]Block, error) {
	var blocks []Block
	err := c.db.View(func(tx *bolt.Tx) error {
		bb := tx.Bucket(bucketBlocks).Bucket([]byte(uid))
		if bb == nil {
			return ErrVersionNotFound
		}
		cur := bb.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			b, err := decodeBlock(int64(binary.BigEndian.Uint64(k)), v)
			if err != nil {
				return err
			}
			blocks = append(blocks, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

func (c *boltCatalog) RecordBlock(uid string, b Block) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		bb := tx.Bucket(bucketBlocks).Bucket([]byte(uid))
		if bb == nil {
			return ErrVersionNotFound
		}
		return bb.Put(indexKey(b.Index), encodeBlock(b))
	})
}

func (c *boltCatalog) MarkVersion(uid string, status VersionStatus) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		vb := tx.Bucket(bucketVersions)
		raw := vb.Get([]byte(uid))
		if raw == nil {
			return ErrVersionNotFound
		}
		var v Version
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
			return err
		}
		v.Status = status
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
			return err
		}
		return vb.Put([]byte(uid), buf.Bytes())
	})
}

func (c *boltCatalog) LookupChecksum(sum Checksum) (*StoredObjectRef, error) {
	var ref *StoredObjectRef
	err := c.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketObjects).Get(sum)
		if id != nil {
			ref = &StoredObjectRef{
				Checksum: append(Checksum(nil), sum...),
				ObjectID: string(id),
			}
		}
		return nil
	})
	return ref, err
}

func (c *boltCatalog) RecordObject(ref StoredObjectRef) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjects).Put(ref.Checksum, []byte(ref.ObjectID))
	})
}
