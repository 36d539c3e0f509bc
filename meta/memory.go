// meta/memory.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package meta

import (
	"sort"
	"sync"
)

// memoryCatalog keeps all catalog state in RAM. It's really only useful
// for tests and for throwaway runs where the version history doesn't need
// to survive the process.
type memoryCatalog struct {
	mu       sync.RWMutex
	versions map[string]*Version
	blocks   map[string]map[int64]Block
	objects  map[string]StoredObjectRef // keyed by hex checksum
}

// NewMemoryCatalog returns a Catalog backed entirely by in-process maps.
func NewMemoryCatalog() Catalog {
	return &memoryCatalog{
		versions: make(map[string]*Version),
		blocks:   make(map[string]map[int64]Block),
		objects:  make(map[string]StoredObjectRef),
	}
}

func dupeVersion(v *Version) *Version {
	d := *v
	if v.Labels != nil {
		d.Labels = make(map[string]string, len(v.Labels))
		for k, val := range v.Labels {
			d.Labels[k] = val
		}
	}
	return &d
}

func (m *memoryCatalog) CreateVersion(v *Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[v.UID] = dupeVersion(v)
	m.blocks[v.UID] = make(map[int64]Block)
	return nil
}

func (m *memoryCatalog) Version(uid string) (*Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[uid]
	if !ok {
		return nil, ErrVersionNotFound
	}
	return dupeVersion(v), nil
}

func (m *memoryCatalog) Versions(volume string) ([]*Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var vs []*Version
	for _, v := range m.versions {
		if v.Volume == volume {
			vs = append(vs, dupeVersion(v))
		}
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i].Created.Before(vs[j].Created) })
	return vs, nil
}

func (m *memoryCatalog) VersionBlocks(uid string) ([]Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bm, ok := m.blocks[uid]
	if !ok {
		return nil, ErrVersionNotFound
	}
	blocks := make([]Block, 0, len(bm))
	for _, b := range bm {
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Index < blocks[j].Index })
	return blocks, nil
}

func (m *memoryCatalog) RecordBlock(uid string, b Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bm, ok := m.blocks[uid]
	if !ok {
		return ErrVersionNotFound
	}
	bm[b.Index] = b
	return nil
}

func (m *memoryCatalog) MarkVersion(uid string, status VersionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[uid]
	if !ok {
		return ErrVersionNotFound
	}
	v.Status = status
	return nil
}

func (m *memoryCatalog) LookupChecksum(c Checksum) (*StoredObjectRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.objects[c.String()]
	if !ok {
		return nil, nil
	}
	r := ref
	return &r, nil
}

func (m *memoryCatalog) RecordObject(ref StoredObjectRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[ref.Checksum.String()] = ref
	return nil
}
