// backup/changes.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

// Range is one "changed since the base version" byte span of the volume,
// as reported by an external change tracker.
type Range struct {
	Offset int64
	Length int64
}

// changedBlocks translates byte ranges to the set of block indices they
// touch. A nil ranges slice means no change information is available, in
// which case every block must be treated as changed; that is reported as
// a nil map.
func changedBlocks(ranges []Range, blockSize int, volumeSize int64) map[int64]bool {
	if ranges == nil {
		return nil
	}
	blocks := int64(0)
	if blockSize > 0 {
		blocks = (volumeSize + int64(blockSize) - 1) / int64(blockSize)
	}

	changed := make(map[int64]bool)
	for _, r := range ranges {
		if r.Length <= 0 {
			continue
		}
		first := r.Offset / int64(blockSize)
		last := (r.Offset + r.Length - 1) / int64(blockSize)
		if last >= blocks {
			last = blocks - 1
		}
		for i := first; i <= last; i++ {
			if i >= 0 {
				changed[i] = true
			}
		}
	}
	return changed
}
