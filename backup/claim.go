// backup/claim.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"sync"

	"github.com/lacoski/benji/meta"
)

// claimSet arbitrates first-writer-wins for new checksums discovered
// during a single backup run. The first block to present a checksum not
// yet in the catalog claims it and stores the object; any later block
// with the same checksum while that store is still in flight is parked as
// a follower and recorded only once the winner's store has committed.
// Two blocks must never both store, nor may a follower be recorded
// against an object that isn't durable yet.
type claimSet struct {
	mu        sync.Mutex
	followers map[string][]meta.Block
}

func newClaimSet() *claimSet {
	return &claimSet{followers: make(map[string][]meta.Block)}
}

// claim attempts to take ownership of c. It returns true for the winner;
// false means the checksum is already in flight and b has been parked.
func (cs *claimSet) claim(c meta.Checksum, b meta.Block) bool {
	key := string(c)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, inflight := cs.followers[key]; inflight {
		cs.followers[key] = append(cs.followers[key], b)
		return false
	}
	cs.followers[key] = nil
	return true
}

// commit releases the claim on c and returns the blocks parked behind it,
// ready to be recorded now that the object is durable.
func (cs *claimSet) commit(c meta.Checksum) []meta.Block {
	key := string(c)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	parked := cs.followers[key]
	delete(cs.followers, key)
	return parked
}
