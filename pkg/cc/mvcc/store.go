// Package mvcc holds the three multi-version concurrency-control
// variants from spec §4.8 (MVTO, MV2PL, and Snapshot Isolation with its
// two commit policies). All three keep a version chain per object; this
// file is the chain type they share. It carries no locking of its own —
// each variant's Manager guards it with its own mutex, the same way the
// single-version algorithms in pkg/cc/lock, pkg/cc/tso, and pkg/cc/occ do.
package mvcc

import (
	"github.com/ccdb-project/ccdb/pkg/model"
)

// Version is one physical version of an object. The meaning of WTS
// differs by variant: under MVTO it is the writer's tid and a version is
// visible the instant it is appended (no commit step); under MV2PL and
// Snapshot Isolation it starts at Uncommitted and is stamped with a real
// commit timestamp only once the writer commits.
type Version struct {
	Data      map[string]model.Value
	Deleted   bool // a DELETE statement passes a nil Data map to signal this
	WriterTID uint64
	WTS       int64
	RTS       int64 // high-water mark of readers (MVTO only)
	Committed bool
}

// Uncommitted marks a version whose writer has not yet committed, under
// the variants that defer visibility to commit time.
const Uncommitted = int64(-1)

// Store is a per-object chain of versions, kept in ascending WTS order.
type Store struct {
	chains map[int64][]*Version
	maxLen int
}

// NewStore constructs a version store that prunes each object's chain
// down to at most maxLen committed versions (spec's MaxVersionsPerObject).
func NewStore(maxLen int) *Store {
	if maxLen <= 0 {
		maxLen = 1
	}
	return &Store{chains: make(map[int64][]*Version), maxLen: maxLen}
}

// Chain returns objectID's version list, oldest first.
func (s *Store) Chain(objectID int64) []*Version {
	return s.chains[objectID]
}

// Append adds v to objectID's chain and prunes excess committed history.
func (s *Store) Append(objectID int64, v *Version) {
	s.chains[objectID] = append(s.chains[objectID], v)
	s.prune(objectID)
}

// prune drops the oldest committed versions once more than maxLen
// committed versions have accumulated, always keeping at least one
// version and never dropping an uncommitted one.
func (s *Store) prune(objectID int64) {
	chain := s.chains[objectID]
	committed := 0
	for _, v := range chain {
		if v.Committed {
			committed++
		}
	}
	for committed > s.maxLen && len(chain) > 1 {
		if !chain[0].Committed {
			break
		}
		chain = chain[1:]
		committed--
	}
	s.chains[objectID] = chain
}

// LatestCommittedAsOf returns the newest committed version whose WTS is
// <= ts, or nil if none qualifies.
func (s *Store) LatestCommittedAsOf(objectID int64, ts int64) *Version {
	var best *Version
	for _, v := range s.chains[objectID] {
		if !v.Committed || v.WTS > ts {
			continue
		}
		if best == nil || v.WTS > best.WTS {
			best = v
		}
	}
	return best
}

// LatestVisible returns the newest version (committed or not) whose WTS
// is <= ts, used by MVTO where an uncommitted version is already visible
// to any transaction whose ts qualifies.
func (s *Store) LatestVisible(objectID int64, ts int64) *Version {
	var best *Version
	for _, v := range s.chains[objectID] {
		if v.WTS == Uncommitted || v.WTS > ts {
			continue
		}
		if best == nil || v.WTS > best.WTS {
			best = v
		}
	}
	return best
}

// RemoveByWriter deletes every version objectID's chain that writer
// produced (MVTO cascading rollback).
func (s *Store) RemoveByWriter(objectID int64, writer uint64) {
	chain := s.chains[objectID]
	kept := chain[:0]
	for _, v := range chain {
		if v.WriterTID != writer {
			kept = append(kept, v)
		}
	}
	s.chains[objectID] = kept
}

// RemoveUncommittedByWriter deletes writer's not-yet-committed version
// from objectID's chain (MV2PL/SI abort).
func (s *Store) RemoveUncommittedByWriter(objectID int64, writer uint64) {
	chain := s.chains[objectID]
	kept := chain[:0]
	for _, v := range chain {
		if v.WriterTID == writer && !v.Committed {
			continue
		}
		kept = append(kept, v)
	}
	s.chains[objectID] = kept
}

// Objects returns every object id with a version chain, for iterating
// pending writes at commit time.
func (s *Store) Objects() []int64 {
	ids := make([]int64, 0, len(s.chains))
	for id := range s.chains {
		ids = append(ids, id)
	}
	return ids
}
