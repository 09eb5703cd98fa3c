package mvcc

import (
	"fmt"
	"sync"

	"github.com/ccdb-project/ccdb/pkg/cc"
	"github.com/ccdb-project/ccdb/pkg/model"
	"github.com/ccdb-project/ccdb/pkg/transaction"
)

// CommitPolicy selects how Snapshot Isolation resolves two transactions
// that wrote the same object (spec §4.8).
type CommitPolicy int

const (
	// FirstCommitterWins lets writes proceed unchecked and only detects
	// the conflict at commit time.
	FirstCommitterWins CommitPolicy = iota
	// FirstUpdaterWins reserves an object the instant it is first
	// written, aborting any other transaction that tries to write it
	// before the reservation is released.
	FirstUpdaterWins
)

// SIManager implements Snapshot Isolation: every read sees the newest
// version committed before the transaction's snapshot was taken, and
// writes are buffered privately until commit.
type SIManager struct {
	mu sync.Mutex

	store       *Store
	policy      CommitPolicy
	commitTS    int64
	snapshotTS  map[uint64]int64
	buffered    map[uint64]map[int64]*Version // tid -> objectID -> pending version
	reservation map[int64]uint64              // FirstUpdaterWins: objectID -> reserving tid
}

// NewSIManager constructs a Snapshot Isolation manager using policy.
func NewSIManager(maxVersions int, policy CommitPolicy) *SIManager {
	return &SIManager{
		store:       NewStore(maxVersions),
		policy:      policy,
		snapshotTS:  make(map[uint64]int64),
		buffered:    make(map[uint64]map[int64]*Version),
		reservation: make(map[int64]uint64),
	}
}

var _ cc.Algorithm = (*SIManager)(nil)

func (m *SIManager) snapshotFor(tid uint64) int64 {
	if ts, ok := m.snapshotTS[tid]; ok {
		return ts
	}
	m.snapshotTS[tid] = m.commitTS
	return m.commitTS
}

// CheckPermission implements SI's read and buffered-write rules.
func (m *SIManager) CheckPermission(t *transaction.Transaction, row model.Row, action transaction.ActionType) cc.Response {
	m.mu.Lock()
	defer m.mu.Unlock()

	objectID := row.ObjectID
	ts := m.snapshotFor(t.TID)

	if action == transaction.Read {
		if pending, ok := m.buffered[t.TID][objectID]; ok {
			if pending.Deleted {
				return cc.Allow(nil)
			}
			out := model.Row{Table: row.Table, ObjectID: objectID, Data: pending.Data}
			return cc.Allow(&out)
		}
		v := m.store.LatestCommittedAsOf(objectID, ts)
		if v == nil {
			return cc.Allow(&row)
		}
		if v.Deleted {
			return cc.Allow(nil)
		}
		out := model.Row{Table: row.Table, ObjectID: objectID, Data: v.Data}
		return cc.Allow(&out)
	}

	if m.policy == FirstUpdaterWins {
		if owner, reserved := m.reservation[objectID]; reserved && owner != t.TID {
			return cc.AbortResponse(fmt.Sprintf("transaction %d aborted: first-updater-wins conflict with transaction %d on object %d", t.TID, owner, objectID))
		}
		m.reservation[objectID] = t.TID
	}

	if m.buffered[t.TID] == nil {
		m.buffered[t.TID] = make(map[int64]*Version)
	}
	m.buffered[t.TID][objectID] = &Version{Data: row.Data, WriterTID: t.TID, WTS: Uncommitted, Deleted: row.Data == nil}
	return cc.Allow(&row)
}

// Commit validates (under FirstCommitterWins) and then publishes every
// buffered write under one fresh global commit timestamp.
func (m *SIManager) Commit(t *transaction.Transaction) cc.Response {
	m.mu.Lock()
	defer m.mu.Unlock()

	writes := m.buffered[t.TID]
	ts := m.snapshotFor(t.TID)

	if m.policy == FirstCommitterWins {
		for objectID := range writes {
			for _, v := range m.store.Chain(objectID) {
				if v.Committed && v.WTS > ts {
					m.cleanupLocked(t.TID)
					return cc.AbortResponse(fmt.Sprintf("transaction %d aborted: first-committer-wins conflict on object %d", t.TID, objectID))
				}
			}
		}
	}

	m.commitTS++
	commitTS := m.commitTS
	for objectID, pending := range writes {
		pending.WTS = commitTS
		pending.RTS = commitTS
		pending.Committed = true
		m.store.Append(objectID, pending)
	}
	m.cleanupLocked(t.TID)
	return cc.Allow(nil)
}

// Abort discards t's buffered writes and any reservation it holds.
func (m *SIManager) Abort(t *transaction.Transaction) cc.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked(t.TID)
	return cc.Allow(nil)
}

func (m *SIManager) cleanupLocked(tid uint64) {
	for objectID, owner := range m.reservation {
		if owner == tid {
			delete(m.reservation, objectID)
		}
	}
	delete(m.buffered, tid)
	delete(m.snapshotTS, tid)
}
