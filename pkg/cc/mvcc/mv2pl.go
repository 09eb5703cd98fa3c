package mvcc

import (
	"fmt"
	"math"
	"sync"

	"github.com/ccdb-project/ccdb/pkg/cc"
	"github.com/ccdb-project/ccdb/pkg/model"
	"github.com/ccdb-project/ccdb/pkg/transaction"
)

// MV2PLManager implements multi-version two-phase locking (spec §4.8):
// reads always see the latest committed version and never lock (the
// read-only-transaction optimization is applied uniformly, since an
// update transaction's own reads-before-its-first-write gain nothing
// from S-locking a version nobody else can yet see); writes take an
// exclusive per-object lock under wound-wait deadlock prevention — an
// older requester wounds a younger holder instead of waiting for it.
type MV2PLManager struct {
	mu sync.Mutex

	store      *Store
	lockOwner  map[int64]uint64          // objectID -> tid holding its X lock
	held       map[uint64]map[int64]bool // tid -> set of objectIDs it holds
	commitTS   int64
	wounded    []uint64
}

// NewMV2PLManager constructs an MV2PL manager over a fresh version store.
func NewMV2PLManager(maxVersions int) *MV2PLManager {
	return &MV2PLManager{
		store:     NewStore(maxVersions),
		lockOwner: make(map[int64]uint64),
		held:      make(map[uint64]map[int64]bool),
	}
}

var _ cc.Algorithm = (*MV2PLManager)(nil)

// CheckPermission implements the read/write rules above.
func (m *MV2PLManager) CheckPermission(t *transaction.Transaction, row model.Row, action transaction.ActionType) cc.Response {
	m.mu.Lock()
	defer m.mu.Unlock()

	objectID := row.ObjectID

	if action == transaction.Read {
		v := m.store.LatestCommittedAsOf(objectID, math.MaxInt64)
		if v == nil {
			return cc.Allow(&row)
		}
		if v.Deleted {
			return cc.Allow(nil)
		}
		out := model.Row{Table: row.Table, ObjectID: objectID, Data: v.Data}
		return cc.Allow(&out)
	}

	if owner, locked := m.lockOwner[objectID]; locked && owner != t.TID {
		if t.TID < owner {
			m.woundLocked(owner)
		} else {
			return cc.Block(fmt.Sprintf("object %d X-locked by transaction %d", objectID, owner))
		}
	}

	m.lockOwner[objectID] = t.TID
	if m.held[t.TID] == nil {
		m.held[t.TID] = make(map[int64]bool)
	}
	m.held[t.TID][objectID] = true

	deleted := row.Data == nil
	for _, v := range m.store.Chain(objectID) {
		if v.WriterTID == t.TID && !v.Committed {
			v.Data = row.Data
			v.Deleted = deleted
			return cc.Allow(&row)
		}
	}
	m.store.Append(objectID, &Version{Data: row.Data, WriterTID: t.TID, WTS: Uncommitted, Deleted: deleted})
	return cc.Allow(&row)
}

// woundLocked force-releases owner's locks and discards its uncommitted
// versions; the caller (the cc manager, via TakeWounded) must still abort
// owner's transaction record.
func (m *MV2PLManager) woundLocked(owner uint64) {
	for objectID := range m.held[owner] {
		m.store.RemoveUncommittedByWriter(objectID, owner)
		delete(m.lockOwner, objectID)
	}
	delete(m.held, owner)
	m.wounded = append(m.wounded, owner)
}

// TakeWounded drains and returns the tids CheckPermission has wounded
// since the last call. The owning cc manager must abort each of them.
func (m *MV2PLManager) TakeWounded() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.wounded
	m.wounded = nil
	return out
}

// Commit stamps every version t wrote with a fresh global commit
// timestamp and releases its locks.
func (m *MV2PLManager) Commit(t *transaction.Transaction) cc.Response {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.commitTS++
	ts := m.commitTS
	for objectID := range m.held[t.TID] {
		for _, v := range m.store.Chain(objectID) {
			if v.WriterTID == t.TID && !v.Committed {
				v.WTS = ts
				v.RTS = ts
				v.Committed = true
			}
		}
		delete(m.lockOwner, objectID)
	}
	delete(m.held, t.TID)
	return cc.Allow(nil)
}

// Abort discards t's uncommitted versions and releases its locks.
func (m *MV2PLManager) Abort(t *transaction.Transaction) cc.Response {
	m.mu.Lock()
	defer m.mu.Unlock()

	for objectID := range m.held[t.TID] {
		m.store.RemoveUncommittedByWriter(objectID, t.TID)
		delete(m.lockOwner, objectID)
	}
	delete(m.held, t.TID)
	return cc.Allow(nil)
}
