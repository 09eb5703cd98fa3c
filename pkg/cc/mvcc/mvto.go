package mvcc

import (
	"fmt"
	"sync"

	"github.com/ccdb-project/ccdb/pkg/cc"
	"github.com/ccdb-project/ccdb/pkg/model"
	"github.com/ccdb-project/ccdb/pkg/transaction"
)

// MVTOManager implements multi-version timestamp ordering (spec §4.8): a
// transaction's timestamp is its tid, a write is immediately visible to
// any transaction whose ts qualifies (no commit-time stamping), and an
// abort cascades to every transaction that has already read a version
// the aborted one wrote.
type MVTOManager struct {
	mu sync.Mutex

	store *Store
	ts    map[uint64]int64            // tid -> current timestamp
	reads map[uint64]map[int64]int64  // tid -> objectID -> WTS of the version it read
	wrote map[uint64]map[int64]bool   // tid -> set of objectIDs it wrote
	cascaded []uint64                 // tids the last Abort forced to cascade-abort; drained by TakeCascaded
}

// NewMVTOManager constructs an MVTO manager over a fresh version store.
func NewMVTOManager(maxVersions int) *MVTOManager {
	return &MVTOManager{
		store: NewStore(maxVersions),
		ts:    make(map[uint64]int64),
		reads: make(map[uint64]map[int64]int64),
		wrote: make(map[uint64]map[int64]bool),
	}
}

var _ cc.Algorithm = (*MVTOManager)(nil)

func (m *MVTOManager) tsFor(tid uint64) int64 {
	if ts, ok := m.ts[tid]; ok {
		return ts
	}
	ts := int64(tid)
	m.ts[tid] = ts
	return ts
}

// CheckPermission implements the MVTO read/write rules from spec §4.8.
func (m *MVTOManager) CheckPermission(t *transaction.Transaction, row model.Row, action transaction.ActionType) cc.Response {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.tsFor(t.TID)
	objectID := row.ObjectID

	if action == transaction.Read {
		v := m.store.LatestVisible(objectID, ts)
		if m.reads[t.TID] == nil {
			m.reads[t.TID] = make(map[int64]int64)
		}
		if v == nil {
			m.reads[t.TID][objectID] = 0
			return cc.Allow(&row)
		}
		if v.RTS < ts {
			v.RTS = ts
		}
		m.reads[t.TID][objectID] = v.WTS
		if v.Deleted {
			return cc.Allow(nil)
		}
		out := model.Row{Table: row.Table, ObjectID: objectID, Data: v.Data}
		return cc.Allow(&out)
	}

	chain := m.store.Chain(objectID)
	var latest *Version
	if len(chain) > 0 {
		latest = chain[len(chain)-1]
	}
	if latest != nil && ts < latest.RTS {
		return cc.AbortResponse(fmt.Sprintf("transaction %d aborted: stale write behind read timestamp %d", t.TID, latest.RTS))
	}

	deleted := row.Data == nil
	if latest != nil && latest.WTS == ts {
		latest.Data = row.Data
		latest.Deleted = deleted
	} else {
		m.store.Append(objectID, &Version{Data: row.Data, WriterTID: t.TID, WTS: ts, Committed: true, Deleted: deleted})
	}
	if m.wrote[t.TID] == nil {
		m.wrote[t.TID] = make(map[int64]bool)
	}
	m.wrote[t.TID][objectID] = true
	return cc.Allow(&row)
}

// Commit is a no-op: MVTO versions are visible as soon as they are
// written, so there is nothing left to do at commit beyond forgetting
// this transaction's bookkeeping.
func (m *MVTOManager) Commit(t *transaction.Transaction) cc.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ts, t.TID)
	delete(m.reads, t.TID)
	delete(m.wrote, t.TID)
	return cc.Allow(nil)
}

// Abort removes every version t wrote and cascades the abort to every
// transaction that read one of them, per spec §4.8's cascading rollback.
// The cascaded tids are recorded for the caller to retrieve via
// TakeCascaded and abort in turn.
func (m *MVTOManager) Abort(t *transaction.Transaction) cc.Response {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cascaded []uint64
	processed := map[uint64]bool{}
	queue := []uint64{t.TID}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if processed[cur] {
			continue
		}
		processed[cur] = true
		curTS := m.tsFor(cur)

		for objectID := range m.wrote[cur] {
			m.store.RemoveByWriter(objectID, cur)
		}

		for other, reads := range m.reads {
			if processed[other] {
				continue
			}
			for _, wts := range reads {
				if wts == curTS {
					queue = append(queue, other)
					if other != t.TID {
						cascaded = append(cascaded, other)
					}
					break
				}
			}
		}

		delete(m.ts, cur)
		delete(m.reads, cur)
		delete(m.wrote, cur)
	}

	m.cascaded = cascaded
	return cc.Allow(nil)
}

// TakeCascaded drains and returns the tids the most recent Abort forced
// to cascade-abort. The owning cc manager must abort each of them too.
func (m *MVTOManager) TakeCascaded() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.cascaded
	m.cascaded = nil
	return out
}
