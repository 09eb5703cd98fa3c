// Package tso implements the timestamp-ordering concurrency-control
// algorithm (spec §4.6): every transaction's timestamp is its tid, every
// object carries a read-timestamp and a write-timestamp, and a statement
// is denied outright (never queued) the moment it would violate
// timestamp order — there is no waiting and no lock state to release.
package tso

import (
	"fmt"
	"sync"

	"github.com/ccdb-project/ccdb/pkg/cc"
	"github.com/ccdb-project/ccdb/pkg/model"
	"github.com/ccdb-project/ccdb/pkg/transaction"
)

type stamps struct {
	readTS  uint64
	writeTS uint64
}

// Manager is the timestamp-ordering algorithm. One instance is shared by
// every transaction; there is no per-transaction state to track beyond
// tid itself.
type Manager struct {
	mu    sync.Mutex
	stamp map[int64]*stamps
}

// New constructs an empty timestamp-ordering manager.
func New() *Manager {
	return &Manager{stamp: make(map[int64]*stamps)}
}

var _ cc.Algorithm = (*Manager)(nil)

func (m *Manager) stampFor(objectID int64) *stamps {
	s, ok := m.stamp[objectID]
	if !ok {
		s = &stamps{}
		m.stamp[objectID] = s
	}
	return s
}

// CheckPermission implements the read/write rules from spec §4.6.
func (m *Manager) CheckPermission(t *transaction.Transaction, row model.Row, action transaction.ActionType) cc.Response {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stampFor(row.ObjectID)
	ts := t.TID

	if action == transaction.Read {
		if ts < s.writeTS {
			return cc.AbortResponse(fmt.Sprintf("transaction %d aborted: read timestamp %d precedes write timestamp %d", t.TID, ts, s.writeTS))
		}
		if ts > s.readTS {
			s.readTS = ts
		}
		return cc.Allow(&row)
	}

	if ts < s.readTS || ts < s.writeTS {
		return cc.AbortResponse(fmt.Sprintf("transaction %d aborted: write timestamp %d precedes existing read/write timestamps (%d/%d)", t.TID, ts, s.readTS, s.writeTS))
	}
	s.writeTS = ts
	return cc.Allow(&row)
}

// Commit is a no-op: timestamp ordering retains no per-transaction lock
// state past each statement.
func (m *Manager) Commit(t *transaction.Transaction) cc.Response {
	return cc.Allow(nil)
}

// Abort is a no-op for the same reason.
func (m *Manager) Abort(t *transaction.Transaction) cc.Response {
	return cc.Allow(nil)
}
