// Package occ implements backward-validation optimistic concurrency
// control (spec §4.7): transactions run unchecked through their read and
// write phases, recording the objects they touched, and are validated
// only at commit against every other transaction that validated first.
package occ

import (
	"fmt"
	"sync"

	"github.com/ccdb-project/ccdb/pkg/cc"
	"github.com/ccdb-project/ccdb/pkg/model"
	"github.com/ccdb-project/ccdb/pkg/transaction"
)

type txState struct {
	readSet      map[int64]bool
	writeSet     map[int64]bool
	startTS      uint64 // snapshot of m.counter when this transaction was first seen
	validationTS uint64
	validated    bool
}

// Manager is the optimistic-validation algorithm. It never blocks a
// statement during the read/write phase — every CheckPermission call is
// allowed unconditionally, and all the real adjudication happens inside
// Commit.
type Manager struct {
	mu      sync.Mutex
	tx      map[uint64]*txState
	counter uint64
}

// New constructs an empty OCC manager.
func New() *Manager {
	return &Manager{tx: make(map[uint64]*txState)}
}

var _ cc.Algorithm = (*Manager)(nil)

func (m *Manager) stateFor(tid uint64) *txState {
	s, ok := m.tx[tid]
	if !ok {
		s = &txState{readSet: make(map[int64]bool), writeSet: make(map[int64]bool), startTS: m.counter}
		m.tx[tid] = s
	}
	return s
}

// CheckPermission always allows during the read/write phase, recording
// which set (or both, for a read-modify-write) the object belongs to.
func (m *Manager) CheckPermission(t *transaction.Transaction, row model.Row, action transaction.ActionType) cc.Response {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stateFor(t.TID)
	if action == transaction.Read {
		s.readSet[row.ObjectID] = true
	} else {
		s.writeSet[row.ObjectID] = true
	}
	return cc.Allow(&row)
}

// Commit performs backward validation: T is assigned the next validation
// timestamp, then checked against every other transaction U that validated
// during T's lifetime (U.validationTS in [T.startTS, T.validationTS)). A U
// that validated before T even started can't conflict: T's reads only ever
// observe live storage, so they already saw U's effects. T fails if U's
// write set intersects T's read or write set.
func (m *Manager) Commit(t *transaction.Transaction) cc.Response {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stateFor(t.TID)
	m.counter++
	s.validationTS = m.counter

	for otherTID, other := range m.tx {
		if otherTID == t.TID || !other.validated {
			continue
		}
		if other.validationTS < s.startTS || other.validationTS >= s.validationTS {
			continue
		}
		if intersects(other.writeSet, s.readSet) || intersects(other.writeSet, s.writeSet) {
			delete(m.tx, t.TID)
			return cc.AbortResponse(fmt.Sprintf("transaction %d aborted: failed backward validation against transaction %d", t.TID, otherTID))
		}
	}

	s.validated = true
	m.pruneLocked()
	return cc.Allow(nil)
}

// Abort discards T's read/write sets without validating them.
func (m *Manager) Abort(t *transaction.Transaction) cc.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tx, t.TID)
	m.pruneLocked()
	return cc.Allow(nil)
}

// pruneLocked drops validated entries that no transaction, present or
// future, can still need to check against, keeping m.tx bounded across a
// long-running process instead of growing with every commit. Commit only
// ever consults a validated U where U.validationTS >= T.startTS, and
// startTS is a snapshot of the monotonic counter taken when a transaction
// is first seen; so once every still-active (not yet validated) tid has a
// startTS past U's validationTS, no active transaction can reach U, and
// any transaction started from here on gets a startTS >= the current
// counter, which is already past U too.
func (m *Manager) pruneLocked() {
	horizon := m.counter
	for _, other := range m.tx {
		if !other.validated && other.startTS < horizon {
			horizon = other.startTS
		}
	}
	for tid, s := range m.tx {
		if s.validated && s.validationTS < horizon {
			delete(m.tx, tid)
		}
	}
}

func intersects(a, b map[int64]bool) bool {
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	for id := range small {
		if large[id] {
			return true
		}
	}
	return false
}
