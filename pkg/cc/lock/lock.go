// Package lock implements the 2PL concurrency-control algorithm (spec
// §4.5): a per-object lock table with FIFO waiters, a wait-for graph
// rebuilt from scratch on every denial, DFS cycle detection, and
// wound-youngest victim selection. The DFS-with-recursion-stack shape is
// grounded on the corpus's own periodic deadlock detector (an in-memory
// MVCC map's runDeadlockDetector/detectDeadlocks), adapted here to run
// synchronously on denial rather than on a ticker, and generalized from
// a single-edge wait-for map to one object's waiter can conflict with
// several granted holders at once.
package lock

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ccdb-project/ccdb/pkg/cc"
	"github.com/ccdb-project/ccdb/pkg/model"
	"github.com/ccdb-project/ccdb/pkg/transaction"
)

// Mode is a lock's access mode.
type Mode int

const (
	ReadLock Mode = iota
	WriteLock
)

func conflicts(a, b Mode) bool {
	return a == WriteLock || b == WriteLock
}

type entry struct {
	tid         uint64
	mode        Mode
	granted     bool
	requestedAt time.Time
	waitStart   time.Time
}

// Manager is the 2PL lock manager. One Manager instance backs one CC
// manager configured with config.LockBased.
type Manager struct {
	mu      sync.Mutex
	table   map[int64][]*entry // object id -> granted entries, then FIFO waiters
	timeout time.Duration
	logger  *slog.Logger
}

// New constructs a lock manager whose waiters expire after timeoutSeconds
// (spec §6 default: 30).
func New(timeoutSeconds float64) *Manager {
	return &Manager{
		table:   make(map[int64][]*entry),
		timeout: time.Duration(timeoutSeconds * float64(time.Second)),
		logger:  slog.Default(),
	}
}

var _ cc.Algorithm = (*Manager)(nil)

// CheckPermission implements acquire(object_id, tid, mode) from spec §4.5.
func (m *Manager) CheckPermission(t *transaction.Transaction, row model.Row, action transaction.ActionType) cc.Response {
	mode := ReadLock
	if action == transaction.Write {
		mode = WriteLock
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.table[row.ObjectID]

	for _, e := range entries {
		if e.tid != t.TID || !e.granted {
			continue
		}
		if e.mode == WriteLock || mode == ReadLock {
			return cc.Allow(&row)
		}
		// R-to-W upgrade: succeeds iff no other transaction holds a
		// conflicting lock on this object.
		if !m.hasConflictingHolder(entries, t.TID, mode) {
			e.mode = WriteLock
			return cc.Allow(&row)
		}
		e.granted = false
		e.waitStart = time.Now()
		return m.denyAndDetect(row.ObjectID, t)
	}

	if !m.hasConflictingHolder(entries, t.TID, mode) {
		m.table[row.ObjectID] = append(entries, &entry{tid: t.TID, mode: mode, granted: true, requestedAt: time.Now()})
		return cc.Allow(&row)
	}

	now := time.Now()
	m.table[row.ObjectID] = append(entries, &entry{tid: t.TID, mode: mode, requestedAt: now, waitStart: now})
	return m.denyAndDetect(row.ObjectID, t)
}

func (m *Manager) hasConflictingHolder(entries []*entry, tid uint64, mode Mode) bool {
	for _, e := range entries {
		if e.granted && e.tid != tid && conflicts(mode, e.mode) {
			return true
		}
	}
	return false
}

// denyAndDetect handles a denied request: check this tid's own waiter for
// expiry, then rebuild the wait-for graph and run deadlock detection.
// Caller holds m.mu.
func (m *Manager) denyAndDetect(objectID int64, t *transaction.Transaction) cc.Response {
	for _, e := range m.table[objectID] {
		if e.tid == t.TID && !e.granted && time.Since(e.waitStart) > m.timeout {
			m.removeEntryLocked(objectID, t.TID)
			return cc.Block("lock wait timed out")
		}
	}

	graph := m.buildWaitForGraphLocked()
	if cycle := detectCycle(graph); cycle != nil {
		victim := youngest(cycle)
		m.logger.Warn("deadlock detected", "cycle", cycle, "victim", victim)
		if victim == t.TID {
			m.releaseAllLocked(t.TID)
			return cc.AbortResponse(fmt.Sprintf("transaction %d aborted: wound-youngest deadlock victim", t.TID))
		}
	}
	return cc.Block("row locked by another transaction")
}

// buildWaitForGraphLocked rebuilds tid -> set(tid) from scratch over the
// current lock table: for every object with a waiter and a granted
// holder, add an edge from the waiter to each conflicting holder.
func (m *Manager) buildWaitForGraphLocked() map[uint64][]uint64 {
	graph := make(map[uint64][]uint64)
	for _, entries := range m.table {
		for _, waiter := range entries {
			if waiter.granted {
				continue
			}
			for _, holder := range entries {
				if holder.granted && holder.tid != waiter.tid && conflicts(waiter.mode, holder.mode) {
					graph[waiter.tid] = append(graph[waiter.tid], holder.tid)
				}
			}
		}
	}
	return graph
}

func detectCycle(graph map[uint64][]uint64) []uint64 {
	visited := make(map[uint64]bool)
	inStack := make(map[uint64]bool)
	var stack []uint64

	var dfs func(uint64) []uint64
	dfs = func(n uint64) []uint64 {
		visited[n] = true
		inStack[n] = true
		stack = append(stack, n)
		for _, next := range graph[n] {
			if inStack[next] {
				for i, id := range stack {
					if id == next {
						return append([]uint64(nil), stack[i:]...)
					}
				}
			}
			if !visited[next] {
				if cycle := dfs(next); cycle != nil {
					return cycle
				}
			}
		}
		inStack[n] = false
		stack = stack[:len(stack)-1]
		return nil
	}

	for n := range graph {
		if !visited[n] {
			if cycle := dfs(n); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func youngest(cycle []uint64) uint64 {
	var victim uint64
	for _, id := range cycle {
		if id > victim {
			victim = id
		}
	}
	return victim
}

// Commit releases every lock tid holds.
func (m *Manager) Commit(t *transaction.Transaction) cc.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseAllLocked(t.TID)
	return cc.Allow(nil)
}

// Abort releases every lock tid holds.
func (m *Manager) Abort(t *transaction.Transaction) cc.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseAllLocked(t.TID)
	return cc.Allow(nil)
}

// releaseAllLocked removes every entry tid owns from every object's list,
// then grants as many FIFO waiters as remain compatible on each touched
// object, stopping after the first write grant. Caller holds m.mu.
func (m *Manager) releaseAllLocked(tid uint64) {
	for objectID, entries := range m.table {
		touched := false
		kept := entries[:0]
		for _, e := range entries {
			if e.tid == tid {
				touched = true
				continue
			}
			kept = append(kept, e)
		}
		if !touched {
			continue
		}
		m.table[objectID] = kept
		m.grantWaitersLocked(objectID)
	}
}

func (m *Manager) removeEntryLocked(objectID int64, tid uint64) {
	entries := m.table[objectID]
	kept := entries[:0]
	for _, e := range entries {
		if e.tid != tid {
			kept = append(kept, e)
		}
	}
	m.table[objectID] = kept
}

func (m *Manager) grantWaitersLocked(objectID int64) {
	entries := m.table[objectID]
	for _, waiter := range entries {
		if waiter.granted {
			continue
		}
		if m.hasConflictingHolder(entries, waiter.tid, waiter.mode) {
			continue
		}
		waiter.granted = true
		if waiter.mode == WriteLock {
			break
		}
	}
}
