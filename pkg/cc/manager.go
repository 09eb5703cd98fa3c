package cc

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ccdb-project/ccdb/pkg/model"
	"github.com/ccdb-project/ccdb/pkg/transaction"
)

// cascadeDrainer and woundDrainer are optional capabilities an Algorithm
// may implement when adjudicating one transaction can force others into
// abort: MVTOManager.TakeCascaded and MV2PLManager.TakeWounded. The
// Manager drains both after every call so the coordinator always learns
// about every victim through the same Response.Cascaded field, regardless
// of which multi-version variant is active.
type cascadeDrainer interface{ TakeCascaded() []uint64 }
type woundDrainer interface{ TakeWounded() []uint64 }

type pendingKey struct {
	objectID int64
	typ      transaction.ActionType
}

// Manager is the strategy-selecting facade spec §4.9 describes: it owns
// the single active Algorithm, the transaction table, and the next-tid
// counter. It never touches storage, the write-ahead log, or the
// transaction buffer directly — tearing down a denied or cascaded
// transaction's storage and buffer state is the coordinator's job (spec
// §7), so that CC state rollback and storage/WAL rollback stay under one
// point of control.
type Manager struct {
	mu        sync.Mutex
	algorithm Algorithm
	txns      map[uint64]*transaction.Transaction
	pending   map[uint64]map[pendingKey]*transaction.Action
	nextTID   uint64
	nextAID   uint64
	logger    *slog.Logger
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithLogger overrides the manager's logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager constructs a CC manager running algorithm. Strategy swaps
// are only possible later via SetAlgorithm, and only while no transaction
// is active (spec §4.9).
func NewManager(algorithm Algorithm, opts ...Option) *Manager {
	m := &Manager{
		algorithm: algorithm,
		txns:      make(map[uint64]*transaction.Transaction),
		pending:   make(map[uint64]map[pendingKey]*transaction.Action),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetAlgorithm swaps the active strategy. It refuses while any
// transaction is active (spec §4.9).
func (m *Manager) SetAlgorithm(algorithm Algorithm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.txns) > 0 {
		return fmt.Errorf("cc: cannot change algorithm while %d transaction(s) are active", len(m.txns))
	}
	m.algorithm = algorithm
	return nil
}

// BeginTransaction allocates a fresh tid and registers an Active
// transaction, returning the tid (spec §4.9's begin_transaction).
func (m *Manager) BeginTransaction() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTID++
	tid := m.nextTID
	m.txns[tid] = transaction.New(tid)
	m.pending[tid] = make(map[pendingKey]*transaction.Action)
	m.logger.Debug("transaction begun", "tid", tid)
	return tid
}

// Transaction returns tid's record, if it is still tracked.
func (m *Manager) Transaction(tid uint64) (*transaction.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[tid]
	return t, ok
}

// ValidateObject adjudicates one Action referencing row for tid (spec
// §4.9's validate_object): it creates or retries the Action tracking this
// statement's reference to the object, delegates to the active algorithm,
// and logs the outcome. A statement that keeps blocking past
// transaction.MaxRetries is itself declared an abort here — the
// coordinator still performs the actual teardown.
func (m *Manager) ValidateObject(tid uint64, row model.Row, action transaction.ActionType) Response {
	m.mu.Lock()
	t, ok := m.txns[tid]
	if !ok || t.Status != transaction.Active {
		m.mu.Unlock()
		return AbortResponse(fmt.Sprintf("transaction %d aborted: not active", tid))
	}
	key := pendingKey{row.ObjectID, action}
	act, exists := m.pending[tid][key]
	if !exists {
		m.nextAID++
		act = t.AddAction(m.nextAID, row.ObjectID, action)
		m.pending[tid][key] = act
	}
	m.mu.Unlock()

	resp := m.algorithm.CheckPermission(t, row, action)
	resp.Cascaded = append(resp.Cascaded, m.drainSideEffects()...)

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case resp.Allowed:
		act.Status = transaction.Executed
		delete(m.pending[tid], key)
	case resp.Waiting:
		act.Status = transaction.Blocked
		act.RetryCount++
		act.BlockedAt = time.Now()
		if act.RetryCount > transaction.MaxRetries {
			delete(m.pending[tid], key)
			m.logger.Warn("action exceeded retry limit, declaring abort", "tid", tid, "object", row.ObjectID)
			return AbortResponse(fmt.Sprintf("transaction %d aborted: exceeded retry limit on object %d", tid, row.ObjectID))
		}
	default:
		act.Status = transaction.Denied
		delete(m.pending[tid], key)
	}
	m.logger.Debug("validate_object", "tid", tid, "object", row.ObjectID, "action", action, "allowed", resp.Allowed, "waiting", resp.Waiting)
	return resp
}

// EndTransaction attempts to commit tid via the active algorithm and
// transitions it through PartiallyCommitted -> Committed -> Terminated on
// success, or Failed -> Aborted -> Terminated on failure (spec §4.9).
// Either way tid is removed from the transaction table; the caller has
// already seen the terminal Response.
func (m *Manager) EndTransaction(tid uint64) Response {
	m.mu.Lock()
	t, ok := m.txns[tid]
	if !ok {
		m.mu.Unlock()
		return AbortResponse(fmt.Sprintf("transaction %d aborted: unknown transaction", tid))
	}
	t.Status = transaction.PartiallyCommitted
	m.mu.Unlock()

	resp := m.algorithm.Commit(t)
	resp.Cascaded = append(resp.Cascaded, m.drainSideEffects()...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if resp.Allowed {
		t.Status = transaction.Committed
		m.logger.Debug("transaction committed", "tid", tid)
	} else {
		t.Status = transaction.Failed
		t.Status = transaction.Aborted
		m.logger.Warn("transaction failed at commit", "tid", tid, "message", resp.Message)
	}
	t.FinishTS = time.Now()
	t.Status = transaction.Terminated
	delete(m.txns, tid)
	delete(m.pending, tid)
	return resp
}

// AbortTransaction tears tid's CC-level state down: the active algorithm
// releases whatever it was holding (locks, versions, read/write sets),
// and tid transitions Failed -> Aborted -> Terminated. Used both for an
// explicit client ABORT and for a victim the coordinator has decided to
// tear down (a denied statement, a cascaded/wounded tid).
func (m *Manager) AbortTransaction(tid uint64) Response {
	m.mu.Lock()
	t, ok := m.txns[tid]
	if !ok {
		m.mu.Unlock()
		return AbortResponse(fmt.Sprintf("transaction %d aborted: unknown transaction", tid))
	}
	t.Status = transaction.Failed
	t.RollbackCount++
	m.mu.Unlock()

	resp := m.algorithm.Abort(t)
	resp.Cascaded = append(resp.Cascaded, m.drainSideEffects()...)

	m.mu.Lock()
	defer m.mu.Unlock()
	t.Status = transaction.Aborted
	t.FinishTS = time.Now()
	t.Status = transaction.Terminated
	delete(m.txns, tid)
	delete(m.pending, tid)
	m.logger.Debug("transaction aborted", "tid", tid)
	return resp
}

func (m *Manager) drainSideEffects() []uint64 {
	var out []uint64
	if d, ok := m.algorithm.(cascadeDrainer); ok {
		out = append(out, d.TakeCascaded()...)
	}
	if d, ok := m.algorithm.(woundDrainer); ok {
		out = append(out, d.TakeWounded()...)
	}
	return out
}
