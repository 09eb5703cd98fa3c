// Package coordinator wires the storage engine, the transaction buffer,
// the CC manager, and the recovery manager together per statement (spec
// §4.10): it is the single point of control that decides, for every read
// or write, whether to consult storage, overlay the transaction buffer,
// append a log record, or tear a transaction down.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ccdb-project/ccdb/pkg/cc"
	"github.com/ccdb-project/ccdb/pkg/config"
	"github.com/ccdb-project/ccdb/pkg/model"
	"github.com/ccdb-project/ccdb/pkg/recovery"
	"github.com/ccdb-project/ccdb/pkg/storage"
	"github.com/ccdb-project/ccdb/pkg/transaction"
	"github.com/ccdb-project/ccdb/pkg/txbuffer"
)

// Coordinator is the façade every client statement flows through. Beyond
// its collaborators' handles it keeps only a tid -> ClientSession map, so
// a victim's session can be reset; the sessions themselves are
// ClientSession values the caller keeps.
type Coordinator struct {
	cfg     config.Options
	storage *storage.Engine
	buffer  *txbuffer.Buffer
	cc      *cc.Manager
	wal     *recovery.Manager
	logger  *slog.Logger

	mu        sync.Mutex
	bySession map[uint64]*ClientSession
}

// New wires the four collaborators together. None of them are owned
// exclusively by the coordinator (the pack's "singletons become
// explicitly-constructed services" note, spec §9) — callers can share
// them across multiple coordinators in tests.
func New(cfg config.Options, store *storage.Engine, buffer *txbuffer.Buffer, ccMgr *cc.Manager, wal *recovery.Manager, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{cfg: cfg, storage: store, buffer: buffer, cc: ccMgr, wal: wal, logger: logger, bySession: make(map[uint64]*ClientSession)}
}

// Begin allocates a tid for session and logs its start record (spec
// §4.10's BEGIN TRANSACTION handling).
func (c *Coordinator) Begin(session *ClientSession) (uint64, error) {
	if session.tid != 0 {
		return 0, fmt.Errorf("session %s: %w", session.ID, ErrTransactionAlreadyOpen)
	}
	tid := c.cc.BeginTransaction()
	if err := c.wal.Start(tid); err != nil {
		c.cc.AbortTransaction(tid)
		return 0, fmt.Errorf("transaction %d: start log: %w", tid, err)
	}
	session.tid = tid
	c.mu.Lock()
	c.bySession[tid] = session
	c.mu.Unlock()
	return tid, nil
}

// forgetSession releases the coordinator's record of which ClientSession
// owns tid, without touching the session's own tid field (the caller
// decides whether the session's own statement ended the transaction, or
// whether it was a side-effect victim needing its tid reset out from
// under it).
func (c *Coordinator) forgetSession(tid uint64) {
	c.mu.Lock()
	delete(c.bySession, tid)
	c.mu.Unlock()
}

// Commit asks the CC manager to finalize tid first — this is where
// OCC/SI's validation actually runs — and only applies the staged writes
// to storage and forces the WAL commit record once that succeeds (spec
// §4.10). A validation failure discards the buffer and logs an abort
// record instead, so a losing optimistic/SI transaction never lands a
// single write in storage. Any transaction the CC manager reports as
// cascaded into abort is torn down in full before Commit returns.
func (c *Coordinator) Commit(session *ClientSession) error {
	tid := session.tid
	if tid == 0 {
		return fmt.Errorf("session %s: %w", session.ID, ErrNoOpenTransaction)
	}

	resp := c.cc.EndTransaction(tid)
	session.tid = 0
	c.forgetSession(tid)

	if !resp.Allowed {
		c.buffer.Clear(tid)
		if err := c.wal.Abort(tid); err != nil {
			c.logger.Error("commit: failed to log abort of a validation-denied transaction", "tid", tid, "err", err)
		}
		for _, other := range resp.Cascaded {
			c.teardown(other)
		}
		return fmt.Errorf("transaction %d: commit denied: %w", tid, classify(resp.Message))
	}

	for _, other := range resp.Cascaded {
		c.teardown(other)
	}

	if err := c.flushBuffer(tid); err != nil {
		c.buffer.Clear(tid)
		return fmt.Errorf("transaction %d: flush buffer: %w", tid, err)
	}
	if err := c.wal.Commit(tid); err != nil {
		c.buffer.Clear(tid)
		return fmt.Errorf("transaction %d: wal commit: %w", tid, err)
	}
	c.buffer.Clear(tid)
	return nil
}

// Abort discards session's staged writes (nothing was ever applied to
// storage, so there is nothing to undo there), logs the abort record, and
// releases the CC manager's state for tid (spec §4.10).
func (c *Coordinator) Abort(session *ClientSession) error {
	tid := session.tid
	if tid == 0 {
		return fmt.Errorf("session %s: %w", session.ID, ErrNoOpenTransaction)
	}
	c.buffer.Clear(tid)
	if err := c.wal.Abort(tid); err != nil {
		session.tid = 0
		return fmt.Errorf("transaction %d: log abort: %w", tid, err)
	}
	resp := c.cc.AbortTransaction(tid)
	session.tid = 0
	c.forgetSession(tid)
	for _, other := range resp.Cascaded {
		c.teardown(other)
	}
	return nil
}

// teardown fully rolls back a transaction other than the one the caller
// is directly driving: a deadlock/wound-wait victim or an MVTO cascaded
// abort. It undoes tid's WAL-logged writes against storage, discards its
// staged buffer, and releases its CC-level state — the same four steps
// spec §7 assigns to the coordinator for any abort, run here on behalf of
// a transaction whose owning client never asked for it. If tid's
// ClientSession is still holding onto it, its tid is reset to 0 so the
// client is free to BEGIN again; otherwise the client would find its
// session permanently wedged on a transaction that no longer exists.
func (c *Coordinator) teardown(tid uint64) {
	if err := c.wal.RecoverTransaction(tid); err != nil {
		c.logger.Error("teardown: recover transaction failed", "tid", tid, "err", err)
	}
	c.buffer.Clear(tid)
	c.cc.AbortTransaction(tid)

	c.mu.Lock()
	victim, ok := c.bySession[tid]
	delete(c.bySession, tid)
	c.mu.Unlock()
	if ok {
		victim.tid = 0
	}
	c.logger.Warn("transaction torn down as a side effect of another transaction", "tid", tid)
}

func (c *Coordinator) flushBuffer(tid uint64) error {
	for _, op := range c.buffer.GetBuffered(tid) {
		switch op.Kind {
		case txbuffer.OpInsert:
			if _, err := c.storage.Write(model.DataWrite{Table: op.Table, NewValue: op.NewValue}); err != nil {
				return err
			}
		case txbuffer.OpUpdate:
			if _, err := c.storage.Write(model.DataWrite{Table: op.Table, NewValue: op.NewValue, Conditions: op.Conditions}); err != nil {
				return err
			}
		case txbuffer.OpDelete:
			if _, err := c.storage.Delete(model.DataDeletion{Table: op.Table, Conditions: op.Conditions}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Read executes a read statement (spec §4.10): consult the CC manager
// per candidate row, read the committed baseline from storage, and
// overlay the transaction's own staged writes. Outside an open
// transaction the read runs auto-committed.
func (c *Coordinator) Read(session *ClientSession, req model.DataRetrieval) ([]model.Row, error) {
	var out []model.Row
	err := c.withAutoCommit(session, func(tid uint64) error {
		baseline, err := c.storage.Read(model.DataRetrieval{Table: req.Table, Conditions: req.Conditions})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSchema, err)
		}
		overlaid := c.buffer.ApplyTo(baseline, tid, req.Table)
		for _, row := range overlaid {
			if !model.MatchesAll(row, req.Conditions) {
				continue
			}
			resp := c.cc.ValidateObject(tid, row, transaction.Read)
			for _, other := range resp.Cascaded {
				c.teardown(other)
			}
			if !resp.Allowed {
				if resp.Waiting {
					return fmt.Errorf("transaction %d: %w", tid, ErrBlocked)
				}
				// A hard denial means the CC engine has already torn tid's
				// own state down (a deadlock/wound-youngest victim, a stale
				// write, ...), not just the cascaded tids above — tear down
				// its storage/buffer/WAL state and free its session too.
				c.teardown(tid)
				return fmt.Errorf("transaction %d: %w", tid, classify(resp.Message))
			}
			if resp.Value != nil {
				out = append(out, projectRow(*resp.Value, req.Columns))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Write executes an INSERT (req.Conditions empty) or an UPDATE (every row
// matching req.Conditions) as a single write statement: the CC manager
// adjudicates WRITE access per row, the write is staged in the
// transaction buffer, and one WAL record is appended without forcing a
// flush (spec §4.10). Outside an open transaction the write runs
// auto-committed.
func (c *Coordinator) Write(session *ClientSession, req model.DataWrite) (int, error) {
	affected := 0
	err := c.withAutoCommit(session, func(tid uint64) error {
		if req.IsInsert() {
			placeholder := c.buffer.BufferInsert(tid, req.Table, req.NewValue)
			resp := c.cc.ValidateObject(tid, placeholder, transaction.Write)
			for _, other := range resp.Cascaded {
				c.teardown(other)
			}
			if !resp.Allowed {
				if resp.Waiting {
					return fmt.Errorf("transaction %d: %w", tid, ErrBlocked)
				}
				// A hard denial means the CC engine has already torn tid's
				// own state down (a deadlock/wound-youngest victim, a stale
				// write, ...), not just the cascaded tids above — tear down
				// its storage/buffer/WAL state and free its session too.
				c.teardown(tid)
				return fmt.Errorf("transaction %d: %w", tid, classify(resp.Message))
			}
			if err := c.wal.LogWrite(tid, req.Table, nil, req.NewValue); err != nil {
				return fmt.Errorf("transaction %d: %w", tid, err)
			}
			affected = 1
			return nil
		}

		baseline, err := c.storage.Read(model.DataRetrieval{Table: req.Table, Conditions: req.Conditions})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSchema, err)
		}
		rows := c.buffer.ApplyTo(baseline, tid, req.Table)
		matched := 0
		for _, row := range rows {
			if !model.MatchesAll(row, req.Conditions) {
				continue
			}
			// The CC engine records whatever Data the validated row carries
			// as the write's new content (MVCC engines append it as the
			// object's next version) — it must see the merged, post-update
			// row, not the stale one the update is replacing.
			newData := mergeData(row.Data, req.NewValue)
			resp := c.cc.ValidateObject(tid, model.Row{Table: row.Table, ObjectID: row.ObjectID, Data: newData}, transaction.Write)
			for _, other := range resp.Cascaded {
				c.teardown(other)
			}
			if !resp.Allowed {
				if resp.Waiting {
					return fmt.Errorf("transaction %d: %w", tid, ErrBlocked)
				}
				// A hard denial means the CC engine has already torn tid's
				// own state down (a deadlock/wound-youngest victim, a stale
				// write, ...), not just the cascaded tids above — tear down
				// its storage/buffer/WAL state and free its session too.
				c.teardown(tid)
				return fmt.Errorf("transaction %d: %w", tid, classify(resp.Message))
			}
			c.buffer.BufferUpdate(tid, req.Table, row, req.NewValue, req.Conditions)
			if err := c.wal.LogWrite(tid, req.Table, row.Data, newData); err != nil {
				return fmt.Errorf("transaction %d: %w", tid, err)
			}
			matched++
		}
		affected = matched
		return nil
	})
	return affected, err
}

// Delete executes a DELETE statement over every row matching req.
func (c *Coordinator) Delete(session *ClientSession, req model.DataDeletion) (int, error) {
	deleted := 0
	err := c.withAutoCommit(session, func(tid uint64) error {
		baseline, err := c.storage.Read(model.DataRetrieval{Table: req.Table, Conditions: req.Conditions})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSchema, err)
		}
		rows := c.buffer.ApplyTo(baseline, tid, req.Table)
		count := 0
		for _, row := range rows {
			if !model.MatchesAll(row, req.Conditions) {
				continue
			}
			// A nil Data is the MVCC engines' deletion signal (their
			// CheckPermission/ValidateObject treat row.Data == nil as "this
			// object is being removed") — the live row's data must not leak
			// through here the way it does for a plain read.
			resp := c.cc.ValidateObject(tid, model.Row{Table: row.Table, ObjectID: row.ObjectID}, transaction.Write)
			for _, other := range resp.Cascaded {
				c.teardown(other)
			}
			if !resp.Allowed {
				if resp.Waiting {
					return fmt.Errorf("transaction %d: %w", tid, ErrBlocked)
				}
				// A hard denial means the CC engine has already torn tid's
				// own state down (a deadlock/wound-youngest victim, a stale
				// write, ...), not just the cascaded tids above — tear down
				// its storage/buffer/WAL state and free its session too.
				c.teardown(tid)
				return fmt.Errorf("transaction %d: %w", tid, classify(resp.Message))
			}
			c.buffer.BufferDelete(tid, req.Table, row, req.Conditions)
			if err := c.wal.LogWrite(tid, req.Table, row.Data, nil); err != nil {
				return fmt.Errorf("transaction %d: %w", tid, err)
			}
			count++
		}
		deleted = count
		return nil
	})
	return deleted, err
}

// withAutoCommit runs fn inside session's open transaction, or inside a
// single invisible begin/commit pair when the session has none open
// (spec §4.10's auto-commit mode). fn's error (including a denial
// surfaced as ErrBlocked/ErrAborted/...) aborts an auto-opened transaction
// before propagating.
func (c *Coordinator) withAutoCommit(session *ClientSession, fn func(tid uint64) error) error {
	autoCommit := session.tid == 0
	var tid uint64
	if autoCommit {
		t, err := c.Begin(session)
		if err != nil {
			return err
		}
		tid = t
	} else {
		tid = session.tid
	}

	if err := fn(tid); err != nil {
		// fn may have already torn tid down itself (a hard CC denial calls
		// c.teardown, which resets session.tid) — only clean up here if
		// that didn't happen, so a bare ErrBlocked retry still gets its
		// auto-opened transaction aborted.
		if autoCommit && session.tid != 0 {
			if abortErr := c.Abort(session); abortErr != nil {
				c.logger.Error("auto-commit: failed to abort after statement error", "tid", tid, "err", abortErr)
			}
		}
		return err
	}

	if autoCommit {
		return c.Commit(session)
	}
	return nil
}

// classify maps a CC Response's message (spec §6's "aborted"/"died"
// substring contract) onto the coordinator's typed sentinel errors, so Go
// callers can errors.Is instead of matching text.
func classify(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "deadlock") || strings.Contains(lower, "wound"):
		return fmt.Errorf("%s: %w", msg, ErrDeadlock)
	case strings.Contains(lower, "stale"):
		return fmt.Errorf("%s: %w", msg, ErrStale)
	case strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"):
		return fmt.Errorf("%s: %w", msg, ErrLockTimeout)
	case strings.Contains(lower, "validation") || strings.Contains(lower, "wins") || strings.Contains(lower, "conflict"):
		return fmt.Errorf("%s: %w", msg, ErrConflict)
	case strings.Contains(lower, "retry limit"):
		return fmt.Errorf("%s: %w", msg, ErrAborted)
	default:
		return fmt.Errorf("%s: %w", msg, ErrAborted)
	}
}

func mergeData(old map[string]model.Value, updates map[string]model.Value) map[string]model.Value {
	out := make(map[string]model.Value, len(old)+len(updates))
	for k, v := range old {
		out[k] = v
	}
	for k, v := range updates {
		out[k] = v
	}
	return out
}

func projectRow(r model.Row, columns []string) model.Row {
	if len(columns) == 0 {
		return r
	}
	data := make(map[string]model.Value, len(columns))
	for _, col := range columns {
		if v, ok := r.Data[col]; ok {
			data[col] = v
		}
	}
	return model.Row{Table: r.Table, ObjectID: r.ObjectID, Data: data}
}

// RunSessions runs each of fns concurrently, one per simulated client
// session, the same way the pack's query.Join fans out bucket probes with
// an errgroup.Group: every shared critical section (the lock table, the
// WAL buffer, version chains, the transaction table) is already
// serialized by its own owner, so sessions here only need a goroutine
// each, not a channel-based scheduler (spec §5).
func RunSessions(ctx context.Context, fns ...func(ctx context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		fn := fn
		g.Go(func() error { return fn(ctx) })
	}
	return g.Wait()
}
