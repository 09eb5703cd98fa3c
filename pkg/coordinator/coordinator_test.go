package coordinator

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/ccdb-project/ccdb/pkg/cc"
	"github.com/ccdb-project/ccdb/pkg/cc/lock"
	"github.com/ccdb-project/ccdb/pkg/cc/mvcc"
	"github.com/ccdb-project/ccdb/pkg/cc/occ"
	"github.com/ccdb-project/ccdb/pkg/config"
	"github.com/ccdb-project/ccdb/pkg/model"
	"github.com/ccdb-project/ccdb/pkg/recovery"
	"github.com/ccdb-project/ccdb/pkg/storage"
	"github.com/ccdb-project/ccdb/pkg/txbuffer"
)

// newTestCoordinator builds a full stack (storage + recovery + CC manager
// + buffer) rooted at a fresh temp directory, with one table "t" (id, v;
// id primary key) already created, and returns the coordinator alongside
// the storage engine so a test can seed rows directly (bypassing the CC
// manager) the way recovery_test.go's newTestManager does.
func newTestCoordinator(t *testing.T, algo cc.Algorithm) (*Coordinator, *storage.Engine) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.New(
		config.WithDataDir(filepath.Join(dir, "data")),
		config.WithLogFilePath(filepath.Join(dir, "data", "wal.log")),
		config.WithWALSize(100),
	)
	store := storage.NewEngine(cfg)
	if err := store.CreateTable(model.Schema{
		Table:       "t",
		Columns:     []model.Column{{Name: "id", Type: "int"}, {Name: "v", Type: "int"}},
		PrimaryKeys: []string{"id"},
	}); err != nil {
		t.Fatalf("create table: %v", err)
	}
	walMgr, err := recovery.NewManager(cfg, store)
	if err != nil {
		t.Fatalf("new recovery manager: %v", err)
	}
	t.Cleanup(func() { walMgr.Close() })

	ccMgr := cc.NewManager(algo)
	buf := txbuffer.New()
	return New(cfg, store, buf, ccMgr, walMgr, nil), store
}

// seedRow writes a row straight to storage, outside any transaction,
// exactly as a prior checkpoint's surviving data would look to a fresh
// coordinator. Every concurrency scenario below is about contention over
// a row that already exists, never over a fresh insert racing its own
// commit (spec §8's scenarios all start from existing data).
func seedRow(t *testing.T, store *storage.Engine, id, v float64) {
	t.Helper()
	if _, err := store.Write(model.DataWrite{Table: "t", NewValue: map[string]model.Value{"id": id, "v": v}}); err != nil {
		t.Fatalf("seed row: %v", err)
	}
}

func idCond(id float64) []model.Condition {
	return []model.Condition{{Column: "id", Op: model.Eq, Operand: id}}
}

func readV(t *testing.T, c *Coordinator, session *ClientSession, id float64) float64 {
	t.Helper()
	rows, err := c.Read(session, model.DataRetrieval{Table: "t", Conditions: idCond(id)})
	if err != nil {
		t.Fatalf("read id=%v: %v", id, err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one row for id=%v, got %d", id, len(rows))
	}
	return rows[0].Data["v"].(float64)
}

// TestWoundWaitCascadeRestartsYoungerWriter drives spec §8's wound-wait
// scenario under MV2PL: an older transaction's write wounds a younger
// transaction already holding the object's lock. The coordinator must
// tear the wounded transaction down in full, including resetting its
// session's tid so the client is free to begin a fresh attempt, and the
// final committed value must be whichever transaction commits last.
func TestWoundWaitCascadeRestartsYoungerWriter(t *testing.T) {
	c, store := newTestCoordinator(t, mvcc.NewMV2PLManager(10))
	seedRow(t, store, 1, 0)

	older := NewSession()
	younger := NewSession()
	if _, err := c.Begin(older); err != nil {
		t.Fatalf("begin older: %v", err)
	}
	if _, err := c.Begin(younger); err != nil {
		t.Fatalf("begin younger: %v", err)
	}

	// younger writes first and holds the object's X lock.
	if _, err := c.Write(younger, model.DataWrite{Table: "t", NewValue: map[string]model.Value{"v": 99.0}, Conditions: idCond(1)}); err != nil {
		t.Fatalf("younger write: %v", err)
	}

	// older, with a smaller tid, wounds younger instead of waiting.
	if _, err := c.Write(older, model.DataWrite{Table: "t", NewValue: map[string]model.Value{"v": 1.0}, Conditions: idCond(1)}); err != nil {
		t.Fatalf("older write should wound younger and still succeed: %v", err)
	}

	if younger.TID() != 0 {
		t.Fatalf("expected younger's session to be reset to no open transaction after being wounded, got tid=%d", younger.TID())
	}

	if err := c.Commit(older); err != nil {
		t.Fatalf("commit older: %v", err)
	}
	if got := readV(t, c, NewSession(), 1); got != 1.0 {
		t.Fatalf("expected older's committed value 1, got %v", got)
	}

	// younger restarts: its session can begin again since teardown reset it.
	if _, err := c.Begin(younger); err != nil {
		t.Fatalf("younger should be able to begin again after being wounded: %v", err)
	}
	if _, err := c.Write(younger, model.DataWrite{Table: "t", NewValue: map[string]model.Value{"v": 42.0}, Conditions: idCond(1)}); err != nil {
		t.Fatalf("younger restart write: %v", err)
	}
	if err := c.Commit(younger); err != nil {
		t.Fatalf("commit younger restart: %v", err)
	}

	if got := readV(t, c, NewSession(), 1); got != 42.0 {
		t.Fatalf("expected last committer's value 42, got %v", got)
	}
}

// TestMVTOCascadingAbortTearsDownReader drives spec §8's cascading-abort
// scenario under MVTO: a reader that saw a writer's (still uncommitted,
// but already MVTO-visible) version must itself be torn down, session
// reset included, when that writer aborts.
func TestMVTOCascadingAbortTearsDownReader(t *testing.T) {
	c, store := newTestCoordinator(t, mvcc.NewMVTOManager(10))
	seedRow(t, store, 1, 0)

	writer := NewSession()
	reader := NewSession()
	if _, err := c.Begin(writer); err != nil {
		t.Fatalf("begin writer: %v", err)
	}
	if _, err := c.Write(writer, model.DataWrite{Table: "t", NewValue: map[string]model.Value{"v": 10.0}, Conditions: idCond(1)}); err != nil {
		t.Fatalf("writer write: %v", err)
	}

	if _, err := c.Begin(reader); err != nil {
		t.Fatalf("begin reader: %v", err)
	}
	if got := readV(t, c, reader, 1); got != 10.0 {
		t.Fatalf("expected reader to see writer's MVTO-visible version 10, got %v", got)
	}

	if err := c.Abort(writer); err != nil {
		t.Fatalf("abort writer: %v", err)
	}

	if reader.TID() != 0 {
		t.Fatalf("expected reader's session to be torn down by the cascading abort, got tid=%d", reader.TID())
	}

	// The writer's update was never flushed to storage, so the seeded
	// value must be untouched by the whole affair.
	if got := readV(t, c, NewSession(), 1); got != 0.0 {
		t.Fatalf("expected storage untouched by an aborted, never-flushed write, got %v", got)
	}
}

// TestFirstCommitterWinsAbortsLaterConflictingCommit drives spec §8's
// Snapshot Isolation scenario: two transactions both write the same
// object from the same snapshot; whichever commits second is rejected at
// commit time, and — now that Commit validates before flushing — its
// write must never reach storage.
func TestFirstCommitterWinsAbortsLaterConflictingCommit(t *testing.T) {
	c, store := newTestCoordinator(t, mvcc.NewSIManager(10, mvcc.FirstCommitterWins))
	seedRow(t, store, 1, 0)

	first := NewSession()
	second := NewSession()
	if _, err := c.Begin(first); err != nil {
		t.Fatalf("begin first: %v", err)
	}
	if _, err := c.Begin(second); err != nil {
		t.Fatalf("begin second: %v", err)
	}

	if _, err := c.Write(first, model.DataWrite{Table: "t", NewValue: map[string]model.Value{"v": 10.0}, Conditions: idCond(1)}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := c.Write(second, model.DataWrite{Table: "t", NewValue: map[string]model.Value{"v": 20.0}, Conditions: idCond(1)}); err != nil {
		t.Fatalf("second write: %v", err)
	}

	if err := c.Commit(first); err != nil {
		t.Fatalf("commit first: %v", err)
	}

	err := c.Commit(second)
	if err == nil {
		t.Fatal("expected second's commit to fail first-committer-wins validation")
	}
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if second.TID() != 0 {
		t.Fatalf("expected second's session to be reset after a failed commit, got tid=%d", second.TID())
	}

	if got := readV(t, c, NewSession(), 1); got != 10.0 {
		t.Fatalf("expected only the first committer's value 10 in storage, got %v", got)
	}
}

// TestOCCLaterCommitterFailsBackwardValidation drives spec §8's OCC
// scenario: two transactions read-then-write the same object; OCC never
// blocks either of them during the read/write phase, but whichever one
// validates second against the other's already-validated write set fails.
func TestOCCLaterCommitterFailsBackwardValidation(t *testing.T) {
	c, store := newTestCoordinator(t, occ.New())
	seedRow(t, store, 1, 0)

	a := NewSession()
	b := NewSession()
	if _, err := c.Begin(a); err != nil {
		t.Fatalf("begin a: %v", err)
	}
	if _, err := c.Begin(b); err != nil {
		t.Fatalf("begin b: %v", err)
	}

	if _, err := readVErr(c, a, 1); err != nil {
		t.Fatalf("a read: %v", err)
	}
	if _, err := c.Write(a, model.DataWrite{Table: "t", NewValue: map[string]model.Value{"v": 1.0}, Conditions: idCond(1)}); err != nil {
		t.Fatalf("a write: %v", err)
	}
	if _, err := readVErr(c, b, 1); err != nil {
		t.Fatalf("b read: %v", err)
	}
	if _, err := c.Write(b, model.DataWrite{Table: "t", NewValue: map[string]model.Value{"v": 2.0}, Conditions: idCond(1)}); err != nil {
		t.Fatalf("b write: %v", err)
	}

	// b validates (and commits) first.
	if err := c.Commit(b); err != nil {
		t.Fatalf("commit b: %v", err)
	}

	err := c.Commit(a)
	if err == nil {
		t.Fatal("expected a's backward validation to fail against b's already-validated write set")
	}
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if got := readV(t, c, NewSession(), 1); got != 2.0 {
		t.Fatalf("expected only b's committed value 2 in storage, got %v", got)
	}
}

func readVErr(c *Coordinator, session *ClientSession, id float64) ([]model.Row, error) {
	return c.Read(session, model.DataRetrieval{Table: "t", Conditions: idCond(id)})
}

// TestLockBasedDeadlockAbortsYoungestRequester drives spec §8's 2PL
// deadlock scenario: two transactions each hold one of two objects and
// request the other's, closing a wait-for cycle. Grounded on
// lock_test.go's TestDeadlockAbortsRequesterWhenItIsYoungest: the waiter
// whose own request closes the cycle, and who happens to be the
// numerically larger (youngest) tid in it, is the one wound-youngest
// aborts. Driven here through the coordinator so the abort actually tears
// down storage/WAL state too, not just the lock table.
func TestLockBasedDeadlockAbortsYoungestRequester(t *testing.T) {
	c, store := newTestCoordinator(t, lock.New(30))
	seedRow(t, store, 1, 0)
	seedRow(t, store, 2, 0)

	txA := NewSession() // begins first, tid 1: holds object 1
	txB := NewSession() // begins second, tid 2: holds object 2
	if _, err := c.Begin(txA); err != nil {
		t.Fatalf("begin txA: %v", err)
	}
	if _, err := c.Begin(txB); err != nil {
		t.Fatalf("begin txB: %v", err)
	}

	if _, err := c.Write(txA, model.DataWrite{Table: "t", NewValue: map[string]model.Value{"v": 1.0}, Conditions: idCond(1)}); err != nil {
		t.Fatalf("txA acquires object 1: %v", err)
	}
	if _, err := c.Write(txB, model.DataWrite{Table: "t", NewValue: map[string]model.Value{"v": 2.0}, Conditions: idCond(2)}); err != nil {
		t.Fatalf("txB acquires object 2: %v", err)
	}

	// txA (tid 1) waits on object 2, held by txB: no cycle yet.
	if _, err := c.Write(txA, model.DataWrite{Table: "t", NewValue: map[string]model.Value{"v": 3.0}, Conditions: idCond(2)}); !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected txA to block on object 2, got %v", err)
	}

	// txB (tid 2) now requests object 1, held by txA: this closes the
	// cycle 1 -> 2 -> 1. The youngest tid in it is txB's own, and txB is
	// the one making this request, so txB is the one aborted.
	_, err := c.Write(txB, model.DataWrite{Table: "t", NewValue: map[string]model.Value{"v": 4.0}, Conditions: idCond(1)})
	if err == nil {
		t.Fatal("expected txB to be wounded as the youngest transaction in the deadlock cycle")
	}
	if !errors.Is(err, ErrDeadlock) {
		t.Fatalf("expected ErrDeadlock, got %v", err)
	}
	if txB.TID() != 0 {
		t.Fatalf("expected txB's session to be reset after being aborted, got tid=%d", txB.TID())
	}

	// txA, still waiting, can now be granted object 2 once txB's locks
	// were released by the abort.
	if _, err := c.Write(txA, model.DataWrite{Table: "t", NewValue: map[string]model.Value{"v": 5.0}, Conditions: idCond(2)}); err != nil {
		t.Fatalf("expected txA to finally acquire object 2 after txB's abort released it: %v", err)
	}
	if err := c.Commit(txA); err != nil {
		t.Fatalf("commit txA: %v", err)
	}
}
