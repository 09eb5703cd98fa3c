package cc

import (
	"testing"

	"github.com/ccdb-project/ccdb/pkg/model"
	"github.com/ccdb-project/ccdb/pkg/transaction"
)

// alwaysBlock is a minimal Algorithm stub used to exercise the manager's
// retry-limit bookkeeping without pulling in a real strategy.
type alwaysBlock struct{ committed, aborted []uint64 }

func (a *alwaysBlock) CheckPermission(t *transaction.Transaction, row model.Row, action transaction.ActionType) Response {
	return Block("held by another transaction")
}
func (a *alwaysBlock) Commit(t *transaction.Transaction) Response {
	a.committed = append(a.committed, t.TID)
	return Allow(nil)
}
func (a *alwaysBlock) Abort(t *transaction.Transaction) Response {
	a.aborted = append(a.aborted, t.TID)
	return Allow(nil)
}

func row(objectID int64) model.Row {
	return model.Row{Table: "t", ObjectID: objectID, Data: map[string]model.Value{"id": objectID}}
}

func TestBeginTransactionAllocatesMonotonicTIDs(t *testing.T) {
	m := NewManager(&alwaysBlock{})
	t1 := m.BeginTransaction()
	t2 := m.BeginTransaction()
	if t2 <= t1 {
		t.Fatalf("expected monotonically increasing tids, got %d then %d", t1, t2)
	}
}

func TestValidateObjectExceedingRetryLimitAborts(t *testing.T) {
	m := NewManager(&alwaysBlock{})
	tid := m.BeginTransaction()

	var last Response
	for i := 0; i <= transaction.MaxRetries; i++ {
		last = m.ValidateObject(tid, row(1), transaction.Read)
	}
	if last.Allowed || !last.Aborted() {
		t.Fatalf("expected the action to be declared aborted once retries were exhausted, got %+v", last)
	}

	txn, ok := m.Transaction(tid)
	if !ok {
		t.Fatal("transaction should still be tracked until AbortTransaction is called")
	}
	if txn.Actions[0].RetryCount <= transaction.MaxRetries {
		t.Fatalf("expected retry count to exceed the limit, got %d", txn.Actions[0].RetryCount)
	}
}

func TestEndTransactionTerminatesOnCommit(t *testing.T) {
	algo := &alwaysBlock{}
	m := NewManager(algo)
	tid := m.BeginTransaction()

	resp := m.EndTransaction(tid)
	if !resp.Allowed {
		t.Fatalf("expected commit to succeed, got %+v", resp)
	}
	if _, ok := m.Transaction(tid); ok {
		t.Fatal("expected transaction to be removed from the table after termination")
	}
	if len(algo.committed) != 1 || algo.committed[0] != tid {
		t.Fatalf("expected algorithm.Commit to be invoked once for tid %d, got %v", tid, algo.committed)
	}
}

func TestAbortTransactionRemovesFromTable(t *testing.T) {
	algo := &alwaysBlock{}
	m := NewManager(algo)
	tid := m.BeginTransaction()

	m.AbortTransaction(tid)
	if _, ok := m.Transaction(tid); ok {
		t.Fatal("expected transaction to be removed from the table after abort")
	}
	if len(algo.aborted) != 1 || algo.aborted[0] != tid {
		t.Fatalf("expected algorithm.Abort to be invoked once for tid %d, got %v", tid, algo.aborted)
	}
}

func TestSetAlgorithmRefusedWhileTransactionActive(t *testing.T) {
	m := NewManager(&alwaysBlock{})
	m.BeginTransaction()

	if err := m.SetAlgorithm(&alwaysBlock{}); err == nil {
		t.Fatal("expected SetAlgorithm to refuse while a transaction is active")
	}
}

func TestSetAlgorithmAllowedOnceIdle(t *testing.T) {
	m := NewManager(&alwaysBlock{})
	tid := m.BeginTransaction()
	m.AbortTransaction(tid)

	if err := m.SetAlgorithm(&alwaysBlock{}); err != nil {
		t.Fatalf("expected SetAlgorithm to succeed once idle, got %v", err)
	}
}
