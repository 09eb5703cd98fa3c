package tso

import (
	"testing"

	"github.com/ccdb-project/ccdb/pkg/model"
	"github.com/ccdb-project/ccdb/pkg/transaction"
)

func row(objectID int64) model.Row {
	return model.Row{Table: "t", ObjectID: objectID, Data: map[string]model.Value{"id": objectID}}
}

func TestWriteThenReadByOlderTransactionDenied(t *testing.T) {
	m := New()
	writer := transaction.New(10)
	reader := transaction.New(5)

	if r := m.CheckPermission(writer, row(1), transaction.Write); !r.Allowed {
		t.Fatalf("expected writer to succeed, got %+v", r)
	}
	r := m.CheckPermission(reader, row(1), transaction.Read)
	if r.Allowed || !r.Aborted() {
		t.Fatalf("expected older reader to be aborted reading behind a newer write, got %+v", r)
	}
}

func TestReadThenWriteByOlderTransactionDenied(t *testing.T) {
	m := New()
	reader := transaction.New(10)
	writer := transaction.New(5)

	if r := m.CheckPermission(reader, row(1), transaction.Read); !r.Allowed {
		t.Fatalf("expected reader to succeed, got %+v", r)
	}
	r := m.CheckPermission(writer, row(1), transaction.Write)
	if r.Allowed || !r.Aborted() {
		t.Fatalf("expected older writer to be aborted writing behind a newer read, got %+v", r)
	}
}

func TestInOrderAccessAllowed(t *testing.T) {
	m := New()
	t1 := transaction.New(1)
	t2 := transaction.New(2)

	if r := m.CheckPermission(t1, row(1), transaction.Write); !r.Allowed {
		t.Fatalf("expected t1 write to succeed, got %+v", r)
	}
	if r := m.CheckPermission(t2, row(1), transaction.Read); !r.Allowed {
		t.Fatalf("expected later reader to succeed, got %+v", r)
	}
	if r := m.CheckPermission(t2, row(1), transaction.Write); !r.Allowed {
		t.Fatalf("expected later writer to succeed, got %+v", r)
	}
}
