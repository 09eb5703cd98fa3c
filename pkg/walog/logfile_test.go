package walog

import (
	"path/filepath"
	"testing"
)

func openTestLog(t *testing.T) *LogFile {
	t.Helper()
	dir := t.TempDir()
	lf, err := Open(filepath.Join(dir, "wal.log"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { lf.Close() })
	return lf
}

func TestAppendAndIterForward(t *testing.T) {
	lf := openTestLog(t)
	recs := []*Record{
		{TID: 1, Act: ActionStart},
		{TID: 1, Act: ActionWrite, Table: "t", NewRow: map[string]interface{}{"id": float64(1)}},
		{TID: 1, Act: ActionCommit},
	}
	for _, r := range recs {
		if _, err := lf.Append(r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	var got []Action
	err := lf.IterRecords(0, func(r *Record) error {
		got = append(got, r.Act)
		return nil
	})
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	if len(got) != 3 || got[0] != ActionStart || got[1] != ActionWrite || got[2] != ActionCommit {
		t.Fatalf("unexpected record sequence: %v", got)
	}
}

func TestIterRecordsBackward(t *testing.T) {
	lf := openTestLog(t)
	for i := uint64(1); i <= 3; i++ {
		if _, err := lf.Append(&Record{TID: i, Act: ActionStart}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	var order []uint64
	err := lf.IterRecordsBackward(func(r *Record) error {
		order = append(order, r.TID)
		return nil
	})
	if err != nil {
		t.Fatalf("backward iter: %v", err)
	}
	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("expected reverse order [3 2 1], got %v", order)
	}
}

func TestTruncateAfter(t *testing.T) {
	lf := openTestLog(t)
	off1, _ := lf.Append(&Record{TID: 1, Act: ActionStart})
	_, _ = off1, 0
	off2, err := lf.Append(&Record{TID: 1, Act: ActionCommit})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := lf.Append(&Record{TID: 2, Act: ActionStart}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := lf.TruncateAfter(off2); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	var got []uint64
	err = lf.IterRecords(0, func(r *Record) error {
		got = append(got, r.TID)
		return nil
	})
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected only the first record to survive truncation, got %v", got)
	}
}

func TestUndoForms(t *testing.T) {
	insert := &Record{Table: "t", NewRow: map[string]interface{}{"id": float64(1)}}
	_, del, kind := insert.UndoForm()
	if kind != UndoDelete || del.Table != "t" {
		t.Fatalf("insert undo should be a delete, got kind=%v del=%v", kind, del)
	}

	deleteRec := &Record{Table: "t", OldRow: map[string]interface{}{"id": float64(1)}}
	ins, _, kind := deleteRec.UndoForm()
	if kind != UndoInsert || ins.NewValue["id"] != float64(1) {
		t.Fatalf("delete undo should be an insert of the old row, got kind=%v ins=%v", kind, ins)
	}

	update := &Record{
		Table:  "t",
		OldRow: map[string]interface{}{"id": float64(1), "v": "old"},
		NewRow: map[string]interface{}{"id": float64(1), "v": "new"},
	}
	upd, _, kind := update.UndoForm()
	if kind != UndoUpdate || upd.NewValue["v"] != "old" {
		t.Fatalf("update undo should restore old value, got kind=%v upd=%v", kind, upd)
	}
}
