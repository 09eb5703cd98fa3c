package txbuffer

import (
	"testing"

	"github.com/ccdb-project/ccdb/pkg/model"
)

func TestApplyToOverlaysInsert(t *testing.T) {
	b := New()
	b.BufferInsert(1, "t", map[string]model.Value{"id": float64(1), "v": float64(10)})
	view := b.ApplyTo(nil, 1, "t")
	if len(view) != 1 || view[0].Data["v"] != float64(10) {
		t.Fatalf("expected inserted row to appear in overlay, got %v", view)
	}
}

func TestApplyToOverlaysUpdate(t *testing.T) {
	b := New()
	base := model.Row{Table: "t", ObjectID: 1, Data: map[string]model.Value{"id": float64(1), "v": float64(10)}}
	b.BufferUpdate(1, "t", base, map[string]model.Value{"v": float64(99)}, nil)
	view := b.ApplyTo([]model.Row{base}, 1, "t")
	if len(view) != 1 || view[0].Data["v"] != float64(99) {
		t.Fatalf("expected updated value in overlay, got %v", view)
	}
}

func TestApplyToOverlaysDelete(t *testing.T) {
	b := New()
	base := model.Row{Table: "t", ObjectID: 1, Data: map[string]model.Value{"id": float64(1), "v": float64(10)}}
	b.BufferDelete(1, "t", base, nil)
	view := b.ApplyTo([]model.Row{base}, 1, "t")
	if len(view) != 0 {
		t.Fatalf("expected deleted row to be removed from overlay, got %v", view)
	}
}

func TestApplyToIgnoresOtherTransactions(t *testing.T) {
	b := New()
	b.BufferInsert(1, "t", map[string]model.Value{"id": float64(1)})
	view := b.ApplyTo(nil, 2, "t")
	if len(view) != 0 {
		t.Fatalf("expected transaction 2's view to be unaffected by transaction 1's buffer, got %v", view)
	}
}

func TestClearDiscardsBuffer(t *testing.T) {
	b := New()
	b.BufferInsert(1, "t", map[string]model.Value{"id": float64(1)})
	b.Clear(1)
	if len(b.GetBuffered(1)) != 0 {
		t.Fatal("expected buffer to be empty after Clear")
	}
}
