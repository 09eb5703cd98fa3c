// Package txbuffer is the per-transaction staging area described in spec
// §4.3: an ordered list of not-yet-committed writes, plus the overlay
// logic that lets a transaction see its own staged inserts, updates, and
// deletes before they ever reach storage. Nothing here touches storage or
// the write-ahead log — the coordinator logs each write as it is staged
// and drains a transaction's buffer into storage at commit time.
package txbuffer

import (
	"sync"

	"github.com/ccdb-project/ccdb/pkg/model"
)

// OpKind is the kind of staged operation.
type OpKind int

const (
	OpInsert OpKind = iota
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Op is one staged write, in the order buffer_insert/buffer_update/
// buffer_delete was called.
type Op struct {
	Kind       OpKind
	Table      string
	Old        model.Row // buffer_update's matched-on old row; buffer_delete's target row
	NewValue   map[string]model.Value
	Conditions []model.Condition
	ObjectID   int64 // buffer_insert's provisional placeholder id
}

// Buffer holds every active transaction's staged operations and the
// provisional object ids handed out for its own not-yet-committed
// inserts (read-your-own-writes before the row has a real storage id).
type Buffer struct {
	mu        sync.Mutex
	ops       map[uint64][]*Op
	nextPlaceholder int64
}

// New constructs an empty transaction buffer.
func New() *Buffer {
	return &Buffer{ops: make(map[uint64][]*Op)}
}

// BufferInsert stages an INSERT and returns the provisional row the
// issuing transaction will see on its own subsequent reads. The row's
// object id is a negative placeholder — storage assigns the real,
// positive id only when this op is flushed at commit.
func (b *Buffer) BufferInsert(tid uint64, table string, newValue map[string]model.Value) model.Row {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextPlaceholder--
	row := model.Row{Table: table, ObjectID: b.nextPlaceholder, Data: cloneMap(newValue)}
	b.ops[tid] = append(b.ops[tid], &Op{Kind: OpInsert, Table: table, NewValue: cloneMap(newValue), ObjectID: b.nextPlaceholder})
	return row
}

// BufferUpdate stages an UPDATE of the row matching old (by full value
// equality, per spec §4.3) with newValue's columns merged in.
func (b *Buffer) BufferUpdate(tid uint64, table string, old model.Row, newValue map[string]model.Value, conditions []model.Condition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops[tid] = append(b.ops[tid], &Op{
		Kind:       OpUpdate,
		Table:      table,
		Old:        old.Clone(),
		NewValue:   cloneMap(newValue),
		Conditions: conditions,
	})
}

// BufferDelete stages removal of row (matched by full value equality).
func (b *Buffer) BufferDelete(tid uint64, table string, row model.Row, conditions []model.Condition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops[tid] = append(b.ops[tid], &Op{
		Kind:       OpDelete,
		Table:      table,
		Old:        row.Clone(),
		Conditions: conditions,
	})
}

// GetBuffered returns tid's staged operations in the order they were
// issued.
func (b *Buffer) GetBuffered(tid uint64) []*Op {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Op(nil), b.ops[tid]...)
}

// ApplyTo overlays tid's staged operations against table onto rows just
// read from storage, producing the transaction's private view: appended
// rows for INSERT, row replacement for UPDATE, row removal for DELETE.
func (b *Buffer) ApplyTo(rows []model.Row, tid uint64, table string) []model.Row {
	b.mu.Lock()
	ops := append([]*Op(nil), b.ops[tid]...)
	b.mu.Unlock()

	out := append([]model.Row(nil), rows...)
	for _, op := range ops {
		if op.Table != table {
			continue
		}
		switch op.Kind {
		case OpInsert:
			out = append(out, model.Row{Table: table, ObjectID: op.ObjectID, Data: cloneMap(op.NewValue)})
		case OpUpdate:
			for i := range out {
				if out[i].Equal(op.Old) {
					updated := out[i].Clone()
					for k, v := range op.NewValue {
						updated.Data[k] = v
					}
					out[i] = updated
				}
			}
		case OpDelete:
			kept := out[:0]
			for _, r := range out {
				if !r.Equal(op.Old) {
					kept = append(kept, r)
				}
			}
			out = kept
		}
	}
	return out
}

// Clear discards tid's staged operations. Called on every terminal
// transition: commit after flush, abort, and teardown of a victim.
func (b *Buffer) Clear(tid uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.ops, tid)
}

func cloneMap(m map[string]model.Value) map[string]model.Value {
	out := make(map[string]model.Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
