// Package walog defines the write-ahead log's binary record format and the
// append-only log file it lives in (spec §4.1, §6). Encoding is
// deterministic — fixed field order, length-prefixed strings — so records
// replay exactly on recovery.
package walog

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ccdb-project/ccdb/pkg/model"
)

// Action is the kind of event a log record describes.
type Action uint8

const (
	ActionStart Action = iota
	ActionWrite
	ActionCommit
	ActionAbort
	ActionCheckpoint
)

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "start"
	case ActionWrite:
		return "write"
	case ActionCommit:
		return "commit"
	case ActionAbort:
		return "abort"
	case ActionCheckpoint:
		return "checkpoint"
	default:
		return "unknown"
	}
}

// Magic and Version identify the on-disk log format (spec §6).
const (
	Magic   uint32 = 0x43434442 // "CCDB"
	Version uint32 = 1
)

// Record is one write-ahead log entry. OldRow/NewRow are nil for control
// records (start, commit, abort, checkpoint) and populated for the write
// record that stages a data change:
//
//	insert: OldRow absent, NewRow present
//	delete: OldRow present, NewRow absent
//	update: both present
type Record struct {
	TID   uint64
	Act   Action
	TS    int64
	Table string
	OldRow map[string]model.Value
	NewRow map[string]model.Value

	// Offset is the byte offset of this record in the log file, set by
	// the reader; zero for records not yet written.
	Offset int64
}

// UndoForm returns the inverse storage operation of a write record: the
// operation that, applied to storage, reverses this record's effect.
// Only meaningful for ActionWrite records.
func (r *Record) UndoForm() (model.DataWrite, model.DataDeletion, UndoKind) {
	switch {
	case r.OldRow == nil && r.NewRow != nil:
		// insert -> undo is delete matching new.
		return model.DataWrite{}, deletionFor(r.Table, r.NewRow), UndoDelete
	case r.OldRow != nil && r.NewRow == nil:
		// delete -> undo is insert old.
		return model.DataWrite{Table: r.Table, NewValue: r.OldRow}, model.DataDeletion{}, UndoInsert
	case r.OldRow != nil && r.NewRow != nil:
		// update -> undo is update old <- new (match on new, restore old).
		return model.DataWrite{
			Table:      r.Table,
			NewValue:   r.OldRow,
			Conditions: conditionsFor(r.NewRow),
		}, model.DataDeletion{}, UndoUpdate
	default:
		return model.DataWrite{}, model.DataDeletion{}, UndoNone
	}
}

// RedoForm returns the original storage operation this record describes.
func (r *Record) RedoForm() (model.DataWrite, model.DataDeletion, UndoKind) {
	switch {
	case r.OldRow == nil && r.NewRow != nil:
		// insert -> redo is insert new.
		return model.DataWrite{Table: r.Table, NewValue: r.NewRow}, model.DataDeletion{}, UndoInsert
	case r.OldRow != nil && r.NewRow == nil:
		// delete -> redo is delete matching old.
		return model.DataWrite{}, deletionFor(r.Table, r.OldRow), UndoDelete
	case r.OldRow != nil && r.NewRow != nil:
		// update -> redo is update new <- old.
		return model.DataWrite{
			Table:      r.Table,
			NewValue:   r.NewRow,
			Conditions: conditionsFor(r.OldRow),
		}, model.DataDeletion{}, UndoUpdate
	default:
		return model.DataWrite{}, model.DataDeletion{}, UndoNone
	}
}

// UndoKind tells the caller which of the two returned operations
// (DataWrite or DataDeletion) from UndoForm/RedoForm is the meaningful
// one to apply.
type UndoKind int

const (
	UndoNone UndoKind = iota
	UndoInsert
	UndoDelete
	UndoUpdate
)

func deletionFor(table string, row map[string]model.Value) model.DataDeletion {
	return model.DataDeletion{Table: table, Conditions: conditionsFor(row)}
}

func conditionsFor(row map[string]model.Value) []model.Condition {
	conds := make([]model.Condition, 0, len(row))
	for k, v := range row {
		conds = append(conds, model.Condition{Column: k, Op: model.Eq, Operand: v})
	}
	return conds
}

// encode serializes the record in the on-disk format described in spec §6:
// 1-byte action code, 8-byte tid, 8-byte timestamp, length-prefixed table
// name, length-prefixed serialized old_row, length-prefixed serialized
// new_row.
func (r *Record) encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(r.Act))
	writeUint64(&buf, r.TID)
	writeUint64(&buf, uint64(r.TS))
	if err := writeLenPrefixedString(&buf, r.Table); err != nil {
		return nil, err
	}
	if err := writeLenPrefixedMap(&buf, r.OldRow); err != nil {
		return nil, err
	}
	if err := writeLenPrefixedMap(&buf, r.NewRow); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(r io.Reader) (*Record, error) {
	var actByte [1]byte
	if _, err := io.ReadFull(r, actByte[:]); err != nil {
		return nil, err
	}
	tid, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	ts, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	table, err := readLenPrefixedString(r)
	if err != nil {
		return nil, err
	}
	oldRow, err := readLenPrefixedMap(r)
	if err != nil {
		return nil, err
	}
	newRow, err := readLenPrefixedMap(r)
	if err != nil {
		return nil, err
	}
	return &Record{
		Act:    Action(actByte[0]),
		TID:    tid,
		TS:     int64(ts),
		Table:  table,
		OldRow: oldRow,
		NewRow: newRow,
	}, nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeLenPrefixedString(buf *bytes.Buffer, s string) error {
	if len(s) > 0xFFFFFFFF {
		return errors.New("walog: string too long")
	}
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
	return nil
}

func readLenPrefixedString(r io.Reader) (string, error) {
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(l[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// writeLenPrefixedMap serializes a row's column map as length-prefixed
// JSON. A nil map is encoded as a zero-length payload and decodes back to
// nil, distinguishing "absent" (insert's old_row, delete's new_row) from
// an empty-but-present row.
func writeLenPrefixedMap(buf *bytes.Buffer, m map[string]model.Value) error {
	if m == nil {
		var l [4]byte
		buf.Write(l[:])
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("walog: encode row: %w", err)
	}
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	buf.Write(l[:])
	buf.Write(b)
	return nil
}

func readLenPrefixedMap(r io.Reader) (map[string]model.Value, error) {
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(l[:])
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	var m map[string]model.Value
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("walog: decode row: %w", err)
	}
	return m, nil
}
