// Package storage is the physical row store behind the external storage
// interface (spec §6): create_table/drop_table/read/write/delete. It owns
// no concurrency-control logic of its own — callers above it (the CC
// engines, recovery's undo pass) are responsible for serializing
// conflicting access to the same row; storage only guarantees that its
// own page mutations are atomic with respect to each other.
//
// Each table is a chain of fixed-size pages managed by the adapted pager
// (pkg/pager), bucketed by object id through the same xxhash/murmur3
// hashing used elsewhere in the engine (pkg/hash). A table keeps an
// in-memory object-id → page index for O(1) point access, and a bloom
// filter short-circuits the common case of "this primary key is
// definitely new" on insert.
package storage

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash"

	"github.com/ccdb-project/ccdb/pkg/config"
	"github.com/ccdb-project/ccdb/pkg/hash"
	"github.com/ccdb-project/ccdb/pkg/model"
	"github.com/ccdb-project/ccdb/pkg/pager"
)

// numBuckets is the fixed bucket count each table's hash directory uses.
// Pedagogical in scope: no resizing/splitting, matching the spec's silence
// on index-structure internals.
const numBuckets = 17

// Engine is the concrete storage engine. One Engine instance owns every
// table's backing file for a given data directory.
type Engine struct {
	mu      sync.RWMutex
	dataDir string
	tables  map[string]*table
}

// NewEngine constructs a storage engine rooted at cfg.DataDir. Table files
// are created lazily by CreateTable.
func NewEngine(cfg config.Options) *Engine {
	return &Engine{dataDir: cfg.DataDir, tables: make(map[string]*table)}
}

// CreateTable registers a new table and opens its backing file.
func (e *Engine) CreateTable(schema model.Schema) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tables[schema.Table]; exists {
		return fmt.Errorf("storage: table %q already exists", schema.Table)
	}
	pg := pager.NewPager()
	path := filepath.Join(e.dataDir, schema.Table+".tbl")
	if err := pg.Open(path); err != nil {
		return fmt.Errorf("storage: open table file: %w", err)
	}
	buckets := make([]int64, numBuckets)
	for i := range buckets {
		buckets[i] = pager.NOPAGE
	}
	e.tables[schema.Table] = &table{
		schema:  schema,
		pg:      pg,
		buckets: buckets,
		index:   make(map[int64]int64),
		bloom:   hash.NewBloomFilter(4096),
	}
	return nil
}

// DropTable removes a table and closes its backing file. Any pages it
// still has resident are flushed (if dirty) as part of Close.
func (e *Engine) DropTable(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tables[name]
	if !ok {
		return fmt.Errorf("storage: table %q does not exist", name)
	}
	delete(e.tables, name)
	return t.pg.Close()
}

// DataDir returns the directory this engine's table files live under, for
// the recovery manager's checkpoint snapshotting.
func (e *Engine) DataDir() string {
	return e.dataDir
}

// Checkpoint flushes every table's dirty pages to disk, holding each
// table's page-update lock for the duration so concurrent writers block
// rather than race the flush (spec §4.2's checkpoint step).
func (e *Engine) Checkpoint() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, t := range e.tables {
		t.pg.LockAllUpdates()
		t.pg.FlushAllPages()
		t.pg.UnlockAllUpdates()
	}
}

// Schema returns the registered schema for name, if any.
func (e *Engine) Schema(name string) (model.Schema, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tables[name]
	if !ok {
		return model.Schema{}, false
	}
	return t.schema, true
}

func (e *Engine) getTable(name string) (*table, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tables[name]
	if !ok {
		return nil, fmt.Errorf("storage: table %q does not exist", name)
	}
	return t, nil
}

// GetByObjectID returns the single row identified by (table, objectID),
// if present. It uses the table's in-memory index for a direct page
// lookup rather than a full bucket scan.
func (e *Engine) GetByObjectID(tableName string, objectID int64) (model.Row, bool, error) {
	t, err := e.getTable(tableName)
	if err != nil {
		return model.Row{}, false, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	pagenum, ok := t.index[objectID]
	if !ok {
		return model.Row{}, false, nil
	}
	pg, err := t.pg.GetPage(pagenum)
	if err != nil {
		return model.Row{}, false, err
	}
	data := *pg.GetData()
	_, rows, err := decodePage(data)
	pg.Put()
	if err != nil {
		return model.Row{}, false, err
	}
	for _, r := range rows {
		if r.ObjectID == objectID {
			return r.Clone(), true, nil
		}
	}
	return model.Row{}, false, nil
}

// Read returns every row of req.Table satisfying req.Conditions, projected
// to req.Columns (all columns when empty).
func (e *Engine) Read(req model.DataRetrieval) ([]model.Row, error) {
	t, err := e.getTable(req.Table)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.scanLocked(req.Conditions, req.Columns)
}

// Write performs an INSERT (req.Conditions empty) or an UPDATE (every row
// matching req.Conditions has req.NewValue merged in), returning the
// number of rows affected.
func (e *Engine) Write(req model.DataWrite) (int, error) {
	t, err := e.getTable(req.Table)
	if err != nil {
		return 0, err
	}
	if req.IsInsert() {
		if err := t.insert(req.NewValue); err != nil {
			return 0, err
		}
		return 1, nil
	}
	return t.update(req.NewValue, req.Conditions)
}

// Delete removes every row of req.Table matching req.Conditions, returning
// the number of rows removed.
func (e *Engine) Delete(req model.DataDeletion) (int, error) {
	t, err := e.getTable(req.Table)
	if err != nil {
		return 0, err
	}
	return t.delete(req.Conditions)
}

// table is one table's physical storage: a bucketed chain of pages plus
// the in-memory index and bloom filter that make point access and
// uniqueness checks cheap.
type table struct {
	mu           sync.RWMutex
	schema       model.Schema
	pg           *pager.Pager
	buckets      []int64
	index        map[int64]int64 // object id -> page currently holding it
	bloom        *hash.BloomFilter
	nextObjectID int64
}

func cloneMap(m map[string]model.Value) map[string]model.Value {
	out := make(map[string]model.Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (t *table) pkConditions(data map[string]model.Value) []model.Condition {
	if len(t.schema.PrimaryKeys) == 0 {
		return nil
	}
	conds := make([]model.Condition, 0, len(t.schema.PrimaryKeys))
	for _, col := range t.schema.PrimaryKeys {
		conds = append(conds, model.Condition{Column: col, Op: model.Eq, Operand: data[col]})
	}
	return conds
}

func (t *table) pkHash(data map[string]model.Value) int64 {
	var buf []byte
	for _, col := range t.schema.PrimaryKeys {
		buf = append(buf, []byte(fmt.Sprintf("%v\x00", data[col]))...)
	}
	return int64(xxhash.Sum64(buf))
}

// insert assigns a fresh object id, checks primary-key uniqueness (bloom
// pre-check, exact scan only on a possible hit), and appends the row to
// its bucket chain.
func (t *table) insert(data map[string]model.Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.schema.PrimaryKeys) > 0 {
		key := t.pkHash(data)
		if t.bloom.MaybeContains(key) {
			existing, err := t.scanLocked(t.pkConditions(data), nil)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				return fmt.Errorf("storage: duplicate primary key in table %q", t.schema.Table)
			}
		}
		t.bloom.Insert(key)
	}

	t.nextObjectID++
	row := model.Row{Table: t.schema.Table, ObjectID: t.nextObjectID, Data: cloneMap(data)}
	return t.appendRow(row)
}

// appendRow writes row to the tail of its bucket's page chain, allocating
// a new head or overflow page as needed. Caller must hold t.mu.
func (t *table) appendRow(row model.Row) error {
	bucket := hash.Hasher(row.ObjectID, numBuckets)
	head := t.buckets[bucket]
	if head == pager.NOPAGE {
		pagenum, err := t.allocatePage(pager.NOPAGE, []model.Row{row})
		if err != nil {
			return err
		}
		t.buckets[bucket] = pagenum
		t.index[row.ObjectID] = pagenum
		return nil
	}

	tailPagenum, tailRows, err := t.findTail(head)
	if err != nil {
		return err
	}
	candidate := append(append([]model.Row{}, tailRows...), row)
	if err := t.rewritePage(tailPagenum, pager.NOPAGE, candidate); err == nil {
		t.index[row.ObjectID] = tailPagenum
		return nil
	}

	// The row didn't fit on the tail page: link a new overflow page.
	newPagenum, err := t.allocatePage(pager.NOPAGE, []model.Row{row})
	if err != nil {
		return err
	}
	if err := t.rewritePage(tailPagenum, newPagenum, tailRows); err != nil {
		return err
	}
	t.index[row.ObjectID] = newPagenum
	return nil
}

func (t *table) findTail(head int64) (pagenum int64, rows []model.Row, err error) {
	pagenum = head
	for {
		pg, err := t.pg.GetPage(pagenum)
		if err != nil {
			return 0, nil, err
		}
		data := append([]byte(nil), (*pg.GetData())...)
		pg.Put()
		next, rows, err := decodePage(data)
		if err != nil {
			return 0, nil, err
		}
		if next == pager.NOPAGE {
			return pagenum, rows, nil
		}
		pagenum = next
	}
}

func (t *table) allocatePage(next int64, rows []model.Row) (int64, error) {
	pagenum := t.pg.GetFreePN()
	pg, err := t.pg.GetPage(pagenum)
	if err != nil {
		return 0, err
	}
	defer pg.Put()
	buf, err := encodePage(next, rows)
	if err != nil {
		return 0, err
	}
	copy(*pg.GetData(), buf)
	pg.MarkDirty()
	// Force the page to disk immediately rather than leaving it for the
	// next checkpoint/eviction: the recovery manager runs undo-only
	// (never redo), so a write's durability has to be established as it
	// happens, not deferred to whenever the page frame next gets flushed.
	t.pg.FlushPage(pg)
	return pagenum, nil
}

func (t *table) rewritePage(pagenum int64, next int64, rows []model.Row) error {
	buf, err := encodePage(next, rows)
	if err != nil {
		return err
	}
	pg, err := t.pg.GetPage(pagenum)
	if err != nil {
		return err
	}
	defer pg.Put()
	copy(*pg.GetData(), buf)
	pg.MarkDirty()
	t.pg.FlushPage(pg)
	return nil
}

// scanLocked walks every bucket chain and returns matching rows, projected
// to columns. Caller must hold t.mu (read or write).
func (t *table) scanLocked(conds []model.Condition, columns []string) ([]model.Row, error) {
	var out []model.Row
	for b := 0; b < len(t.buckets); b++ {
		pagenum := t.buckets[b]
		for pagenum != pager.NOPAGE {
			pg, err := t.pg.GetPage(pagenum)
			if err != nil {
				return nil, err
			}
			data := append([]byte(nil), (*pg.GetData())...)
			pg.Put()
			next, rows, err := decodePage(data)
			if err != nil {
				return nil, err
			}
			for _, r := range rows {
				if model.MatchesAll(r, conds) {
					out = append(out, projectColumns(r, columns))
				}
			}
			pagenum = next
		}
	}
	return out, nil
}

func (t *table) update(newValue map[string]model.Value, conds []model.Condition) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	affected := 0
	for b := 0; b < len(t.buckets); b++ {
		pagenum := t.buckets[b]
		for pagenum != pager.NOPAGE {
			pg, err := t.pg.GetPage(pagenum)
			if err != nil {
				return affected, err
			}
			data := append([]byte(nil), (*pg.GetData())...)
			next, rows, err := decodePage(data)
			if err != nil {
				pg.Put()
				return affected, err
			}
			changed := false
			for i := range rows {
				if model.MatchesAll(rows[i], conds) {
					for k, v := range newValue {
						rows[i].Data[k] = v
					}
					changed = true
					affected++
				}
			}
			if changed {
				buf, err := encodePage(next, rows)
				if err != nil {
					pg.Put()
					return affected, err
				}
				copy(*pg.GetData(), buf)
				pg.MarkDirty()
			}
			pg.Put()
			pagenum = next
		}
	}
	return affected, nil
}

func (t *table) delete(conds []model.Condition) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	deleted := 0
	for b := 0; b < len(t.buckets); b++ {
		pagenum := t.buckets[b]
		for pagenum != pager.NOPAGE {
			pg, err := t.pg.GetPage(pagenum)
			if err != nil {
				return deleted, err
			}
			data := append([]byte(nil), (*pg.GetData())...)
			next, rows, err := decodePage(data)
			if err != nil {
				pg.Put()
				return deleted, err
			}
			kept := rows[:0]
			for _, r := range rows {
				if model.MatchesAll(r, conds) {
					deleted++
					delete(t.index, r.ObjectID)
					continue
				}
				kept = append(kept, r)
			}
			if len(kept) != len(rows) {
				buf, err := encodePage(next, kept)
				if err != nil {
					pg.Put()
					return deleted, err
				}
				copy(*pg.GetData(), buf)
				pg.MarkDirty()
			}
			pg.Put()
			pagenum = next
		}
	}
	return deleted, nil
}

func projectColumns(r model.Row, columns []string) model.Row {
	if len(columns) == 0 {
		return r.Clone()
	}
	data := make(map[string]model.Value, len(columns))
	for _, c := range columns {
		if v, ok := r.Data[c]; ok {
			data[c] = v
		}
	}
	return model.Row{Table: r.Table, ObjectID: r.ObjectID, Data: data}
}
