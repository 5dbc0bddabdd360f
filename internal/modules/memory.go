package modules

import (
	"cmp"
	"context"
	"iter"
	"maps"
	"slices"
	"sync"

	"github.com/JonMunkholm/opsbulk/internal/core"
	"github.com/google/uuid"
)

// FailFunc lets tests inject adapter failures. It is called with the
// operation name (validate, find, create, update, delete, query) and the row
// involved; a non-nil error is returned by that operation.
type FailFunc func(op string, row core.CanonicalRow) error

type memRecord struct {
	seq   int
	scope string
	row   core.CanonicalRow
}

// MemoryTable keeps a module in process memory with the same validation and
// serialization as PostgresTable.
type MemoryTable struct {
	table

	mu      sync.RWMutex
	records map[string]*memRecord
	seq     int
	fail    FailFunc
}

var _ core.KeyedAdapter = (*MemoryTable)(nil)

// NewMemoryTable returns an empty in-memory adapter for spec.
func NewMemoryTable(spec TableSpec) *MemoryTable {
	return &MemoryTable{table: table{spec: spec}, records: make(map[string]*memRecord)}
}

// RegisterMemory registers an in-memory adapter for every builtin module.
func RegisterMemory(reg *core.Registry) {
	for _, spec := range Builtin() {
		reg.Register(NewMemoryTable(spec))
	}
}

// SetFailFunc installs a failure hook. Passing nil removes it.
func (m *MemoryTable) SetFailFunc(fn FailFunc) {
	m.mu.Lock()
	m.fail = fn
	m.mu.Unlock()
}

func (m *MemoryTable) injected(op string, row core.CanonicalRow) error {
	m.mu.RLock()
	fn := m.fail
	m.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(op, row)
}

// Seed inserts rows directly, bypassing validation, and returns their ids.
func (m *MemoryTable) Seed(params core.Params, rows ...core.CanonicalRow) []string {
	ids := make([]string, len(rows))
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, row := range rows {
		ids[i] = m.insertLocked(m.scope(params), row.Clone())
	}
	return ids
}

// Get returns a copy of the stored record.
func (m *MemoryTable) Get(id string) (core.CanonicalRow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, false
	}
	return rec.row.Clone(), true
}

// Len returns the number of stored records.
func (m *MemoryTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// insertLocked stores row without its empty values; a missing key reads as ""
// the same way a NULL column does in PostgresTable.
func (m *MemoryTable) insertLocked(scope string, row core.CanonicalRow) string {
	maps.DeleteFunc(row, func(_, v string) bool { return v == "" })
	m.seq++
	id := uuid.NewString()
	m.records[id] = &memRecord{seq: m.seq, scope: scope, row: row}
	return id
}

func (m *MemoryTable) ValidateRow(_ context.Context, row core.CanonicalRow, params core.Params) error {
	if err := m.injected("validate", row); err != nil {
		return err
	}
	return m.validate(row, params)
}

func (m *MemoryTable) FindExisting(_ context.Context, row core.CanonicalRow, params core.Params) (*core.RecordRef, error) {
	if err := m.injected("find", row); err != nil {
		return nil, err
	}
	cols, vals, err := m.normalize(row)
	if err != nil {
		return nil, err
	}
	probe := make(core.CanonicalRow, len(cols))
	for i, c := range cols {
		probe[c.Key] = vals[i]
	}
	key := m.spec.NaturalKey(probe)
	scope := m.scope(params)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, rec := range m.records {
		if rec.scope == scope && m.spec.NaturalKey(rec.row) == key {
			return &core.RecordRef{ID: id}, nil
		}
	}
	return nil, nil
}

func (m *MemoryTable) CreateRecord(_ context.Context, row core.CanonicalRow, params core.Params) (core.RecordRef, error) {
	if err := m.injected("create", row); err != nil {
		return core.RecordRef{}, err
	}
	cols, vals, err := m.normalize(row)
	if err != nil {
		return core.RecordRef{}, err
	}
	stored := make(core.CanonicalRow, len(cols))
	for i, c := range cols {
		stored[c.Key] = vals[i]
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return core.RecordRef{ID: m.insertLocked(m.scope(params), stored)}, nil
}

func (m *MemoryTable) UpdateRecord(_ context.Context, id string, row core.CanonicalRow, params core.Params) (core.CanonicalRow, error) {
	if err := m.injected("update", row); err != nil {
		return nil, err
	}
	cols, vals, err := m.normalize(row)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.scope != m.scope(params) {
		return nil, core.ErrRecordNotFound
	}
	previous := make(core.CanonicalRow, len(cols))
	for i, c := range cols {
		previous[c.Key] = rec.row[c.Key]
		if vals[i] == "" {
			delete(rec.row, c.Key)
			continue
		}
		rec.row[c.Key] = vals[i]
	}
	return previous, nil
}

func (m *MemoryTable) DeleteRecord(_ context.Context, id string, params core.Params) error {
	if err := m.injected("delete", core.CanonicalRow{"id": id}); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.scope != m.scope(params) {
		return core.ErrRecordNotFound
	}
	delete(m.records, id)
	return nil
}

// Query snapshots matching records in insertion order and yields them.
func (m *MemoryTable) Query(ctx context.Context, filters []core.Filter, params core.Params) iter.Seq2[core.Record, error] {
	return func(yield func(core.Record, error) bool) {
		if err := m.injected("query", nil); err != nil {
			yield(nil, err)
			return
		}
		matches, err := m.snapshot(filters, m.scope(params))
		if err != nil {
			yield(nil, err)
			return
		}
		for _, row := range matches {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

func (m *MemoryTable) snapshot(filters []core.Filter, scope string) ([]core.CanonicalRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type hit struct {
		seq int
		row core.CanonicalRow
	}
	var hits []hit
	for id, rec := range m.records {
		if rec.scope != scope {
			continue
		}
		ok := true
		for _, f := range filters {
			col, known := m.spec.Column(f.Field)
			if !known {
				return nil, &core.AdapterFailure{Op: "query", Err: core.ErrInvalidFilter}
			}
			matched, err := matchFilter(col, f, rec.row)
			if err != nil {
				return nil, err
			}
			if !matched {
				ok = false
				break
			}
		}
		if ok {
			row := rec.row.Clone()
			row["id"] = id
			hits = append(hits, hit{seq: rec.seq, row: row})
		}
	}
	slices.SortFunc(hits, func(a, b hit) int { return cmp.Compare(a.seq, b.seq) })

	out := make([]core.CanonicalRow, len(hits))
	for i, h := range hits {
		out[i] = h.row
	}
	return out, nil
}

func (m *MemoryTable) SerializeRow(record core.Record, columns []string) ([]string, error) {
	return m.serialize(record, columns)
}
