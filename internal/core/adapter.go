package core

import (
	"context"
	"iter"
)

// Field is one canonical field a module accepts.
type Field struct {
	Key        string `json:"key"`
	Label      string `json:"label,omitempty"`
	Required   bool   `json:"required"`
	NaturalKey bool   `json:"naturalKey,omitempty"`
}

// CanonicalRow holds a row's values keyed by canonical field key.
type CanonicalRow map[string]string

// Clone returns an independent copy of r.
func (r CanonicalRow) Clone() CanonicalRow {
	if r == nil {
		return nil
	}
	out := make(CanonicalRow, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// RecordRef identifies a record inside its module.
type RecordRef struct {
	ID string `json:"id"`
}

// Record is a module-owned value produced by Query and consumed by SerializeRow.
type Record any

// Adapter is implemented once per business entity. The engine never touches
// module storage directly.
//
// UpdateRecord writes the keys present in row and returns the prior values of
// those same keys, so that passing the returned snapshot back to UpdateRecord
// restores the record exactly. DeleteRecord returns ErrRecordNotFound when the
// record no longer exists. Query must be lazy and restartable from the start.
//
// Implementations wrap ErrAdapterUnavailable when the backing store cannot be
// reached at all; the engine treats that as job-fatal rather than row-scoped.
type Adapter interface {
	Module() string
	Fields() []Field
	ValidateRow(ctx context.Context, row CanonicalRow, params Params) error
	FindExisting(ctx context.Context, row CanonicalRow, params Params) (*RecordRef, error)
	CreateRecord(ctx context.Context, row CanonicalRow, params Params) (RecordRef, error)
	UpdateRecord(ctx context.Context, id string, row CanonicalRow, params Params) (CanonicalRow, error)
	DeleteRecord(ctx context.Context, id string, params Params) error
	Query(ctx context.Context, filters []Filter, params Params) iter.Seq2[Record, error]
	SerializeRow(record Record, columns []string) ([]string, error)
}

// KeyedAdapter exposes the natural key of a canonical row. Imports of keyed
// modules may apply rows on several workers; rows sharing a key always land
// on the same worker in file order.
type KeyedAdapter interface {
	Adapter
	NaturalKey(row CanonicalRow) string
}

// ModuleInfo is the public description of a registered module.
type ModuleInfo struct {
	Key    string  `json:"key"`
	Fields []Field `json:"fields"`
}

// Describe returns the ModuleInfo of an adapter.
func Describe(a Adapter) ModuleInfo {
	return ModuleInfo{Key: a.Module(), Fields: a.Fields()}
}

// fieldKeys returns the keys of fields in declaration order.
func fieldKeys(fields []Field) []string {
	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = f.Key
	}
	return keys
}
