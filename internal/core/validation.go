package core

import (
	"context"
	"errors"
	"fmt"
)

// ValidationStage turns raw rows into canonical rows or row-scoped errors.
// Map runs where rows are read; Check runs in the writer that applies the row,
// so module rules see the records written before it.
type ValidationStage struct {
	mapper  *Mapper
	adapter Adapter
	params  Params
}

// NewValidationStage binds a mapper to the adapter whose rules it runs.
func NewValidationStage(mapper *Mapper, adapter Adapter, params Params) *ValidationStage {
	return &ValidationStage{mapper: mapper, adapter: adapter, params: params}
}

// Map applies the column mapping. A malformed row becomes a *RowValidationError.
func (v *ValidationStage) Map(row CSVRow, parseErr error) (CanonicalRow, error) {
	if parseErr != nil {
		var malformed *MalformedRowError
		if errors.As(parseErr, &malformed) {
			return nil, &RowValidationError{Message: malformed.Error()}
		}
		return nil, parseErr
	}
	return v.mapper.Apply(row.Values)
}

// Check runs the module's own row rules.
func (v *ValidationStage) Check(ctx context.Context, canonical CanonicalRow) error {
	err := v.adapter.ValidateRow(ctx, canonical, v.params)
	if err == nil || isJobFatal(err) {
		return err
	}
	var rv *RowValidationError
	if errors.As(err, &rv) {
		return rv
	}
	return &RowValidationError{Message: err.Error()}
}

// isJobFatal reports whether err must abort the whole job instead of one row.
func isJobFatal(err error) bool {
	var structural *StructuralParseError
	return errors.As(err, &structural) ||
		errors.Is(err, ErrAdapterUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// rowMessage renders err for RowError.Message.
func rowMessage(err error) string {
	var fail *AdapterFailure
	if errors.As(err, &fail) {
		return fmt.Sprintf("%s: %v", fail.Op, fail.Err)
	}
	return err.Error()
}
