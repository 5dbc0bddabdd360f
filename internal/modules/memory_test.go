package modules

import (
	"context"
	"errors"
	"maps"
	"testing"

	"github.com/JonMunkholm/opsbulk/internal/core"
)

func collect(t *testing.T, m *MemoryTable, filters []core.Filter, params core.Params) []core.CanonicalRow {
	t.Helper()
	var out []core.CanonicalRow
	for rec, err := range m.Query(context.Background(), filters, params) {
		if err != nil {
			t.Fatalf("Query error: %v", err)
		}
		out = append(out, rec.(core.CanonicalRow))
	}
	return out
}

// ----------------------------------------------------------------------------
// MemoryTable Tests
// ----------------------------------------------------------------------------

func TestMemoryTable_CreateFindUpdateDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryTable(StockItems)

	ref, err := m.CreateRecord(ctx, core.CanonicalRow{"code": "SKU-1", "name": "Widget", "quantity": "1,000"}, nil)
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	stored, _ := m.Get(ref.ID)
	if stored["quantity"] != "1000" {
		t.Errorf("quantity stored as %q, want 1000", stored["quantity"])
	}

	found, err := m.FindExisting(ctx, core.CanonicalRow{"code": "sku-1"}, nil)
	if err != nil || found == nil || found.ID != ref.ID {
		t.Fatalf("FindExisting = %v, %v; want %s", found, err, ref.ID)
	}

	prev, err := m.UpdateRecord(ctx, ref.ID, core.CanonicalRow{"name": "Gadget"}, nil)
	if err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}
	if prev["name"] != "Widget" || len(prev) != 1 {
		t.Errorf("previous = %v, want only name=Widget", prev)
	}

	if _, err := m.UpdateRecord(ctx, ref.ID, prev, nil); err != nil {
		t.Fatalf("restore: %v", err)
	}
	stored, _ = m.Get(ref.ID)
	if stored["name"] != "Widget" {
		t.Errorf("restored name = %q", stored["name"])
	}

	if err := m.DeleteRecord(ctx, ref.ID, nil); err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}
	if err := m.DeleteRecord(ctx, ref.ID, nil); !errors.Is(err, core.ErrRecordNotFound) {
		t.Errorf("second DeleteRecord = %v, want ErrRecordNotFound", err)
	}
}

func TestMemoryTable_UpdateRestoreIsExact(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryTable(StockItems)

	ref, err := m.CreateRecord(ctx, core.CanonicalRow{"code": "SKU-1", "name": "Widget", "location": ""}, nil)
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	before, _ := m.Get(ref.ID)

	prev, err := m.UpdateRecord(ctx, ref.ID, core.CanonicalRow{"name": "Gadget", "category": "tools", "location": "B2"}, nil)
	if err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}
	if prev["category"] != "" || prev["location"] != "" {
		t.Errorf("previous = %v, want blank category and location", prev)
	}

	if _, err := m.UpdateRecord(ctx, ref.ID, prev, nil); err != nil {
		t.Fatalf("restore: %v", err)
	}
	after, _ := m.Get(ref.ID)
	if !maps.Equal(after, before) {
		t.Errorf("restored = %v, want %v", after, before)
	}
	if _, ok := after["category"]; ok {
		t.Errorf("restore left category key behind: %v", after)
	}
}

func TestMemoryTable_ScopeIsolation(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryTable(ProjectTasks)
	p1 := core.Params{"project_id": "p1"}
	p2 := core.Params{"project_id": "p2"}

	if err := m.ValidateRow(ctx, core.CanonicalRow{"task_code": "T1", "title": "x"}, nil); err == nil {
		t.Error("ValidateRow without project_id succeeded")
	}

	m.Seed(p1, core.CanonicalRow{"task_code": "T1", "title": "Design"})

	found, err := m.FindExisting(ctx, core.CanonicalRow{"task_code": "T1"}, p2)
	if err != nil || found != nil {
		t.Errorf("FindExisting in other project = %v, %v; want nil", found, err)
	}
	if got := len(collect(t, m, nil, p1)); got != 1 {
		t.Errorf("p1 query = %d rows, want 1", got)
	}
	if got := len(collect(t, m, nil, p2)); got != 0 {
		t.Errorf("p2 query = %d rows, want 0", got)
	}
}

func TestMemoryTable_ValidateRow(t *testing.T) {
	m := NewMemoryTable(Assets)
	tests := []struct {
		name      string
		row       core.CanonicalRow
		wantField string
	}{
		{"valid", core.CanonicalRow{"asset_tag": "A-1", "name": "Truck", "purchase_date": "2024-01-02"}, ""},
		{"bad date", core.CanonicalRow{"asset_tag": "A-1", "name": "Truck", "purchase_date": "soon"}, "purchase_date"},
		{"bad enum", core.CanonicalRow{"asset_tag": "A-1", "name": "Truck", "status": "lost"}, "status"},
		{"blank natural key", core.CanonicalRow{"asset_tag": " ", "name": "Truck"}, "asset_tag"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.ValidateRow(context.Background(), tt.row, nil)
			if tt.wantField == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			var rv *core.RowValidationError
			if !errors.As(err, &rv) || rv.Field != tt.wantField {
				t.Errorf("error = %v, want RowValidationError on %s", err, tt.wantField)
			}
		})
	}
}

func TestMemoryTable_QueryOrderAndSerialize(t *testing.T) {
	m := NewMemoryTable(StockItems)
	m.Seed(nil,
		core.CanonicalRow{"code": "A", "name": "First", "quantity": "5"},
		core.CanonicalRow{"code": "B", "name": "Second", "quantity": "50"},
		core.CanonicalRow{"code": "C", "name": "Third", "quantity": "500"},
	)

	rows := collect(t, m, []core.Filter{{Field: "quantity", Operator: core.OpGreater, Value: "10"}}, nil)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	values, err := m.SerializeRow(rows[0], []string{"name", "code"})
	if err != nil {
		t.Fatalf("SerializeRow: %v", err)
	}
	if values[0] != "Second" || values[1] != "B" {
		t.Errorf("values = %v, want [Second B]", values)
	}

	if _, err := m.SerializeRow("not a row", []string{"name"}); err == nil {
		t.Error("SerializeRow accepted a foreign record")
	}
}

func TestMemoryTable_FailFunc(t *testing.T) {
	m := NewMemoryTable(StockItems)
	boom := errors.New("boom")
	m.SetFailFunc(func(op string, row core.CanonicalRow) error {
		if op == "create" && row["code"] == "BAD" {
			return boom
		}
		return nil
	})

	if _, err := m.CreateRecord(context.Background(), core.CanonicalRow{"code": "BAD", "name": "x"}, nil); !errors.Is(err, boom) {
		t.Errorf("CreateRecord error = %v, want boom", err)
	}
	if _, err := m.CreateRecord(context.Background(), core.CanonicalRow{"code": "OK", "name": "x"}, nil); err != nil {
		t.Errorf("CreateRecord error = %v", err)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}
