// Package modules implements the business modules the bulk engine imports into
// and exports from.
//
// Each module is a TableSpec: a table name and its column specs. The same spec
// backs the Postgres adapter used in production and the in-memory adapter used
// in dev mode and tests, so validation and serialization behave identically.
package modules

import (
	"strings"

	"github.com/JonMunkholm/opsbulk/internal/core"
)

// ColumnType controls how a column's values are validated and stored.
type ColumnType int

const (
	TypeText ColumnType = iota
	TypeNumeric
	TypeDate
	TypeBool
	TypeEnum
)

// sqlType is the Postgres type a column is cast to on write.
func (t ColumnType) sqlType() string {
	switch t {
	case TypeNumeric:
		return "numeric"
	case TypeDate:
		return "date"
	case TypeBool:
		return "boolean"
	default:
		return "text"
	}
}

// Column describes one canonical field and the table column that stores it.
type Column struct {
	Key        string
	Label      string
	Type       ColumnType
	Required   bool
	NaturalKey bool
	EnumValues []string
}

// TableSpec describes one module.
//
// ScopeParam names an import/export context parameter that partitions the
// table, such as the project a task belongs to. Natural keys are unique
// within a scope.
type TableSpec struct {
	Module     string
	Table      string
	Columns    []Column
	ScopeParam string
}

// Fields returns the engine view of the columns.
func (s TableSpec) Fields() []core.Field {
	fields := make([]core.Field, len(s.Columns))
	for i, c := range s.Columns {
		fields[i] = core.Field{Key: c.Key, Label: c.Label, Required: c.Required, NaturalKey: c.NaturalKey}
	}
	return fields
}

// Column returns the column with key.
func (s TableSpec) Column(key string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Key == key {
			return c, true
		}
	}
	return Column{}, false
}

func (s TableSpec) naturalKeys() []string {
	var keys []string
	for _, c := range s.Columns {
		if c.NaturalKey {
			keys = append(keys, c.Key)
		}
	}
	return keys
}

// NaturalKey joins the natural key values of row. Keys compare case-insensitively.
func (s TableSpec) NaturalKey(row core.CanonicalRow) string {
	parts := make([]string, 0, 1)
	for _, k := range s.naturalKeys() {
		parts = append(parts, strings.ToLower(strings.TrimSpace(row[k])))
	}
	return strings.Join(parts, "|")
}

// StockItems is the inventory module.
var StockItems = TableSpec{
	Module: "stock_items",
	Table:  "stock_items",
	Columns: []Column{
		{Key: "code", Label: "Item Code", Required: true, NaturalKey: true},
		{Key: "name", Label: "Name", Required: true},
		{Key: "category", Label: "Category"},
		{Key: "quantity", Label: "Quantity", Type: TypeNumeric},
		{Key: "unit_cost", Label: "Unit Cost", Type: TypeNumeric},
		{Key: "reorder_level", Label: "Reorder Level", Type: TypeNumeric},
		{Key: "location", Label: "Location"},
	},
}

// Assets is the fleet and equipment module.
var Assets = TableSpec{
	Module: "assets",
	Table:  "assets",
	Columns: []Column{
		{Key: "asset_tag", Label: "Asset Tag", Required: true, NaturalKey: true},
		{Key: "name", Label: "Name", Required: true},
		{Key: "category", Label: "Category"},
		{Key: "serial_number", Label: "Serial Number"},
		{Key: "purchase_date", Label: "Purchase Date", Type: TypeDate},
		{Key: "purchase_cost", Label: "Purchase Cost", Type: TypeNumeric},
		{Key: "status", Label: "Status", Type: TypeEnum, EnumValues: []string{"active", "maintenance", "retired"}},
	},
}

// Employees is the HR module.
var Employees = TableSpec{
	Module: "employees",
	Table:  "employees",
	Columns: []Column{
		{Key: "employee_number", Label: "Employee Number", Required: true, NaturalKey: true},
		{Key: "first_name", Label: "First Name", Required: true},
		{Key: "last_name", Label: "Last Name", Required: true},
		{Key: "email", Label: "Email"},
		{Key: "department", Label: "Department"},
		{Key: "hire_date", Label: "Hire Date", Type: TypeDate},
		{Key: "active", Label: "Active", Type: TypeBool},
	},
}

// ProjectTasks is the project module. Tasks belong to the project named by
// the project_id context parameter.
var ProjectTasks = TableSpec{
	Module:     "project_tasks",
	Table:      "project_tasks",
	ScopeParam: "project_id",
	Columns: []Column{
		{Key: "task_code", Label: "Task Code", Required: true, NaturalKey: true},
		{Key: "title", Label: "Title", Required: true},
		{Key: "assignee", Label: "Assignee"},
		{Key: "due_date", Label: "Due Date", Type: TypeDate},
		{Key: "estimate_hours", Label: "Estimate (h)", Type: TypeNumeric},
		{Key: "status", Label: "Status", Type: TypeEnum, EnumValues: []string{"todo", "in_progress", "done"}},
	},
}

// Builtin lists every module shipped with the server.
func Builtin() []TableSpec {
	return []TableSpec{StockItems, Assets, Employees, ProjectTasks}
}
