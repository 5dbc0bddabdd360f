package modules

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/JonMunkholm/opsbulk/internal/core"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the Postgres adapter uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresTable stores a module in its own Postgres table.
//
// Every business column is written as text; an empty value becomes NULL and
// the database casts the rest to the column type. Reads cast back
// to text, which makes a value read by UpdateRecord restorable as-is.
type PostgresTable struct {
	table
	db DB
}

var _ core.KeyedAdapter = (*PostgresTable)(nil)

// NewPostgresTable returns an adapter for the table described by spec, backed by db.
func NewPostgresTable(spec TableSpec, db DB) *PostgresTable {
	return &PostgresTable{table: table{spec: spec}, db: db}
}

// RegisterPostgres registers every builtin module against db.
func RegisterPostgres(reg *core.Registry, db DB) {
	for _, spec := range Builtin() {
		reg.Register(NewPostgresTable(spec, db))
	}
}

// classify marks connection-level failures as ErrAdapterUnavailable.
func classify(op string, err error) error {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %s: %v", core.ErrAdapterUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (p *PostgresTable) tableName() string {
	return quoteIdentifier(p.spec.Table)
}

// scopeCond appends the scope condition for params at placeholder n.
func (p *PostgresTable) scopeCond(n int) string {
	if p.spec.ScopeParam == "" {
		return ""
	}
	return fmt.Sprintf(" AND %s = $%d", quoteIdentifier(p.spec.ScopeParam), n)
}

func (p *PostgresTable) scopeArgs(params core.Params) []any {
	if p.spec.ScopeParam == "" {
		return nil
	}
	return []any{p.scope(params)}
}

func (p *PostgresTable) ValidateRow(_ context.Context, row core.CanonicalRow, params core.Params) error {
	return p.validate(row, params)
}

// FindExisting looks the row up by natural key within its scope.
// Natural keys compare case-insensitively.
func (p *PostgresTable) FindExisting(ctx context.Context, row core.CanonicalRow, params core.Params) (*core.RecordRef, error) {
	var conds []string
	var args []any
	for _, key := range p.spec.naturalKeys() {
		col, _ := p.spec.Column(key)
		v, err := normalizeValue(col, row[key])
		if err != nil {
			return nil, err
		}
		args = append(args, strings.TrimSpace(v))
		conds = append(conds, fmt.Sprintf("lower(%s::text) = lower($%d)", quoteIdentifier(key), len(args)))
	}
	query := fmt.Sprintf("SELECT id::text FROM %s WHERE %s%s LIMIT 1",
		p.tableName(), strings.Join(conds, " AND "), p.scopeCond(len(args)+1))
	args = append(args, p.scopeArgs(params)...)

	var id string
	err := p.db.QueryRow(ctx, query, args...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("find existing", err)
	}
	return &core.RecordRef{ID: id}, nil
}

func (p *PostgresTable) CreateRecord(ctx context.Context, row core.CanonicalRow, params core.Params) (core.RecordRef, error) {
	cols, vals, err := p.normalize(row)
	if err != nil {
		return core.RecordRef{}, err
	}

	names := make([]string, 0, len(cols)+1)
	placeholders := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+1)
	if p.spec.ScopeParam != "" {
		names = append(names, quoteIdentifier(p.spec.ScopeParam))
		args = append(args, p.scope(params))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	for i, c := range cols {
		names = append(names, quoteIdentifier(c.Key))
		args = append(args, vals[i])
		placeholders = append(placeholders, fmt.Sprintf("NULLIF($%d::text, '')::%s", len(args), c.Type.sqlType()))
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id::text",
		p.tableName(), strings.Join(names, ", "), strings.Join(placeholders, ", "))

	var id string
	if err := p.db.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return core.RecordRef{}, classify("insert", err)
	}
	return core.RecordRef{ID: id}, nil
}

// UpdateRecord writes the keys present in row and returns their previous
// values, read under a row lock in the same transaction.
func (p *PostgresTable) UpdateRecord(ctx context.Context, id string, row core.CanonicalRow, params core.Params) (core.CanonicalRow, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, core.ErrRecordNotFound
	}
	cols, vals, err := p.normalize(row)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return core.CanonicalRow{}, nil
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, classify("begin", err)
	}
	defer tx.Rollback(ctx)

	selects := make([]string, len(cols))
	for i, c := range cols {
		selects[i] = fmt.Sprintf("COALESCE(%s::text, '')", quoteIdentifier(c.Key))
	}
	lockArgs := append([]any{id}, p.scopeArgs(params)...)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1::uuid%s FOR UPDATE",
		strings.Join(selects, ", "), p.tableName(), p.scopeCond(2))

	prev := make([]string, len(cols))
	dest := make([]any, len(cols))
	for i := range prev {
		dest[i] = &prev[i]
	}
	if err := tx.QueryRow(ctx, query, lockArgs...).Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrRecordNotFound
		}
		return nil, classify("lock record", err)
	}

	sets := make([]string, len(cols))
	args := []any{id}
	for i, c := range cols {
		args = append(args, vals[i])
		sets[i] = fmt.Sprintf("%s = NULLIF($%d::text, '')::%s", quoteIdentifier(c.Key), len(args), c.Type.sqlType())
	}
	update := fmt.Sprintf("UPDATE %s SET %s, updated_at = now() WHERE id = $1::uuid",
		p.tableName(), strings.Join(sets, ", "))
	if _, err := tx.Exec(ctx, update, args...); err != nil {
		return nil, classify("update", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classify("commit", err)
	}

	previous := make(core.CanonicalRow, len(cols))
	for i, c := range cols {
		previous[c.Key] = prev[i]
	}
	return previous, nil
}

func (p *PostgresTable) DeleteRecord(ctx context.Context, id string, params core.Params) error {
	if _, err := uuid.Parse(id); err != nil {
		return core.ErrRecordNotFound
	}
	args := append([]any{id}, p.scopeArgs(params)...)
	tag, err := p.db.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = $1::uuid%s", p.tableName(), p.scopeCond(2)), args...)
	if err != nil {
		return classify("delete", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrRecordNotFound
	}
	return nil
}

// Query streams matching rows ordered by creation. Each record is a
// CanonicalRow that also carries the record id under "id".
func (p *PostgresTable) Query(ctx context.Context, filters []core.Filter, params core.Params) iter.Seq2[core.Record, error] {
	return func(yield func(core.Record, error) bool) {
		where, args, err := buildWhere(p.spec, filters, p.scope(params))
		if err != nil {
			yield(nil, err)
			return
		}

		selects := []string{"id::text"}
		for _, c := range p.spec.Columns {
			selects = append(selects, fmt.Sprintf("COALESCE(%s::text, '')", quoteIdentifier(c.Key)))
		}
		query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY created_at, id",
			strings.Join(selects, ", "), p.tableName(), where)

		rows, err := p.db.Query(ctx, query, args...)
		if err != nil {
			yield(nil, classify("query", err))
			return
		}
		defer rows.Close()

		values := make([]string, len(selects))
		dest := make([]any, len(values))
		for i := range values {
			dest[i] = &values[i]
		}
		for rows.Next() {
			if err := rows.Scan(dest...); err != nil {
				yield(nil, classify("scan", err))
				return
			}
			record := make(core.CanonicalRow, len(values))
			record["id"] = values[0]
			for i, c := range p.spec.Columns {
				record[c.Key] = values[i+1]
			}
			if !yield(record, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, classify("query", err))
		}
	}
}

func (p *PostgresTable) SerializeRow(record core.Record, columns []string) ([]string, error) {
	return p.serialize(record, columns)
}
