package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Count returns the number of rows of model matching where.
func (s *Store) Count(ctx context.Context, model string, where Filter) (int64, error) {
	m, err := LookupModel(model)
	if err != nil {
		return 0, err
	}
	clause, args, err := m.whereClause(where)
	if err != nil {
		return 0, err
	}

	var n int64
	q := "SELECT COUNT(*) FROM " + m.Table + clause
	if err := s.db.QueryRowContext(ctx, s.rebind(q), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", m.Name, err)
	}
	return n, nil
}

// Average returns the mean of a numeric column over matching rows. ok is
// false when no non-null value matched.
func (s *Store) Average(ctx context.Context, model, column string, where Filter) (avg float64, ok bool, err error) {
	m, err := LookupModel(model)
	if err != nil {
		return 0, false, err
	}
	if err := m.check(column); err != nil {
		return 0, false, err
	}
	clause, args, err := m.whereClause(where)
	if err != nil {
		return 0, false, err
	}

	var v sql.NullFloat64
	q := "SELECT AVG(" + column + ") FROM " + m.Table + clause
	if err := s.db.QueryRowContext(ctx, s.rebind(q), args...).Scan(&v); err != nil {
		return 0, false, fmt.Errorf("averaging %s.%s: %w", m.Name, column, err)
	}
	return v.Float64, v.Valid, nil
}

// FindMany returns the rows of model matching q.
func (s *Store) FindMany(ctx context.Context, model string, q Query) ([]Record, error) {
	m, err := LookupModel(model)
	if err != nil {
		return nil, err
	}
	clause, args, err := m.whereClause(q.Where)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(m.columnList())
	b.WriteString(" FROM ")
	b.WriteString(m.Table)
	b.WriteString(clause)
	if q.OrderBy != "" {
		if err := m.check(q.OrderBy); err != nil {
			return nil, err
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(q.OrderBy)
		if q.Desc {
			b.WriteString(" DESC")
		}
	}
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
		if q.Offset > 0 {
			b.WriteString(" OFFSET ?")
			args = append(args, q.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", m.Name, err)
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		rec, err := m.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", m.Name, err)
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// FindUnique returns the single row matching where, or ErrNotFound.
func (s *Store) FindUnique(ctx context.Context, model string, where Filter) (Record, error) {
	recs, err := s.FindMany(ctx, model, Query{Where: where, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// Create inserts data as a new row and returns the stored record. An id and
// timestamps are filled in when the model has them and data omits them.
func (s *Store) Create(ctx context.Context, model string, data Record) (Record, error) {
	m, err := LookupModel(model)
	if err != nil {
		return nil, err
	}
	row := m.withDefaults(data, time.Now().UTC())
	cols, args, err := m.assignments(row)
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		m.Table, strings.Join(cols, ", "), placeholders(len(cols)))
	if _, err := s.db.ExecContext(ctx, s.rebind(q), args...); err != nil {
		return nil, fmt.Errorf("creating %s: %w", m.Name, err)
	}
	return s.FindUnique(ctx, model, Filter{"id": row["id"]})
}

// Update applies data to the row matching where and returns the updated record.
func (s *Store) Update(ctx context.Context, model string, where Filter, data Record) (Record, error) {
	m, err := LookupModel(model)
	if err != nil {
		return nil, err
	}
	if len(where) == 0 {
		return nil, fmt.Errorf("updating %s: empty where", m.Name)
	}

	set := make(Record, len(data)+1)
	for k, v := range data {
		set[k] = v
	}
	if m.Has("updated_at") {
		if _, ok := set["updated_at"]; !ok {
			set["updated_at"] = time.Now().UTC().Format(time.RFC3339)
		}
	}
	cols, setArgs, err := m.assignments(set)
	if err != nil {
		return nil, err
	}
	clause, whereArgs, err := m.whereClause(where)
	if err != nil {
		return nil, err
	}

	assigns := make([]string, len(cols))
	for i, c := range cols {
		assigns[i] = c + " = ?"
	}
	q := "UPDATE " + m.Table + " SET " + strings.Join(assigns, ", ") + clause
	res, err := s.db.ExecContext(ctx, s.rebind(q), append(setArgs, whereArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("updating %s: %w", m.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	// Follow the row if the update moved its natural key.
	lookup := make(Filter, len(where))
	for k, v := range where {
		if nv, ok := data[k]; ok {
			v = nv
		}
		lookup[k] = v
	}
	return s.FindUnique(ctx, model, lookup)
}

// Upsert inserts create (merged with where) or, when a row with the same
// natural key exists, applies update to it. where must name exactly one of
// the model's unique keys.
func (s *Store) Upsert(ctx context.Context, model string, where Filter, create, update Record) (Record, error) {
	m, err := LookupModel(model)
	if err != nil {
		return nil, err
	}
	target, err := m.conflictTarget(where)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	row := make(Record, len(create)+len(where))
	for k, v := range create {
		row[k] = v
	}
	for k, v := range where {
		row[k] = v
	}
	row = m.withDefaults(row, now)
	cols, args, err := m.assignments(row)
	if err != nil {
		return nil, err
	}

	set := make(Record, len(update)+1)
	for k, v := range update {
		set[k] = v
	}
	if m.Has("updated_at") {
		set["updated_at"] = now.Format(time.RFC3339)
	}
	setCols, setArgs, err := m.assignments(set)
	if err != nil {
		return nil, err
	}
	assigns := make([]string, len(setCols))
	for i, c := range setCols {
		assigns[i] = c + " = ?"
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		m.Table, strings.Join(cols, ", "), placeholders(len(cols)),
		strings.Join(target, ", "), strings.Join(assigns, ", "))
	if _, err := s.db.ExecContext(ctx, s.rebind(q), append(args, setArgs...)...); err != nil {
		return nil, fmt.Errorf("upserting %s: %w", m.Name, err)
	}
	return s.FindUnique(ctx, model, where)
}

// Delete removes the row matching where and returns it as it was.
func (s *Store) Delete(ctx context.Context, model string, where Filter) (Record, error) {
	m, err := LookupModel(model)
	if err != nil {
		return nil, err
	}
	if len(where) == 0 {
		return nil, fmt.Errorf("deleting %s: empty where", m.Name)
	}
	rec, err := s.FindUnique(ctx, model, where)
	if err != nil {
		return nil, err
	}
	clause, args, err := m.whereClause(Filter{"id": rec["id"]})
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM "+m.Table+clause), args...); err != nil {
		return nil, fmt.Errorf("deleting %s: %w", m.Name, err)
	}
	return rec, nil
}

func (m *Model) columnList() string {
	names := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		names[i] = c.Name
	}
	return strings.Join(names, ", ")
}

func (m *Model) scan(rows *sql.Rows) (Record, error) {
	vals := make([]any, len(m.Columns))
	ptrs := make([]any, len(m.Columns))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	rec := make(Record, len(m.Columns))
	for i, c := range m.Columns {
		rec[c.Name] = vals[i]
	}
	return m.Normalize(rec), nil
}

func (m *Model) withDefaults(data Record, now time.Time) Record {
	row := make(Record, len(data)+3)
	for k, v := range data {
		row[k] = v
	}
	if m.Has("id") && row.String("id") == "" {
		row["id"] = uuid.NewString()
	}
	ts := now.Format(time.RFC3339)
	for _, col := range []string{"created_at", "updated_at"} {
		if m.Has(col) && row[col] == nil {
			row[col] = ts
		}
	}
	return row
}

// assignments returns the record's columns in sorted order with their
// normalized argument values.
func (m *Model) assignments(r Record) ([]string, []any, error) {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	if err := m.check(cols...); err != nil {
		return nil, nil, err
	}
	args := make([]any, len(cols))
	for i, c := range cols {
		v := r[c]
		if v != nil {
			v = normalizeValue(m.kinds[c], v)
		}
		args[i] = v
	}
	return cols, args, nil
}

func (m *Model) whereClause(f Filter) (string, []any, error) {
	if len(f) == 0 {
		return "", nil, nil
	}
	cols := make([]string, 0, len(f))
	for k := range f {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	if err := m.check(cols...); err != nil {
		return "", nil, err
	}

	var (
		conds []string
		args  []any
	)
	for _, c := range cols {
		switch v := f[c].(type) {
		case nil:
			conds = append(conds, c+" IS NULL")
		case Range:
			if v.From != nil {
				conds = append(conds, c+" >= ?")
				args = append(args, normalizeValue(m.kinds[c], v.From))
			}
			if v.To != nil {
				conds = append(conds, c+" < ?")
				args = append(args, normalizeValue(m.kinds[c], v.To))
			}
		case []string:
			if len(v) == 0 {
				conds = append(conds, "1 = 0")
				continue
			}
			conds = append(conds, c+" IN ("+placeholders(len(v))+")")
			for _, s := range v {
				args = append(args, s)
			}
		case []any:
			if len(v) == 0 {
				conds = append(conds, "1 = 0")
				continue
			}
			conds = append(conds, c+" IN ("+placeholders(len(v))+")")
			for _, x := range v {
				args = append(args, normalizeValue(m.kinds[c], x))
			}
		default:
			conds = append(conds, c+" = ?")
			args = append(args, normalizeValue(m.kinds[c], v))
		}
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func (m *Model) conflictTarget(where Filter) ([]string, error) {
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, u := range m.Unique {
		target := append([]string(nil), u...)
		sort.Strings(target)
		if strings.Join(target, ",") == strings.Join(keys, ",") {
			return u, nil
		}
	}
	return nil, fmt.Errorf("upserting %s: where %v is not a unique key", m.Name, keys)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
