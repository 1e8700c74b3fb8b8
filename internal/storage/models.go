package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnknownModel is returned for a model name missing from the registry.
	ErrUnknownModel = errors.New("unknown model")
	// ErrUnknownColumn is returned when a filter or record names a column the model lacks.
	ErrUnknownColumn = errors.New("unknown column")
)

// Model names accepted by the generic record operations.
const (
	ModelUser       = "user"
	ModelEntry      = "entry"
	ModelProject    = "project"
	ModelSkill      = "skill"
	ModelCompetency = "competency"
)

// ColumnKind controls how a scanned or decoded value is normalized.
type ColumnKind int

const (
	KindText ColumnKind = iota
	KindInt
	KindReal
)

type Column struct {
	Name string
	Kind ColumnKind
}

// Model describes one table: its columns in select order and its natural keys.
type Model struct {
	Name    string
	Table   string
	Columns []Column
	Unique  [][]string

	kinds map[string]ColumnKind
}

func newModel(name, table string, unique [][]string, cols ...Column) *Model {
	m := &Model{Name: name, Table: table, Columns: cols, Unique: unique, kinds: make(map[string]ColumnKind, len(cols))}
	for _, c := range cols {
		m.kinds[c.Name] = c.Kind
	}
	return m
}

func textCol(name string) Column { return Column{Name: name, Kind: KindText} }
func intCol(name string) Column { return Column{Name: name, Kind: KindInt} }
func realCol(name string) Column { return Column{Name: name, Kind: KindReal} }

var registry = map[string]*Model{
	ModelUser: newModel(ModelUser, "users", [][]string{{"id"}, {"email"}},
		textCol("id"), textCol("email"), textCol("name"), textCol("provider"), textCol("created_at"), textCol("updated_at"),
	),
	ModelEntry: newModel(ModelEntry, "entries", [][]string{{"id"}, {"user_id", "date"}},
		textCol("id"), textCol("user_id"), textCol("date"), textCol("content"), realCol("sentiment"),
		textCol("analysis"), textCol("analyzed_at"), textCol("created_at"), textCol("updated_at"),
	),
	ModelProject: newModel(ModelProject, "projects", [][]string{{"id"}, {"user_id", "name"}},
		textCol("id"), textCol("user_id"), textCol("name"), textCol("description"), textCol("status"),
		intCol("mentions"), textCol("last_mentioned"), textCol("created_at"), textCol("updated_at"),
	),
	ModelSkill: newModel(ModelSkill, "skills", [][]string{{"id"}, {"user_id", "name"}},
		textCol("id"), textCol("user_id"), textCol("name"), textCol("category"),
		intCol("mentions"), textCol("last_mentioned"), textCol("created_at"), textCol("updated_at"),
	),
	ModelCompetency: newModel(ModelCompetency, "competencies", [][]string{{"id"}, {"user_id", "name"}},
		textCol("id"), textCol("user_id"), textCol("name"), textCol("level"),
		intCol("evidence_count"), textCol("last_mentioned"), textCol("created_at"), textCol("updated_at"),
	),
}

// LookupModel returns the registered model with the given name.
func LookupModel(name string) (*Model, error) {
	m, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return m, nil
}

// Models returns the names of every registered model.
func Models() []string {
	return []string{ModelUser, ModelEntry, ModelProject, ModelSkill, ModelCompetency}
}

// Has reports whether the model has the named column.
func (m *Model) Has(col string) bool {
	_, ok := m.kinds[col]
	return ok
}

func (m *Model) check(cols ...string) error {
	for _, c := range cols {
		if !m.Has(c) {
			return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, m.Name, c)
		}
	}
	return nil
}

// Record is an opaque row keyed by column name.
type Record map[string]any

// String returns the column as a string, or "" when absent or null.
func (r Record) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the column as an int64, or 0.
func (r Record) Int(col string) int64 {
	v, _ := toInt(r[col])
	return v
}

// Float returns the column as a float64, or 0.
func (r Record) Float(col string) float64 {
	v, _ := toFloat(r[col])
	return v
}

// Normalize coerces every known column to its canonical Go type so that a
// record decoded from JSON compares equal to one scanned from the database.
func (m *Model) Normalize(r Record) Record {
	for col, v := range r {
		kind, ok := m.kinds[col]
		if !ok || v == nil {
			continue
		}
		r[col] = normalizeValue(kind, v)
	}
	return r
}

func normalizeValue(kind ColumnKind, v any) any {
	switch kind {
	case KindInt:
		if i, ok := toInt(v); ok {
			return i
		}
	case KindReal:
		if f, ok := toFloat(v); ok {
			return f
		}
	case KindText:
		switch t := v.(type) {
		case []byte:
			return string(t)
		case time.Time:
			return t.UTC().Format(time.RFC3339)
		}
	}
	return v
}

func toInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case float64:
		return int64(math.Round(t)), true
	case json.Number:
		i, err := t.Int64()
		return i, err == nil
	case []byte:
		i, err := strconv.ParseInt(string(t), 10, 64)
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(t, 10, 64)
		return i, err == nil
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(string(t), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

// Filter maps column names to match conditions. A plain value matches by
// equality, a Range matches a half-open interval and a []any or []string
// matches any listed value.
type Filter map[string]any

// Range matches From <= col < To. A nil bound is open.
type Range struct {
	From any
	To   any
}

// UserID returns the user_id equality condition, if present.
func (f Filter) UserID() (string, bool) {
	v, ok := f["user_id"].(string)
	return v, ok && v != ""
}

// Query is the FindMany input.
type Query struct {
	Where   Filter
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}
