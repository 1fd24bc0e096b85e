package results

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"sync"

	gormschema "gorm.io/gorm/schema"
)

// ErrUnsupportedField 记录类型包含无法映射到列的字段
var ErrUnsupportedField = errors.New("unsupported record field")

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// 固定列，记录字段不能使用这些列名
var reservedColumns = map[string]bool{
	"id":    true,
	"idx":   true,
	"split": true,
	"error": true,
	"trace": true,
}

type columnKind int

const (
	kindString columnKind = iota
	kindBool
	kindInt
	kindUint
	kindFloat
)

func (k columnKind) sqlType() string {
	switch k {
	case kindString:
		return "TEXT"
	case kindFloat:
		return "REAL"
	default:
		// 布尔值以 INTEGER 存储
		return "INTEGER"
	}
}

type column struct {
	name     string
	index    []int
	kind     columnKind
	nullable bool
}

// schema 是记录类型到列的映射，在构造时一次性推导
type schema struct {
	typ     reflect.Type
	columns []column
}

// gorm 解析出的 schema 缓存，按记录类型复用
var parseCache sync.Map

// deriveSchema 用 gorm 的 schema 解析推导记录类型的列。匿名嵌入的结构体会被展开，
// 列名取 db 标签，缺省时按 gorm 的命名策略转为 snake_case。
func deriveSchema(t reflect.Type) (*schema, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: record type %s is not a struct", ErrUnsupportedField, t)
	}

	parsed, err := gormschema.Parse(reflect.New(t).Interface(), &parseCache, gormschema.NamingStrategy{})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnsupportedField, t, err)
	}

	s := &schema{typ: t}
	seen := map[string]bool{}
	for _, f := range parsed.Fields {
		tag := f.StructField.Tag.Get("db")
		if tag == "-" {
			continue
		}
		if slices.ContainsFunc(f.StructField.Index, func(i int) bool { return i < 0 }) {
			return nil, fmt.Errorf("%w: %s.%s is embedded through a pointer", ErrUnsupportedField, t.Name(), f.Name)
		}

		name := tag
		if name == "" {
			name = f.DBName
		}
		if !identifierPattern.MatchString(name) {
			return nil, fmt.Errorf("%w: %s.%s has invalid column name %q", ErrUnsupportedField, t.Name(), f.Name, name)
		}
		if reservedColumns[name] {
			return nil, fmt.Errorf("%w: %s.%s uses reserved column %q", ErrUnsupportedField, t.Name(), f.Name, name)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrUnsupportedField, name)
		}

		kind, ok := kindOf(f.IndirectFieldType)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s has type %s", ErrUnsupportedField, t.Name(), f.Name, f.FieldType)
		}

		seen[name] = true
		s.columns = append(s.columns, column{
			name:     name,
			index:    f.StructField.Index,
			kind:     kind,
			nullable: f.FieldType.Kind() == reflect.Pointer,
		})
	}
	if len(s.columns) == 0 {
		return nil, fmt.Errorf("%w: record type %s has no fields", ErrUnsupportedField, t)
	}
	return s, nil
}

func kindOf(t reflect.Type) (columnKind, bool) {
	switch t.Kind() {
	case reflect.String:
		return kindString, true
	case reflect.Bool:
		return kindBool, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return kindInt, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return kindUint, true
	case reflect.Float32, reflect.Float64:
		return kindFloat, true
	default:
		return 0, false
	}
}

// createTableSQL 返回建表语句。记录列均允许 NULL：错误行会将它们置空。
func (s *schema) createTableSQL(table string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %q (\n", table)
	b.WriteString("\tid INTEGER PRIMARY KEY,\n")
	b.WriteString("\tidx INTEGER NOT NULL,\n")
	b.WriteString("\tsplit INTEGER NOT NULL,\n")
	for _, col := range s.columns {
		fmt.Fprintf(&b, "\t%q %s,\n", col.name, col.kind.sqlType())
	}
	b.WriteString("\terror BLOB,\n")
	b.WriteString("\ttrace TEXT\n")
	b.WriteString(")")
	return b.String()
}

func (s *schema) quotedColumns() []string {
	names := make([]string, len(s.columns))
	for i, col := range s.columns {
		names[i] = fmt.Sprintf("%q", col.name)
	}
	return names
}

// encode 返回记录各字段对应的列值
func (s *schema) encode(record reflect.Value) ([]any, error) {
	values := make([]any, len(s.columns))
	for i, col := range s.columns {
		v := record.FieldByIndex(col.index)
		if col.nullable {
			if v.IsNil() {
				values[i] = nil
				continue
			}
			v = v.Elem()
		}

		switch col.kind {
		case kindString:
			values[i] = v.String()
		case kindBool:
			if v.Bool() {
				values[i] = int64(1)
			} else {
				values[i] = int64(0)
			}
		case kindInt:
			values[i] = v.Int()
		case kindUint:
			u := v.Uint()
			if u > math.MaxInt64 {
				return nil, fmt.Errorf("column %q: value %d overflows INTEGER", col.name, u)
			}
			values[i] = int64(u)
		case kindFloat:
			values[i] = v.Float()
		}
	}
	return values, nil
}

// scanTargets 返回用于 Scan 的目标切片
func (s *schema) scanTargets() []any {
	targets := make([]any, len(s.columns))
	for i, col := range s.columns {
		switch col.kind {
		case kindString:
			targets[i] = new(sql.NullString)
		case kindFloat:
			targets[i] = new(sql.NullFloat64)
		default:
			targets[i] = new(sql.NullInt64)
		}
	}
	return targets
}

// decode 将扫描结果写回记录
func (s *schema) decode(targets []any, record reflect.Value) {
	for i, col := range s.columns {
		field := record.FieldByIndex(col.index)

		var (
			valid bool
			value reflect.Value
		)
		base := field.Type()
		if col.nullable {
			base = base.Elem()
		}

		switch t := targets[i].(type) {
		case *sql.NullString:
			valid = t.Valid
			value = reflect.ValueOf(t.String).Convert(base)
		case *sql.NullFloat64:
			valid = t.Valid
			value = reflect.ValueOf(t.Float64).Convert(base)
		case *sql.NullInt64:
			valid = t.Valid
			switch col.kind {
			case kindBool:
				value = reflect.ValueOf(t.Int64 != 0).Convert(base)
			case kindUint:
				value = reflect.ValueOf(uint64(t.Int64)).Convert(base)
			default:
				value = reflect.ValueOf(t.Int64).Convert(base)
			}
		}

		if !valid {
			field.Set(reflect.Zero(field.Type()))
			continue
		}
		if col.nullable {
			ptr := reflect.New(base)
			ptr.Elem().Set(value)
			field.Set(ptr)
			continue
		}
		field.Set(value)
	}
}
