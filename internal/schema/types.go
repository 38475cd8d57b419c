package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type Kind string

const (
	KindInt      Kind = "int"
	KindBigInt   Kind = "bigint"
	KindTinyInt  Kind = "tinyint"
	KindFloat    Kind = "float"
	KindDouble   Kind = "double"
	KindDecimal  Kind = "decimal"
	KindVarchar  Kind = "varchar"
	KindText     Kind = "text"
	KindDate     Kind = "date"
	KindDateTime Kind = "datetime"
	KindBool     Kind = "bool"
)

const (
	defaultVarcharLength    = 255
	defaultDecimalPrecision = 18
	defaultDecimalScale     = 6
)

var columnTypeRegex = regexp.MustCompile(`^([a-z]+)\s*(?:\(\s*(\d+)\s*(?:,\s*(\d+)\s*)?\))?$`)

// ColumnType is a declared destination type. Length applies to varchar,
// Precision and Scale to decimal.
type ColumnType struct {
	Kind      Kind
	Length    int
	Precision int
	Scale     int
}

// ParseColumnType parses declarations such as "bigint", "varchar(64)" or
// "decimal(12,4)". A few common synonyms are accepted.
func ParseColumnType(decl string) (ColumnType, error) {
	m := columnTypeRegex.FindStringSubmatch(strings.ToLower(strings.TrimSpace(decl)))
	if m == nil {
		return ColumnType{}, fmt.Errorf("invalid column type %q", decl)
	}
	name, a, b := m[1], m[2], m[3]

	atoi := func(s string, def int) int {
		if s == "" {
			return def
		}
		n, _ := strconv.Atoi(s)
		return n
	}

	var ct ColumnType
	switch name {
	case "int", "integer":
		ct.Kind = KindInt
	case "bigint":
		ct.Kind = KindBigInt
	case "tinyint":
		ct.Kind = KindTinyInt
	case "float":
		ct.Kind = KindFloat
	case "double", "real":
		ct.Kind = KindDouble
	case "decimal", "numeric":
		ct.Kind = KindDecimal
		ct.Precision = atoi(a, defaultDecimalPrecision)
		ct.Scale = atoi(b, defaultDecimalScale)
		if a != "" && b == "" {
			ct.Scale = 0
		}
		if ct.Precision < 1 || ct.Precision > 65 || ct.Scale > ct.Precision {
			return ColumnType{}, fmt.Errorf("invalid decimal precision/scale in %q", decl)
		}
	case "varchar", "string", "char":
		ct.Kind = KindVarchar
		ct.Length = atoi(a, defaultVarcharLength)
		if ct.Length < 1 || ct.Length > 65535 {
			return ColumnType{}, fmt.Errorf("invalid varchar length in %q", decl)
		}
	case "text":
		ct.Kind = KindText
	case "date":
		ct.Kind = KindDate
	case "datetime", "timestamp":
		ct.Kind = KindDateTime
	case "bool", "boolean":
		ct.Kind = KindBool
	default:
		return ColumnType{}, fmt.Errorf("unsupported column type %q", decl)
	}

	if b != "" && ct.Kind != KindDecimal {
		return ColumnType{}, fmt.Errorf("type %q does not take a scale", decl)
	}
	return ct, nil
}

func (t ColumnType) IsInteger() bool {
	return t.Kind == KindInt || t.Kind == KindBigInt || t.Kind == KindTinyInt
}

func (t ColumnType) IsNumeric() bool {
	return t.IsInteger() || t.Kind == KindFloat || t.Kind == KindDouble || t.Kind == KindDecimal
}

func (t ColumnType) String() string {
	switch t.Kind {
	case KindDecimal:
		return fmt.Sprintf("decimal(%d,%d)", t.Precision, t.Scale)
	case KindVarchar:
		return fmt.Sprintf("varchar(%d)", t.Length)
	}
	return string(t.Kind)
}

// MySQL returns the MySQL column type.
func (t ColumnType) MySQL() string {
	switch t.Kind {
	case KindInt:
		return "INT"
	case KindBigInt:
		return "BIGINT"
	case KindTinyInt:
		return "TINYINT"
	case KindFloat:
		return "FLOAT"
	case KindDouble:
		return "DOUBLE"
	case KindDecimal:
		return fmt.Sprintf("DECIMAL(%d,%d)", t.Precision, t.Scale)
	case KindVarchar:
		return fmt.Sprintf("VARCHAR(%d)", t.Length)
	case KindText:
		return "TEXT"
	case KindDate:
		return "DATE"
	case KindDateTime:
		return "DATETIME"
	case KindBool:
		return "BOOLEAN"
	}
	return "TEXT"
}

// ClickHouse returns the ClickHouse column type without Nullable wrapping.
func (t ColumnType) ClickHouse() string {
	switch t.Kind {
	case KindInt:
		return "Int32"
	case KindBigInt:
		return "Int64"
	case KindTinyInt:
		return "Int8"
	case KindFloat:
		return "Float32"
	case KindDouble:
		return "Float64"
	case KindDecimal:
		return fmt.Sprintf("Decimal(%d, %d)", t.Precision, t.Scale)
	case KindVarchar, KindText:
		return "String"
	case KindDate:
		return "Date32"
	case KindDateTime:
		return "DateTime"
	case KindBool:
		return "Bool"
	}
	return "String"
}
