package transform

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/philippevezina/table-loader/internal/schema"
)

const maxSamplesPerChunk = 5

// FieldError describes one field that failed coercion.
type FieldError struct {
	Row    int64
	Column string
	Value  string
	Err    error
}

func (e FieldError) Error() string {
	return fmt.Sprintf("row %d column %s value %q: %v", e.Row, e.Column, e.Value, e.Err)
}

// Result is a normalized chunk. Rows are in destination column order.
type Result struct {
	Rows [][]any
	// RowErrors counts rows with at least one failed field, rejected rows included.
	RowErrors int
	// Rejected counts rows dropped because a NOT NULL column had no value.
	Rejected int
	Samples  []FieldError
}

type fieldPlan struct {
	column      *schema.Column
	sourceIndex int
	nullTokens  map[string]bool
	defaultVal  any
	coerce      func(any) (any, error)
}

// Normalizer converts raw source rows into typed destination rows. It is
// built once per run from the resolved column mapping.
type Normalizer struct {
	fields []fieldPlan
}

func NewNormalizer(mapping *schema.Mapping, nullValues []string) (*Normalizer, error) {
	n := &Normalizer{fields: make([]fieldPlan, len(mapping.Bindings))}

	for i, b := range mapping.Bindings {
		col := b.Column
		fp := fieldPlan{
			column:      col,
			sourceIndex: b.SourceIndex,
			nullTokens:  make(map[string]bool),
			coerce:      coercerFor(col),
		}
		for _, tok := range nullValues {
			fp.nullTokens[strings.TrimSpace(tok)] = true
		}
		for _, tok := range col.NullValues {
			fp.nullTokens[strings.TrimSpace(tok)] = true
		}

		if col.Default != nil {
			v, err := fp.coerce(*col.Default)
			if err != nil {
				return nil, fmt.Errorf("column %s: invalid default %q: %w", col.Name, *col.Default, err)
			}
			fp.defaultVal = v
		}
		n.fields[i] = fp
	}
	return n, nil
}

// Normalize converts rows. firstRow is the source offset of rows[0] and is
// only used to label errors.
func (n *Normalizer) Normalize(firstRow int64, rows [][]any) *Result {
	res := &Result{Rows: make([][]any, 0, len(rows))}

	for ri, raw := range rows {
		out := make([]any, len(n.fields))
		failed := false
		rejected := false

		for fi := range n.fields {
			fp := &n.fields[fi]

			var in any
			if fp.sourceIndex >= 0 && fp.sourceIndex < len(raw) {
				in = raw[fp.sourceIndex]
			}
			if s, ok := in.(string); ok && fp.nullTokens[strings.TrimSpace(s)] {
				in = nil
			}

			v, err := fp.coerce(in)
			if err != nil {
				failed = true
				v = nil
				if len(res.Samples) < maxSamplesPerChunk {
					res.Samples = append(res.Samples, FieldError{
						Row:    firstRow + int64(ri),
						Column: fp.column.Name,
						Value:  fmt.Sprint(in),
						Err:    err,
					})
				}
			}
			if v == nil && fp.defaultVal != nil {
				v = fp.defaultVal
			}
			if v == nil && !fp.column.Nullable {
				rejected = true
				if len(res.Samples) < maxSamplesPerChunk {
					res.Samples = append(res.Samples, FieldError{
						Row:    firstRow + int64(ri),
						Column: fp.column.Name,
						Value:  fmt.Sprint(in),
						Err:    fmt.Errorf("null in NOT NULL column"),
					})
				}
			}
			out[fi] = v
		}

		if failed || rejected {
			res.RowErrors++
		}
		if rejected {
			res.Rejected++
			continue
		}
		res.Rows = append(res.Rows, out)
	}
	return res
}

func coercerFor(col *schema.Column) func(any) (any, error) {
	ct := col.Type
	switch {
	case ct.IsInteger():
		return func(v any) (any, error) {
			out, err := SafeInt(v)
			if err != nil || out == nil {
				return out, err
			}
			return clampInt(col, out.(int64))
		}
	case ct.Kind == schema.KindFloat || ct.Kind == schema.KindDouble:
		return func(v any) (any, error) {
			out, err := SafeFloat(v, col.StripNonNumeric)
			if err != nil || out == nil {
				return out, err
			}
			return clampFloat(col, out.(float64)), nil
		}
	case ct.Kind == schema.KindDecimal:
		return func(v any) (any, error) {
			out, err := ParseNumeric(v, int32(ct.Scale), col.StripNonNumeric)
			if err != nil || out == nil {
				return out, err
			}
			d := out.(decimal.Decimal)
			if col.Min != nil && d.LessThan(decimal.NewFromFloat(*col.Min)) {
				d = decimal.NewFromFloat(*col.Min)
			}
			if col.Max != nil && d.GreaterThan(decimal.NewFromFloat(*col.Max)) {
				d = decimal.NewFromFloat(*col.Max)
			}
			return d, nil
		}
	case ct.Kind == schema.KindBool:
		return ParseBoolean
	case ct.Kind == schema.KindDate:
		return func(v any) (any, error) { return ParseDate(v, col.Formats) }
	case ct.Kind == schema.KindDateTime:
		return func(v any) (any, error) { return ParseDateTime(v, col.Formats) }
	case ct.Kind == schema.KindVarchar:
		return func(v any) (any, error) {
			out, err := SafeString(v, col.KeepEmpty)
			if err != nil || out == nil {
				return out, err
			}
			if s := out.(string); len([]rune(s)) > ct.Length {
				return nil, fmt.Errorf("value longer than %d characters", ct.Length)
			}
			return out, nil
		}
	}
	return func(v any) (any, error) { return SafeString(v, col.KeepEmpty) }
}

func clampFloat(col *schema.Column, f float64) float64 {
	if col.Min != nil && f < *col.Min {
		f = *col.Min
	}
	if col.Max != nil && f > *col.Max {
		f = *col.Max
	}
	return f
}

func clampInt(col *schema.Column, n int64) (any, error) {
	if col.Min != nil || col.Max != nil {
		n = int64(clampFloat(col, float64(n)))
	}
	var lo, hi int64
	switch col.Type.Kind {
	case schema.KindTinyInt:
		lo, hi = -128, 127
	case schema.KindInt:
		lo, hi = -2147483648, 2147483647
	default:
		return n, nil
	}
	if n < lo || n > hi {
		return nil, fmt.Errorf("%d out of range for %s", n, col.Type)
	}
	return n, nil
}
