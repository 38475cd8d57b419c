package transform

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	DefaultDateFormats = []string{
		"1/2/2006",
		"2006-01-02",
		"1-2-2006",
		"1/2/06",
		"1-2-06",
		"2006-01-02 15:04:05",
		time.RFC3339,
	}
	DefaultDateTimeFormats = []string{
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"1/2/2006 15:04:05",
		"1/2/2006 15:04",
		"1/2/2006",
		"2006-01-02",
	}
)

// SafeInt converts v to an int64. Fractional input is truncated toward zero
// the way int(float(v)) does, so "12.9" becomes 12 and "1e3" becomes 1000.
// Empty input and non-finite floats yield (nil, nil).
func SafeInt(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case int:
		return int64(x), nil
	case float32:
		return floatToInt(float64(x))
	case float64:
		return floatToInt(x)
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case decimal.Decimal:
		return x.IntPart(), nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", s)
		}
		return floatToInt(f)
	}
	return nil, fmt.Errorf("cannot convert %T to integer", v)
}

func floatToInt(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, nil
	}
	t := math.Trunc(f)
	if t >= math.MaxInt64 || t < math.MinInt64 {
		return nil, fmt.Errorf("integer overflow: %g", f)
	}
	return int64(t), nil
}

// SafeFloat converts v to a float64. Infinities and NaN yield (nil, nil).
// When strip is set, every character other than digits, '.', '-' and the
// exponent marker is removed first ("45.5%" becomes 45.5).
func SafeFloat(v any, strip bool) (any, error) {
	var f float64
	switch x := v.(type) {
	case nil:
		return nil, nil
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int64:
		f = float64(x)
	case int32:
		f = float64(x)
	case int:
		f = float64(x)
	case decimal.Decimal:
		f = x.InexactFloat64()
	case bool:
		if x {
			return 1.0, nil
		}
		return 0.0, nil
	case string:
		s := strings.TrimSpace(x)
		if strip {
			s = CleanNumeric(s)
		}
		if s == "" {
			return nil, nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", x)
		}
		f = parsed
	default:
		return nil, fmt.Errorf("cannot convert %T to float", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, nil
	}
	return f, nil
}

// ParseNumeric converts v to a decimal rounded to scale places. Plain
// decimal strings are parsed exactly; scientific notation goes through
// float64 first.
func ParseNumeric(v any, scale int32, strip bool) (any, error) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if strip {
			s = CleanNumeric(s)
		}
		if s == "" {
			return nil, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && (math.IsNaN(f) || math.IsInf(f, 0)) {
			return nil, nil
		}
		if !strings.ContainsAny(s, "eE") {
			d, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("not a number: %q", v)
			}
			return d.Round(scale), nil
		}
		v = s
	}
	if d, ok := v.(decimal.Decimal); ok {
		return d.Round(scale), nil
	}

	f, err := SafeFloat(v, false)
	if err != nil || f == nil {
		return nil, err
	}
	return decimal.NewFromFloat(f.(float64)).Round(scale), nil
}

// CleanNumeric keeps only the characters that can appear in a number.
func CleanNumeric(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '+' || r == 'e' || r == 'E' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParseBoolean accepts TRUE/T/1/YES/Y and FALSE/F/0/NO/N in any case.
// Numbers are true when non-zero.
func ParseBoolean(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case int32:
		return x != 0, nil
	case int:
		return x != 0, nil
	case float64:
		if math.IsNaN(x) {
			return nil, nil
		}
		return x != 0, nil
	case string:
		switch strings.ToUpper(strings.TrimSpace(x)) {
		case "":
			return nil, nil
		case "TRUE", "T", "1", "YES", "Y":
			return true, nil
		case "FALSE", "F", "0", "NO", "N":
			return false, nil
		}
		return nil, fmt.Errorf("not a boolean: %q", x)
	}
	return nil, fmt.Errorf("cannot convert %T to boolean", v)
}

// ParseDate parses v with the first matching layout and truncates it to a
// calendar date. An empty layouts slice uses DefaultDateFormats.
func ParseDate(v any, layouts []string) (any, error) {
	if len(layouts) == 0 {
		layouts = DefaultDateFormats
	}
	t, err := parseTime(v, layouts)
	if err != nil || t == nil {
		return nil, err
	}
	tt := t.(time.Time)
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, time.UTC), nil
}

// ParseDateTime is ParseDate without the truncation.
func ParseDateTime(v any, layouts []string) (any, error) {
	if len(layouts) == 0 {
		layouts = DefaultDateTimeFormats
	}
	return parseTime(v, layouts)
}

func parseTime(v any, layouts []string) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		if x.IsZero() {
			return nil, nil
		}
		return x.UTC(), nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, nil
		}
		for _, layout := range layouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return nil, fmt.Errorf("unrecognized date: %q", s)
	}
	return nil, fmt.Errorf("cannot convert %T to date", v)
}

// SafeString renders v as text. Blank strings become nil unless keepEmpty.
func SafeString(v any, keepEmpty bool) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(x) == "" {
			if keepEmpty {
				return x, nil
			}
			return nil, nil
		}
		return x, nil
	case []byte:
		return SafeString(string(x), keepEmpty)
	case int64:
		return strconv.FormatInt(x, 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int:
		return strconv.Itoa(x), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, nil
		}
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case float32:
		return SafeString(float64(x), keepEmpty)
	case bool:
		return strconv.FormatBool(x), nil
	case time.Time:
		return x.Format(time.RFC3339), nil
	case decimal.Decimal:
		return x.String(), nil
	}
	return fmt.Sprint(v), nil
}
