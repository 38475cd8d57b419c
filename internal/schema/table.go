package schema

import (
	"fmt"
	"strings"

	"github.com/philippevezina/table-loader/internal/config"
	"github.com/philippevezina/table-loader/internal/security"
)

// Column is one declared destination column and the rules used to fill it.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
	// Default is the raw default literal; nil when the column has none.
	Default *string
	// Source overrides the source header looked up for this column.
	Source          string
	Aliases         []string
	NullValues      []string
	Formats         []string
	StripNonNumeric bool
	KeepEmpty       bool
	Min             *float64
	Max             *float64
}

// Table is the destination table declared by a job.
type Table struct {
	Database     string
	Name         string
	Create       string
	SurrogateKey bool
	UniqueKey    []string
	Columns      []Column
}

// FromConfig validates a job's table declaration and returns its model.
func FromConfig(database string, tc config.TableConfig) (*Table, error) {
	if err := security.ValidateIdentifier(tc.Name, "table name"); err != nil {
		return nil, err
	}
	if database != "" {
		if err := security.ValidateIdentifier(database, "database name"); err != nil {
			return nil, err
		}
	}

	t := &Table{
		Database:     database,
		Name:         tc.Name,
		Create:       tc.Create,
		SurrogateKey: tc.SurrogateKey,
		UniqueKey:    append([]string(nil), tc.UniqueKey...),
		Columns:      make([]Column, 0, len(tc.Columns)),
	}

	for _, cc := range tc.Columns {
		if err := security.ValidateIdentifier(cc.Name, "column name"); err != nil {
			return nil, err
		}
		if tc.SurrogateKey && (strings.EqualFold(cc.Name, "id") || strings.EqualFold(cc.Name, "created_at")) {
			return nil, fmt.Errorf("column %q collides with the surrogate key columns", cc.Name)
		}

		ct, err := ParseColumnType(cc.Type)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", cc.Name, err)
		}

		col := Column{
			Name:            cc.Name,
			Type:            ct,
			Nullable:        cc.Nullable == nil || *cc.Nullable,
			Default:         cc.Default,
			Source:          strings.TrimSpace(cc.Source),
			Aliases:         cc.Aliases,
			NullValues:      cc.NullValues,
			Formats:         cc.Formats,
			StripNonNumeric: cc.StripNonNumeric,
			KeepEmpty:       cc.KeepEmpty,
			Min:             cc.Min,
			Max:             cc.Max,
		}
		if (col.Min != nil || col.Max != nil) && !ct.IsNumeric() {
			return nil, fmt.Errorf("column %s: min/max only apply to numeric types", cc.Name)
		}
		t.Columns = append(t.Columns, col)
	}

	for i, k := range t.UniqueKey {
		col := t.Column(k)
		if col == nil {
			return nil, fmt.Errorf("unique key references unknown column %q", k)
		}
		t.UniqueKey[i] = col.Name
	}

	return t, nil
}

// Column returns the column named name, compared case-insensitively.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i]
		}
	}
	return nil
}

// ColumnNames returns the loaded column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

func (t *Table) QualifiedName() (string, error) {
	return security.QualifiedName(t.Database, t.Name)
}

// String is the display name used in logs.
func (t *Table) String() string {
	if t.Database == "" {
		return t.Name
	}
	return t.Database + "." + t.Name
}
