package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/philippevezina/table-loader/internal/config"
	"github.com/philippevezina/table-loader/internal/security"
)

// MySQLCreateStatements returns the statements that bring the table into
// existence for the table's create mode. It returns nil for CreateNone.
func (t *Table) MySQLCreateStatements() ([]string, error) {
	if t.Create == config.CreateNone || t.Create == "" {
		return nil, nil
	}
	qualified, err := t.QualifiedName()
	if err != nil {
		return nil, err
	}

	var defs []string
	if t.SurrogateKey {
		defs = append(defs, "`id` BIGINT NOT NULL AUTO_INCREMENT")
	}
	for _, c := range t.Columns {
		def := fmt.Sprintf("%s %s", security.QuoteIdentifier(c.Name), c.Type.MySQL())
		if c.Nullable {
			def += " NULL"
		} else {
			def += " NOT NULL"
		}
		if c.Default != nil && c.Type.Kind != KindText {
			def += " DEFAULT " + defaultLiteral(c.Type, *c.Default)
		}
		defs = append(defs, def)
	}
	if t.SurrogateKey {
		defs = append(defs, "`created_at` TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP")
		defs = append(defs, "PRIMARY KEY (`id`)")
	}
	if len(t.UniqueKey) > 0 {
		cols, err := security.QuoteColumnList(t.UniqueKey)
		if err != nil {
			return nil, err
		}
		defs = append(defs, fmt.Sprintf("UNIQUE KEY %s (%s)", security.QuoteIdentifier("uq_"+t.Name), cols))
	}

	var stmts []string
	create := "CREATE TABLE IF NOT EXISTS"
	if t.Create == config.CreateRecreate {
		stmts = append(stmts, "DROP TABLE IF EXISTS "+qualified)
		create = "CREATE TABLE"
	}
	stmts = append(stmts, fmt.Sprintf("%s %s (\n  %s\n) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci",
		create, qualified, strings.Join(defs, ",\n  ")))
	return stmts, nil
}

// ClickHouseCreateStatements is the ClickHouse counterpart of
// MySQLCreateStatements. The unique key becomes the sorting key; ClickHouse
// does not enforce uniqueness.
func (t *Table) ClickHouseCreateStatements() ([]string, error) {
	if t.Create == config.CreateNone || t.Create == "" {
		return nil, nil
	}
	qualified, err := t.QualifiedName()
	if err != nil {
		return nil, err
	}

	var defs []string
	nullableKey := false
	for _, c := range t.Columns {
		typ := c.Type.ClickHouse()
		if c.Nullable {
			typ = "Nullable(" + typ + ")"
		}
		def := fmt.Sprintf("%s %s", security.QuoteIdentifier(c.Name), typ)
		if c.Default != nil {
			def += " DEFAULT " + defaultLiteral(c.Type, *c.Default)
		}
		defs = append(defs, def)
		if c.Nullable && t.inUniqueKey(c.Name) {
			nullableKey = true
		}
	}
	if t.SurrogateKey {
		defs = append(defs, "`created_at` DateTime DEFAULT now()")
	}

	orderBy := "tuple()"
	if len(t.UniqueKey) > 0 {
		cols, err := security.QuoteColumnList(t.UniqueKey)
		if err != nil {
			return nil, err
		}
		orderBy = "(" + cols + ")"
	}

	var stmts []string
	create := "CREATE TABLE IF NOT EXISTS"
	if t.Create == config.CreateRecreate {
		stmts = append(stmts, "DROP TABLE IF EXISTS "+qualified)
		create = "CREATE TABLE"
	}
	ddl := fmt.Sprintf("%s %s (\n  %s\n) ENGINE = MergeTree ORDER BY %s",
		create, qualified, strings.Join(defs, ",\n  "), orderBy)
	if nullableKey {
		ddl += " SETTINGS allow_nullable_key = 1"
	}
	return append(stmts, ddl), nil
}

func (t *Table) inUniqueKey(name string) bool {
	for _, k := range t.UniqueKey {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

func defaultLiteral(ct ColumnType, raw string) string {
	if ct.IsNumeric() {
		if _, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return strings.TrimSpace(raw)
		}
	}
	if ct.Kind == KindBool {
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "1", "true":
			return "1"
		case "0", "false":
			return "0"
		}
	}
	return security.QuoteString(raw)
}
