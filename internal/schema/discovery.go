package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ExistingColumn is a column as reported by information_schema.
type ExistingColumn struct {
	Name     string
	DataType string
	Nullable bool
}

// Discovery inspects tables that already exist in the destination. It uses
// information_schema, which both MySQL and ClickHouse expose.
type Discovery struct {
	db     Querier
	logger *zap.Logger
}

func NewDiscovery(db Querier, logger *zap.Logger) *Discovery {
	return &Discovery{db: db, logger: logger}
}

// Columns returns the columns of database.table keyed by lower-cased name.
// An empty map means the table does not exist.
func (d *Discovery) Columns(ctx context.Context, database, table string) (map[string]ExistingColumn, error) {
	query := `SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?`

	rows, err := d.db.QueryContext(ctx, query, database, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns of %s.%s: %w", database, table, err)
	}
	defer rows.Close()

	columns := make(map[string]ExistingColumn)
	for rows.Next() {
		var name, dataType, nullable string
		if err := rows.Scan(&name, &dataType, &nullable); err != nil {
			return nil, fmt.Errorf("failed to scan column row: %w", err)
		}
		columns[strings.ToLower(name)] = ExistingColumn{
			Name:     name,
			DataType: dataType,
			Nullable: strings.EqualFold(nullable, "YES") || nullable == "1",
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate column rows: %w", err)
	}
	return columns, nil
}

// Verify checks that every declared column exists in the destination table.
func (d *Discovery) Verify(ctx context.Context, t *Table) error {
	existing, err := d.Columns(ctx, t.Database, t.Name)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return fmt.Errorf("table %s does not exist (set table.create to create it)", t)
	}

	var missing []string
	for _, c := range t.Columns {
		ec, ok := existing[strings.ToLower(c.Name)]
		if !ok {
			missing = append(missing, c.Name)
			continue
		}
		if !c.Nullable && ec.Nullable {
			d.logger.Debug("Declared NOT NULL column is nullable in destination",
				zap.String("table", t.String()),
				zap.String("column", c.Name))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("table %s is missing declared columns: %s", t, strings.Join(missing, ", "))
	}

	d.logger.Debug("Destination table verified",
		zap.String("table", t.String()),
		zap.Int("columns", len(existing)))
	return nil
}
