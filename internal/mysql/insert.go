package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const maxPlaceholders = 65535

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// effectiveBatchSize caps the configured batch so that one statement stays
// under the server's placeholder limit.
func effectiveBatchSize(configured, columns int) int {
	if columns <= 0 {
		return configured
	}
	limit := maxPlaceholders / columns
	if configured <= 0 || configured > limit {
		return limit
	}
	return configured
}

func buildInsert(table, columns string, width int, rows [][]any) (string, []any) {
	var b strings.Builder
	b.Grow(64 + len(rows)*(width*3+3))
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, columns)

	group := "(" + strings.TrimSuffix(strings.Repeat("?, ", width), ", ") + ")"
	args := make([]any, 0, len(rows)*width)
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(group)
		args = append(args, row...)
	}
	return b.String(), args
}

// insertRows writes rows through tx in multi-row INSERT statements. When a
// statement fails on a duplicate key, its rows are inserted one at a time
// and the duplicates are counted and skipped. The failed statement has no
// effect on the transaction.
func (d *Destination) insertRows(ctx context.Context, tx execer, rows [][]any) (inserted, duplicates int64, err error) {
	width := len(d.types)
	size := effectiveBatchSize(d.batchSize, width)

	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		part := rows[start:end]

		query, args := buildInsert(d.qualified, d.columnList, width, part)
		res, err := tx.ExecContext(ctx, query, args...)
		if err == nil {
			n, _ := res.RowsAffected()
			inserted += n
			continue
		}
		if !IsDuplicateKey(err) {
			return inserted, duplicates, fmt.Errorf("batch insert failed: %w", err)
		}

		d.logger.Debug("Duplicate key in batch, retrying row by row",
			zap.String("table", d.table.String()),
			zap.Int("rows", len(part)))

		for _, row := range part {
			query, args := buildInsert(d.qualified, d.columnList, width, [][]any{row})
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				if IsDuplicateKey(err) {
					duplicates++
					continue
				}
				return inserted, duplicates, fmt.Errorf("row insert failed: %w", err)
			}
			inserted++
		}
	}
	return inserted, duplicates, nil
}
