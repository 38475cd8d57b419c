package mysql

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"github.com/philippevezina/table-loader/internal/config"
	"github.com/philippevezina/table-loader/internal/schema"
	"github.com/philippevezina/table-loader/internal/security"
)

const nullMarker = `\N`

// bulkAvailable decides whether LOAD DATA LOCAL is used for this run.
func bulkAvailable(ctx context.Context, conn sessionConn, mode string) (bool, error) {
	switch mode {
	case config.BulkLoadOff:
		return false, nil
	case config.BulkLoadOn:
		return true, nil
	}

	var name, value string
	err := conn.QueryRowContext(ctx, "SHOW VARIABLES LIKE 'local_infile'").Scan(&name, &value)
	if err != nil {
		return false, fmt.Errorf("failed to read local_infile: %w", err)
	}
	return strings.EqualFold(value, "ON") || value == "1", nil
}

// writeTempFile writes rows as a CSV that LOAD DATA reads with
// FIELDS TERMINATED BY ',' ENCLOSED BY '"' ESCAPED BY '\\'. Every value is
// quoted; null is the bare \N marker.
func writeTempFile(dir string, types []schema.ColumnType, rows [][]any) (string, error) {
	f, err := os.CreateTemp(dir, "table-loader-*.csv")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}

	w := bufio.NewWriterSize(f, 1<<20)
	for _, row := range rows {
		for i, v := range row {
			if i > 0 {
				w.WriteByte(',')
			}
			writeField(w, types[i], v)
		}
		w.WriteByte('\n')
	}

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	return f.Name(), nil
}

func writeField(w *bufio.Writer, ct schema.ColumnType, v any) {
	if v == nil {
		w.WriteString(nullMarker)
		return
	}
	w.WriteByte('"')
	escapeField(w, formatValue(ct, v))
	w.WriteByte('"')
}

func escapeField(w *bufio.Writer, s string) {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			w.WriteString(`\\`)
		case '"':
			w.WriteString(`""`)
		case '\n':
			w.WriteString(`\n`)
		case '\r':
			w.WriteString(`\r`)
		case 0:
			w.WriteString(`\0`)
		default:
			w.WriteByte(c)
		}
	}
}

func formatValue(ct schema.ColumnType, v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		if x {
			return "1"
		}
		return "0"
	case decimal.Decimal:
		return x.String()
	case time.Time:
		if ct.Kind == schema.KindDate {
			return x.Format("2006-01-02")
		}
		return x.Format("2006-01-02 15:04:05.999999")
	}
	return fmt.Sprint(v)
}

func loadDataStatement(path, table, columns string) string {
	return fmt.Sprintf("LOAD DATA LOCAL INFILE %s IGNORE INTO TABLE %s CHARACTER SET utf8mb4 "+
		`FIELDS TERMINATED BY ',' ENCLOSED BY '"' ESCAPED BY '\\' `+
		`LINES TERMINATED BY '\n' (%s)`,
		security.QuoteString(path), table, columns)
}

// loadData writes the rows to a temp file and loads it through tx. Rows the
// server skipped as duplicates are rows minus affected.
func (d *Destination) loadData(ctx context.Context, tx execer, rows [][]any) (inserted, duplicates int64, err error) {
	path, err := writeTempFile(d.tempDir, d.types, rows)
	if err != nil {
		return 0, 0, err
	}
	mysqldriver.RegisterLocalFile(path)
	defer func() {
		mysqldriver.DeregisterLocalFile(path)
		os.Remove(path)
	}()

	res, err := tx.ExecContext(ctx, loadDataStatement(path, d.qualified, d.columnList))
	if err != nil {
		return 0, 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected, int64(len(rows)) - affected, nil
}
