package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/philippevezina/table-loader/internal/config"
)

// ErrSourceUnreadable means the source file is missing or its metadata
// cannot be parsed.
var ErrSourceUnreadable = errors.New("source unreadable")

const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
	FormatExcel   = "xlsx"

	defaultChunkSize = 50000
)

// Layout describes how a source splits into chunks.
type Layout struct {
	TotalRows int64
	// Boundaries holds the row count of each chunk in file order.
	Boundaries []int64
	Columns    []string
}

// Offset returns the row offset of chunk index.
func (l *Layout) Offset(index int) int64 {
	var off int64
	for i := 0; i < index && i < len(l.Boundaries); i++ {
		off += l.Boundaries[i]
	}
	return off
}

// Chunk is one materialized batch of source rows.
type Chunk struct {
	Index   int
	Offset  int64
	Columns []string
	Rows    [][]any
}

// Source reads a file chunk by chunk. Inspect must be called before ReadChunk.
type Source interface {
	Inspect(ctx context.Context) (*Layout, error)
	ReadChunk(ctx context.Context, index int) (*Chunk, error)
	Path() string
	Close() error
}

// Open returns the reader for cfg.Format, or for the file extension when no
// format is set. The file itself is not touched until Inspect.
func Open(cfg config.SourceConfig) (Source, error) {
	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = DetectFormat(cfg.Path)
	}

	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	switch format {
	case FormatCSV, "tsv":
		delimiter := ','
		if format == "tsv" {
			delimiter = '\t'
		}
		if cfg.Delimiter != "" {
			d, err := parseDelimiter(cfg.Delimiter)
			if err != nil {
				return nil, err
			}
			delimiter = d
		}
		return NewCSVSource(cfg.Path, CSVOptions{
			Delimiter: delimiter,
			NoHeader:  cfg.NoHeader,
			LazyQuote: cfg.LazyQuote == nil || *cfg.LazyQuote,
			ChunkSize: chunkSize,
		}), nil
	case FormatParquet:
		return NewParquetSource(cfg.Path), nil
	case FormatExcel, "excel", "xlsm":
		return NewExcelSource(cfg.Path, cfg.Sheet, chunkSize), nil
	}
	return nil, fmt.Errorf("unsupported source format %q for %s", format, cfg.Path)
}

// DetectFormat maps a file extension to a format name.
func DetectFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		return FormatCSV
	case ".tsv":
		return "tsv"
	case ".parquet", ".pq":
		return FormatParquet
	case ".xlsx", ".xlsm":
		return FormatExcel
	}
	return ""
}

func parseDelimiter(s string) (rune, error) {
	switch s {
	case `\t`, "tab":
		return '\t', nil
	}
	r := []rune(s)
	if len(r) != 1 || r[0] == '"' || r[0] == '\r' || r[0] == '\n' {
		return 0, fmt.Errorf("invalid delimiter %q", s)
	}
	return r[0], nil
}

// ID returns explicit when set. Otherwise it derives a name-based UUID from
// the file base name and the layout.
func ID(explicit, path string, layout *Layout) string {
	if explicit != "" {
		return explicit
	}
	parts := []string{filepath.Base(path), strconv.FormatInt(layout.TotalRows, 10)}
	for _, b := range layout.Boundaries {
		parts = append(parts, strconv.FormatInt(b, 10))
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(strings.Join(parts, "|"))).String()
}

func unreadable(path string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrSourceUnreadable, path, err)
}

func statSource(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, unreadable(path, err)
	}
	if info.IsDir() {
		return nil, unreadable(path, errors.New("is a directory"))
	}
	return info, nil
}

// windows splits total rows into fixed-size chunk boundaries.
func windows(total int64, size int) []int64 {
	var out []int64
	for total > 0 {
		n := int64(size)
		if total < n {
			n = total
		}
		out = append(out, n)
		total -= n
	}
	return out
}

func checkIndex(layout *Layout, index int) error {
	if layout == nil {
		return errors.New("source not inspected")
	}
	if index < 0 || index >= len(layout.Boundaries) {
		return fmt.Errorf("chunk index %d out of range [0, %d)", index, len(layout.Boundaries))
	}
	return nil
}
