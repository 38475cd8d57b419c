package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

const (
	excelHeaderRow = 1
	// Data rows whose cell styles are sampled to find date columns.
	dateSampleRows = 20
)

// rawCells reads stored values instead of display text, so numbers keep
// full precision and dates arrive as serial numbers.
var rawCells = excelize.Options{RawCellValue: true}

// ExcelSource reads one worksheet in fixed windows of rows. The first row
// is the header. Short rows are padded with nil. Cells in columns styled
// with a date number format are returned as time.Time.
type ExcelSource struct {
	path      string
	sheet     string
	chunkSize int
	layout    *Layout
	dateCols  []bool
	date1904  bool

	file *excelize.File
	rows *excelize.Rows
	next int64
}

func NewExcelSource(path, sheet string, chunkSize int) *ExcelSource {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &ExcelSource{path: path, sheet: sheet, chunkSize: chunkSize}
}

func (s *ExcelSource) Path() string {
	return s.path
}

func (s *ExcelSource) Inspect(ctx context.Context) (*Layout, error) {
	if _, err := statSource(s.path); err != nil {
		return nil, err
	}
	header, err := s.reopen()
	if err != nil {
		return nil, err
	}

	var total int64
	for s.rows.Next() {
		if total%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if _, err := s.rows.Columns(rawCells); err != nil {
			return nil, unreadable(s.path, err)
		}
		total++
	}
	if err := s.rows.Error(); err != nil {
		return nil, unreadable(s.path, err)
	}

	s.layout = &Layout{
		TotalRows:  total,
		Boundaries: windows(total, s.chunkSize),
		Columns:    trimAll(header),
	}
	if err := s.detectDates(total); err != nil {
		return nil, unreadable(s.path, err)
	}
	if _, err := s.reopen(); err != nil {
		return nil, err
	}
	return s.layout, nil
}

func (s *ExcelSource) ReadChunk(ctx context.Context, index int) (*Chunk, error) {
	if err := checkIndex(s.layout, index); err != nil {
		return nil, err
	}
	offset := s.layout.Offset(index)
	if offset < s.next || s.rows == nil {
		if _, err := s.reopen(); err != nil {
			return nil, err
		}
	}

	for s.next < offset {
		if !s.rows.Next() {
			return nil, fmt.Errorf("sheet %s ended before row %d", s.sheet, offset)
		}
		s.next++
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	width := len(s.layout.Columns)
	want := s.layout.Boundaries[index]
	rows := make([][]any, 0, want)
	for int64(len(rows)) < want {
		if !s.rows.Next() {
			return nil, fmt.Errorf("sheet %s shrank: chunk %d has %d of %d rows", s.sheet, index, len(rows), want)
		}
		cells, err := s.rows.Columns(rawCells)
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", s.next, err)
		}
		s.next++

		n := width
		if len(cells) > n {
			n = len(cells)
		}
		row := make([]any, n)
		for i, c := range cells {
			row[i] = s.cellValue(i, c)
		}
		rows = append(rows, row)
	}

	return &Chunk{
		Index:   index,
		Offset:  offset,
		Columns: s.layout.Columns,
		Rows:    rows,
	}, nil
}

func (s *ExcelSource) Close() error {
	var firstErr error
	if s.rows != nil {
		firstErr = s.rows.Close()
		s.rows = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.file = nil
	}
	return firstErr
}

// reopen positions a fresh row iterator on the first data row and returns
// the header.
func (s *ExcelSource) reopen() ([]string, error) {
	if err := s.Close(); err != nil {
		return nil, err
	}
	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return nil, unreadable(s.path, err)
	}
	s.file = f

	if s.sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			_ = s.Close()
			return nil, unreadable(s.path, fmt.Errorf("no sheets found"))
		}
		s.sheet = sheets[0]
	}

	rows, err := f.Rows(s.sheet)
	if err != nil {
		_ = s.Close()
		return nil, unreadable(s.path, fmt.Errorf("sheet %s: %w", s.sheet, err))
	}
	s.rows, s.next = rows, 0

	if !rows.Next() {
		_ = s.Close()
		return nil, unreadable(s.path, fmt.Errorf("sheet %s has no header row", s.sheet))
	}
	header, err := rows.Columns(rawCells)
	if err != nil {
		_ = s.Close()
		return nil, unreadable(s.path, err)
	}
	return header, nil
}

// detectDates marks the columns where any of the first data rows carries a
// date number format, and reads the workbook date system.
func (s *ExcelSource) detectDates(total int64) error {
	props, err := s.file.GetWorkbookProps()
	if err != nil {
		return err
	}
	s.date1904 = props.Date1904 != nil && *props.Date1904

	s.dateCols = make([]bool, len(s.layout.Columns))
	sample := total
	if sample > dateSampleRows {
		sample = dateSampleRows
	}
	for r := int64(0); r < sample; r++ {
		for col := range s.dateCols {
			if s.dateCols[col] {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(col+1, excelHeaderRow+1+int(r))
			if err != nil {
				return err
			}
			id, err := s.file.GetCellStyle(s.sheet, cell)
			if err != nil {
				return err
			}
			if id == 0 {
				continue
			}
			style, err := s.file.GetStyle(id)
			if err != nil {
				return err
			}
			s.dateCols[col] = isDateStyle(style)
		}
	}
	return nil
}

// cellValue converts a serial number in a date column to time.Time. Text
// typed into a date column is passed through for the normalizer to parse.
func (s *ExcelSource) cellValue(col int, raw string) any {
	if col >= len(s.dateCols) || !s.dateCols[col] || raw == "" {
		return raw
	}
	serial, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return raw
	}
	t, err := excelize.ExcelDateToTime(serial, s.date1904)
	if err != nil {
		return raw
	}
	return t
}

// isDateStyle reports a built-in or custom number format that shows a
// calendar date. Time-only formats are not dates.
func isDateStyle(style *excelize.Style) bool {
	if style.CustomNumFmt != nil {
		return isDateFormatCode(*style.CustomNumFmt)
	}
	switch {
	case style.NumFmt >= 14 && style.NumFmt <= 17, style.NumFmt == 22:
		return true
	case style.NumFmt >= 27 && style.NumFmt <= 36, style.NumFmt >= 50 && style.NumFmt <= 58:
		return true
	}
	return false
}

func isDateFormatCode(code string) bool {
	var b strings.Builder
	inQuote, inBracket := false, false
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case inQuote:
			inQuote = c != '"'
		case inBracket:
			inBracket = c != ']'
		case c == '"':
			inQuote = true
		case c == '[':
			inBracket = true
		case c == '\\':
			i++
		default:
			b.WriteByte(c)
		}
	}
	plain := strings.ToLower(b.String())
	return strings.ContainsAny(plain, "yd")
}
