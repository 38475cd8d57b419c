package source

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

type CSVOptions struct {
	Delimiter rune
	NoHeader  bool
	LazyQuote bool
	ChunkSize int
}

// CSVSource reads delimited text in fixed windows of ChunkSize rows.
// Chunks are read sequentially; asking for an earlier chunk reopens the file.
type CSVSource struct {
	path   string
	opts   CSVOptions
	header []string
	layout *Layout

	file   *os.File
	reader *csv.Reader
	// next is the data row the open reader will return next.
	next int64
}

func NewCSVSource(path string, opts CSVOptions) *CSVSource {
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	return &CSVSource{path: path, opts: opts}
}

func (s *CSVSource) Path() string {
	return s.path
}

func (s *CSVSource) Inspect(ctx context.Context) (*Layout, error) {
	if _, err := statSource(s.path); err != nil {
		return nil, err
	}
	if err := s.reopen(); err != nil {
		return nil, err
	}
	columns := s.layoutColumns()

	var total int64
	for {
		if total%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		record, err := s.reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !isRecordError(err) {
			return nil, unreadable(s.path, err)
		}
		if columns == nil && err == nil {
			columns = syntheticColumns(len(record))
		}
		total++
	}

	s.layout = &Layout{
		TotalRows:  total,
		Boundaries: windows(total, s.opts.ChunkSize),
		Columns:    columns,
	}
	if err := s.reopen(); err != nil {
		return nil, err
	}
	return s.layout, nil
}

func (s *CSVSource) ReadChunk(ctx context.Context, index int) (*Chunk, error) {
	if err := checkIndex(s.layout, index); err != nil {
		return nil, err
	}
	offset := s.layout.Offset(index)
	if offset < s.next || s.reader == nil {
		if err := s.reopen(); err != nil {
			return nil, err
		}
	}

	for s.next < offset {
		if _, err := s.reader.Read(); err != nil && !isRecordError(err) {
			return nil, fmt.Errorf("failed to skip to row %d: %w", offset, err)
		}
		s.next++
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	want := s.layout.Boundaries[index]
	rows := make([][]any, 0, want)
	for int64(len(rows)) < want {
		record, err := s.reader.Read()
		if err != nil {
			failed := s.next
			_ = s.Close()
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("file shrank: chunk %d has %d of %d rows", index, len(rows), want)
			}
			return nil, fmt.Errorf("failed to read row %d: %w", failed, err)
		}
		s.next++
		row := make([]any, len(record))
		for i, v := range record {
			row[i] = v
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

func (s *CSVSource) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.reader = nil, nil
	return err
}

// reopen positions a fresh reader on the first data row.
func (s *CSVSource) reopen() error {
	if err := s.Close(); err != nil {
		return err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return unreadable(s.path, err)
	}

	br := bufio.NewReaderSize(f, 1<<20)
	if bom, err := br.Peek(3); err == nil && string(bom) == "\xef\xbb\xbf" {
		_, _ = br.Discard(3)
	}

	r := csv.NewReader(br)
	r.Comma = s.opts.Delimiter
	r.LazyQuotes = s.opts.LazyQuote
	r.FieldsPerRecord = -1

	s.file, s.reader, s.next = f, r, 0

	if !s.opts.NoHeader {
		header, err := r.Read()
		if err != nil {
			_ = s.Close()
			if errors.Is(err, io.EOF) {
				return unreadable(s.path, errors.New("missing header row"))
			}
			return unreadable(s.path, err)
		}
		if s.layout == nil {
			s.header = trimAll(header)
		}
	}
	return nil
}

// isRecordError reports a malformed record. The reader resumes at the next
// record, so the row still counts toward the layout and only the chunk
// holding it fails.
func isRecordError(err error) bool {
	var perr *csv.ParseError
	return errors.As(err, &perr)
}

func (s *CSVSource) layoutColumns() []string {
	if s.opts.NoHeader {
		return nil
	}
	return s.header
}

func trimAll(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.TrimSpace(v)
	}
	return out
}

func syntheticColumns(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("column_%d", i+1)
	}
	return out
}
