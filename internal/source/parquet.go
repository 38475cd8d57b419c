package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"
)

const parquetReadBatch = 1024

type columnDecoder func(v parquet.Value) any

// ParquetSource reads one chunk per row group. Only the footer is read by
// Inspect; row groups are decoded on demand.
type ParquetSource struct {
	path     string
	file     *os.File
	pf       *parquet.File
	layout   *Layout
	decoders []columnDecoder
}

func NewParquetSource(path string) *ParquetSource {
	return &ParquetSource{path: path}
}

func (s *ParquetSource) Path() string {
	return s.path
}

func (s *ParquetSource) Inspect(ctx context.Context) (*Layout, error) {
	info, err := statSource(s.path)
	if err != nil {
		return nil, err
	}
	if err := s.Close(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, unreadable(s.path, err)
	}
	pf, err := parquet.OpenFile(f, info.Size(),
		parquet.SkipPageIndex(true),
		parquet.SkipBloomFilters(true))
	if err != nil {
		_ = f.Close()
		return nil, unreadable(s.path, err)
	}
	s.file, s.pf = f, pf

	schema := pf.Schema()
	paths := schema.Columns()
	columns := make([]string, len(paths))
	s.decoders = make([]columnDecoder, len(paths))
	for i, path := range paths {
		columns[i] = strings.Join(path, ".")
		leaf, ok := schema.Lookup(path...)
		if !ok {
			return nil, unreadable(s.path, fmt.Errorf("column %s not found in schema", columns[i]))
		}
		s.decoders[leaf.ColumnIndex] = decoderFor(leaf.Node)
	}

	groups := pf.RowGroups()
	boundaries := make([]int64, len(groups))
	var total int64
	for i, rg := range groups {
		boundaries[i] = rg.NumRows()
		total += boundaries[i]
	}

	s.layout = &Layout{TotalRows: total, Boundaries: boundaries, Columns: columns}
	return s.layout, nil
}

func (s *ParquetSource) ReadChunk(ctx context.Context, index int) (*Chunk, error) {
	if err := checkIndex(s.layout, index); err != nil {
		return nil, err
	}
	rg := s.pf.RowGroups()[index]
	reader := rg.Rows()
	defer reader.Close()

	width := len(s.layout.Columns)
	out := make([][]any, 0, rg.NumRows())
	buf := make([]parquet.Row, parquetReadBatch)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := reader.ReadRows(buf)
		for _, row := range buf[:n] {
			values := make([]any, width)
			for _, v := range row {
				col := v.Column()
				if col < 0 || col >= width || v.IsNull() {
					continue
				}
				values[col] = s.decoders[col](v)
			}
			out = append(out, values)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row group %d: %w", index, err)
		}
	}

	return &Chunk{
		Index:   index,
		Offset:  s.layout.Offset(index),
		Columns: s.layout.Columns,
		Rows:    out,
	}, nil
}

func (s *ParquetSource) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.pf = nil, nil
	return err
}

func decoderFor(node parquet.Node) columnDecoder {
	lt := node.Type().LogicalType()
	switch {
	case lt != nil && lt.Date != nil:
		return func(v parquet.Value) any {
			return time.Unix(int64(v.Int32())*86400, 0).UTC()
		}
	case lt != nil && lt.Timestamp != nil:
		unit := time.Microsecond
		switch {
		case lt.Timestamp.Unit.Millis != nil:
			unit = time.Millisecond
		case lt.Timestamp.Unit.Nanos != nil:
			unit = time.Nanosecond
		}
		return func(v parquet.Value) any {
			return time.Unix(0, 0).Add(time.Duration(v.Int64()) * unit).UTC()
		}
	case lt != nil && lt.Decimal != nil:
		scale := lt.Decimal.Scale
		return func(v parquet.Value) any {
			switch v.Kind() {
			case parquet.Int32:
				return decimal.New(int64(v.Int32()), -scale)
			case parquet.Int64:
				return decimal.New(v.Int64(), -scale)
			}
			return decimal.NewFromBigInt(twosComplement(v.ByteArray()), -scale)
		}
	}
	return decodeValue
}

func decodeValue(v parquet.Value) any {
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	}
	return v.String()
}

// twosComplement decodes a big-endian signed integer.
func twosComplement(b []byte) *big.Int {
	n := new(big.Int).SetBytes(b)
	if len(b) > 0 && b[0]&0x80 != 0 {
		n.Sub(n, new(big.Int).Lsh(big.NewInt(1), uint(len(b)*8)))
	}
	return n
}
