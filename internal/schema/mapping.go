package schema

import (
	"errors"
	"fmt"
	"strings"
)

var ErrMissingColumn = errors.New("required column missing from source")

// Binding ties a destination column to the source column that feeds it.
// SourceIndex is -1 when the source has no matching column and the
// destination column will be filled with null or its default.
type Binding struct {
	Column      *Column
	SourceIndex int
	SourceName  string
	ViaAlias    bool
}

// Mapping is the column resolution for one run, computed once from the
// source header and reused for every chunk.
type Mapping struct {
	Bindings []Binding
	// Missing lists destination columns with no source column.
	Missing []string
	// Unused lists source columns that feed no destination column.
	Unused []string
}

// Resolve binds each table column to a source column. Candidates are tried
// in order: the explicit source name (or the column name), then each alias.
// Each candidate is matched exactly first, then case-insensitively after
// trimming. A required column without any candidate in the source fails
// with ErrMissingColumn.
func (t *Table) Resolve(sourceColumns []string) (*Mapping, error) {
	exact := make(map[string]int, len(sourceColumns))
	folded := make(map[string]int, len(sourceColumns))
	for i, name := range sourceColumns {
		if _, ok := exact[name]; !ok {
			exact[name] = i
		}
		key := normalizeHeader(name)
		if _, ok := folded[key]; !ok {
			folded[key] = i
		}
	}

	lookup := func(name string) (int, bool) {
		if i, ok := exact[name]; ok {
			return i, true
		}
		i, ok := folded[normalizeHeader(name)]
		return i, ok
	}

	m := &Mapping{Bindings: make([]Binding, len(t.Columns))}
	used := make(map[int]bool, len(sourceColumns))
	var missingRequired []string

	for ci := range t.Columns {
		col := &t.Columns[ci]
		b := Binding{Column: col, SourceIndex: -1}

		primary := col.Name
		if col.Source != "" {
			primary = col.Source
		}
		if i, ok := lookup(primary); ok {
			b.SourceIndex, b.SourceName = i, sourceColumns[i]
		} else {
			for _, alias := range col.Aliases {
				if i, ok := lookup(alias); ok {
					b.SourceIndex, b.SourceName, b.ViaAlias = i, sourceColumns[i], true
					break
				}
			}
		}

		if b.SourceIndex < 0 {
			m.Missing = append(m.Missing, col.Name)
			if !col.Nullable && col.Default == nil {
				missingRequired = append(missingRequired, col.Name)
			}
		} else {
			used[b.SourceIndex] = true
		}
		m.Bindings[ci] = b
	}

	if len(missingRequired) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missingRequired, ", "))
	}

	for i, name := range sourceColumns {
		if !used[i] {
			m.Unused = append(m.Unused, name)
		}
	}
	return m, nil
}

// Aliased returns "source -> destination" pairs for bindings resolved through an alias.
func (m *Mapping) Aliased() []string {
	var out []string
	for _, b := range m.Bindings {
		if b.ViaAlias {
			out = append(out, b.SourceName+" -> "+b.Column.Name)
		}
	}
	return out
}

func normalizeHeader(name string) string {
	name = strings.TrimPrefix(name, "\ufeff")
	return strings.ToLower(strings.TrimSpace(name))
}
