/*
 * @module service/dataset/csv_loader
 * @description Delimited text loader: reads a CSV file with a header row and infers numeric/categorical columns
 * @architecture Data access layer - one call per file, no caching
 * @stateFlow open file -> decode charset -> read records -> infer column kinds -> Table
 * @rules
 *   - a column is numeric when every non-missing cell parses as a float
 *   - missing markers become NaN in numeric columns
 *   - every record must have as many fields as the header
 * @dependencies encoding/csv, github.com/spf13/cast, golang.org/x/text
 * @refs table.go, split.go
 */

package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"strings"

	"github.com/spf13/cast"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"regression-trainer/service/trainerr"
)

// missingMarkers are the cell values read as missing, matching the usual dataframe defaults
var missingMarkers = map[string]bool{
	"":         true,
	"#N/A":     true,
	"#N/A N/A": true,
	"#NA":      true,
	"-1.#IND":  true,
	"-1.#QNAN": true,
	"-NaN":     true,
	"-nan":     true,
	"1.#IND":   true,
	"1.#QNAN":  true,
	"<NA>":     true,
	"N/A":      true,
	"NA":       true,
	"NULL":     true,
	"NaN":      true,
	"None":     true,
	"n/a":      true,
	"nan":      true,
	"null":     true,
}

type readOptions struct {
	separator rune
	encoding  string
}

// ReadOption customises ReadCSV
type ReadOption func(*readOptions)

// WithSeparator sets the field delimiter (default ',').
func WithSeparator(sep rune) ReadOption {
	return func(o *readOptions) { o.separator = sep }
}

// WithEncoding decodes the file from the named charset (WHATWG label, e.g. "gbk", "latin1").
func WithEncoding(label string) ReadOption {
	return func(o *readOptions) { o.encoding = label }
}

// ReadCSV loads a delimited file with a header row.
func ReadCSV(path string, opts ...ReadOption) (*Table, error) {
	options := readOptions{separator: ','}
	for _, opt := range opts {
		opt(&options)
	}

	decoder, err := charsetDecoder(options.encoding)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, trainerr.File("read csv", fmt.Errorf("data file %s not found: %w", path, err))
		}
		return nil, trainerr.File("read csv", err)
	}
	defer file.Close()

	table, err := readTable(transform.NewReader(file, decoder), options.separator)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

// ParseCSV parses delimited text from r.
func ParseCSV(r io.Reader, opts ...ReadOption) (*Table, error) {
	options := readOptions{separator: ','}
	for _, opt := range opts {
		opt(&options)
	}
	decoder, err := charsetDecoder(options.encoding)
	if err != nil {
		return nil, err
	}
	return readTable(transform.NewReader(r, decoder), options.separator)
}

func charsetDecoder(label string) (transform.Transformer, error) {
	if label == "" {
		return unicode.BOMOverride(unicode.UTF8.NewDecoder()), nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, trainerr.Lookup("csv encoding", fmt.Errorf("unknown encoding %q: %w", label, err))
	}
	if enc == unicode.UTF8 {
		return unicode.BOMOverride(unicode.UTF8.NewDecoder()), nil
	}
	return enc.NewDecoder(), nil
}

func readTable(r io.Reader, separator rune) (*Table, error) {
	reader := csv.NewReader(r)
	reader.Comma = separator
	reader.FieldsPerRecord = 0

	header, err := reader.Read()
	if err == io.EOF {
		return nil, trainerr.Newf(trainerr.KindParse, "read csv", "no columns to parse from file")
	}
	if err != nil {
		return nil, trainerr.Parse("read csv", err)
	}
	names := dedupeNames(header)

	cells := make([][]string, len(names))
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, trainerr.Parse("read csv", err)
		}
		for i, field := range record {
			cells[i] = append(cells[i], field)
		}
	}

	columns := make([]*Column, len(names))
	for i, name := range names {
		columns[i] = inferColumn(name, cells[i])
	}
	return NewTable(columns...)
}

// dedupeNames renames repeated header names to name.1, name.2, ...
func dedupeNames(header []string) []string {
	names := make([]string, len(header))
	seen := make(map[string]int, len(header))
	taken := make(map[string]bool, len(header))
	for _, h := range header {
		taken[h] = true
	}
	for i, h := range header {
		count := seen[h]
		seen[h] = count + 1
		if count == 0 {
			names[i] = h
			continue
		}
		name := fmt.Sprintf("%s.%d", h, count)
		for taken[name] {
			count++
			name = fmt.Sprintf("%s.%d", h, count)
		}
		seen[h] = count + 1
		taken[name] = true
		names[i] = name
	}
	return names
}

func inferColumn(name string, raw []string) *Column {
	values := make([]float64, len(raw))
	for i, cell := range raw {
		cell = strings.TrimSpace(cell)
		if missingMarkers[cell] {
			values[i] = math.NaN()
			continue
		}
		v, err := cast.ToFloat64E(cell)
		if err != nil {
			texts := make([]string, len(raw))
			for j, c := range raw {
				if missingMarkers[strings.TrimSpace(c)] {
					continue
				}
				texts[j] = c
			}
			return CategoricalColumn(name, texts)
		}
		values[i] = v
	}
	return NumericColumn(name, values)
}
