package builtin

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/furrow-io/furrow/internal/landscape"
	"github.com/furrow-io/furrow/internal/plugin"
	"github.com/furrow-io/furrow/internal/schema"
)

// CSVSource streams rows from a CSV file. Cell values are coerced to the
// declared schema types; a cell that fails coercion is left as a string so
// that schema validation decides the row's fate instead of the reader.
type CSVSource struct {
	path       string
	delimiter  rune
	skipRows   int
	columns    []string
	out        *schema.Schema
	quarantine string
}

var _ plugin.Source = (*CSVSource)(nil)

// NewCSVSource builds a CSV source from resolved options.
//
// Options:
//
//	path                  file to read (required)
//	schema                output schema declaration (required)
//	delimiter             field delimiter, one character (default ",")
//	skip_rows             lines to skip before the header (default 0)
//	columns               explicit column names for headerless files
//	on_validation_failure quarantine sink name, empty means discard
func NewCSVSource(options map[string]any) (plugin.Plugin, error) {
	path, err := requiredStringOption(options, "path")
	if err != nil {
		return nil, err
	}

	out, err := schemaOption(options, "schema")
	if err != nil {
		return nil, err
	}

	delimiter, err := stringOption(options, "delimiter", ",")
	if err != nil {
		return nil, err
	}

	if len([]rune(delimiter)) != 1 {
		return nil, fmt.Errorf("option %q must be a single character, got %q", "delimiter", delimiter)
	}

	skipRows, err := intOption(options, "skip_rows", 0)
	if err != nil {
		return nil, err
	}

	columns, err := stringSliceOption(options, "columns")
	if err != nil {
		return nil, err
	}

	quarantine, err := stringOption(options, "on_validation_failure", "")
	if err != nil {
		return nil, err
	}

	return &CSVSource{
		path:       path,
		delimiter:  []rune(delimiter)[0],
		skipRows:   skipRows,
		columns:    columns,
		out:        out,
		quarantine: quarantine,
	}, nil
}

func (s *CSVSource) Name() string                       { return "csv" }
func (s *CSVSource) Version() string                    { return Version }
func (s *CSVSource) Determinism() landscape.Determinism { return landscape.IORead }
func (s *CSVSource) InputSchema() *schema.Schema        { return nil }
func (s *CSVSource) OutputSchema() *schema.Schema       { return s.out }
func (s *CSVSource) OnValidationFailure() string        { return s.quarantine }

// Load opens the file and positions the reader past the header.
func (s *CSVSource) Load(_ *plugin.Context) (plugin.RowStream, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open csv source: %w", err)
	}

	reader := csv.NewReader(file)
	reader.Comma = s.delimiter
	reader.FieldsPerRecord = -1

	for i := 0; i < s.skipRows; i++ {
		if _, err := reader.Read(); err != nil {
			_ = file.Close()

			return nil, fmt.Errorf("skip csv rows: %w", err)
		}
	}

	header := s.columns
	if len(header) == 0 {
		record, err := reader.Read()
		if err != nil {
			_ = file.Close()

			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("csv source %s has no header row", s.path)
			}

			return nil, fmt.Errorf("read csv header: %w", err)
		}

		header = record
	}

	return &csvStream{
		file:   file,
		reader: reader,
		header: header,
		schema: s.out,
	}, nil
}

type csvStream struct {
	file   *os.File
	reader *csv.Reader
	header []string
	schema *schema.Schema
}

func (s *csvStream) Next(_ context.Context) (plugin.Row, error) {
	record, err := s.reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}

		return nil, fmt.Errorf("read csv record: %w", err)
	}

	row := make(plugin.Row, len(s.header))

	for i, name := range s.header {
		if i >= len(record) {
			break
		}

		row[name] = coerceCell(record[i], s.schema, name)
	}

	return row, nil
}

func (s *csvStream) Close() error { return s.file.Close() }

// coerceCell converts a raw cell to the field's declared type. Undeclared
// fields and failed conversions stay strings.
func coerceCell(cell string, s *schema.Schema, name string) any {
	field, ok := s.FieldByName(name)
	if !ok {
		return cell
	}

	switch field.Type {
	case schema.TypeInt:
		if v, err := strconv.Atoi(cell); err == nil {
			return v
		}
	case schema.TypeFloat:
		if v, err := strconv.ParseFloat(cell, 64); err == nil {
			return v
		}
	case schema.TypeBool:
		if v, err := strconv.ParseBool(cell); err == nil {
			return v
		}
	case schema.TypeString, schema.TypeAny:
	}

	return cell
}

func stringSliceOption(options map[string]any, key string) ([]string, error) {
	raw, ok := options[key]
	if !ok || raw == nil {
		return nil, nil
	}

	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("option %q must be a list of strings, got %T", key, raw)
	}

	out := make([]string, 0, len(items))

	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("option %q must be a list of strings, got %T element", key, item)
		}

		out = append(out, s)
	}

	return out, nil
}
