package builtin

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/furrow-io/furrow/internal/landscape"
	"github.com/furrow-io/furrow/internal/plugin"
	"github.com/furrow-io/furrow/internal/schema"
)

// CSV sink modes.
const (
	csvModeWrite  = "write"
	csvModeAppend = "append"
)

// CSVSink writes rows to a CSV file. Headers come from the declared schema
// fields when the schema is explicit, otherwise from the first row's keys,
// locked after the first write. Each write returns a file artifact hashed
// over the appended record.
type CSVSink struct {
	path      string
	delimiter rune
	mode      string
	in        *schema.Schema

	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	header []string
}

var _ plugin.Sink = (*CSVSink)(nil)

// NewCSVSink builds a CSV sink from resolved options.
//
// Options:
//
//	path      file to write (required)
//	schema    input schema declaration (required)
//	delimiter field delimiter, one character (default ",")
//	mode      "write" truncates, "append" extends (default "write")
func NewCSVSink(options map[string]any) (plugin.Plugin, error) {
	path, err := requiredStringOption(options, "path")
	if err != nil {
		return nil, err
	}

	in, err := schemaOption(options, "schema")
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

	mode, err := stringOption(options, "mode", csvModeWrite)
	if err != nil {
		return nil, err
	}

	if mode != csvModeWrite && mode != csvModeAppend {
		return nil, fmt.Errorf("option %q must be %q or %q, got %q", "mode", csvModeWrite, csvModeAppend, mode)
	}

	return &CSVSink{
		path:      path,
		delimiter: []rune(delimiter)[0],
		mode:      mode,
		in:        in,
	}, nil
}

func (s *CSVSink) Name() string                       { return "csv" }
func (s *CSVSink) Version() string                    { return Version }
func (s *CSVSink) Determinism() landscape.Determinism { return landscape.Deterministic }
func (s *CSVSink) InputSchema() *schema.Schema        { return s.in }
func (s *CSVSink) OutputSchema() *schema.Schema       { return nil }
func (s *CSVSink) Idempotent() bool                   { return false }

// Write appends one row, creating the file and writing the header on first
// use.
func (s *CSVSink) Write(_ *plugin.Context, row plugin.Row) (*plugin.ArtifactDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.openLocked(row); err != nil {
		return nil, err
	}

	record := make([]string, len(s.header))
	for i, name := range s.header {
		record[i] = formatCell(row[name])
	}

	encoded, err := encodeRecord(record, s.delimiter)
	if err != nil {
		return nil, fmt.Errorf("encode csv record: %w", err)
	}

	if _, err := s.file.Write(encoded); err != nil {
		return nil, fmt.Errorf("write csv record: %w", err)
	}

	sum := sha256.Sum256(encoded)

	return plugin.FileArtifact(s.path, hex.EncodeToString(sum[:]), int64(len(encoded))), nil
}

// Flush forces buffered bytes to disk.
func (s *CSVSink) Flush(_ *plugin.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync csv sink: %w", err)
	}

	return nil
}

// Close releases the file handle.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}

	err := s.file.Close()
	s.file = nil

	return err
}

func (s *CSVSink) openLocked(first plugin.Row) error {
	if s.file != nil {
		return nil
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create csv sink directory: %w", err)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if s.mode == csvModeAppend {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	file, err := os.OpenFile(s.path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open csv sink: %w", err)
	}

	s.header = headerFields(s.in, first)

	// Append mode skips the header when the file already has content.
	writeHeader := true

	if s.mode == csvModeAppend {
		info, err := file.Stat()
		if err != nil {
			_ = file.Close()

			return fmt.Errorf("stat csv sink: %w", err)
		}

		writeHeader = info.Size() == 0
	}

	if writeHeader {
		encoded, err := encodeRecord(s.header, s.delimiter)
		if err != nil {
			_ = file.Close()

			return fmt.Errorf("encode csv header: %w", err)
		}

		if _, err := file.Write(encoded); err != nil {
			_ = file.Close()

			return fmt.Errorf("write csv header: %w", err)
		}
	}

	s.file = file

	return nil
}

// headerFields locks the column order: declared fields first, in
// declaration order, then any extra first-row keys sorted.
func headerFields(s *schema.Schema, first plugin.Row) []string {
	header := make([]string, 0, len(first))
	seen := make(map[string]bool, len(first))

	if !s.Dynamic() {
		for _, f := range s.Fields {
			header = append(header, f.Name)
			seen[f.Name] = true
		}

		if !s.AllowsExtraFields() {
			return header
		}
	}

	extras := make([]string, 0, len(first))

	for name := range first {
		if !seen[name] {
			extras = append(extras, name)
		}
	}

	sort.Strings(extras)

	return append(header, extras...)
}

func encodeRecord(record []string, delimiter rune) ([]byte, error) {
	var buf bytes.Buffer

	writer := csv.NewWriter(&buf)
	writer.Comma = delimiter

	if err := writer.Write(record); err != nil {
		return nil, err
	}

	writer.Flush()

	if err := writer.Error(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func formatCell(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
