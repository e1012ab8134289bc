package builtin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/furrow-io/furrow/internal/canonical"
	"github.com/furrow-io/furrow/internal/landscape"
	"github.com/furrow-io/furrow/internal/plugin"
	"github.com/furrow-io/furrow/internal/schema"
)

// JSONLSource streams rows from a JSON Lines file, one object per line.
// Blank lines are skipped.
type JSONLSource struct {
	path       string
	out        *schema.Schema
	quarantine string
}

var _ plugin.Source = (*JSONLSource)(nil)

// NewJSONLSource builds a JSON Lines source from resolved options.
//
// Options:
//
//	path                  file to read (required)
//	schema                output schema declaration (required)
//	on_validation_failure quarantine sink name, empty means discard
func NewJSONLSource(options map[string]any) (plugin.Plugin, error) {
	path, err := requiredStringOption(options, "path")
	if err != nil {
		return nil, err
	}

	out, err := schemaOption(options, "schema")
	if err != nil {
		return nil, err
	}

	quarantine, err := stringOption(options, "on_validation_failure", "")
	if err != nil {
		return nil, err
	}

	return &JSONLSource{path: path, out: out, quarantine: quarantine}, nil
}

func (s *JSONLSource) Name() string                       { return "jsonl" }
func (s *JSONLSource) Version() string                    { return Version }
func (s *JSONLSource) Determinism() landscape.Determinism { return landscape.IORead }
func (s *JSONLSource) InputSchema() *schema.Schema        { return nil }
func (s *JSONLSource) OutputSchema() *schema.Schema       { return s.out }
func (s *JSONLSource) OnValidationFailure() string        { return s.quarantine }

// Load opens the file for streaming.
func (s *JSONLSource) Load(_ *plugin.Context) (plugin.RowStream, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open jsonl source: %w", err)
	}

	return &jsonlStream{file: file, scanner: bufio.NewScanner(file)}, nil
}

type jsonlStream struct {
	file    *os.File
	scanner *bufio.Scanner
	line    int
}

func (s *jsonlStream) Next(_ context.Context) (plugin.Row, error) {
	for s.scanner.Scan() {
		s.line++

		data := s.scanner.Bytes()
		if len(data) == 0 {
			continue
		}

		var row plugin.Row
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, fmt.Errorf("jsonl line %d: %w", s.line, err)
		}

		return row, nil
	}

	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read jsonl source: %w", err)
	}

	return nil, io.EOF
}

func (s *jsonlStream) Close() error { return s.file.Close() }

// JSONLSink writes rows to a JSON Lines file in canonical form, so equal
// rows always produce equal bytes. Each write returns a file artifact
// hashed over the appended line.
type JSONLSink struct {
	path string
	mode string
	in   *schema.Schema

	mu   sync.Mutex
	file *os.File
}

var _ plugin.Sink = (*JSONLSink)(nil)

// NewJSONLSink builds a JSON Lines sink from resolved options.
//
// Options:
//
//	path   file to write (required)
//	schema input schema declaration (required)
//	mode   "write" truncates, "append" extends (default "write")
func NewJSONLSink(options map[string]any) (plugin.Plugin, error) {
	path, err := requiredStringOption(options, "path")
	if err != nil {
		return nil, err
	}

	in, err := schemaOption(options, "schema")
	if err != nil {
		return nil, err
	}

	mode, err := stringOption(options, "mode", csvModeWrite)
	if err != nil {
		return nil, err
	}

	if mode != csvModeWrite && mode != csvModeAppend {
		return nil, fmt.Errorf("option %q must be %q or %q, got %q", "mode", csvModeWrite, csvModeAppend, mode)
	}

	return &JSONLSink{path: path, mode: mode, in: in}, nil
}

func (s *JSONLSink) Name() string                       { return "jsonl" }
func (s *JSONLSink) Version() string                    { return Version }
func (s *JSONLSink) Determinism() landscape.Determinism { return landscape.Deterministic }
func (s *JSONLSink) InputSchema() *schema.Schema        { return s.in }
func (s *JSONLSink) OutputSchema() *schema.Schema       { return nil }
func (s *JSONLSink) Idempotent() bool                   { return false }

// Write appends one canonical JSON line.
func (s *JSONLSink) Write(_ *plugin.Context, row plugin.Row) (*plugin.ArtifactDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.openLocked(); err != nil {
		return nil, err
	}

	encoded, err := canonical.Canonicalize(map[string]any(row))
	if err != nil {
		return nil, fmt.Errorf("encode jsonl record: %w", err)
	}

	line := append(encoded, '\n')
	if _, err := s.file.Write(line); err != nil {
		return nil, fmt.Errorf("write jsonl record: %w", err)
	}

	return plugin.FileArtifact(s.path, canonical.HashBytes(line), int64(len(line))), nil
}

// Flush forces buffered bytes to disk.
func (s *JSONLSink) Flush(_ *plugin.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync jsonl sink: %w", err)
	}

	return nil
}

// Close releases the file handle.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}

	err := s.file.Close()
	s.file = nil

	return err
}

func (s *JSONLSink) openLocked() error {
	if s.file != nil {
		return nil
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create jsonl sink directory: %w", err)
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
		return fmt.Errorf("open jsonl sink: %w", err)
	}

	s.file = file

	return nil
}
