package builtin

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/furrow-io/furrow/internal/plugin"
)

func rowSchemaOption(fields ...string) map[string]any {
	specs := make([]any, 0, len(fields))
	for _, f := range fields {
		specs = append(specs, f)
	}

	return map[string]any{"mode": "strict", "fields": specs}
}

func drainStream(t *testing.T, stream plugin.RowStream) []plugin.Row {
	t.Helper()

	var rows []plugin.Row

	for {
		row, err := stream.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}

		rows = append(rows, row)
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	return rows
}

func TestNewSetRegistersBuiltins(t *testing.T) {
	set := NewSet()

	wantEach := []string{"csv", "jsonl"}

	for _, tc := range []struct {
		kind     string
		registry interface{ Names() []string }
	}{
		{"sources", set.Sources},
		{"sinks", set.Sinks},
	} {
		got := tc.registry.Names()
		if len(got) != len(wantEach) {
			t.Fatalf("%s = %v, want %v", tc.kind, got, wantEach)
		}

		for i, name := range wantEach {
			if got[i] != name {
				t.Errorf("%s[%d] = %q, want %q", tc.kind, i, got[i], name)
			}
		}
	}

	for _, empty := range []*plugin.Registry{set.Transforms, set.Gates, set.Aggregations, set.Coalesces} {
		if names := empty.Names(); len(names) != 0 {
			t.Errorf("row plugin registry = %v, want empty", names)
		}
	}
}

func TestCSVSourceCoercesDeclaredTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.csv")
	data := "id,name,score,active\n1,alpha,1.5,true\n2,beta,not-a-float,false\n"

	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	p, err := NewCSVSource(map[string]any{
		"path":   path,
		"schema": rowSchemaOption("id: int", "name: str", "score: float", "active: bool"),
	})
	if err != nil {
		t.Fatalf("NewCSVSource() error = %v", err)
	}

	source := p.(plugin.Source)

	stream, err := source.Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	rows := drainStream(t, stream)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	first := rows[0]
	if first["id"] != 1 || first["name"] != "alpha" || first["score"] != 1.5 || first["active"] != true {
		t.Errorf("first row = %v", first)
	}

	// A cell that fails coercion stays a string so validation can reject it.
	if rows[1]["score"] != "not-a-float" {
		t.Errorf("uncoercible cell = %v (%T)", rows[1]["score"], rows[1]["score"])
	}
}

func TestCSVSourceHeaderlessColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.csv")
	if err := os.WriteFile(path, []byte("1,alpha\n2,beta\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	p, err := NewCSVSource(map[string]any{
		"path":    path,
		"columns": []any{"id", "name"},
		"schema":  rowSchemaOption("id: int", "name: str"),
	})
	if err != nil {
		t.Fatalf("NewCSVSource() error = %v", err)
	}

	stream, err := p.(plugin.Source).Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	rows := drainStream(t, stream)
	if len(rows) != 2 || rows[0]["id"] != 1 || rows[1]["name"] != "beta" {
		t.Errorf("rows = %v", rows)
	}
}

func TestCSVSourceRequiresPathAndSchema(t *testing.T) {
	if _, err := NewCSVSource(map[string]any{"schema": rowSchemaOption("id: int")}); err == nil {
		t.Error("NewCSVSource() without path, want error")
	}

	if _, err := NewCSVSource(map[string]any{"path": "rows.csv"}); err == nil {
		t.Error("NewCSVSource() without schema, want error")
	}
}

func TestCSVSourceQuarantineOption(t *testing.T) {
	p, err := NewCSVSource(map[string]any{
		"path":                  "rows.csv",
		"schema":                rowSchemaOption("id: int"),
		"on_validation_failure": "quarantine",
	})
	if err != nil {
		t.Fatalf("NewCSVSource() error = %v", err)
	}

	if got := p.(plugin.Source).OnValidationFailure(); got != "quarantine" {
		t.Errorf("OnValidationFailure() = %q, want %q", got, "quarantine")
	}
}

func TestCSVSinkWritesHeaderAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")

	p, err := NewCSVSink(map[string]any{
		"path":   path,
		"schema": rowSchemaOption("id: int", "name: str"),
	})
	if err != nil {
		t.Fatalf("NewCSVSink() error = %v", err)
	}

	sink := p.(plugin.Sink)

	artifact, err := sink.Write(nil, plugin.Row{"id": 1, "name": "alpha"})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if artifact.Kind != "file" || artifact.PathOrURI != path {
		t.Errorf("artifact = %+v", artifact)
	}

	if artifact.ContentHash == nil || *artifact.ContentHash == "" {
		t.Error("artifact has no content hash")
	}

	if _, err := sink.Write(nil, plugin.Row{"id": 2, "name": "beta"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if err := sink.Flush(nil); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	want := "id,name\n1,alpha\n2,beta\n"
	if string(data) != want {
		t.Errorf("file = %q, want %q", data, want)
	}
}

func TestCSVSinkAppendSkipsExistingHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	options := map[string]any{
		"path":   path,
		"schema": rowSchemaOption("id: int"),
		"mode":   "append",
	}

	for _, id := range []int{1, 2} {
		p, err := NewCSVSink(options)
		if err != nil {
			t.Fatalf("NewCSVSink() error = %v", err)
		}

		sink := p.(plugin.Sink)

		if _, err := sink.Write(nil, plugin.Row{"id": id}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}

		if err := sink.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	if got := strings.Count(string(data), "id\n"); got != 1 {
		t.Errorf("file = %q, want a single header", data)
	}
}

func TestJSONLSinkSourceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rows.jsonl")

	sinkPlugin, err := NewJSONLSink(map[string]any{
		"path":   path,
		"schema": map[string]any{"fields": "dynamic"},
	})
	if err != nil {
		t.Fatalf("NewJSONLSink() error = %v", err)
	}

	sink := sinkPlugin.(plugin.Sink)

	for _, row := range []plugin.Row{
		{"id": 1, "name": "alpha", "nested": map[string]any{"ok": true}},
		{"id": 2, "name": "beta"},
	} {
		if _, err := sink.Write(nil, row); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	sourcePlugin, err := NewJSONLSource(map[string]any{
		"path":   path,
		"schema": map[string]any{"fields": "dynamic"},
	})
	if err != nil {
		t.Fatalf("NewJSONLSource() error = %v", err)
	}

	stream, err := sourcePlugin.(plugin.Source).Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	rows := drainStream(t, stream)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	// JSON numbers decode as float64.
	if rows[0]["id"] != float64(1) || rows[0]["name"] != "alpha" {
		t.Errorf("first row = %v", rows[0])
	}

	nested, ok := rows[0]["nested"].(map[string]any)
	if !ok || nested["ok"] != true {
		t.Errorf("nested = %v", rows[0]["nested"])
	}
}

func TestCSVSinkRejectsUnknownMode(t *testing.T) {
	_, err := NewCSVSink(map[string]any{
		"path":   "out.csv",
		"schema": rowSchemaOption("id: int"),
		"mode":   "truncate",
	})
	if err == nil {
		t.Error("NewCSVSink() with unknown mode, want error")
	}
}
