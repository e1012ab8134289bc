package migrations

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func migrationSet(names ...string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for _, name := range names {
		fsys[name] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	}

	return fsys
}

func TestListEmbeddedSet(t *testing.T) {
	names, err := List()
	require.NoError(t, err)

	expected := []string{
		"001_create_runs.up.sql",
		"001_create_runs.down.sql",
		"002_create_graph.up.sql",
		"002_create_graph.down.sql",
		"003_create_rows_and_tokens.up.sql",
		"003_create_rows_and_tokens.down.sql",
		"004_create_node_states.up.sql",
		"004_create_node_states.down.sql",
		"005_create_batches.up.sql",
		"005_create_batches.down.sql",
		"006_create_artifacts_and_validation.up.sql",
		"006_create_artifacts_and_validation.down.sql",
	}
	assert.ElementsMatch(t, expected, names)

	// Lexicographic order is application order with zero-padded sequences.
	assert.IsNonDecreasing(t, names)
}

func TestValidateEmbeddedSet(t *testing.T) {
	require.NoError(t, Validate())
	assert.Equal(t, 6, MaxVersion())
}

func TestContentEmbeddedSet(t *testing.T) {
	content, err := Content("001_create_runs.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(content), "runs")

	_, err = Content("999_missing.up.sql")
	require.Error(t, err)
}

func TestChecksumsEmbeddedSet(t *testing.T) {
	sums, err := Checksums()
	require.NoError(t, err)

	names, err := List()
	require.NoError(t, err)
	require.Len(t, sums, len(names))

	for name, sum := range sums {
		assert.Len(t, sum, 64, "checksum for %s", name)
	}
}

func TestParseFilename(t *testing.T) {
	info, err := Parse("003_create_rows_and_tokens.up.sql")
	require.NoError(t, err)
	assert.Equal(t, 3, info.Sequence)
	assert.Equal(t, "create_rows_and_tokens", info.Name)
	assert.Equal(t, "up", info.Direction)

	invalid := []string{
		"3_short_sequence.up.sql",
		"003_bad-dash.up.sql",
		"003_no_direction.sql",
		"003_sideways.left.sql",
		"notes.txt",
	}
	for _, name := range invalid {
		_, err := Parse(name)
		assert.Error(t, err, "filename %s", name)
	}
}

func TestValidateRejectsBrokenSets(t *testing.T) {
	tests := []struct {
		name    string
		fsys    fstest.MapFS
		wantErr string
	}{
		{
			name:    "empty set",
			fsys:    migrationSet(),
			wantErr: "no migration files found",
		},
		{
			name: "missing down file",
			fsys: migrationSet(
				"001_first.up.sql",
				"001_first.down.sql",
				"002_second.up.sql",
			),
			wantErr: "no down file",
		},
		{
			name: "missing up file",
			fsys: migrationSet(
				"001_first.up.sql",
				"001_first.down.sql",
				"002_second.down.sql",
			),
			wantErr: "no up file",
		},
		{
			name: "sequence gap",
			fsys: migrationSet(
				"001_first.up.sql",
				"001_first.down.sql",
				"003_third.up.sql",
				"003_third.down.sql",
			),
			wantErr: "gap in migration sequence",
		},
		{
			name: "sequence starts past one",
			fsys: migrationSet(
				"002_second.up.sql",
				"002_second.down.sql",
			),
			wantErr: "must start at 001",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateIn(tt.fsys)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestListIgnoresNonConformingFiles(t *testing.T) {
	fsys := migrationSet(
		"001_first.up.sql",
		"001_first.down.sql",
	)
	fsys["README.md"] = &fstest.MapFile{Data: []byte("docs")}
	fsys["002_bad-name.up.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}

	names, err := listIn(fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_first.down.sql", "001_first.up.sql"}, names)
}

func BenchmarkValidate(b *testing.B) {
	for i := 0; i < b.N; i++ {
		if err := Validate(); err != nil {
			b.Fatal(err)
		}
	}
}
