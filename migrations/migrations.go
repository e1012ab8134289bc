// Package migrations carries the audit database schema as embedded SQL
// files and validates the embedded set: filenames, up/down pairing, and a
// gapless sequence. The migrator binary is self-contained; deployments
// never ship loose migration files.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/furrow-io/furrow/internal/canonical"
)

//go:embed *.sql
var files embed.FS

// filenamePattern is the required form: 001_name.up.sql / 001_name.down.sql.
var filenamePattern = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// Info is the parsed identity of one migration file.
type Info struct {
	Sequence  int
	Name      string
	Direction string
	Filename  string
}

// FS returns the embedded migration files for migrate's iofs source.
func FS() embed.FS { return files }

// List returns the embedded migration filenames in lexicographic order,
// which with zero-padded sequence numbers is application order. Files that
// do not match the naming standard are excluded.
func List() ([]string, error) { return listIn(files) }

// Content returns the SQL text of one embedded migration file.
func Content(name string) ([]byte, error) {
	return fs.ReadFile(files, name)
}

// Validate checks the embedded migration set.
func Validate() error { return validateIn(files) }

// MaxVersion returns the highest migration sequence in the embedded set,
// or zero when the set cannot be read.
func MaxVersion() int {
	names, err := List()
	if err != nil {
		return 0
	}

	maxSeq := 0

	for _, name := range names {
		info, err := Parse(name)
		if err != nil {
			continue
		}

		if info.Sequence > maxSeq {
			maxSeq = info.Sequence
		}
	}

	return maxSeq
}

// Checksums returns the SHA-256 hex digest of every embedded migration,
// keyed by filename. The digests use the same byte hashing as the audit
// trail's content addresses, so a schema file can be pinned in external
// records the way payloads are.
func Checksums() (map[string]string, error) {
	names, err := List()
	if err != nil {
		return nil, err
	}

	sums := make(map[string]string, len(names))

	for _, name := range names {
		content, err := Content(name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}

		sums[name] = canonical.HashBytes(content)
	}

	return sums, nil
}

// Parse extracts the sequence, name, and direction from a migration
// filename.
func Parse(filename string) (Info, error) {
	matches := filenamePattern.FindStringSubmatch(filename)
	if matches == nil {
		return Info{}, fmt.Errorf(
			"invalid migration filename %q (want 001_name.up.sql / 001_name.down.sql)", filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return Info{}, fmt.Errorf("invalid sequence in %q: %w", filename, err)
	}

	return Info{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

func listIn(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	var names []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) == ".sql" && filenamePattern.MatchString(name) {
			names = append(names, name)
		}
	}

	sort.Strings(names)

	return names, nil
}

// validateIn checks a migration set: at least one conforming file, every up
// paired with a down, and sequence numbers running 001..N without gaps.
func validateIn(fsys fs.FS) error {
	names, err := listIn(fsys)
	if err != nil {
		return err
	}

	if len(names) == 0 {
		return fmt.Errorf("no migration files found")
	}

	directions := make(map[string]map[string]bool)
	sequences := make(map[int]bool)

	for _, name := range names {
		info, err := Parse(name)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if directions[key] == nil {
			directions[key] = make(map[string]bool)
		}

		directions[key][info.Direction] = true
		sequences[info.Sequence] = true
	}

	for key, dirs := range directions {
		if !dirs["up"] {
			return fmt.Errorf("migration %s has a down file but no up file", key)
		}

		if !dirs["down"] {
			return fmt.Errorf("migration %s has an up file but no down file", key)
		}
	}

	ordered := make([]int, 0, len(sequences))
	for seq := range sequences {
		ordered = append(ordered, seq)
	}

	sort.Ints(ordered)

	if ordered[0] != 1 {
		return fmt.Errorf("migration sequence must start at 001, found %03d", ordered[0])
	}

	for i := 1; i < len(ordered); i++ {
		if ordered[i] != ordered[i-1]+1 {
			return fmt.Errorf("gap in migration sequence: expected %03d, found %03d",
				ordered[i-1]+1, ordered[i])
		}
	}

	return nil
}
