// Package migrations embeds the warehouse schema and applies it with
// golang-migrate. Migrations ship inside the binary for zero-config
// deployment in containerized environments.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embeddedMigrations embed.FS

// Migration filename regex: 001_migration_name.up.sql or 001_migration_name.down.sql.
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// Info contains parsed information about a migration file.
type Info struct {
	Sequence  int
	Name      string
	Direction string // "up" or "down"
	Filename  string
}

// FS returns the embedded file system containing all migration files.
func FS() fs.FS {
	return embeddedMigrations
}

// List returns all embedded migration files that conform to the strict
// naming standard, lexicographically sorted. Invalid filenames are rejected
// to prevent operational mistakes.
func List() ([]string, error) {
	entries, err := fs.ReadDir(embeddedMigrations, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filename := entry.Name()
		if filepath.Ext(filename) == ".sql" && migrationFilenameRegex.MatchString(filename) {
			files = append(files, filename)
		}
	}

	sort.Strings(files)

	return files, nil
}

// Validate performs startup validation of the embedded migration files:
// filename format, up/down pairing, and a gapless sequence starting at 001.
func Validate() error {
	files, err := List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	if err := validatePairing(files); err != nil {
		return err
	}

	return validateSequence(files)
}

// parseFilename parses a migration filename into its components.
func parseFilename(filename string) (*Info, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf(
			"invalid migration filename format: %s (expected: 001_name.up.sql or 001_name.down.sql)",
			filename,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sequence number in filename %s: %w", filename, err)
	}

	return &Info{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// validatePairing ensures every up migration has a matching down migration.
func validatePairing(files []string) error {
	migrations := make(map[string]map[string]*Info)

	for _, file := range files {
		migration, err := parseFilename(file)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("%03d_%s", migration.Sequence, migration.Name)
		if migrations[key] == nil {
			migrations[key] = make(map[string]*Info)
		}

		migrations[key][migration.Direction] = migration
	}

	for key, directions := range migrations {
		if _, hasUp := directions["up"]; !hasUp {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if _, hasDown := directions["down"]; !hasDown {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	return nil
}

// validateSequence ensures the sequence starts at 001 with no gaps.
func validateSequence(files []string) error {
	sequences := make(map[int]bool)

	for _, file := range files {
		migration, err := parseFilename(file)
		if err != nil {
			return err
		}

		sequences[migration.Sequence] = true
	}

	var sequenceNumbers []int
	for seq := range sequences {
		sequenceNumbers = append(sequenceNumbers, seq)
	}

	sort.Ints(sequenceNumbers)

	if len(sequenceNumbers) == 0 {
		return nil
	}

	if sequenceNumbers[0] != 1 {
		return fmt.Errorf("migration sequence should start with 001, but found %03d", sequenceNumbers[0])
	}

	for i := 1; i < len(sequenceNumbers); i++ {
		expected := sequenceNumbers[i-1] + 1
		if sequenceNumbers[i] != expected {
			return fmt.Errorf("gap in migration sequence: expected %03d, found %03d", expected, sequenceNumbers[i])
		}
	}

	return nil
}

// MaxVersion returns the highest migration sequence number embedded in this
// binary.
func MaxVersion() int {
	files, err := List()
	if err != nil {
		return 0
	}

	maxSequence := 0

	for _, filename := range files {
		if migration, err := parseFilename(filename); err == nil && migration.Sequence > maxSequence {
			maxSequence = migration.Sequence
		}
	}

	return maxSequence
}
