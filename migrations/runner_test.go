package migrations

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4"
)

func TestMigrateLogger(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var logger migrate.Logger = &migrateLogger{}

	if !logger.Verbose() {
		t.Error("Verbose() = false, want true")
	}

	var buf bytes.Buffer

	prev := log.Writer()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(prev) })

	logger.Printf("applied version %d", 3)

	if got := buf.String(); !strings.Contains(got, "[MIGRATE] applied version 3") {
		t.Errorf("Printf() wrote %q, want [MIGRATE] prefix and formatted message", got)
	}
}
