package migrate

import (
	"io/fs"
	"os"
	"strings"
	"testing"

	"telemetry-pipeline/internal/db"
)

func TestParseDirection(t *testing.T) {
	testCases := []struct {
		in      string
		want    Direction
		wantErr bool
	}{
		{"up", Up, false},
		{"down", Down, false},
		{"", "", true},
		{"UP", "", true},
		{"sideways", "", true},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseDirection(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRun_EmptyDSN(t *testing.T) {
	for _, dsn := range []string{"", "   "} {
		err := Run(dsn, Up)
		if err == nil || !strings.Contains(err.Error(), "DATABASE_URL is not set") {
			t.Errorf("Run(%q) err = %v", dsn, err)
		}
	}
}

func TestRun_InvalidDirection(t *testing.T) {
	if err := Run("postgres://localhost/test", Direction("left")); err == nil {
		t.Fatal("Run with invalid direction should fail")
	}
}

func TestRun_InvalidDSN(t *testing.T) {
	for _, dsn := range []string{"invalid-dsn", "://localhost/test", "postgres://invalid-host-xyz:5432/db"} {
		if err := Run(dsn, Up); err == nil {
			t.Errorf("Run(%q) should fail", dsn)
		}
	}
}

func TestMigrationFS_PairsUpAndDown(t *testing.T) {
	files, err := fs.Glob(db.MigrationFS, "migrations/*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	ups, downs := map[string]bool{}, map[string]bool{}
	for _, f := range files {
		switch {
		case strings.HasSuffix(f, ".up.sql"):
			ups[strings.TrimSuffix(f, ".up.sql")] = true
		case strings.HasSuffix(f, ".down.sql"):
			downs[strings.TrimSuffix(f, ".down.sql")] = true
		}
	}
	if len(ups) == 0 {
		t.Fatal("no migrations embedded")
	}
	for name := range ups {
		if !downs[name] {
			t.Errorf("%s has no down migration", name)
		}
	}
}

func TestRun_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	if err := Run(dsn, Up); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := Run(dsn, Up); err != nil {
		t.Fatalf("second up should be a no-op: %v", err)
	}
	v, dirty, err := Version(dsn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v < 2 || dirty {
		t.Errorf("version = %d dirty = %v", v, dirty)
	}
}
