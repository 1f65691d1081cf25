package store

import (
	"os"
	"path/filepath"
	"testing"
)

var migrationsDir = filepath.Join("..", "..", "db", "migrations")

func TestEveryUpMigrationHasADown(t *testing.T) {
	ups, err := MigrationFiles(migrationsDir, "up")
	if err != nil {
		t.Fatalf("MigrationFiles(up) error = %v", err)
	}
	downs, err := MigrationFiles(migrationsDir, "down")
	if err != nil {
		t.Fatalf("MigrationFiles(down) error = %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no migrations discovered")
	}
	if len(ups) != len(downs) {
		t.Fatalf("%d up files, %d down files", len(ups), len(downs))
	}
	for i, up := range ups {
		down := downs[len(downs)-1-i]
		if up.Version != down.Version {
			t.Fatalf("up %s paired with down %s", up.Name, down.Name)
		}
	}
}

func TestMigrationFilesOrdering(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0010_later.up.sql", "0002_early.up.sql", "0002_early.down.sql", "0010_later.down.sql", "README.md", "9_Bad-Name.up.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	ups, err := MigrationFiles(dir, "up")
	if err != nil {
		t.Fatalf("MigrationFiles(up) error = %v", err)
	}
	if len(ups) != 2 || ups[0].Version != "0002" || ups[1].Version != "0010" {
		t.Fatalf("ups = %+v", ups)
	}
	downs, err := MigrationFiles(dir, "down")
	if err != nil {
		t.Fatalf("MigrationFiles(down) error = %v", err)
	}
	if len(downs) != 2 || downs[0].Version != "0010" {
		t.Fatalf("downs = %+v", downs)
	}
}
