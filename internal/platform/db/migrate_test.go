package db

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeMigrations(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("failed to write test file %s: %v", name, err)
		}
	}
	return dir
}

func TestLoadMigrations(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"001_providers.sql": "CREATE TABLE claim_providers (id UUID PRIMARY KEY);",
		"002_jobs.sql":      "CREATE TABLE claim_jobs (id UUID PRIMARY KEY);",
		"003_logs.sql":      "CREATE TABLE claim_logs (id UUID PRIMARY KEY);",
	})

	migrations, err := NewMigrator(nil, dir).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "001_providers.sql" {
		t.Errorf("unexpected first migration: %+v", migrations[0])
	}
	if migrations[0].SQL != "CREATE TABLE claim_providers (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"010_tables.sql": "SELECT 10;",
		"002_second.sql": "SELECT 2;",
		"001_first.sql":  "SELECT 1;",
		"005_middle.sql": "SELECT 5;",
	})

	migrations, err := NewMigrator(nil, dir).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	expected := []int{1, 2, 5, 10}
	if len(migrations) != len(expected) {
		t.Fatalf("expected %d migrations, got %d", len(expected), len(migrations))
	}
	for i, v := range expected {
		if migrations[i].Version != v {
			t.Errorf("migration[%d]: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
}

func TestLoadMigrations_SkipsUnversionedFiles(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"001_valid.sql":      "SELECT 1;",
		"readme.sql":         "-- no version prefix",
		"notes.txt":          "not a sql file",
		"abc_invalid.sql":    "-- non-numeric prefix",
		"002_also_valid.sql": "SELECT 2;",
	})

	migrations, err := NewMigrator(nil, dir).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 valid migrations, got %d", len(migrations))
	}
}

func TestLoadMigrations_NonExistentDir(t *testing.T) {
	_, err := NewMigrator(nil, "/nonexistent/path/that/does/not/exist").LoadMigrations()
	if err == nil {
		t.Error("expected error for non-existent directory")
	}
}

func TestLoadMigrations_RepositoryMigrations(t *testing.T) {
	migrations, err := NewMigrator(nil, "../../../migrations").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) == 0 || migrations[0].Version != 1 {
		t.Fatalf("expected shipped migrations starting at version 1, got %+v", migrations)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"001_providers.sql": "SELECT 1;",
		"001_jobs.sql":      "SELECT 2;",
	})

	if _, err := NewMigrator(nil, dir).LoadMigrations(); err == nil {
		t.Fatal("expected an error for two files sharing version 1")
	}
}

func TestLoadMigrations_Checksum(t *testing.T) {
	dir := writeMigrations(t, map[string]string{"001_a.sql": "SELECT 1;"})
	first, err := NewMigrator(nil, dir).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(first[0].Checksum) != 64 {
		t.Fatalf("expected a hex sha256 checksum, got %q", first[0].Checksum)
	}

	if err := os.WriteFile(filepath.Join(dir, "001_a.sql"), []byte("SELECT 2;"), 0644); err != nil {
		t.Fatal(err)
	}
	second, _ := NewMigrator(nil, dir).LoadMigrations()
	if first[0].Checksum == second[0].Checksum {
		t.Error("expected the checksum to change with the file content")
	}
}

func TestStatusOf(t *testing.T) {
	migs := []Migration{
		{Version: 1, Name: "001_a.sql", Checksum: "aaa"},
		{Version: 2, Name: "002_b.sql", Checksum: "bbb"},
		{Version: 3, Name: "003_c.sql", Checksum: "ccc"},
	}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	applied := map[int]appliedMigration{
		1: {at: at, checksum: "aaa"},
		2: {at: at, checksum: "old"},
	}

	got := statusOf(migs, applied)
	if len(got) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(got))
	}
	if !got[0].Applied || got[0].Drifted || !got[0].AppliedAt.Equal(at) {
		t.Errorf("unexpected status for 001: %+v", got[0])
	}
	if !got[1].Drifted {
		t.Error("expected 002 to be reported as drifted")
	}
	if got[2].Applied || got[2].AppliedAt != nil {
		t.Errorf("expected 003 pending, got %+v", got[2])
	}
}
