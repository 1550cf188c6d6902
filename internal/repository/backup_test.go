package repository

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileRepositoryRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	repo := NewFileRepository(dir)
	ctx := context.Background()

	saved := Backup{
		AppName:     "edge",
		Environment: "production",
		ETag:        `"v1"`,
		Payload:     json.RawMessage(`{"version":2,"features":[]}`),
	}
	if err := repo.SaveBackup(ctx, saved); err != nil {
		t.Fatalf("SaveBackup() error = %v", err)
	}

	loaded, err := repo.LoadBackup(ctx, "edge", "production")
	if err != nil {
		t.Fatalf("LoadBackup() error = %v", err)
	}
	if loaded.ETag != saved.ETag || string(loaded.Payload) != string(saved.Payload) {
		t.Fatalf("LoadBackup() = %+v, want %+v", loaded, saved)
	}
	if loaded.UpdatedAt.IsZero() {
		t.Fatal("LoadBackup().UpdatedAt is zero, want save time")
	}

	saved.ETag = `"v2"`
	saved.UpdatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := repo.SaveBackup(ctx, saved); err != nil {
		t.Fatalf("SaveBackup(overwrite) error = %v", err)
	}
	loaded, _ = repo.LoadBackup(ctx, "edge", "production")
	if loaded.ETag != `"v2"` || !loaded.UpdatedAt.Equal(saved.UpdatedAt) {
		t.Fatalf("LoadBackup() after overwrite = %+v", loaded)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("backup dir has %d entries, want 1 (no temp files left)", len(entries))
	}
}

func TestFileRepositoryIsolatesEnvironments(t *testing.T) {
	repo := NewFileRepository(t.TempDir())
	ctx := context.Background()

	if err := repo.SaveBackup(ctx, Backup{AppName: "edge", Environment: "dev", Payload: json.RawMessage(`{"features":[]}`)}); err != nil {
		t.Fatalf("SaveBackup() error = %v", err)
	}
	if _, err := repo.LoadBackup(ctx, "edge", "prod"); !errors.Is(err, ErrBackupNotFound) {
		t.Fatalf("LoadBackup(prod) error = %v, want ErrBackupNotFound", err)
	}
}

func TestFileRepositoryRejectsInvalidBackups(t *testing.T) {
	repo := NewFileRepository(t.TempDir())
	ctx := context.Background()

	tests := []struct {
		name   string
		backup Backup
	}{
		{name: "missing app", backup: Backup{Payload: json.RawMessage(`{}`)}},
		{name: "empty payload", backup: Backup{AppName: "edge"}},
		{name: "invalid payload", backup: Backup{AppName: "edge", Payload: json.RawMessage(`{nope`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := repo.SaveBackup(ctx, tt.backup); err == nil {
				t.Fatal("SaveBackup() error = nil, want validation error")
			}
		})
	}
}

func TestFileRepositoryCorruptFile(t *testing.T) {
	dir := t.TempDir()
	repo := NewFileRepository(dir)
	if err := os.WriteFile(repo.path("edge", "dev"), []byte("garbage"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, err := repo.LoadBackup(context.Background(), "edge", "dev")
	if err == nil || errors.Is(err, ErrBackupNotFound) {
		t.Fatalf("LoadBackup(corrupt) error = %v, want decode error", err)
	}
}

func TestFileRepositoryPathStaysInDir(t *testing.T) {
	dir := t.TempDir()
	repo := NewFileRepository(dir)

	got := repo.path("../../evil", "../..")
	if filepath.Dir(got) != dir {
		t.Fatalf("path() = %q, want a file directly inside %q", got, dir)
	}
}
