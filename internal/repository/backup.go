package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ErrBackupNotFound is returned when no backup exists for an app and
// environment.
var ErrBackupNotFound = errors.New("backup not found")

// Backup is the last good definitions payload fetched from upstream.
type Backup struct {
	AppName     string          `json:"app_name"`
	Environment string          `json:"environment"`
	ETag        string          `json:"etag"`
	Payload     json.RawMessage `json:"payload"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (b Backup) validate() error {
	if strings.TrimSpace(b.AppName) == "" {
		return errors.New("backup app name is required")
	}
	if len(bytes.TrimSpace(b.Payload)) == 0 {
		return errors.New("backup payload is empty")
	}
	if !json.Valid(b.Payload) {
		return errors.New("backup payload is not valid JSON")
	}
	return nil
}

// FileRepository keeps one backup file per app and environment in a
// directory.
type FileRepository struct {
	dir string
}

// NewFileRepository returns a file-backed store rooted at dir. The directory
// is created on first save.
func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{dir: dir}
}

// SaveBackup writes the backup atomically by renaming a temporary file over
// the previous one.
func (r *FileRepository) SaveBackup(_ context.Context, backup Backup) error {
	if err := backup.validate(); err != nil {
		return err
	}
	if backup.UpdatedAt.IsZero() {
		backup.UpdatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(backup)
	if err != nil {
		return fmt.Errorf("marshal backup: %w", err)
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	tmp, err := os.CreateTemp(r.dir, ".backup-*")
	if err != nil {
		return fmt.Errorf("create temp backup: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp backup: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path(backup.AppName, backup.Environment)); err != nil {
		return fmt.Errorf("replace backup: %w", err)
	}
	return nil
}

// LoadBackup reads the backup for appName and environment.
func (r *FileRepository) LoadBackup(_ context.Context, appName, environment string) (Backup, error) {
	data, err := os.ReadFile(r.path(appName, environment))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Backup{}, ErrBackupNotFound
		}
		return Backup{}, fmt.Errorf("read backup: %w", err)
	}

	var backup Backup
	if err := json.Unmarshal(data, &backup); err != nil {
		return Backup{}, fmt.Errorf("decode backup: %w", err)
	}
	if err := backup.validate(); err != nil {
		return Backup{}, fmt.Errorf("decode backup: %w", err)
	}
	return backup, nil
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func (r *FileRepository) path(appName, environment string) string {
	name := fmt.Sprintf("togglez-backup-%s-%s.json", sanitizeFileName(appName), sanitizeFileName(environment))
	return filepath.Join(r.dir, name)
}

func sanitizeFileName(s string) string {
	s = unsafeFileChars.ReplaceAllString(strings.TrimSpace(s), "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
