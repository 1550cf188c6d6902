// Package repository persists the last good flag definitions so an edge
// instance can start while upstream is unreachable, and stores the API keys
// accepted by the evaluation API. PostgreSQL LISTEN/NOTIFY lets replicas that
// share a database pick up definitions saved by a peer.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const defaultNotifyChannel = "togglez_backups"

// APIKeyMeta contains non-sensitive metadata for an API key.
type APIKeyMeta struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// BackupNotice is delivered to subscribers when any replica saves a backup.
type BackupNotice struct {
	AppName     string `json:"app_name"`
	Environment string `json:"environment"`
	ETag        string `json:"etag"`
}

// PostgresRepository stores backups and API keys in PostgreSQL.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] that
// publishes backup notices on the given LISTEN/NOTIFY channel.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

// SaveBackup upserts the backup for its app and environment and notifies
// listeners within the same transaction.
func (r *PostgresRepository) SaveBackup(ctx context.Context, backup Backup) error {
	if err := backup.validate(); err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save backup tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO feature_backups (app_name, environment, etag, payload, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (app_name, environment) DO UPDATE
		SET etag = EXCLUDED.etag,
		    payload = EXCLUDED.payload,
		    updated_at = NOW()
	`,
		backup.AppName,
		backup.Environment,
		backup.ETag,
		backup.Payload,
	); err != nil {
		return fmt.Errorf("save backup: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(BackupNotice{
		AppName:     backup.AppName,
		Environment: backup.Environment,
		ETag:        backup.ETag,
	})
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return fmt.Errorf("notify backup: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save backup tx: %w", err)
	}
	return nil
}

// LoadBackup returns the stored backup or [ErrBackupNotFound].
func (r *PostgresRepository) LoadBackup(ctx context.Context, appName, environment string) (Backup, error) {
	var backup Backup
	err := r.pool.QueryRow(ctx, `
		SELECT app_name, environment, etag, payload, updated_at
		FROM feature_backups
		WHERE app_name = $1 AND environment = $2
	`, appName, environment).Scan(
		&backup.AppName,
		&backup.Environment,
		&backup.ETag,
		&backup.Payload,
		&backup.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Backup{}, ErrBackupNotFound
		}
		return Backup{}, fmt.Errorf("load backup: %w", err)
	}
	return backup, nil
}

// ValidateAPIKey returns the stored hash for a non-revoked key ID. Callers
// compare the secret outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, error) {
	var keyHash string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash
		FROM edge_api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash); err != nil {
		return "", fmt.Errorf("validate api key: %w", err)
	}
	return keyHash, nil
}

// CreateAPIKey generates a new key, storing a bcrypt hash of the secret. The
// token "id.secret" is returned exactly once.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, name string) (string, error) {
	keyID, err := generateRandomHex(8)
	if err != nil {
		return "", fmt.Errorf("generate key id: %w", err)
	}
	secret, err := generateRandomHex(32)
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}

	if _, err := r.pool.Exec(ctx, `
		INSERT INTO edge_api_keys (id, name, key_hash)
		VALUES ($1, $2, $3)
	`, keyID, strings.TrimSpace(name), string(hash)); err != nil {
		return "", fmt.Errorf("insert api key: %w", err)
	}

	return keyID + "." + secret, nil
}

// ListAPIKeys returns key metadata ordered by creation time.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, created_at, revoked_at
		FROM edge_api_keys
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKeyMeta, 0)
	for rows.Next() {
		var key APIKeyMeta
		if err := rows.Scan(&key.ID, &key.Name, &key.CreatedAt, &key.RevokedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}
	return keys, nil
}

// RevokeAPIKey marks a key as revoked. Returns pgx.ErrNoRows (wrapped) when
// no active key has that ID.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE edge_api_keys
		SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return requireRowsAffected(commandTag, "revoke api key")
}

// SubscribeBackupUpdates returns a channel that receives a notice whenever a
// backup is saved by any replica. The channel is closed when ctx is done.
func (r *PostgresRepository) SubscribeBackupUpdates(ctx context.Context) (<-chan BackupNotice, error) {
	notices := make(chan BackupNotice, 1)
	go r.runBackupListener(ctx, notices)
	return notices, nil
}

func (r *PostgresRepository) runBackupListener(ctx context.Context, notices chan<- BackupNotice) {
	defer close(notices)

	for {
		err := r.listenForBackups(ctx, notices)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForBackups(ctx context.Context, notices chan<- BackupNotice) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for backup notification: %w", err)
		}

		notice, err := parseNotifyPayload(notification.Payload)
		if err != nil {
			continue
		}

		select {
		case notices <- notice:
		default:
			// Drop when the subscriber is behind; it reloads the latest row.
		}
	}
}

func requireRowsAffected(commandTag pgconn.CommandTag, op string) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, pgx.ErrNoRows)
	}
	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}
	return defaultNotifyChannel
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func marshalNotifyPayload(notice BackupNotice) (string, error) {
	serialized, err := json.Marshal(notice)
	if err != nil {
		return "", err
	}
	return string(serialized), nil
}

func parseNotifyPayload(payload string) (BackupNotice, error) {
	var notice BackupNotice
	if err := json.Unmarshal([]byte(payload), &notice); err != nil {
		return BackupNotice{}, fmt.Errorf("decode backup notice: %w", err)
	}
	return notice, nil
}
