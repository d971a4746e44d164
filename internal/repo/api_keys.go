package repo

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"crewline/internal/domain"
)

const apiKeyPrefix = "crw_"

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey generates a key for subject, stores its hash and returns the
// plaintext. The plaintext is not recoverable afterwards.
func (r Repo) CreateAPIKey(ctx context.Context, subject, name string) (domain.APIKey, string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return domain.APIKey{}, "", errors.New("subject required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		Subject:   subject,
		Name:      strings.TrimSpace(name),
		KeyHash:   HashAPIKey(plain),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	var nameArg any
	if key.Name != "" {
		nameArg = key.Name
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(id, subject, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.Subject, nameArg, key.KeyHash, key.CreatedAt)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

// AuthenticateAPIKey resolves a plaintext key and stamps its last use.
func (r Repo) AuthenticateAPIKey(ctx context.Context, plain string) (domain.APIKey, error) {
	if strings.TrimSpace(plain) == "" {
		return domain.APIKey{}, errors.New("api key required")
	}
	key, err := r.GetAPIKeyByHash(ctx, HashAPIKey(plain))
	if err != nil {
		return domain.APIKey{}, err
	}
	key.LastUsedAt = time.Now().UTC().Format(time.RFC3339)
	if _, err := r.DB.ExecContext(ctx, `UPDATE api_keys SET last_used_at=? WHERE id=?`, key.LastUsedAt, key.ID); err != nil {
		return domain.APIKey{}, err
	}
	return key, nil
}

const apiKeyColumns = `id, subject, COALESCE(name,''), key_hash, created_at, COALESCE(last_used_at,'')`

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=? LIMIT 1`, hash)
	var key domain.APIKey
	err := row.Scan(&key.ID, &key.Subject, &key.Name, &key.KeyHash, &key.CreatedAt, &key.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	return key, nil
}

// ListAPIKeys returns API keys newest first, optionally filtered by subject.
func (r Repo) ListAPIKeys(ctx context.Context, subject string) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys`
	var args []any
	if subject != "" {
		query += ` WHERE subject=?`
		args = append(args, subject)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		var key domain.APIKey
		if err := rows.Scan(&key.ID, &key.Subject, &key.Name, &key.KeyHash, &key.CreatedAt, &key.LastUsedAt); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey revokes an API key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
