package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"recordflow/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, q Querier, key domain.APIKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.ActorID == "" {
		return errors.New("actor_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = FormatTime(time.Now())
	}
	b := r.sb().Insert("api_keys").Columns("id", "actor_id", "name", "key_hash", "created_at").
		Values(key.ID, key.ActorID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	_, err := execSQL(ctx, r.conn(q), b)
	return err
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	b := r.sb().Select("id", "actor_id", "name", "key_hash", "created_at").From("api_keys").
		Where(sq.Eq{"key_hash": hash}).Limit(1)
	var key domain.APIKey
	var name sql.NullString
	err := queryRowSQL(ctx, r.DB, b).Scan(&key.ID, &key.ActorID, &name, &key.KeyHash, &key.CreatedAt)
	if noRows(err) {
		return domain.APIKey{}, ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	key.Name = name.String
	return key, nil
}

// ListAPIKeys returns API keys, optionally filtered by actor ID.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	b := r.sb().Select("id", "actor_id", "name", "key_hash", "created_at").From("api_keys")
	if actorID != "" {
		b = b.Where(sq.Eq{"actor_id": actorID})
	}
	b = b.OrderBy("created_at DESC")
	rows, err := querySQL(ctx, r.DB, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		var key domain.APIKey
		var name sql.NullString
		if err := rows.Scan(&key.ID, &key.ActorID, &name, &key.KeyHash, &key.CreatedAt); err != nil {
			return nil, err
		}
		key.Name = name.String
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey revokes an API key. ErrNotFound when no key has that ID.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := execSQL(ctx, r.DB, r.sb().Delete("api_keys").Where(sq.Eq{"id": id}))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
