package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// KeyStore checks and maintains API keys for the cloud auth gate.
type KeyStore struct {
	db *sqlx.DB
}

// NewKeyStore creates a key store over the client's pool.
func NewKeyStore(c *Client) *KeyStore {
	return &KeyStore{db: c.DB()}
}

// IsLiveKey reports whether a key exists and is active, touching its
// last-used timestamp on a hit.
func (s *KeyStore) IsLiveKey(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE key = $1 AND active`, key)
	if err != nil {
		return false, fmt.Errorf("failed to check api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check api key: %w", err)
	}
	return n > 0, nil
}

// CreateKey registers a key for a user.
func (s *KeyStore) CreateKey(ctx context.Context, key, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (key, user_id) VALUES ($1, $2)`, key, userID)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// RevokeKey deactivates a key. Revoking an unknown key is not an error.
func (s *KeyStore) RevokeKey(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET active = FALSE WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	return nil
}

// UserForKey resolves the owning user of an active key.
func (s *KeyStore) UserForKey(ctx context.Context, key string) (string, bool, error) {
	var userID string
	err := s.db.GetContext(ctx, &userID,
		`SELECT COALESCE(user_id, '') FROM api_keys WHERE key = $1 AND active`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve api key: %w", err)
	}
	return userID, true, nil
}
