package pushconfig

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a PostgreSQL implementation of Store.
type PostgresStore struct {
	pool *pgxpool.Pool
	seed Seed
}

// NewPostgresStore creates a new PostgreSQL config store.
func NewPostgresStore(pool *pgxpool.Pool, seed Seed) *PostgresStore {
	return &PostgresStore{pool: pool, seed: seed}
}

const configColumns = `id, push_api_key, legacy_auth_token, oauth_client_id, oauth_client_secret, oauth_refresh_token`

// Get retrieves the configuration record, creating it on first access.
func (s *PostgresStore) Get(ctx context.Context) (*ConfigRecord, error) {
	record, err := s.get(ctx)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// First access: seed the record. A concurrent creator wins the insert
	// race harmlessly.
	seeded := s.seed.record()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO push_config (`+configColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, seeded.ID, seeded.PushAPIKey, seeded.LegacyAuthToken,
		seeded.OAuthClientID, seeded.OAuthClientSecret, seeded.OAuthRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}

	record, err = s.get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load seeded config: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) get(ctx context.Context) (*ConfigRecord, error) {
	var record ConfigRecord
	err := s.pool.QueryRow(ctx,
		`SELECT `+configColumns+` FROM push_config WHERE id = $1`, DefaultID,
	).Scan(
		&record.ID,
		&record.PushAPIKey,
		&record.LegacyAuthToken,
		&record.OAuthClientID,
		&record.OAuthClientSecret,
		&record.OAuthRefreshToken,
	)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Save persists the record.
func (s *PostgresStore) Save(ctx context.Context, record *ConfigRecord) error {
	if record.ID == "" {
		record.ID = DefaultID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO push_config (`+configColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			push_api_key = EXCLUDED.push_api_key,
			legacy_auth_token = EXCLUDED.legacy_auth_token,
			oauth_client_id = EXCLUDED.oauth_client_id,
			oauth_client_secret = EXCLUDED.oauth_client_secret,
			oauth_refresh_token = EXCLUDED.oauth_refresh_token
	`, record.ID, record.PushAPIKey, record.LegacyAuthToken,
		record.OAuthClientID, record.OAuthClientSecret, record.OAuthRefreshToken)
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// Ensure PostgresStore implements Store interface.
var _ Store = (*PostgresStore)(nil)
