package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresRepository is a PostgreSQL implementation of Repository.
//
// Per-key serialization uses a transaction with SELECT ... FOR UPDATE on the
// device row, so a registration and a token rotation for the same device
// cannot interleave.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresRepository creates a new PostgreSQL device repository.
func NewPostgresRepository(pool *pgxpool.Pool, logger zerolog.Logger) *PostgresRepository {
	return &PostgresRepository{pool: pool, logger: logger}
}

const recordColumns = `account_id, device_key, push_token, class, display_name, registered_at, debug`

// Get retrieves a record by account and device key.
func (r *PostgresRepository) Get(ctx context.Context, accountID, deviceKey string) (*DeviceRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM device_records
		WHERE account_id = $1 AND device_key = $2
	`

	return r.scanRecord(r.pool.QueryRow(ctx, query, accountID, deviceKey))
}

// GetByToken retrieves a record for the account by its current push token.
func (r *PostgresRepository) GetByToken(ctx context.Context, accountID, pushToken string) (*DeviceRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM device_records
		WHERE account_id = $1 AND push_token = $2
		ORDER BY device_key
		LIMIT 1
	`

	return r.scanRecord(r.pool.QueryRow(ctx, query, accountID, pushToken))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresRepository) scanRecord(row rowScanner) (*DeviceRecord, error) {
	var record DeviceRecord

	err := row.Scan(
		&record.AccountID,
		&record.DeviceKey,
		&record.PushToken,
		&record.Class,
		&record.DisplayName,
		&record.RegisteredAt,
		&record.Debug,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	return &record, nil
}

// Upsert creates or updates the record for its device key, evicting the
// account's oldest record first when the cap would be exceeded.
func (r *PostgresRepository) Upsert(ctx context.Context, record *DeviceRecord) (bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the device row if it exists; the same lock serializes Rekey.
	var existingKey string
	err = tx.QueryRow(ctx,
		`SELECT device_key FROM device_records WHERE device_key = $1 FOR UPDATE`,
		record.DeviceKey,
	).Scan(&existingKey)

	created := false
	switch {
	case err == nil:
		_, err = tx.Exec(ctx, `
			UPDATE device_records SET
				push_token = $2,
				class = $3,
				display_name = $4,
				registered_at = $5,
				debug = $6
			WHERE device_key = $1
		`, record.DeviceKey, record.PushToken, record.Class, record.DisplayName, record.RegisteredAt, record.Debug)
		if err != nil {
			return false, fmt.Errorf("update record: %w", err)
		}

	case errors.Is(err, pgx.ErrNoRows):
		if evictErr := r.evictOldest(ctx, tx, record.AccountID); evictErr != nil {
			// Eviction is best-effort cleanup and never fails a registration.
			r.logger.Warn().Err(evictErr).
				Str("account", record.AccountID).
				Msg("cap eviction failed")
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO device_records (`+recordColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, record.AccountID, record.DeviceKey, record.PushToken, record.Class,
			record.DisplayName, record.RegisteredAt, record.Debug)
		if err != nil {
			return false, fmt.Errorf("insert record: %w", err)
		}
		created = true

	default:
		return false, fmt.Errorf("lock record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit upsert: %w", err)
	}
	return created, nil
}

// evictOldest deletes the account's oldest record when the account is at the
// cap. Ties on registered_at break by insertion order (seq).
func (r *PostgresRepository) evictOldest(ctx context.Context, tx pgx.Tx, accountID string) error {
	var count int
	err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM device_records WHERE account_id = $1`, accountID,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("count records: %w", err)
	}
	if count < MaxDevices {
		return nil
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM device_records
		WHERE device_key = (
			SELECT device_key FROM device_records
			WHERE account_id = $1
			ORDER BY registered_at ASC, seq ASC
			LIMIT 1
		)
	`, accountID)
	if err != nil {
		return fmt.Errorf("evict oldest: %w", err)
	}

	if tag.RowsAffected() > 0 {
		r.logger.Info().
			Str("account", accountID).
			Int("count", count).
			Msg("evicted oldest device at registration cap")
	}
	return nil
}

// Rekey replaces a rotated push token, preserving DeviceKey and RegisteredAt.
func (r *PostgresRepository) Rekey(ctx context.Context, oldToken, newToken string) (bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin rekey: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var deviceKey string
	err = tx.QueryRow(ctx,
		`SELECT device_key FROM device_records WHERE push_token = $1 ORDER BY device_key LIMIT 1 FOR UPDATE`,
		oldToken,
	).Scan(&deviceKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The client re-registers independently and self-heals.
			return false, nil
		}
		return false, fmt.Errorf("locate record by token: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE device_records SET push_token = $2 WHERE device_key = $1`,
		deviceKey, newToken,
	)
	if err != nil {
		return false, fmt.Errorf("rekey record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit rekey: %w", err)
	}
	return true, nil
}

// Remove deletes every record for the account with the given push token.
func (r *PostgresRepository) Remove(ctx context.Context, accountID, pushToken string) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM device_records WHERE account_id = $1 AND push_token = $2`,
		accountID, pushToken,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Delete removes a single record by account and device key.
func (r *PostgresRepository) Delete(ctx context.Context, accountID, deviceKey string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM device_records WHERE account_id = $1 AND device_key = $2`,
		accountID, deviceKey,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// ListForAccount retrieves the account's records ordered by device key.
func (r *PostgresRepository) ListForAccount(ctx context.Context, accountID string) ([]*DeviceRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM device_records
		WHERE account_id = $1
		ORDER BY device_key
	`

	rows, err := r.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*DeviceRecord
	for rows.Next() {
		record, err := r.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// Ensure PostgresRepository implements Repository interface.
var _ Repository = (*PostgresRepository)(nil)
