package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wenwu/saas-platform/key-service/internal/errs"
	"github.com/wenwu/saas-platform/key-service/internal/models"
)

type KeyRepo struct {
	pool PgxPool
}

func NewKeyRepo(pool PgxPool) *KeyRepo {
	return &KeyRepo{pool: pool}
}

const keyColumns = `id, owner_id, kind, expires_at, server_id, warned, expired_notified,
		   switch_allowance, payment_ref, disabled, created_at, updated_at, deleted_at`

// Create inserts a new key row.
func (r *KeyRepo) Create(ctx context.Context, key *models.Key) error {
	query := `
		INSERT INTO keys (
			id, owner_id, kind, expires_at, server_id, warned, expired_notified,
			switch_allowance, payment_ref, disabled
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.pool.Exec(ctx, query,
		key.ID, key.OwnerID, key.Kind, key.ExpiresAt, key.ServerID,
		key.Warned, key.ExpiredNotified, key.SwitchAllowance, key.PaymentRef, key.Disabled,
	)
	if err != nil {
		return fmt.Errorf("insert key: %w", err)
	}

	return nil
}

// GetByID retrieves a key by ID, excluding soft-deleted rows.
func (r *KeyRepo) GetByID(ctx context.Context, id string) (*models.Key, error) {
	query := `
		SELECT ` + keyColumns + `
		FROM keys
		WHERE id = $1 AND deleted_at IS NULL
	`

	return r.scanKey(r.pool.QueryRow(ctx, query, id))
}

// GetByOwner retrieves all keys for an owner, newest first.
func (r *KeyRepo) GetByOwner(ctx context.Context, ownerID string) ([]*models.Key, error) {
	query := `
		SELECT ` + keyColumns + `
		FROM keys
		WHERE owner_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	return r.scanKeys(rows)
}

// ListProvisioned retrieves all keys with a server reference. Keys without
// one grant no live access and are invisible to the sweep.
func (r *KeyRepo) ListProvisioned(ctx context.Context) ([]*models.Key, error) {
	query := `
		SELECT ` + keyColumns + `
		FROM keys
		WHERE server_id IS NOT NULL AND deleted_at IS NULL
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query provisioned keys: %w", err)
	}
	defer rows.Close()

	return r.scanKeys(rows)
}

// SetServer points the key at a server, or clears the reference when nil.
func (r *KeyRepo) SetServer(ctx context.Context, keyID string, serverID *string) error {
	query := `UPDATE keys SET server_id = $1, updated_at = now() WHERE id = $2 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, serverID, keyID)
	if err != nil {
		return fmt.Errorf("set server: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Extend moves the expiry forward and clears both notification flags.
func (r *KeyRepo) Extend(ctx context.Context, keyID string, expiresAt time.Time, paymentRef *string) error {
	query := `
		UPDATE keys
		SET expires_at = $1, warned = FALSE, expired_notified = FALSE,
		    payment_ref = COALESCE($2, payment_ref), updated_at = now()
		WHERE id = $3 AND deleted_at IS NULL
	`
	tag, err := r.pool.Exec(ctx, query, expiresAt, paymentRef, keyID)
	if err != nil {
		return fmt.Errorf("extend key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// MarkWarned sets the warned flag. Returns false when it was already set,
// which makes repeated sweeps a no-op.
func (r *KeyRepo) MarkWarned(ctx context.Context, keyID string) (bool, error) {
	query := `UPDATE keys SET warned = TRUE, updated_at = now() WHERE id = $1 AND warned = FALSE AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, keyID)
	if err != nil {
		return false, fmt.Errorf("mark warned: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkExpiredNotified sets the expired-notified flag, once per expiry period.
func (r *KeyRepo) MarkExpiredNotified(ctx context.Context, keyID string) (bool, error) {
	query := `UPDATE keys SET expired_notified = TRUE, updated_at = now() WHERE id = $1 AND expired_notified = FALSE AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, keyID)
	if err != nil {
		return false, fmt.Errorf("mark expired notified: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DecrementSwitchAllowance consumes one free server switch. Returns false
// and changes nothing when the allowance is already zero.
func (r *KeyRepo) DecrementSwitchAllowance(ctx context.Context, keyID string) (bool, error) {
	query := `
		UPDATE keys SET switch_allowance = switch_allowance - 1, updated_at = now()
		WHERE id = $1 AND switch_allowance > 0 AND deleted_at IS NULL
	`
	tag, err := r.pool.Exec(ctx, query, keyID)
	if err != nil {
		return false, fmt.Errorf("decrement switch allowance: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// IncrementSwitchAllowance gives a switch back, used when allocation fails
// before any remote call was made.
func (r *KeyRepo) IncrementSwitchAllowance(ctx context.Context, keyID string) error {
	query := `UPDATE keys SET switch_allowance = switch_allowance + 1, updated_at = now() WHERE id = $1 AND deleted_at IS NULL`
	if _, err := r.pool.Exec(ctx, query, keyID); err != nil {
		return fmt.Errorf("increment switch allowance: %w", err)
	}
	return nil
}

// SetDisabled flips the administrative disabled state.
func (r *KeyRepo) SetDisabled(ctx context.Context, keyID string, disabled bool) error {
	query := `UPDATE keys SET disabled = $1, updated_at = now() WHERE id = $2 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, disabled, keyID)
	if err != nil {
		return fmt.Errorf("set disabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// SoftDelete marks the key deleted without removing the row.
func (r *KeyRepo) SoftDelete(ctx context.Context, keyID string) error {
	query := `UPDATE keys SET deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, keyID)
	if err != nil {
		return fmt.Errorf("soft delete key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (r *KeyRepo) scanKey(row pgx.Row) (*models.Key, error) {
	key := &models.Key{}
	err := row.Scan(
		&key.ID, &key.OwnerID, &key.Kind, &key.ExpiresAt, &key.ServerID,
		&key.Warned, &key.ExpiredNotified, &key.SwitchAllowance, &key.PaymentRef,
		&key.Disabled, &key.CreatedAt, &key.UpdatedAt, &key.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("scan key: %w", err)
	}
	return key, nil
}

func (r *KeyRepo) scanKeys(rows pgx.Rows) ([]*models.Key, error) {
	var keys []*models.Key
	for rows.Next() {
		key := &models.Key{}
		err := rows.Scan(
			&key.ID, &key.OwnerID, &key.Kind, &key.ExpiresAt, &key.ServerID,
			&key.Warned, &key.ExpiredNotified, &key.SwitchAllowance, &key.PaymentRef,
			&key.Disabled, &key.CreatedAt, &key.UpdatedAt, &key.DeletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan key row: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
