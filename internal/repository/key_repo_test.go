package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/wenwu/saas-platform/key-service/internal/errs"
	"github.com/wenwu/saas-platform/key-service/internal/models"
)

func newKeyRepo(t *testing.T) (*KeyRepo, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewKeyRepo(mock), mock
}

func keyRows(key *models.Key) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "owner_id", "kind", "expires_at", "server_id", "warned", "expired_notified",
		"switch_allowance", "payment_ref", "disabled", "created_at", "updated_at", "deleted_at",
	}).AddRow(
		key.ID, key.OwnerID, key.Kind, key.ExpiresAt, key.ServerID, key.Warned, key.ExpiredNotified,
		key.SwitchAllowance, key.PaymentRef, key.Disabled, key.CreatedAt, key.UpdatedAt, key.DeletedAt,
	)
}

func TestKeyRepoCreate(t *testing.T) {
	repo, mock := newKeyRepo(t)

	serverID := "s1"
	key := &models.Key{
		ID: "k1", OwnerID: "o1", Kind: models.KindPaid,
		ExpiresAt: time.Now().Add(time.Hour), ServerID: &serverID,
		SwitchAllowance: 3,
	}

	mock.ExpectExec(`INSERT INTO keys`).
		WithArgs(key.ID, key.OwnerID, key.Kind, key.ExpiresAt, key.ServerID,
			false, false, 3, (*string)(nil), false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.Create(context.Background(), key))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyRepoGetByID(t *testing.T) {
	repo, mock := newKeyRepo(t)

	serverID := "s1"
	want := &models.Key{
		ID: "k1", OwnerID: "o1", Kind: models.KindPaid,
		ExpiresAt: time.Now().Add(time.Hour), ServerID: &serverID,
	}
	mock.ExpectQuery(`SELECT (.+) FROM keys WHERE id = \$1 AND deleted_at IS NULL`).
		WithArgs("k1").
		WillReturnRows(keyRows(want))

	got, err := repo.GetByID(context.Background(), "k1")
	require.NoError(t, err)
	require.Equal(t, "k1", got.ID)
	require.Equal(t, "s1", *got.ServerID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyRepoGetByIDNotFound(t *testing.T) {
	repo, mock := newKeyRepo(t)

	mock.ExpectQuery(`SELECT (.+) FROM keys`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestKeyRepoMarkWarnedIdempotent(t *testing.T) {
	repo, mock := newKeyRepo(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE keys SET warned = TRUE, updated_at = now\(\) WHERE id = \$1 AND warned = FALSE`).
		WithArgs("k1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	changed, err := repo.MarkWarned(ctx, "k1")
	require.NoError(t, err)
	require.True(t, changed)

	// The flag is already set: the conditional update touches nothing.
	mock.ExpectExec(`UPDATE keys SET warned = TRUE`).
		WithArgs("k1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	changed, err = repo.MarkWarned(ctx, "k1")
	require.NoError(t, err)
	require.False(t, changed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyRepoMarkExpiredNotifiedIdempotent(t *testing.T) {
	repo, mock := newKeyRepo(t)

	mock.ExpectExec(`UPDATE keys SET expired_notified = TRUE`).
		WithArgs("k1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	changed, err := repo.MarkExpiredNotified(context.Background(), "k1")
	require.NoError(t, err)
	require.False(t, changed)
}

func TestKeyRepoDecrementSwitchAllowanceAtZero(t *testing.T) {
	repo, mock := newKeyRepo(t)

	// switch_allowance > 0 guard: nothing matches, no row changes.
	mock.ExpectExec(`UPDATE keys SET switch_allowance = switch_allowance - 1`).
		WithArgs("k1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := repo.DecrementSwitchAllowance(context.Background(), "k1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKeyRepoExtendClearsFlags(t *testing.T) {
	repo, mock := newKeyRepo(t)

	newExpiry := time.Now().Add(30 * 24 * time.Hour)
	ref := "pay-42"
	mock.ExpectExec(`UPDATE keys\s+SET expires_at = \$1, warned = FALSE, expired_notified = FALSE`).
		WithArgs(newExpiry, &ref, "k1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.Extend(context.Background(), "k1", newExpiry, &ref))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyRepoSetServerMissingKey(t *testing.T) {
	repo, mock := newKeyRepo(t)

	mock.ExpectExec(`UPDATE keys SET server_id = \$1`).
		WithArgs((*string)(nil), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.SetServer(context.Background(), "missing", nil)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestKeyRepoListProvisioned(t *testing.T) {
	repo, mock := newKeyRepo(t)

	serverID := "s1"
	key := &models.Key{
		ID: "k1", OwnerID: "o1", Kind: models.KindPaid,
		ExpiresAt: time.Now().Add(time.Hour), ServerID: &serverID,
	}
	mock.ExpectQuery(`SELECT (.+) FROM keys\s+WHERE server_id IS NOT NULL AND deleted_at IS NULL`).
		WillReturnRows(keyRows(key))

	keys, err := repo.ListProvisioned(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, "k1", keys[0].ID)
}

func TestKeyRepoSoftDelete(t *testing.T) {
	repo, mock := newKeyRepo(t)

	mock.ExpectExec(`UPDATE keys SET deleted_at = now\(\)`).
		WithArgs("k1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.SoftDelete(context.Background(), "k1"))

	mock.ExpectExec(`UPDATE keys SET deleted_at = now\(\)`).
		WithArgs("k1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, repo.SoftDelete(context.Background(), "k1"), errs.ErrNotFound)
}
