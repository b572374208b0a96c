package repository

import (
	"context"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/wenwu/saas-platform/key-service/internal/errs"
)

func newServerRepo(t *testing.T) (*ServerRepo, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewServerRepo(mock), mock
}

func eligibleRows() *pgxmock.Rows {
	now := time.Now()
	rows := pgxmock.NewRows([]string{
		"id", "name", "provider_type", "panel_url", "username", "password",
		"api_key", "inbound_id", "free_tier", "enabled", "load", "vds_id",
		"created_at", "updated_at", "capacity", "name",
	})
	rows.AddRow("s1", "ams-1", "xui", "https://p1", "admin", "pw", "", 3, false, true, 2, "v1", now, now, 10, "amsterdam")
	rows.AddRow("s2", "ams-2", "outline", "https://p2", "", "", "key", 0, false, true, 7, "v1", now, now, 10, "amsterdam")
	return rows
}

func TestServerRepoEligible(t *testing.T) {
	repo, mock := newServerRepo(t)

	mock.ExpectQuery(`FROM servers s\s+JOIN vds v ON v.id = s.vds_id\s+JOIN locations l ON l.id = v.location_id`).
		WithArgs("loc-1", false).
		WillReturnRows(eligibleRows())

	servers, err := repo.Eligible(context.Background(), "loc-1", false)
	require.NoError(t, err)
	require.Len(t, servers, 2)

	require.Equal(t, "s1", servers[0].ID)
	require.Equal(t, 10, servers[0].HostCapacity)
	require.Equal(t, "amsterdam", servers[0].LocationName)
	require.True(t, servers[0].HasRoom())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServerRepoUpdateLoad(t *testing.T) {
	repo, mock := newServerRepo(t)

	mock.ExpectExec(`UPDATE servers SET load = \$1`).
		WithArgs(5, "s1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.UpdateLoad(context.Background(), "s1", 5))

	mock.ExpectExec(`UPDATE servers SET load = \$1`).
		WithArgs(5, "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, repo.UpdateLoad(context.Background(), "missing", 5), errs.ErrNotFound)
}

func TestServerRepoSetEnabled(t *testing.T) {
	repo, mock := newServerRepo(t)

	mock.ExpectExec(`UPDATE servers SET enabled = \$1`).
		WithArgs(false, "s1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.SetEnabled(context.Background(), "s1", false))
}
