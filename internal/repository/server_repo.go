package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wenwu/saas-platform/key-service/internal/errs"
	"github.com/wenwu/saas-platform/key-service/internal/models"
)

type ServerRepo struct {
	pool PgxPool
}

func NewServerRepo(pool PgxPool) *ServerRepo {
	return &ServerRepo{pool: pool}
}

const serverColumns = `s.id, s.name, s.provider_type, s.panel_url, s.username, s.password,
		   s.api_key, s.inbound_id, s.free_tier, s.enabled, s.load, s.vds_id,
		   s.created_at, s.updated_at`

// GetByID retrieves a server row by ID.
func (r *ServerRepo) GetByID(ctx context.Context, id string) (*models.Server, error) {
	query := `
		SELECT ` + serverColumns + `
		FROM servers s
		WHERE s.id = $1
	`

	srv := &models.Server{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&srv.ID, &srv.Name, &srv.ProviderType, &srv.PanelURL, &srv.Username, &srv.Password,
		&srv.APIKey, &srv.InboundID, &srv.FreeTier, &srv.Enabled, &srv.Load, &srv.VDSID,
		&srv.CreatedAt, &srv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("scan server: %w", err)
	}
	return srv, nil
}

// Eligible retrieves servers a new key may land on: server, host and
// location all enabled, tier matching the request, ordered by load
// ascending so the planner can take the first fitting row.
func (r *ServerRepo) Eligible(ctx context.Context, locationID string, freeTier bool) ([]*models.EligibleServer, error) {
	query := `
		SELECT ` + serverColumns + `, v.capacity, l.name
		FROM servers s
		JOIN vds v ON v.id = s.vds_id
		JOIN locations l ON l.id = v.location_id
		WHERE l.id = $1
		  AND s.enabled = TRUE AND v.enabled = TRUE AND l.enabled = TRUE
		  AND s.free_tier = $2
		ORDER BY s.load ASC
	`

	rows, err := r.pool.Query(ctx, query, locationID, freeTier)
	if err != nil {
		return nil, fmt.Errorf("query eligible servers: %w", err)
	}
	defer rows.Close()

	return r.scanEligible(rows)
}

// List retrieves all servers with host capacity and location name, for the
// admin surface.
func (r *ServerRepo) List(ctx context.Context) ([]*models.EligibleServer, error) {
	query := `
		SELECT ` + serverColumns + `, v.capacity, l.name
		FROM servers s
		JOIN vds v ON v.id = s.vds_id
		JOIN locations l ON l.id = v.location_id
		ORDER BY l.name, s.name
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query servers: %w", err)
	}
	defer rows.Close()

	return r.scanEligible(rows)
}

// UpdateLoad writes the reconciled client count. Load is only ever set from
// the panel's authoritative list, never incremented locally.
func (r *ServerRepo) UpdateLoad(ctx context.Context, serverID string, load int) error {
	query := `UPDATE servers SET load = $1, updated_at = now() WHERE id = $2`
	tag, err := r.pool.Exec(ctx, query, load, serverID)
	if err != nil {
		return fmt.Errorf("update load: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// SetEnabled flips the server's enabled flag.
func (r *ServerRepo) SetEnabled(ctx context.Context, serverID string, enabled bool) error {
	query := `UPDATE servers SET enabled = $1, updated_at = now() WHERE id = $2`
	tag, err := r.pool.Exec(ctx, query, enabled, serverID)
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (r *ServerRepo) scanEligible(rows pgx.Rows) ([]*models.EligibleServer, error) {
	var servers []*models.EligibleServer
	for rows.Next() {
		srv := &models.EligibleServer{}
		err := rows.Scan(
			&srv.ID, &srv.Name, &srv.ProviderType, &srv.PanelURL, &srv.Username, &srv.Password,
			&srv.APIKey, &srv.InboundID, &srv.FreeTier, &srv.Enabled, &srv.Load, &srv.VDSID,
			&srv.CreatedAt, &srv.UpdatedAt, &srv.HostCapacity, &srv.LocationName,
		)
		if err != nil {
			return nil, fmt.Errorf("scan server row: %w", err)
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}
