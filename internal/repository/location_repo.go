package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wenwu/saas-platform/key-service/internal/errs"
	"github.com/wenwu/saas-platform/key-service/internal/models"
)

type LocationRepo struct {
	pool PgxPool
}

func NewLocationRepo(pool PgxPool) *LocationRepo {
	return &LocationRepo{pool: pool}
}

// GetByID retrieves a location by ID.
func (r *LocationRepo) GetByID(ctx context.Context, id string) (*models.Location, error) {
	query := `
		SELECT id, name, enabled, segment, created_at, updated_at
		FROM locations
		WHERE id = $1
	`

	loc := &models.Location{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&loc.ID, &loc.Name, &loc.Enabled, &loc.Segment, &loc.CreatedAt, &loc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("scan location: %w", err)
	}
	return loc, nil
}

// List retrieves all locations.
func (r *LocationRepo) List(ctx context.Context) ([]*models.Location, error) {
	query := `
		SELECT id, name, enabled, segment, created_at, updated_at
		FROM locations
		ORDER BY name
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query locations: %w", err)
	}
	defer rows.Close()

	var locations []*models.Location
	for rows.Next() {
		loc := &models.Location{}
		err := rows.Scan(&loc.ID, &loc.Name, &loc.Enabled, &loc.Segment, &loc.CreatedAt, &loc.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan location row: %w", err)
		}
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}
