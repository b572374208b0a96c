// Package repository contains PostgreSQL-backed storage for keys, servers,
// hosts and locations. Services depend on the interfaces so tests can swap
// in fakes.
package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wenwu/saas-platform/key-service/internal/models"
)

// PgxPool is the subset of *pgxpool.Pool the repositories use. It is also
// implemented by pgxmock.PgxPoolIface.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// KeyRepository is CRUD plus the narrow single-row state transitions the
// orchestrator and the sweep perform.
type KeyRepository interface {
	Create(ctx context.Context, key *models.Key) error
	GetByID(ctx context.Context, id string) (*models.Key, error)
	GetByOwner(ctx context.Context, ownerID string) ([]*models.Key, error)
	ListProvisioned(ctx context.Context) ([]*models.Key, error)
	SetServer(ctx context.Context, keyID string, serverID *string) error
	Extend(ctx context.Context, keyID string, expiresAt time.Time, paymentRef *string) error
	MarkWarned(ctx context.Context, keyID string) (bool, error)
	MarkExpiredNotified(ctx context.Context, keyID string) (bool, error)
	DecrementSwitchAllowance(ctx context.Context, keyID string) (bool, error)
	IncrementSwitchAllowance(ctx context.Context, keyID string) error
	SetDisabled(ctx context.Context, keyID string, disabled bool) error
	SoftDelete(ctx context.Context, keyID string) error
}

// ServerRepository reads and reconciles server rows.
type ServerRepository interface {
	GetByID(ctx context.Context, id string) (*models.Server, error)
	Eligible(ctx context.Context, locationID string, freeTier bool) ([]*models.EligibleServer, error)
	List(ctx context.Context) ([]*models.EligibleServer, error)
	UpdateLoad(ctx context.Context, serverID string, load int) error
	SetEnabled(ctx context.Context, serverID string, enabled bool) error
}

// LocationRepository reads allocation locations.
type LocationRepository interface {
	GetByID(ctx context.Context, id string) (*models.Location, error)
	List(ctx context.Context) ([]*models.Location, error)
}

// LogRepository records key operation logs.
type LogRepository interface {
	LogAction(ctx context.Context, keyID, action, status, message string) error
	LogActionWithMetadata(ctx context.Context, keyID, action, status, message string, metadata map[string]interface{}) error
	GetByKeyID(ctx context.Context, keyID string, limit int) ([]*models.KeyLog, error)
}
