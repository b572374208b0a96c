package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/wenwu/saas-platform/key-service/internal/models"
)

type LogRepo struct {
	pool PgxPool
}

func NewLogRepo(pool PgxPool) *LogRepo {
	return &LogRepo{pool: pool}
}

// Create creates a new key log entry
func (r *LogRepo) Create(ctx context.Context, logEntry *models.KeyLog) error {
	if logEntry.ID == "" {
		logEntry.ID = uuid.New().String()
	}

	query := `
		INSERT INTO key_logs (id, key_id, action, status, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		logEntry.ID, logEntry.KeyID, logEntry.Action, logEntry.Status, logEntry.Message, logEntry.Metadata,
	)
	if err != nil {
		return fmt.Errorf("insert key log: %w", err)
	}

	return nil
}

// GetByKeyID retrieves logs for a key
func (r *LogRepo) GetByKeyID(ctx context.Context, keyID string, limit int) ([]*models.KeyLog, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, key_id, action, status, message, metadata, created_at
		FROM key_logs
		WHERE key_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, keyID, limit)
	if err != nil {
		return nil, fmt.Errorf("query key logs: %w", err)
	}
	defer rows.Close()

	var logEntries []*models.KeyLog
	for rows.Next() {
		logEntry := &models.KeyLog{}
		err := rows.Scan(
			&logEntry.ID, &logEntry.KeyID, &logEntry.Action, &logEntry.Status,
			&logEntry.Message, &logEntry.Metadata, &logEntry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan key log: %w", err)
		}
		logEntries = append(logEntries, logEntry)
	}

	return logEntries, rows.Err()
}

// LogAction is a helper to log an action
func (r *LogRepo) LogAction(ctx context.Context, keyID, action, status, message string) error {
	logEntry := &models.KeyLog{
		KeyID:   keyID,
		Action:  action,
		Status:  status,
		Message: message,
	}
	return r.Create(ctx, logEntry)
}

// LogActionWithMetadata is a helper to log an action with metadata
func (r *LogRepo) LogActionWithMetadata(ctx context.Context, keyID, action, status, message string, metadata map[string]interface{}) error {
	logEntry := &models.KeyLog{
		KeyID:    keyID,
		Action:   action,
		Status:   status,
		Message:  message,
		Metadata: metadata,
	}
	return r.Create(ctx, logEntry)
}
