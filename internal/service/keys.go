package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wenwu/saas-platform/key-service/internal/errs"
	"github.com/wenwu/saas-platform/key-service/internal/models"
	"github.com/wenwu/saas-platform/key-service/internal/repository"
)

// KeyService is the registry over key rows: validation plus the expiry
// arithmetic shared by the orchestrator and the settlement path.
type KeyService struct {
	keys   repository.KeyRepository
	logger *zap.Logger
}

func NewKeyService(keys repository.KeyRepository, logger *zap.Logger) *KeyService {
	return &KeyService{
		keys:   keys,
		logger: logger.Named("keys"),
	}
}

func validKind(kind string) bool {
	switch kind {
	case models.KindTrial, models.KindFree, models.KindPaid:
		return true
	}
	return false
}

// Create persists a new key row.
func (s *KeyService) Create(ctx context.Context, key *models.Key) error {
	if key.OwnerID == "" {
		return fmt.Errorf("%w: empty owner id", errs.ErrValidation)
	}
	if !validKind(key.Kind) {
		return fmt.Errorf("%w: unknown key kind %q", errs.ErrValidation, key.Kind)
	}
	if key.SwitchAllowance < 0 {
		return fmt.Errorf("%w: negative switch allowance", errs.ErrValidation)
	}
	return s.keys.Create(ctx, key)
}

// ByID retrieves a key row.
func (s *KeyService) ByID(ctx context.Context, id string) (*models.Key, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty key id", errs.ErrValidation)
	}
	return s.keys.GetByID(ctx, id)
}

// ForOwner retrieves all of an owner's keys.
func (s *KeyService) ForOwner(ctx context.Context, ownerID string) ([]*models.Key, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: empty owner id", errs.ErrValidation)
	}
	return s.keys.GetByOwner(ctx, ownerID)
}

// Extend advances the key's expiry and clears both notification flags.
// A lapsed key is renewed from now rather than its past expiry, so the
// owner gets the full paid period.
func (s *KeyService) Extend(ctx context.Context, key *models.Key, additional time.Duration, paymentRef *string) error {
	if additional <= 0 {
		return fmt.Errorf("%w: extension must be positive", errs.ErrValidation)
	}

	base := key.ExpiresAt
	if now := time.Now(); base.Before(now) {
		base = now
	}
	newExpiry := base.Add(additional)

	if err := s.keys.Extend(ctx, key.ID, newExpiry, paymentRef); err != nil {
		return err
	}

	key.ExpiresAt = newExpiry
	key.Warned = false
	key.ExpiredNotified = false
	if paymentRef != nil {
		key.PaymentRef = paymentRef
	}
	return nil
}

// SetServer points the key at a server, or clears the reference.
func (s *KeyService) SetServer(ctx context.Context, key *models.Key, serverID *string) error {
	if err := s.keys.SetServer(ctx, key.ID, serverID); err != nil {
		return err
	}
	key.ServerID = serverID
	return nil
}

// ConsumeSwitch spends one free server switch, reporting whether any were
// left. The allowance can never go negative.
func (s *KeyService) ConsumeSwitch(ctx context.Context, key *models.Key) (bool, error) {
	ok, err := s.keys.DecrementSwitchAllowance(ctx, key.ID)
	if err != nil {
		return false, err
	}
	if ok {
		key.SwitchAllowance--
	}
	return ok, nil
}

// RestoreSwitch gives a switch back after an allocation that failed before
// any remote call.
func (s *KeyService) RestoreSwitch(ctx context.Context, key *models.Key) error {
	if err := s.keys.IncrementSwitchAllowance(ctx, key.ID); err != nil {
		return err
	}
	key.SwitchAllowance++
	return nil
}

// SetDisabled flips the administrative disabled state.
func (s *KeyService) SetDisabled(ctx context.Context, key *models.Key, disabled bool) error {
	if err := s.keys.SetDisabled(ctx, key.ID, disabled); err != nil {
		return err
	}
	key.Disabled = disabled
	return nil
}

// Delete soft-deletes the key row.
func (s *KeyService) Delete(ctx context.Context, key *models.Key) error {
	return s.keys.SoftDelete(ctx, key.ID)
}
