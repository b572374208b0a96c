package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wenwu/saas-platform/key-service/internal/capacity"
	"github.com/wenwu/saas-platform/key-service/internal/config"
	"github.com/wenwu/saas-platform/key-service/internal/errs"
	"github.com/wenwu/saas-platform/key-service/internal/models"
	"github.com/wenwu/saas-platform/key-service/internal/notify"
	"github.com/wenwu/saas-platform/key-service/internal/panel"
	"github.com/wenwu/saas-platform/key-service/internal/repository"
)

// SubscriptionService is the orchestrator the surrounding application
// calls: create, extend, switch, delete and the read accessors. It ties
// the planner, the key registry and the panel gateway together and keeps
// server load reconciled from the panels' client lists.
type SubscriptionService struct {
	cfg       *config.Config
	keys      *KeyService
	servers   repository.ServerRepository
	locations repository.LocationRepository
	logs      repository.LogRepository
	planner   *capacity.Planner
	registry  *capacity.Registry
	panels    panel.Factory
	notifier  notify.Notifier
	logger    *zap.Logger

	// Serializes pick-and-provision so two concurrent allocations cannot
	// both land on the last slot of a server (single-instance deployment).
	allocMu sync.Mutex
}

func NewSubscriptionService(
	cfg *config.Config,
	keys *KeyService,
	servers repository.ServerRepository,
	locations repository.LocationRepository,
	logs repository.LogRepository,
	planner *capacity.Planner,
	registry *capacity.Registry,
	panels panel.Factory,
	notifier notify.Notifier,
	logger *zap.Logger,
) *SubscriptionService {
	return &SubscriptionService{
		cfg:       cfg,
		keys:      keys,
		servers:   servers,
		locations: locations,
		logs:      logs,
		planner:   planner,
		registry:  registry,
		panels:    panels,
		notifier:  notifier,
		logger:    logger.Named("subscription"),
	}
}

// CreateKey allocates a server and provisions a new key for a confirmed
// purchase, trial or free grant. On panel failure the key row survives
// with its server reference cleared, so the purchase can be re-provisioned
// via RetryProvision instead of being lost.
func (s *SubscriptionService) CreateKey(ctx context.Context, req *models.CreateKeyRequest) (*models.Key, error) {
	if !validKind(req.Kind) {
		return nil, fmt.Errorf("%w: unknown key kind %q", errs.ErrValidation, req.Kind)
	}

	loc, err := s.requireLocation(ctx, req.LocationID)
	if err != nil {
		return nil, err
	}

	duration, err := s.keyDuration(req)
	if err != nil {
		return nil, err
	}

	allowance := 0
	if req.Kind == models.KindPaid {
		allowance = s.cfg.Plans.PaidSwitchAllowance
	}

	var paymentRef *string
	if req.PaymentRef != "" {
		paymentRef = &req.PaymentRef
	}

	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	srv, err := s.planner.PickServer(ctx, loc.ID, req.Kind)
	if err != nil {
		return nil, err
	}

	key := &models.Key{
		ID:              uuid.New().String(),
		OwnerID:         req.OwnerID,
		Kind:            req.Kind,
		ExpiresAt:       time.Now().Add(duration),
		ServerID:        &srv.ID,
		SwitchAllowance: allowance,
		PaymentRef:      paymentRef,
	}

	if err := s.keys.Create(ctx, key); err != nil {
		return nil, err
	}

	if err := s.provision(ctx, key, &srv.Server); err != nil {
		// Two-phase flow: the row stays, access is not granted yet.
		if clearErr := s.keys.SetServer(ctx, key, nil); clearErr != nil {
			s.logger.Error("failed to clear server ref after provisioning failure",
				zap.String("key_id", key.ID), zap.Error(clearErr))
		}
		s.logs.LogAction(ctx, key.ID, "key_provision_failed", "failed", err.Error())
		return nil, err
	}

	s.reconcile(ctx, &srv.Server)
	s.logs.LogActionWithMetadata(ctx, key.ID, "key_provisioned", "active",
		"key provisioned successfully",
		map[string]interface{}{
			"server_id":  srv.ID,
			"location":   loc.Name,
			"kind":       key.Kind,
			"expires_at": key.ExpiresAt.Format(time.RFC3339),
		})
	s.notify(ctx, key.OwnerID, notify.MessageKeyProvisioned, map[string]string{"key_id": key.ID})

	s.logger.Info("key created",
		zap.String("key_id", key.ID),
		zap.String("server_id", srv.ID),
		zap.String("kind", key.Kind))

	return key, nil
}

// RetryProvision re-runs allocation and provisioning for a key that was
// recorded but never went live (its server reference is empty).
func (s *SubscriptionService) RetryProvision(ctx context.Context, keyID, locationID string) (*models.Key, error) {
	key, err := s.keys.ByID(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if key.Provisioned() {
		return nil, fmt.Errorf("%w: key %s is already provisioned", errs.ErrValidation, keyID)
	}

	loc, err := s.requireLocation(ctx, locationID)
	if err != nil {
		return nil, err
	}

	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	srv, err := s.planner.PickServer(ctx, loc.ID, key.Kind)
	if err != nil {
		return nil, err
	}

	if err := s.keys.SetServer(ctx, key, &srv.ID); err != nil {
		return nil, err
	}
	if err := s.provision(ctx, key, &srv.Server); err != nil {
		if clearErr := s.keys.SetServer(ctx, key, nil); clearErr != nil {
			s.logger.Error("failed to clear server ref after provisioning failure",
				zap.String("key_id", key.ID), zap.Error(clearErr))
		}
		s.logs.LogAction(ctx, key.ID, "key_provision_failed", "failed", err.Error())
		return nil, err
	}

	s.reconcile(ctx, &srv.Server)
	s.logs.LogAction(ctx, key.ID, "key_provisioned", "active", "key provisioned on retry")
	return key, nil
}

// ExtendKey advances the key's expiry after a renewal purchase. A key that
// had already been cut off is re-enabled on its panel.
func (s *SubscriptionService) ExtendKey(ctx context.Context, keyID string, additional time.Duration, paymentRef string) (*models.Key, error) {
	key, err := s.keys.ByID(ctx, keyID)
	if err != nil {
		return nil, err
	}

	wasExpired := key.Expired(time.Now()) || key.Disabled

	var ref *string
	if paymentRef != "" {
		ref = &paymentRef
	}
	if err := s.keys.Extend(ctx, key, additional, ref); err != nil {
		return nil, err
	}

	if wasExpired && key.Provisioned() {
		srv, err := s.servers.GetByID(ctx, *key.ServerID)
		if err != nil {
			return nil, err
		}
		client, err := s.panelClient(ctx, srv)
		if err != nil {
			return nil, err
		}
		if err := client.EnableClient(ctx, panel.Identity(key.OwnerID, key.ID)); err != nil {
			// The expiry is already advanced; the caller retries the
			// re-enable rather than paying twice.
			s.logs.LogAction(ctx, key.ID, "key_reenable_failed", "failed", err.Error())
			return nil, err
		}
	}

	s.logs.LogActionWithMetadata(ctx, key.ID, "key_extended", "active",
		"key extended",
		map[string]interface{}{
			"expires_at":  key.ExpiresAt.Format(time.RFC3339),
			"payment_ref": paymentRef,
		})

	s.logger.Info("key extended",
		zap.String("key_id", key.ID),
		zap.Time("expires_at", key.ExpiresAt))

	return key, nil
}

// SwitchServer moves a provisioned key to a server in another location,
// consuming one switch from its allowance. The old client is removed
// best-effort; a failure there never blocks the move.
func (s *SubscriptionService) SwitchServer(ctx context.Context, keyID, newLocationID string) (*models.Key, error) {
	key, err := s.keys.ByID(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if !key.Provisioned() {
		return nil, fmt.Errorf("%w: key %s has no server to switch from", errs.ErrValidation, keyID)
	}

	loc, err := s.requireLocation(ctx, newLocationID)
	if err != nil {
		return nil, err
	}

	ok, err := s.keys.ConsumeSwitch(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("key %s: %w", keyID, errs.ErrSwitchLimitReached)
	}

	oldServerID := *key.ServerID

	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	newSrv, err := s.planner.PickServer(ctx, loc.ID, key.Kind)
	if err != nil {
		// No remote call was made yet; give the switch back.
		if restoreErr := s.keys.RestoreSwitch(ctx, key); restoreErr != nil {
			s.logger.Error("failed to restore switch allowance",
				zap.String("key_id", key.ID), zap.Error(restoreErr))
		}
		return nil, err
	}

	identity := panel.Identity(key.OwnerID, key.ID)

	oldSrv, err := s.servers.GetByID(ctx, oldServerID)
	if err != nil {
		s.logger.Warn("old server not found during switch",
			zap.String("key_id", key.ID), zap.String("server_id", oldServerID))
	} else if client, cerr := s.panelClient(ctx, oldSrv); cerr != nil {
		s.logger.Warn("failed to reach old panel during switch",
			zap.String("key_id", key.ID), zap.Error(cerr))
	} else if derr := client.DeleteClient(ctx, identity); derr != nil {
		s.logger.Warn("failed to delete client on old server",
			zap.String("key_id", key.ID), zap.String("server_id", oldServerID), zap.Error(derr))
	}

	if err := s.provision(ctx, key, &newSrv.Server); err != nil {
		if clearErr := s.keys.SetServer(ctx, key, nil); clearErr != nil {
			s.logger.Error("failed to clear server ref after switch failure",
				zap.String("key_id", key.ID), zap.Error(clearErr))
		}
		if restoreErr := s.keys.RestoreSwitch(ctx, key); restoreErr != nil {
			s.logger.Error("failed to restore switch allowance",
				zap.String("key_id", key.ID), zap.Error(restoreErr))
		}
		s.logs.LogAction(ctx, key.ID, "key_switch_failed", "failed", err.Error())
		return nil, err
	}

	if err := s.keys.SetServer(ctx, key, &newSrv.ID); err != nil {
		return nil, err
	}

	if oldSrv != nil {
		s.reconcile(ctx, oldSrv)
	}
	s.reconcile(ctx, &newSrv.Server)

	s.logs.LogActionWithMetadata(ctx, key.ID, "key_switched", "active",
		"key moved to another server",
		map[string]interface{}{
			"old_server_id": oldServerID,
			"new_server_id": newSrv.ID,
			"location":      loc.Name,
		})

	s.logger.Info("key switched",
		zap.String("key_id", key.ID),
		zap.String("old_server_id", oldServerID),
		zap.String("new_server_id", newSrv.ID))

	return key, nil
}

// DeleteKey removes the remote client and soft-deletes the row. The remote
// delete is fatal: on failure the key is left untouched so the operation
// can be retried.
func (s *SubscriptionService) DeleteKey(ctx context.Context, keyID string) error {
	key, err := s.keys.ByID(ctx, keyID)
	if err != nil {
		return err
	}

	var srv *models.Server
	if key.Provisioned() {
		srv, err = s.servers.GetByID(ctx, *key.ServerID)
		if err != nil {
			return err
		}
		client, err := s.panelClient(ctx, srv)
		if err != nil {
			return err
		}
		if err := client.DeleteClient(ctx, panel.Identity(key.OwnerID, key.ID)); err != nil {
			s.logs.LogAction(ctx, key.ID, "key_delete_failed", "failed", err.Error())
			return err
		}
	}

	if err := s.keys.Delete(ctx, key); err != nil {
		return err
	}

	if srv != nil {
		s.reconcile(ctx, srv)
	}
	s.logs.LogAction(ctx, key.ID, "key_deleted", "deleted", "key removed")

	s.logger.Info("key deleted", zap.String("key_id", key.ID))
	return nil
}

// SetKeyDisabled flips the administrative disabled state and mirrors it on
// the panel when the key is provisioned.
func (s *SubscriptionService) SetKeyDisabled(ctx context.Context, keyID string, disabled bool) error {
	key, err := s.keys.ByID(ctx, keyID)
	if err != nil {
		return err
	}

	if key.Provisioned() {
		srv, err := s.servers.GetByID(ctx, *key.ServerID)
		if err != nil {
			return err
		}
		client, err := s.panelClient(ctx, srv)
		if err != nil {
			return err
		}
		identity := panel.Identity(key.OwnerID, key.ID)
		if disabled {
			err = client.DisableClient(ctx, identity)
		} else {
			err = client.EnableClient(ctx, identity)
		}
		if err != nil {
			return err
		}
	}

	if err := s.keys.SetDisabled(ctx, key, disabled); err != nil {
		return err
	}

	action := "key_disabled"
	if !disabled {
		action = "key_enabled"
	}
	s.logs.LogAction(ctx, key.ID, action, "ok", "administrative state change")
	return nil
}

// KeyByID returns one key row.
func (s *SubscriptionService) KeyByID(ctx context.Context, keyID string) (*models.Key, error) {
	return s.keys.ByID(ctx, keyID)
}

// KeysForOwner returns all keys of an owner.
func (s *SubscriptionService) KeysForOwner(ctx context.Context, ownerID string) ([]*models.Key, error) {
	return s.keys.ForOwner(ctx, ownerID)
}

// AccessConfig returns the provider connection string for a provisioned
// key. An unprovisioned key has no live access and reports not found.
func (s *SubscriptionService) AccessConfig(ctx context.Context, keyID string) (string, error) {
	key, err := s.keys.ByID(ctx, keyID)
	if err != nil {
		return "", err
	}
	if !key.Provisioned() {
		return "", fmt.Errorf("key %s has no live access: %w", keyID, errs.ErrNotFound)
	}

	srv, err := s.servers.GetByID(ctx, *key.ServerID)
	if err != nil {
		return "", err
	}
	client, err := s.panelClient(ctx, srv)
	if err != nil {
		return "", err
	}

	label := s.cfg.Plans.BrandName + " | " + srv.Name
	return client.ClientConfig(ctx, panel.Identity(key.OwnerID, key.ID), label)
}

// provision creates the remote client for the key on the given server.
func (s *SubscriptionService) provision(ctx context.Context, key *models.Key, srv *models.Server) error {
	client, err := s.panelClient(ctx, srv)
	if err != nil {
		return err
	}
	return client.AddClient(ctx, panel.Identity(key.OwnerID, key.ID), panel.ClientLimits{
		MaxIPs:    s.cfg.Plans.LimitIPs,
		TrafficGB: s.cfg.Plans.LimitGB,
	})
}

func (s *SubscriptionService) panelClient(ctx context.Context, srv *models.Server) (panel.Client, error) {
	client, err := s.panels(srv)
	if err != nil {
		return nil, err
	}
	if err := client.Login(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// reconcile refreshes the server's cached load from the panel. Best-effort:
// a failure leaves the stale value until the next mutation or sweep.
func (s *SubscriptionService) reconcile(ctx context.Context, srv *models.Server) {
	if err := s.registry.ReconcileLoad(ctx, srv); err != nil {
		s.logger.Warn("load reconcile failed",
			zap.String("server_id", srv.ID), zap.Error(err))
	}
}

// notify delivers fire-and-forget; a failure never fails the operation.
func (s *SubscriptionService) notify(ctx context.Context, ownerID string, kind notify.MessageKind, msgContext map[string]string) {
	if err := s.notifier.Notify(ctx, ownerID, kind, msgContext); err != nil {
		s.logger.Warn("notification failed",
			zap.String("owner_id", ownerID), zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (s *SubscriptionService) requireLocation(ctx context.Context, locationID string) (*models.Location, error) {
	if locationID == "" {
		return nil, fmt.Errorf("%w: empty location id", errs.ErrValidation)
	}
	loc, err := s.locations.GetByID(ctx, locationID)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown location %q", errs.ErrValidation, locationID)
	}
	if !loc.Enabled {
		return nil, fmt.Errorf("%w: location %q is disabled", errs.ErrValidation, locationID)
	}
	return loc, nil
}

func (s *SubscriptionService) keyDuration(req *models.CreateKeyRequest) (time.Duration, error) {
	switch req.Kind {
	case models.KindTrial:
		return s.cfg.Plans.TrialDuration, nil
	case models.KindFree:
		return s.cfg.Plans.FreeDuration, nil
	default:
		if req.DurationSeconds <= 0 {
			return 0, fmt.Errorf("%w: paid key requires a positive duration", errs.ErrValidation)
		}
		return time.Duration(req.DurationSeconds) * time.Second, nil
	}
}
