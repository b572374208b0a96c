package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wenwu/saas-platform/key-service/internal/config"
	"github.com/wenwu/saas-platform/key-service/internal/models"
	"github.com/wenwu/saas-platform/key-service/internal/notify"
	"github.com/wenwu/saas-platform/key-service/internal/panel"
	"github.com/wenwu/saas-platform/key-service/internal/repository"
)

// Sweeper is the lifecycle scheduler: a fixed-interval sweep over every
// provisioned key that drives expiry and warning transitions. Disabling a
// client on the panel is the only remote action it takes; re-enabling is
// the orchestrator's job on renewal. A key whose disable fails is retried
// on the next tick because its flag is only set on success.
type Sweeper struct {
	keys     repository.KeyRepository
	servers  repository.ServerRepository
	panels   panel.Factory
	notifier notify.Notifier
	logger   *zap.Logger

	interval   time.Duration
	warnWindow time.Duration
	now        func() time.Time
}

func NewSweeper(
	cfg config.SweepConfig,
	keys repository.KeyRepository,
	servers repository.ServerRepository,
	panels panel.Factory,
	notifier notify.Notifier,
	logger *zap.Logger,
) *Sweeper {
	return &Sweeper{
		keys:       keys,
		servers:    servers,
		panels:     panels,
		notifier:   notifier,
		logger:     logger.Named("sweeper"),
		interval:   cfg.Interval,
		warnWindow: cfg.WarnWindow,
		now:        time.Now,
	}
}

// Run sweeps immediately and then on every tick until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("warn_window", s.warnWindow))

	if err := s.SweepOnce(ctx); err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce processes every provisioned key. One key's failure never
// interrupts the sweep over the rest.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	keys, err := s.keys.ListProvisioned(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	for _, key := range keys {
		if err := s.sweepKey(ctx, key, now); err != nil {
			s.logger.Error("failed to sweep key",
				zap.String("key_id", key.ID),
				zap.String("owner_id", key.OwnerID),
				zap.Error(err))
		}
	}
	return nil
}

func (s *Sweeper) sweepKey(ctx context.Context, key *models.Key, now time.Time) error {
	switch {
	case key.Expired(now) && !key.ExpiredNotified:
		return s.expireKey(ctx, key)

	case !key.Expired(now) && key.ExpiresAt.Before(now.Add(s.warnWindow)) && !key.Warned:
		return s.warnKey(ctx, key)
	}
	return nil
}

// expireKey cuts off remote access, then marks the key and notifies the
// owner. The flag is set only after a successful disable so a panel outage
// is retried on the next tick.
func (s *Sweeper) expireKey(ctx context.Context, key *models.Key) error {
	srv, err := s.servers.GetByID(ctx, *key.ServerID)
	if err != nil {
		return err
	}

	client, err := s.panels(srv)
	if err != nil {
		return err
	}
	if err := client.Login(ctx); err != nil {
		return err
	}

	identity := panel.Identity(key.OwnerID, key.ID)
	if err := client.DisableClient(ctx, identity); err != nil {
		return err
	}

	changed, err := s.keys.MarkExpiredNotified(ctx, key.ID)
	if err != nil {
		return err
	}
	if !changed {
		// Another sweep got here first; the notification already went out.
		return nil
	}

	s.logger.Info("disabled expired key",
		zap.String("key_id", key.ID),
		zap.String("server_id", srv.ID))

	if err := s.notifier.Notify(ctx, key.OwnerID, notify.MessageKeyExpired, map[string]string{
		"key_id": key.ID,
	}); err != nil {
		s.logger.Warn("expiry notification failed",
			zap.String("owner_id", key.OwnerID), zap.Error(err))
	}
	return nil
}

// warnKey marks the key and prompts the owner to renew. No remote call.
func (s *Sweeper) warnKey(ctx context.Context, key *models.Key) error {
	changed, err := s.keys.MarkWarned(ctx, key.ID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	s.logger.Info("key expiring soon",
		zap.String("key_id", key.ID),
		zap.Time("expires_at", key.ExpiresAt))

	if err := s.notifier.Notify(ctx, key.OwnerID, notify.MessageRenewalPrompt, map[string]string{
		"key_id":     key.ID,
		"expires_at": key.ExpiresAt.Format(time.RFC3339),
	}); err != nil {
		s.logger.Warn("renewal prompt failed",
			zap.String("owner_id", key.OwnerID), zap.Error(err))
	}
	return nil
}
