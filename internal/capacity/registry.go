// Package capacity tracks server load against host capacity and picks
// servers for new keys.
package capacity

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wenwu/saas-platform/key-service/internal/models"
	"github.com/wenwu/saas-platform/key-service/internal/panel"
	"github.com/wenwu/saas-platform/key-service/internal/repository"
)

// Registry is the read/update model over Server -> VDS -> Location with
// live load counters. Load is a cache of the panel's client count; the
// panel list stays authoritative.
type Registry struct {
	servers repository.ServerRepository
	panels  panel.Factory
	logger  *zap.Logger
}

func NewRegistry(servers repository.ServerRepository, panels panel.Factory, logger *zap.Logger) *Registry {
	return &Registry{
		servers: servers,
		panels:  panels,
		logger:  logger.Named("capacity"),
	}
}

// EligibleServers returns the servers a key of the given kind may land on
// in the location, load-ascending. Free keys go to free-tier servers only;
// paid and trial keys never land on the free tier.
func (r *Registry) EligibleServers(ctx context.Context, locationID, kind string) ([]*models.EligibleServer, error) {
	return r.servers.Eligible(ctx, locationID, kind == models.KindFree)
}

// ReconcileLoad recomputes the server's load from the panel's client list
// and writes it back. Called after every provisioning mutation so the
// cached counter cannot drift from remote state.
func (r *Registry) ReconcileLoad(ctx context.Context, srv *models.Server) error {
	client, err := r.panels(srv)
	if err != nil {
		return err
	}
	if err := client.Login(ctx); err != nil {
		return fmt.Errorf("reconcile load: %w", err)
	}

	identities, err := client.ListClients(ctx)
	if err != nil {
		// The stale cached load stays in place until the next reconcile.
		return fmt.Errorf("reconcile load: %w", err)
	}

	if err := r.servers.UpdateLoad(ctx, srv.ID, len(identities)); err != nil {
		return err
	}

	r.logger.Debug("reconciled server load",
		zap.String("server_id", srv.ID),
		zap.Int("load", len(identities)))
	return nil
}
