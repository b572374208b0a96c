package capacity

import (
	"context"
	"fmt"

	"github.com/wenwu/saas-platform/key-service/internal/errs"
	"github.com/wenwu/saas-platform/key-service/internal/models"
)

// Planner selects the best eligible server for an allocation request.
type Planner struct {
	registry *Registry
}

func NewPlanner(registry *Registry) *Planner {
	return &Planner{registry: registry}
}

// PickServer returns the least-loaded eligible server with room left on
// its host. Deterministic given a load snapshot; capacity is not reserved
// ahead of the provisioning call, the caller serializes allocations and
// reconciles afterwards.
func (p *Planner) PickServer(ctx context.Context, locationID, kind string) (*models.EligibleServer, error) {
	candidates, err := p.registry.EligibleServers(ctx, locationID, kind)
	if err != nil {
		return nil, fmt.Errorf("pick server: %w", err)
	}

	for _, srv := range candidates {
		if srv.HasRoom() {
			return srv, nil
		}
	}

	return nil, fmt.Errorf("location %s, kind %s: %w", locationID, kind, errs.ErrCapacityExhausted)
}
