package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wenwu/saas-platform/key-service/internal/errs"
	"github.com/wenwu/saas-platform/key-service/internal/models"
	"github.com/wenwu/saas-platform/key-service/internal/notify"
	"github.com/wenwu/saas-platform/key-service/internal/panel"
)

// fakeKeyRepo is an in-memory KeyRepository with the same transition
// semantics as the SQL implementation.
type fakeKeyRepo struct {
	mu   sync.Mutex
	rows map[string]*models.Key
}

func newFakeKeyRepo(keys ...*models.Key) *fakeKeyRepo {
	r := &fakeKeyRepo{rows: make(map[string]*models.Key)}
	for _, k := range keys {
		cp := *k
		r.rows[k.ID] = &cp
	}
	return r
}

func (r *fakeKeyRepo) get(id string) (*models.Key, bool) {
	k, ok := r.rows[id]
	if !ok || k.DeletedAt != nil {
		return nil, false
	}
	return k, true
}

func (r *fakeKeyRepo) Create(_ context.Context, key *models.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *key
	cp.CreatedAt = time.Now()
	r.rows[key.ID] = &cp
	return nil
}

func (r *fakeKeyRepo) GetByID(_ context.Context, id string) (*models.Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.get(id)
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (r *fakeKeyRepo) GetByOwner(_ context.Context, ownerID string) ([]*models.Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Key
	for _, k := range r.rows {
		if k.OwnerID == ownerID && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeKeyRepo) ListProvisioned(_ context.Context) ([]*models.Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Key
	for _, k := range r.rows {
		if k.DeletedAt == nil && k.ServerID != nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeKeyRepo) SetServer(_ context.Context, keyID string, serverID *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.get(keyID)
	if !ok {
		return errs.ErrNotFound
	}
	k.ServerID = serverID
	return nil
}

func (r *fakeKeyRepo) Extend(_ context.Context, keyID string, expiresAt time.Time, paymentRef *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.get(keyID)
	if !ok {
		return errs.ErrNotFound
	}
	k.ExpiresAt = expiresAt
	k.Warned = false
	k.ExpiredNotified = false
	if paymentRef != nil {
		k.PaymentRef = paymentRef
	}
	return nil
}

func (r *fakeKeyRepo) MarkWarned(_ context.Context, keyID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.get(keyID)
	if !ok || k.Warned {
		return false, nil
	}
	k.Warned = true
	return true, nil
}

func (r *fakeKeyRepo) MarkExpiredNotified(_ context.Context, keyID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.get(keyID)
	if !ok || k.ExpiredNotified {
		return false, nil
	}
	k.ExpiredNotified = true
	return true, nil
}

func (r *fakeKeyRepo) DecrementSwitchAllowance(_ context.Context, keyID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.get(keyID)
	if !ok || k.SwitchAllowance <= 0 {
		return false, nil
	}
	k.SwitchAllowance--
	return true, nil
}

func (r *fakeKeyRepo) IncrementSwitchAllowance(_ context.Context, keyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.get(keyID)
	if !ok {
		return errs.ErrNotFound
	}
	k.SwitchAllowance++
	return nil
}

func (r *fakeKeyRepo) SetDisabled(_ context.Context, keyID string, disabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.get(keyID)
	if !ok {
		return errs.ErrNotFound
	}
	k.Disabled = disabled
	return nil
}

func (r *fakeKeyRepo) SoftDelete(_ context.Context, keyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.get(keyID)
	if !ok {
		return errs.ErrNotFound
	}
	now := time.Now()
	k.DeletedAt = &now
	return nil
}

// fakeServerRepo serves a fixed set of servers. Eligible returns them
// load-ascending like the SQL query does.
type fakeServerRepo struct {
	mu       sync.Mutex
	servers  map[string]*models.EligibleServer
	loads    map[string]int
	eligible []*models.EligibleServer
}

func newFakeServerRepo(servers ...*models.EligibleServer) *fakeServerRepo {
	r := &fakeServerRepo{
		servers: make(map[string]*models.EligibleServer),
		loads:   make(map[string]int),
	}
	for _, s := range servers {
		r.servers[s.ID] = s
		r.eligible = append(r.eligible, s)
	}
	return r
}

func (r *fakeServerRepo) GetByID(_ context.Context, id string) (*models.Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := s.Server
	return &cp, nil
}

func (r *fakeServerRepo) Eligible(_ context.Context, locationID string, freeTier bool) ([]*models.EligibleServer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.EligibleServer
	for _, s := range r.eligible {
		if s.FreeTier == freeTier {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Load < out[j].Load })
	return out, nil
}

func (r *fakeServerRepo) List(_ context.Context) ([]*models.EligibleServer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.EligibleServer(nil), r.eligible...), nil
}

func (r *fakeServerRepo) UpdateLoad(_ context.Context, serverID string, load int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads[serverID] = load
	if s, ok := r.servers[serverID]; ok {
		s.Load = load
	}
	return nil
}

func (r *fakeServerRepo) SetEnabled(_ context.Context, serverID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[serverID]
	if !ok {
		return errs.ErrNotFound
	}
	s.Enabled = enabled
	return nil
}

type fakeLocationRepo struct {
	locations map[string]*models.Location
}

func newFakeLocationRepo(locations ...*models.Location) *fakeLocationRepo {
	r := &fakeLocationRepo{locations: make(map[string]*models.Location)}
	for _, l := range locations {
		r.locations[l.ID] = l
	}
	return r
}

func (r *fakeLocationRepo) GetByID(_ context.Context, id string) (*models.Location, error) {
	l, ok := r.locations[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return l, nil
}

func (r *fakeLocationRepo) List(_ context.Context) ([]*models.Location, error) {
	var out []*models.Location
	for _, l := range r.locations {
		out = append(out, l)
	}
	return out, nil
}

type fakeLogRepo struct {
	mu      sync.Mutex
	actions []string
}

func (r *fakeLogRepo) LogAction(_ context.Context, _, action, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
	return nil
}

func (r *fakeLogRepo) LogActionWithMetadata(ctx context.Context, keyID, action, status, message string, _ map[string]interface{}) error {
	return r.LogAction(ctx, keyID, action, status, message)
}

func (r *fakeLogRepo) GetByKeyID(_ context.Context, _ string, _ int) ([]*models.KeyLog, error) {
	return nil, nil
}

// fakePanelClient records calls and simulates the remote client set so
// ListClients-driven reconciliation behaves like a real panel.
type fakePanelClient struct {
	mu      sync.Mutex
	clients map[string]bool // identity -> enabled

	loginErr   error
	addErr     error
	enableErr  error
	disableErr error
	deleteErr  error
	listErr    error

	addCalls     int
	deleteCalls  int
	disableCalls int
	enableCalls  int
}

func newFakePanelClient() *fakePanelClient {
	return &fakePanelClient{clients: make(map[string]bool)}
}

func (c *fakePanelClient) Login(context.Context) error { return c.loginErr }

func (c *fakePanelClient) AddClient(_ context.Context, identity string, _ panel.ClientLimits) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addCalls++
	if c.addErr != nil {
		return c.addErr
	}
	c.clients[identity] = true
	return nil
}

func (c *fakePanelClient) EnableClient(_ context.Context, identity string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enableCalls++
	if c.enableErr != nil {
		return c.enableErr
	}
	c.clients[identity] = true
	return nil
}

func (c *fakePanelClient) DisableClient(_ context.Context, identity string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disableCalls++
	if c.disableErr != nil {
		return c.disableErr
	}
	c.clients[identity] = false
	return nil
}

func (c *fakePanelClient) DeleteClient(_ context.Context, identity string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteCalls++
	if c.deleteErr != nil {
		return c.deleteErr
	}
	delete(c.clients, identity)
	return nil
}

func (c *fakePanelClient) ListClients(context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	var out []string
	for identity := range c.clients {
		out = append(out, identity)
	}
	return out, nil
}

func (c *fakePanelClient) ClientConfig(_ context.Context, identity, label string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clients[identity]; !ok {
		return "", errs.ErrNotFound
	}
	return "vless://" + identity + "#" + label, nil
}

// panelsFor returns a Factory serving one fake client per server id.
func panelsFor(clients map[string]*fakePanelClient) panel.Factory {
	return func(srv *models.Server) (panel.Client, error) {
		c, ok := clients[srv.ID]
		if !ok {
			return nil, errs.ErrProviderUnavailable
		}
		return c, nil
	}
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []notify.MessageKind
	fail  bool
	owner []string
}

func (n *fakeNotifier) Notify(_ context.Context, ownerID string, kind notify.MessageKind, _ map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errs.ErrProviderUnavailable
	}
	n.sent = append(n.sent, kind)
	n.owner = append(n.owner, ownerID)
	return nil
}

func (n *fakeNotifier) count(kind notify.MessageKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, k := range n.sent {
		if k == kind {
			c++
		}
	}
	return c
}
