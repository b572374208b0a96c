// Package panel is the uniform gateway over the remote proxy panels that
// actually host clients. One adapter per provider family, selected by the
// server's provider type.
package panel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"

	"go.uber.org/zap"

	"github.com/wenwu/saas-platform/key-service/internal/errs"
	"github.com/wenwu/saas-platform/key-service/internal/models"
)

// ClientLimits are the per-client rate/volume limits applied on creation.
type ClientLimits struct {
	MaxIPs    int
	TrafficGB int
}

// Client manages clients on one remote panel. All operations are blocking
// I/O; transport and auth failures surface as errs.ErrProviderUnavailable.
// Login must be called before other operations and is cheap to repeat.
type Client interface {
	Login(ctx context.Context) error
	AddClient(ctx context.Context, identity string, limits ClientLimits) error
	EnableClient(ctx context.Context, identity string) error
	DisableClient(ctx context.Context, identity string) error
	DeleteClient(ctx context.Context, identity string) error
	ListClients(ctx context.Context) ([]string, error)
	// ClientConfig returns the provider connection string for the identity.
	// errs.ErrNotFound means the identity is not provisioned remotely.
	ClientConfig(ctx context.Context, identity, label string) (string, error)
}

// Identity derives the remote client name for a key. The owner/key pair is
// embedded so remote panel state can be reconciled against local key rows
// without a side table.
func Identity(ownerID, keyID string) string {
	return ownerID + "." + keyID
}

// Options configure the HTTP transport shared by all adapters.
type Options struct {
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// Factory builds a panel client for a server row.
type Factory func(srv *models.Server) (Client, error)

// NewFactory returns a Factory dispatching on the server's provider type.
func NewFactory(opts Options, logger *zap.Logger) Factory {
	return func(srv *models.Server) (Client, error) {
		switch srv.ProviderType {
		case models.ProviderXUI:
			return newXUIClient(srv, opts, logger), nil
		case models.ProviderOutline:
			return newOutlineClient(srv, opts, logger), nil
		default:
			return nil, fmt.Errorf("%w: unsupported panel provider %q", errs.ErrValidation, srv.ProviderType)
		}
	}
}

// newHTTPClient builds the transport used by adapters. Panels often run on
// self-signed certificates, hence the optional verify skip.
func newHTTPClient(opts Options) *http.Client {
	jar, _ := cookiejar.New(nil)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Jar:     jar,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify},
		},
	}
}

// providerErr wraps a transport or rejection failure so callers can match
// errs.ErrProviderUnavailable while keeping the cause in the message.
func providerErr(op string, cause error) error {
	return fmt.Errorf("%s: %w: %v", op, errs.ErrProviderUnavailable, cause)
}

func providerErrf(op, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", op, errs.ErrProviderUnavailable, fmt.Sprintf(format, args...))
}
