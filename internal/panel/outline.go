package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/wenwu/saas-platform/key-service/internal/errs"
	"github.com/wenwu/saas-platform/key-service/internal/models"
)

// outlineClient manages access keys on an Outline server through its
// management API. The API URL embeds the management secret, so no separate
// login exchange exists; Login just checks reachability. Outline has no
// enable/disable switch, so disablement is expressed as a zero data limit.
type outlineClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func newOutlineClient(srv *models.Server, opts Options, logger *zap.Logger) *outlineClient {
	return &outlineClient{
		baseURL:    strings.TrimRight(srv.PanelURL, "/"),
		httpClient: newHTTPClient(opts),
		logger:     logger.Named("outline").With(zap.String("server", srv.ID)),
	}
}

// outlineKey is one access key as reported by the management API.
type outlineKey struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AccessURL string `json:"accessUrl"`
}

// Login verifies the management API is reachable.
func (c *outlineClient) Login(ctx context.Context) error {
	resp, err := c.request(ctx, "GET", "/server", nil)
	if err != nil {
		return providerErr("outline login", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return providerErrf("outline login", "management API returned status %d", resp.StatusCode)
	}
	return nil
}

// AddClient creates an access key named after the identity. An existing key
// with the same name is treated as success.
func (c *outlineClient) AddClient(ctx context.Context, identity string, limits ClientLimits) error {
	existing, err := c.findKey(ctx, identity)
	if err != nil {
		return err
	}
	if existing != nil {
		c.logger.Debug("access key already exists", zap.String("identity", identity))
		return nil
	}

	resp, err := c.request(ctx, "POST", "/access-keys", []byte(`{}`))
	if err != nil {
		return providerErr("outline add client", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return providerErr("outline add client", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return providerErrf("outline add client", "management API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var key outlineKey
	if err := json.Unmarshal(respBody, &key); err != nil {
		return providerErr("outline add client", err)
	}

	nameBody, _ := json.Marshal(map[string]string{"name": identity})
	if err := c.expectOK(ctx, "PUT", "/access-keys/"+key.ID+"/name", nameBody, "outline name key"); err != nil {
		return err
	}

	if limits.TrafficGB > 0 {
		if err := c.setDataLimit(ctx, key.ID, int64(limits.TrafficGB)<<30); err != nil {
			return err
		}
	}
	return nil
}

// EnableClient removes the zero data limit that DisableClient installed.
func (c *outlineClient) EnableClient(ctx context.Context, identity string) error {
	key, err := c.mustFindKey(ctx, identity)
	if err != nil {
		return err
	}
	resp, err := c.request(ctx, "DELETE", "/access-keys/"+key.ID+"/data-limit", nil)
	if err != nil {
		return providerErr("outline enable client", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return providerErrf("outline enable client", "management API returned status %d", resp.StatusCode)
	}
	return nil
}

// DisableClient sets a zero-byte data limit, cutting traffic while keeping
// the key and its configuration.
func (c *outlineClient) DisableClient(ctx context.Context, identity string) error {
	key, err := c.mustFindKey(ctx, identity)
	if err != nil {
		return err
	}
	return c.setDataLimit(ctx, key.ID, 0)
}

// DeleteClient removes the access key permanently.
func (c *outlineClient) DeleteClient(ctx context.Context, identity string) error {
	key, err := c.mustFindKey(ctx, identity)
	if err != nil {
		return err
	}
	resp, err := c.request(ctx, "DELETE", "/access-keys/"+key.ID, nil)
	if err != nil {
		return providerErr("outline delete client", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return providerErrf("outline delete client", "management API returned status %d", resp.StatusCode)
	}
	return nil
}

// ListClients returns the names of all access keys on the server.
func (c *outlineClient) ListClients(ctx context.Context) ([]string, error) {
	keys, err := c.listKeys(ctx)
	if err != nil {
		return nil, err
	}
	identities := make([]string, 0, len(keys))
	for _, k := range keys {
		identities = append(identities, k.Name)
	}
	return identities, nil
}

// ClientConfig returns the access URL for the identity's key.
func (c *outlineClient) ClientConfig(ctx context.Context, identity, label string) (string, error) {
	key, err := c.findKey(ctx, identity)
	if err != nil {
		return "", err
	}
	if key == nil {
		return "", errs.ErrNotFound
	}
	// Replace the fragment so clients display the branded label.
	accessURL := key.AccessURL
	if i := strings.IndexByte(accessURL, '#'); i >= 0 {
		accessURL = accessURL[:i]
	}
	return accessURL + "#" + label, nil
}

func (c *outlineClient) setDataLimit(ctx context.Context, keyID string, bytes int64) error {
	body, _ := json.Marshal(map[string]map[string]int64{"limit": {"bytes": bytes}})
	return c.expectOK(ctx, "PUT", "/access-keys/"+keyID+"/data-limit", body, "outline set data limit")
}

func (c *outlineClient) listKeys(ctx context.Context) ([]outlineKey, error) {
	resp, err := c.request(ctx, "GET", "/access-keys", nil)
	if err != nil {
		return nil, providerErr("outline list keys", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, providerErr("outline list keys", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, providerErrf("outline list keys", "management API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		AccessKeys []outlineKey `json:"accessKeys"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, providerErr("outline list keys", err)
	}
	return result.AccessKeys, nil
}

func (c *outlineClient) findKey(ctx context.Context, identity string) (*outlineKey, error) {
	keys, err := c.listKeys(ctx)
	if err != nil {
		return nil, err
	}
	for i := range keys {
		if keys[i].Name == identity {
			return &keys[i], nil
		}
	}
	return nil, nil
}

func (c *outlineClient) mustFindKey(ctx context.Context, identity string) (*outlineKey, error) {
	key, err := c.findKey(ctx, identity)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("access key %q: %w", identity, errs.ErrNotFound)
	}
	return key, nil
}

func (c *outlineClient) expectOK(ctx context.Context, method, path string, body []byte, op string) error {
	resp, err := c.request(ctx, method, path, body)
	if err != nil {
		return providerErr(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(resp.Body)
		return providerErrf(op, "management API returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func (c *outlineClient) request(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}
