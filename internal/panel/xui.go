package panel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wenwu/saas-platform/key-service/internal/errs"
	"github.com/wenwu/saas-platform/key-service/internal/models"
)

// xuiClient manages clients on a 3x-ui panel (VLESS and Shadowsocks
// inbounds). Authentication is a session cookie obtained from /login.
type xuiClient struct {
	baseURL    string
	username   string
	password   string
	inboundID  int
	httpClient *http.Client
	logger     *zap.Logger

	mu       sync.Mutex
	loggedIn bool
}

func newXUIClient(srv *models.Server, opts Options, logger *zap.Logger) *xuiClient {
	return &xuiClient{
		baseURL:    strings.TrimRight(srv.PanelURL, "/"),
		username:   srv.Username,
		password:   srv.Password,
		inboundID:  srv.InboundID,
		httpClient: newHTTPClient(opts),
		logger:     logger.Named("xui").With(zap.String("server", srv.ID)),
	}
}

// xuiResponse is the panel's uniform envelope.
type xuiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// xuiInbound is the subset of an inbound row the adapter reads.
type xuiInbound struct {
	ID          int    `json:"id"`
	Port        int    `json:"port"`
	Protocol    string `json:"protocol"`
	Settings    string `json:"settings"`
	ClientStats []struct {
		Email  string `json:"email"`
		Enable bool   `json:"enable"`
	} `json:"clientStats"`
}

// xuiInboundClient is one client entry inside an inbound's settings blob.
type xuiInboundClient struct {
	ID       string `json:"id,omitempty"`
	Email    string `json:"email"`
	Flow     string `json:"flow,omitempty"`
	Method   string `json:"method,omitempty"`
	Password string `json:"password,omitempty"`
	LimitIP  int    `json:"limitIp"`
	TotalGB  int64  `json:"totalGB"`
	Enable   bool   `json:"enable"`
}

// Login establishes the panel session. Repeated calls reuse the session.
func (c *xuiClient) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedIn {
		return nil
	}

	body, _ := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})

	resp, err := c.post(ctx, "/login", body)
	if err != nil {
		return providerErr("xui login", err)
	}
	if !resp.Success {
		return providerErrf("xui login", "panel rejected credentials: %s", resp.Msg)
	}

	c.loggedIn = true
	c.logger.Debug("logged in to panel")
	return nil
}

// AddClient creates a client entry on the configured inbound. An already
// existing identity is treated as success so provisioning stays idempotent.
func (c *xuiClient) AddClient(ctx context.Context, identity string, limits ClientLimits) error {
	settings, err := json.Marshal(map[string][]xuiInboundClient{
		"clients": {{
			ID:      uuid.New().String(),
			Email:   identity,
			LimitIP: limits.MaxIPs,
			TotalGB: int64(limits.TrafficGB) << 30,
			Enable:  true,
		}},
	})
	if err != nil {
		return fmt.Errorf("marshal client settings: %w", err)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"id":       c.inboundID,
		"settings": string(settings),
	})

	resp, err := c.post(ctx, "/panel/api/inbounds/addClient", body)
	if err != nil {
		return providerErr("xui add client", err)
	}
	if !resp.Success {
		if isDuplicateMsg(resp.Msg) {
			c.logger.Debug("client already exists on panel", zap.String("identity", identity))
			return nil
		}
		return providerErrf("xui add client", "panel rejected request: %s", resp.Msg)
	}
	return nil
}

// EnableClient re-enables a client without touching its configuration.
func (c *xuiClient) EnableClient(ctx context.Context, identity string) error {
	return c.setEnabled(ctx, identity, true)
}

// DisableClient flips the client off while keeping its entry and history.
func (c *xuiClient) DisableClient(ctx context.Context, identity string) error {
	return c.setEnabled(ctx, identity, false)
}

func (c *xuiClient) setEnabled(ctx context.Context, identity string, enable bool) error {
	body, _ := json.Marshal(map[string]bool{"enable": enable})

	resp, err := c.post(ctx, "/panel/api/inbounds/updateClient/"+url.PathEscape(identity), body)
	if err != nil {
		return providerErr("xui update client", err)
	}
	if !resp.Success {
		return providerErrf("xui update client", "panel rejected request: %s", resp.Msg)
	}
	return nil
}

// DeleteClient removes the client entry permanently.
func (c *xuiClient) DeleteClient(ctx context.Context, identity string) error {
	resp, err := c.post(ctx, "/panel/api/inbounds/deleteClient/"+url.PathEscape(identity), nil)
	if err != nil {
		return providerErr("xui delete client", err)
	}
	if !resp.Success {
		return providerErrf("xui delete client", "panel rejected request: %s", resp.Msg)
	}
	return nil
}

// ListClients returns the identities currently provisioned on the panel.
// This is the authoritative source for server load.
func (c *xuiClient) ListClients(ctx context.Context) ([]string, error) {
	inbounds, err := c.listInbounds(ctx)
	if err != nil {
		return nil, err
	}

	var identities []string
	for _, inbound := range inbounds {
		for _, stat := range inbound.ClientStats {
			identities = append(identities, stat.Email)
		}
	}
	return identities, nil
}

// ClientConfig builds the connection URI for a provisioned identity.
func (c *xuiClient) ClientConfig(ctx context.Context, identity, label string) (string, error) {
	inbounds, err := c.listInbounds(ctx)
	if err != nil {
		return "", err
	}

	host := c.panelHost()
	for _, inbound := range inbounds {
		if inbound.ID != c.inboundID {
			continue
		}
		var settings struct {
			Clients []xuiInboundClient `json:"clients"`
		}
		if err := json.Unmarshal([]byte(inbound.Settings), &settings); err != nil {
			return "", providerErr("xui client config", err)
		}
		for _, cl := range settings.Clients {
			if cl.Email != identity {
				continue
			}
			switch inbound.Protocol {
			case "vless":
				return fmt.Sprintf("vless://%s@%s:%d?type=tcp&security=none#%s",
					cl.ID, host, inbound.Port, url.PathEscape(label)), nil
			case "shadowsocks":
				userInfo := base64.StdEncoding.EncodeToString([]byte(cl.Method + ":" + cl.Password))
				return fmt.Sprintf("ss://%s@%s:%d#%s",
					userInfo, host, inbound.Port, url.PathEscape(label)), nil
			default:
				return "", providerErrf("xui client config", "unsupported inbound protocol %q", inbound.Protocol)
			}
		}
	}
	return "", errs.ErrNotFound
}

func (c *xuiClient) listInbounds(ctx context.Context) ([]xuiInbound, error) {
	resp, err := c.get(ctx, "/panel/api/inbounds/list")
	if err != nil {
		return nil, providerErr("xui list inbounds", err)
	}
	if !resp.Success {
		return nil, providerErrf("xui list inbounds", "panel rejected request: %s", resp.Msg)
	}

	var inbounds []xuiInbound
	if err := json.Unmarshal(resp.Obj, &inbounds); err != nil {
		return nil, providerErr("xui list inbounds", err)
	}
	return inbounds, nil
}

func (c *xuiClient) post(ctx context.Context, path string, body []byte) (*xuiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *xuiClient) get(ctx context.Context, path string) (*xuiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.do(req)
}

func (c *xuiClient) do(req *http.Request) (*xuiResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("panel returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result xuiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w (body: %s)", err, string(respBody))
	}
	return &result, nil
}

func (c *xuiClient) panelHost() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL
	}
	return u.Hostname()
}

func isDuplicateMsg(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "duplicate") || strings.Contains(lower, "exist")
}
