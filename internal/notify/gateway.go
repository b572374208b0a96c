package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// GatewayNotifier posts notifications to the bot gateway, which owns
// localization and actual message delivery.
type GatewayNotifier struct {
	baseURL     string
	internalKey string
	httpClient  *http.Client
}

func NewGatewayNotifier(baseURL, internalKey string) *GatewayNotifier {
	return &GatewayNotifier{
		baseURL:     baseURL,
		internalKey: internalKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type notifyRequest struct {
	OwnerID string            `json:"owner_id"`
	Kind    string            `json:"kind"`
	Context map[string]string `json:"context,omitempty"`
}

// Notify sends one message request to the gateway.
func (c *GatewayNotifier) Notify(ctx context.Context, ownerID string, kind MessageKind, msgContext map[string]string) error {
	url := fmt.Sprintf("%s/api/internal/notify", c.baseURL)

	body, err := json.Marshal(&notifyRequest{
		OwnerID: ownerID,
		Kind:    string(kind),
		Context: msgContext,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Secret", c.internalKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("bot gateway returned status %d", resp.StatusCode)
	}

	return nil
}
