package models

// ==================== Internal API DTOs ====================

// CreateKeyRequest is sent by the settlement service once money is confirmed.
type CreateKeyRequest struct {
	OwnerID         string `json:"owner_id" binding:"required"`
	Kind            string `json:"kind" binding:"required"`
	LocationID      string `json:"location_id"`
	DurationSeconds int64  `json:"duration_seconds"`
	PaymentRef      string `json:"payment_ref,omitempty"`
}

// ExtendKeyRequest extends a key after a renewal purchase.
type ExtendKeyRequest struct {
	AdditionalSeconds int64  `json:"additional_seconds" binding:"required"`
	PaymentRef        string `json:"payment_ref,omitempty"`
}

// SwitchServerRequest moves a key to a server in another location.
type SwitchServerRequest struct {
	LocationID string `json:"location_id" binding:"required"`
}

// KeyResponse is the key row as exposed over the API.
type KeyResponse struct {
	KeyID           string `json:"key_id"`
	OwnerID         string `json:"owner_id"`
	Kind            string `json:"kind"`
	State           string `json:"state"`
	ExpiresAt       string `json:"expires_at"`
	ServerID        string `json:"server_id,omitempty"`
	LocationName    string `json:"location_name,omitempty"`
	SwitchAllowance int    `json:"switch_allowance"`
	CreatedAt       string `json:"created_at"`
}

// AccessConfigResponse carries the provider connection string for a key.
type AccessConfigResponse struct {
	KeyID     string `json:"key_id"`
	ConfigURL string `json:"config_url"`
}

// ServerStatusResponse is the admin view of a server.
type ServerStatusResponse struct {
	ServerID     string `json:"server_id"`
	Name         string `json:"name"`
	ProviderType string `json:"provider_type"`
	FreeTier     bool   `json:"free_tier"`
	Enabled      bool   `json:"enabled"`
	Load         int    `json:"load"`
	HostCapacity int    `json:"host_capacity"`
	LocationName string `json:"location_name"`
}
