package models

import (
	"time"
)

// Panel provider type constants (discriminate the panel adapter)
const (
	ProviderXUI     = "xui"
	ProviderOutline = "outline"
)

// Server is one proxy-panel endpoint capable of hosting clients.
// Load is a cache of the panel's client count, reconciled from ListClients
// after every provisioning call; it must never be treated as more
// authoritative than what the panel reports.
type Server struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ProviderType string    `json:"provider_type"`
	PanelURL     string    `json:"-"`
	Username     string    `json:"-"`
	Password     string    `json:"-"`
	APIKey       string    `json:"-"`
	InboundID    int       `json:"-"`
	FreeTier     bool      `json:"free_tier"`
	Enabled      bool      `json:"enabled"`
	Load         int       `json:"load"`
	VDSID        string    `json:"vds_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// VDS is a physical or virtual machine hosting one or more servers.
// Capacity caps the aggregate client load across its servers.
type VDS struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Address    string    `json:"address"`
	Capacity   int       `json:"capacity"`
	Enabled    bool      `json:"enabled"`
	LocationID string    `json:"location_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Location is a named group of hosts exposed to allocation requests.
// Segment optionally scopes the location to a customer segment.
type Location struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	Segment   *string   `json:"segment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EligibleServer is a server row joined with its host's capacity and
// location name, as returned by the eligibility query.
type EligibleServer struct {
	Server
	HostCapacity int    `json:"host_capacity"`
	LocationName string `json:"location_name"`
}

// HasRoom reports whether the cached load is strictly below the host capacity.
func (s *EligibleServer) HasRoom() bool {
	return s.Load < s.HostCapacity
}
