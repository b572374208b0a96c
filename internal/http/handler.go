package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wenwu/saas-platform/key-service/internal/capacity"
	"github.com/wenwu/saas-platform/key-service/internal/errs"
	"github.com/wenwu/saas-platform/key-service/internal/models"
	"github.com/wenwu/saas-platform/key-service/internal/repository"
	"github.com/wenwu/saas-platform/key-service/internal/service"
)

type Handler struct {
	subscription *service.SubscriptionService
	servers      repository.ServerRepository
	locations    repository.LocationRepository
	logs         repository.LogRepository
	registry     *capacity.Registry
}

func NewHandler(
	subscription *service.SubscriptionService,
	servers repository.ServerRepository,
	locations repository.LocationRepository,
	logs repository.LogRepository,
	registry *capacity.Registry,
) *Handler {
	return &Handler{
		subscription: subscription,
		servers:      servers,
		locations:    locations,
		logs:         logs,
		registry:     registry,
	}
}

// respondError maps the error taxonomy onto HTTP statuses. Provider
// failures surface as a generic retry-later signal without panel details.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errs.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, errs.ErrCapacityExhausted):
		c.JSON(http.StatusConflict, gin.H{"error": "no server capacity available in this location"})
	case errors.Is(err, errs.ErrSwitchLimitReached):
		c.JSON(http.StatusConflict, gin.H{"error": "server switch limit reached"})
	case errors.Is(err, errs.ErrProviderUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provisioning temporarily unavailable, try again later"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func keyResponse(key *models.Key) *models.KeyResponse {
	resp := &models.KeyResponse{
		KeyID:           key.ID,
		OwnerID:         key.OwnerID,
		Kind:            key.Kind,
		State:           key.State(time.Now()),
		ExpiresAt:       key.ExpiresAt.Format(time.RFC3339),
		SwitchAllowance: key.SwitchAllowance,
		CreatedAt:       key.CreatedAt.Format(time.RFC3339),
	}
	if key.ServerID != nil {
		resp.ServerID = *key.ServerID
	}
	return resp
}

// ==================== Internal API Handlers ====================

// CreateKey provisions a new key after a confirmed purchase or grant.
func (h *Handler) CreateKey(c *gin.Context) {
	var req models.CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key, err := h.subscription.CreateKey(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, keyResponse(key))
}

// ExtendKey advances a key's expiry after a renewal purchase.
func (h *Handler) ExtendKey(c *gin.Context) {
	var req models.ExtendKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key, err := h.subscription.ExtendKey(c.Request.Context(), c.Param("id"),
		time.Duration(req.AdditionalSeconds)*time.Second, req.PaymentRef)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, keyResponse(key))
}

// RetryProvision re-runs allocation for a key that was recorded but never
// went live.
func (h *Handler) RetryProvision(c *gin.Context) {
	var req models.SwitchServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key, err := h.subscription.RetryProvision(c.Request.Context(), c.Param("id"), req.LocationID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, keyResponse(key))
}

// ==================== User API Handlers ====================

// ownedKey loads the key and verifies it belongs to the authenticated user.
func (h *Handler) ownedKey(c *gin.Context) (*models.Key, bool) {
	key, err := h.subscription.KeyByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if key.OwnerID != c.GetString("userID") {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return nil, false
	}
	return key, true
}

// ListKeys returns all keys of the authenticated user.
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.subscription.KeysForOwner(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make([]*models.KeyResponse, 0, len(keys))
	for _, key := range keys {
		resp = append(resp, keyResponse(key))
	}
	c.JSON(http.StatusOK, gin.H{"keys": resp})
}

// GetKey returns one of the user's keys.
func (h *Handler) GetKey(c *gin.Context) {
	key, ok := h.ownedKey(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, keyResponse(key))
}

// GetAccessConfig returns the provider connection string for a key.
func (h *Handler) GetAccessConfig(c *gin.Context) {
	key, ok := h.ownedKey(c)
	if !ok {
		return
	}

	configURL, err := h.subscription.AccessConfig(c.Request.Context(), key.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, &models.AccessConfigResponse{
		KeyID:     key.ID,
		ConfigURL: configURL,
	})
}

// SwitchServer moves the user's key to a server in another location.
func (h *Handler) SwitchServer(c *gin.Context) {
	key, ok := h.ownedKey(c)
	if !ok {
		return
	}

	var req models.SwitchServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updated, err := h.subscription.SwitchServer(c.Request.Context(), key.ID, req.LocationID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, keyResponse(updated))
}

// ==================== Admin API Handlers ====================

// ListServers returns every server with its load and host capacity.
func (h *Handler) ListServers(c *gin.Context) {
	servers, err := h.servers.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make([]*models.ServerStatusResponse, 0, len(servers))
	for _, srv := range servers {
		resp = append(resp, &models.ServerStatusResponse{
			ServerID:     srv.ID,
			Name:         srv.Name,
			ProviderType: srv.ProviderType,
			FreeTier:     srv.FreeTier,
			Enabled:      srv.Enabled,
			Load:         srv.Load,
			HostCapacity: srv.HostCapacity,
			LocationName: srv.LocationName,
		})
	}
	c.JSON(http.StatusOK, gin.H{"servers": resp})
}

func (h *Handler) EnableServer(c *gin.Context) {
	h.setServerEnabled(c, true)
}

func (h *Handler) DisableServer(c *gin.Context) {
	h.setServerEnabled(c, false)
}

func (h *Handler) setServerEnabled(c *gin.Context, enabled bool) {
	if err := h.servers.SetEnabled(c.Request.Context(), c.Param("id"), enabled); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ReconcileServer forces a load recount from the panel's client list.
func (h *Handler) ReconcileServer(c *gin.Context) {
	srv, err := h.servers.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	if err := h.registry.ReconcileLoad(c.Request.Context(), srv); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListLocations returns all allocation locations.
func (h *Handler) ListLocations(c *gin.Context) {
	locations, err := h.locations.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"locations": locations})
}

// DeleteKey removes the key remotely and locally. Fails without touching
// the row when the panel delete fails, so the admin can retry.
func (h *Handler) DeleteKey(c *gin.Context) {
	if err := h.subscription.DeleteKey(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *Handler) DisableKey(c *gin.Context) {
	h.setKeyDisabled(c, true)
}

func (h *Handler) EnableKey(c *gin.Context) {
	h.setKeyDisabled(c, false)
}

func (h *Handler) setKeyDisabled(c *gin.Context, disabled bool) {
	if err := h.subscription.SetKeyDisabled(c.Request.Context(), c.Param("id"), disabled); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetKeyLogs returns the operation log for a key.
func (h *Handler) GetKeyLogs(c *gin.Context) {
	logs, err := h.logs.GetByKeyID(c.Request.Context(), c.Param("id"), 50)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}
