package prefs

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paylance/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for currency preferences.
type Handler struct {
	service *Service
}

// NewHandler creates a new preference handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up preference routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:account/preferences", h.GetPreferences)
	r.PUT("/accounts/:account/preferences", h.SetPreferences)
}

// SetRequest is the body for PUT /v1/accounts/:account/preferences.
type SetRequest struct {
	Currency string `json:"currency" binding:"required"`
}

// GetPreferences handles GET /v1/accounts/:account/preferences
func (h *Handler) GetPreferences(c *gin.Context) {
	account := c.Param("account")

	currency, err := h.service.PreferredCurrency(c.Request.Context(), account)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account":  account,
		"currency": currency,
	})
}

// SetPreferences handles PUT /v1/accounts/:account/preferences
func (h *Handler) SetPreferences(c *gin.Context) {
	account := c.Param("account")

	var req SetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "currency is required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	if err := h.service.SetPreferred(c.Request.Context(), account, req.Currency); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account":  account,
		"currency": req.Currency,
	})
}
