package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paylance/escrowd/internal/convert"
	"github.com/paylance/escrowd/internal/pagination"
	"github.com/paylance/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows/:id", h.GetEscrow)
	r.POST("/escrows/:id/fund", h.FundEscrow)
	r.POST("/escrows/:id/release", h.RequestRelease)
	r.POST("/escrows/:id/cancel", h.RequestCancel)
	r.GET("/accounts/:account/escrows", h.ListEscrows)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAccount("payer_account", req.PayerAccount),
		validation.ValidAccount("payee_account", req.PayeeAccount),
		validation.ValidCurrency("currency", req.Currency),
		validation.ValidAmount("amount", req.Amount, req.Currency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	rec, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeEscrowError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": rec})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id := c.Param("id")

	rec, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeEscrowError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// ListEscrows handles GET /v1/accounts/:account/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	account := c.Param("account")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed or expired",
		})
		return
	}

	// Fetch one extra to learn whether another page exists.
	escrows, err := h.service.ListByAccount(c.Request.Context(), account, limit+1, cursor)
	if err != nil {
		writeEscrowError(c, err)
		return
	}

	escrows, nextCursor, hasMore := pagination.ComputePage(escrows, limit, func(r *Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})

	resp := gin.H{
		"escrows": escrows,
		"count":   len(escrows),
		"hasMore": hasMore,
	}
	if nextCursor != "" {
		resp["nextCursor"] = nextCursor
	}
	c.JSON(http.StatusOK, resp)
}

// FundEscrow handles POST /v1/escrows/:id/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	id := c.Param("id")

	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "signedTransfer is required",
		})
		return
	}

	rec, err := h.service.Fund(c.Request.Context(), id, req)
	if err != nil {
		writeEscrowError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// RequestRelease handles POST /v1/escrows/:id/release
func (h *Handler) RequestRelease(c *gin.Context) {
	id := c.Param("id")

	var req ActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "requestedBy is required",
		})
		return
	}

	rec, err := h.service.RequestRelease(c.Request.Context(), id, req.RequestedBy)
	if err != nil {
		writeEscrowError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// RequestCancel handles POST /v1/escrows/:id/cancel
func (h *Handler) RequestCancel(c *gin.Context) {
	id := c.Param("id")

	var req ActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "requestedBy is required",
		})
		return
	}

	rec, err := h.service.RequestCancel(c.Request.Context(), id, req.RequestedBy)
	if err != nil {
		writeEscrowError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// writeEscrowError maps the error taxonomy onto HTTP statuses.
func writeEscrowError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrVersionConflict):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_amount"
	case errors.Is(err, ErrSameAccount):
		status = http.StatusBadRequest
		code = "same_account"
	case errors.Is(err, ErrProofMismatch):
		status = http.StatusBadRequest
		code = "proof_mismatch"
	case errors.Is(err, ErrLedgerRejected):
		status = http.StatusBadGateway
		code = "ledger_rejected"
	case errors.Is(err, convert.ErrQuoteExpired):
		status = http.StatusConflict
		code = "quote_expired"
	case errors.Is(err, convert.ErrConversionFailed):
		status = http.StatusBadGateway
		code = "conversion_failed"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
