package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides admin HTTP endpoints. All routes require the
// configured bearer token.
type Handler struct {
	token      string
	reconciler ReconciliationRunner
	hub        HubStats
	sweeper    LoopStatus
	reconLoop  LoopStatus
}

// NewHandler creates a new admin handler. Token must not be empty.
func NewHandler(token string) *Handler {
	return &Handler{token: token}
}

// WithReconciler sets the reconciliation runner for on-demand runs.
func (h *Handler) WithReconciler(r ReconciliationRunner) *Handler {
	h.reconciler = r
	return h
}

// WithHub sets the realtime hub for stats reporting.
func (h *Handler) WithHub(hub HubStats) *Handler {
	h.hub = hub
	return h
}

// WithSweeper sets the escrow sweeper for status reporting.
func (h *Handler) WithSweeper(s LoopStatus) *Handler {
	h.sweeper = s
	return h
}

// WithReconciliationLoop sets the reconciliation timer for status reporting.
func (h *Handler) WithReconciliationLoop(t LoopStatus) *Handler {
	h.reconLoop = t
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	admin := r.Group("/admin", h.requireToken())
	admin.GET("/stats", h.stats)
	admin.POST("/reconcile", h.triggerReconciliation)
}

func (h *Handler) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid admin token required",
			})
			return
		}
		c.Next()
	}
}

// stats returns a snapshot of the background settlement machinery.
func (h *Handler) stats(c *gin.Context) {
	resp := gin.H{"timestamp": time.Now().UTC().Format(time.RFC3339)}
	if h.sweeper != nil {
		resp["sweeperRunning"] = h.sweeper.Running()
	}
	if h.reconLoop != nil {
		resp["reconciliationRunning"] = h.reconLoop.Running()
	}
	if h.hub != nil {
		resp["realtime"] = h.hub.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

// triggerReconciliation runs an on-demand custody reconciliation.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}
