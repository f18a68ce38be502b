package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	expiry    ExpiryRunner
	retrier   TransferRetrier
	transfers TransferLister
	outbox    OutboxFlusher
	now       func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{now: time.Now}
}

// WithExpiry sets the expiry scheduler for on-demand passes.
func (h *Handler) WithExpiry(r ExpiryRunner) *Handler {
	h.expiry = r
	return h
}

// WithReconciler sets the transfer retrier and the listing source.
func (h *Handler) WithReconciler(r TransferRetrier, l TransferLister) *Handler {
	h.retrier = r
	h.transfers = l
	return h
}

// WithOutbox sets the outbox relay for on-demand flushes.
func (h *Handler) WithOutbox(f OutboxFlusher) *Handler {
	h.outbox = f
	return h
}

// RegisterRoutes sets up admin routes on a group already restricted to admins.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/expiry/run", h.runExpiry)
	r.GET("/transfers/due", h.listDueTransfers)
	r.POST("/transfers/:id/retry", validation.IDParamMiddleware(), h.retryTransfer)
	r.POST("/reconciliation/run", h.runReconciliation)
	r.POST("/outbox/run", h.flushOutbox)
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":   "not_configured",
		"message": what + " not configured",
	})
}

// runExpiry releases expired holds now instead of waiting for the next tick.
func (h *Handler) runExpiry(c *gin.Context) {
	if h.expiry == nil {
		unavailable(c, "expiry scheduler")
		return
	}
	res, err := h.expiry.RunOnce(c.Request.Context())
	if err != nil {
		escrow.WriteError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("manual expiry pass", "claimed", res.Claimed, "released", res.Released)
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// listDueTransfers returns failed transfers whose retry is due.
func (h *Handler) listDueTransfers(c *gin.Context) {
	if h.transfers == nil {
		unavailable(c, "reconciliation")
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	txs, err := h.transfers.ListTransfersDue(c.Request.Context(), h.now(), limit)
	if err != nil {
		escrow.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfers": txs, "count": len(txs)})
}

// retryTransfer re-attempts one transfer, including ones abandoned after
// the automatic retries ran out.
func (h *Handler) retryTransfer(c *gin.Context) {
	if h.retrier == nil {
		unavailable(c, "reconciliation")
		return
	}
	wt, err := h.retrier.RetryTransfer(c.Request.Context(), c.Param("id"))
	if err != nil {
		escrow.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": wt})
}

// runReconciliation retries every due transfer now.
func (h *Handler) runReconciliation(c *gin.Context) {
	if h.retrier == nil {
		unavailable(c, "reconciliation")
		return
	}
	res, err := h.retrier.RetryDue(c.Request.Context())
	if err != nil {
		escrow.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// flushOutbox publishes one batch of pending events now.
func (h *Handler) flushOutbox(c *gin.Context) {
	if h.outbox == nil {
		unavailable(c, "outbox relay")
		return
	}
	n, err := h.outbox.RunOnce(c.Request.Context())
	if err != nil {
		escrow.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"published": n})
}
