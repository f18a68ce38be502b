package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	holds := r.Group("/holds")
	holds.Use(validation.IDParamMiddleware())
	holds.POST("", h.CreateHold)
	holds.GET("/:id", h.GetHold)
	holds.POST("/:id/release", h.ReleaseHold)
	holds.POST("/:id/refunds", h.RequestRefund)
	holds.GET("/:id/refunds", h.ListRefunds)
	holds.GET("/:id/transactions", h.ListTransactions)

	r.GET("/refunds/:id", validation.IDParamMiddleware(), h.GetRefund)

	bookings := r.Group("/bookings")
	bookings.Use(validation.IDParamMiddleware("bookingId"))
	bookings.GET("/:bookingId/hold", h.GetHoldByBooking)
	bookings.GET("/:bookingId/status", h.GetBookingStatus)
	bookings.POST("/:bookingId/completed", h.BookingCompleted)
}

// RegisterAdminRoutes sets up admin-only routes. The group must already
// require the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/refunds/pending", h.PendingRefunds)
	r.POST("/refunds/:id/approve", validation.IDParamMiddleware(), h.ApproveRefund)
	r.POST("/refunds/:id/reject", validation.IDParamMiddleware(), h.RejectRefund)
	r.GET("/audit", h.QueryAudit)
}

// CreateHold handles POST /v1/holds
func (h *Handler) CreateHold(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("bookingId", req.BookingID),
		validation.ValidID("bookingId", req.BookingID),
		validation.Required("customerId", req.CustomerID),
		validation.ValidID("customerId", req.CustomerID),
		validation.Required("providerId", req.ProviderID),
		validation.ValidID("providerId", req.ProviderID),
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("category", req.Category, 64),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	hold, err := h.service.CreateHold(c.Request.Context(), req, actor)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"hold": hold})
}

// GetHold handles GET /v1/holds/:id
func (h *Handler) GetHold(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	hold, err := h.service.Get(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": hold})
}

// GetHoldByBooking handles GET /v1/bookings/:bookingId/hold
func (h *Handler) GetHoldByBooking(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	hold, err := h.service.GetByBooking(c.Request.Context(), c.Param("bookingId"), actor)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": hold})
}

// BookingCompleted handles POST /v1/bookings/:bookingId/completed
func (h *Handler) BookingCompleted(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	hold, err := h.service.OnBookingCompleted(c.Request.Context(), c.Param("bookingId"), actor)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"hold":          hold,
		"canBeReleased": hold.Status == ledger.HoldHeld,
	})
}

// GetBookingStatus handles GET /v1/bookings/:bookingId/status
func (h *Handler) GetBookingStatus(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	bookingID := c.Param("bookingId")
	// Visibility follows the hold.
	if _, err := h.service.GetByBooking(ctx, bookingID, actor); err != nil {
		WriteError(c, err)
		return
	}
	status, err := h.service.BookingStatus(ctx, bookingID)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bookingStatus": status})
}

// ReleaseHold handles POST /v1/holds/:id/release
func (h *Handler) ReleaseHold(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	hold, err := h.service.Release(c.Request.Context(), c.Param("id"), actor)
	if err != nil && hold == nil {
		WriteError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"hold": hold}, err)
}

// RequestRefund handles POST /v1/holds/:id/refunds
func (h *Handler) RequestRefund(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
		validation.MaxLength("notes", req.Notes, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	req.HoldID = c.Param("id")
	req.Reason = validation.SanitizeString(req.Reason, validation.MaxStringLength)
	req.Notes = validation.SanitizeString(req.Notes, validation.MaxStringLength)

	refund, err := h.service.Refund(c.Request.Context(), req, actor)
	if err != nil && refund == nil {
		WriteError(c, err)
		return
	}
	code := http.StatusCreated
	if refund.Status == ledger.RefundPending {
		code = http.StatusAccepted
	}
	respond(c, code, gin.H{"refund": refund}, err)
}

// ListRefunds handles GET /v1/holds/:id/refunds
func (h *Handler) ListRefunds(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	refunds, err := h.service.ListRefunds(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"refunds": refunds,
		"count":   len(refunds),
	})
}

// GetRefund handles GET /v1/refunds/:id
func (h *Handler) GetRefund(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	refund, err := h.service.GetRefund(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": refund})
}

// ListTransactions handles GET /v1/holds/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	txs, err := h.service.ListWalletTransactions(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// PendingRefunds handles GET /v1/admin/refunds/pending
func (h *Handler) PendingRefunds(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	refunds, err := h.service.PendingRefunds(c.Request.Context(), QueryLimit(c, 50, 200), actor)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"refunds": refunds,
		"count":   len(refunds),
	})
}

type reviewBody struct {
	Notes string `json:"notes"`
}

// ApproveRefund handles POST /v1/admin/refunds/:id/approve
func (h *Handler) ApproveRefund(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	var body reviewBody
	_ = c.ShouldBindJSON(&body)

	refund, err := h.service.ApproveRefund(c.Request.Context(), c.Param("id"),
		validation.SanitizeString(body.Notes, validation.MaxStringLength), actor)
	if err != nil && refund == nil {
		WriteError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"refund": refund}, err)
}

// RejectRefund handles POST /v1/admin/refunds/:id/reject
func (h *Handler) RejectRefund(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	var body reviewBody
	_ = c.ShouldBindJSON(&body)

	refund, err := h.service.RejectRefund(c.Request.Context(), c.Param("id"),
		validation.SanitizeString(body.Notes, validation.MaxStringLength), actor)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": refund})
}

// QueryAudit handles GET /v1/admin/audit
func (h *Handler) QueryAudit(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	cursor := c.Query("cursor")
	if _, err := pagination.Decode(cursor); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}
	limit := QueryLimit(c, 50, 500)
	entries, err := h.service.AuditLog(c.Request.Context(), ledger.AuditQuery{
		TargetType: c.Query("targetType"),
		TargetID:   c.Query("targetId"),
		ActorID:    c.Query("actorId"),
		Cursor:     cursor,
		Limit:      limit + 1,
	}, actor)
	if err != nil {
		WriteError(c, err)
		return
	}
	entries, next, more := pagination.ComputePage(entries, limit, func(e *ledger.AuditEntry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"entries":    entries,
		"count":      len(entries),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// QueryLimit reads ?limit= clamped to [1, max].
func QueryLimit(c *gin.Context, def, max int) int {
	limit := def
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > max {
				limit = max
			}
		}
	}
	return limit
}

func mustActor(c *gin.Context) (ledger.Actor, bool) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Bearer token required.",
		})
	}
	return actor, ok
}

// respond writes a committed result. A failed post-commit transfer turns
// the response into 202: the ledger change stands and reconciliation will
// retry the transfer.
func respond(c *gin.Context, code int, body gin.H, err error) {
	if err != nil && errors.Is(err, ledger.ErrExternalTransferFailed) {
		body["warning"] = gin.H{
			"error":   "external_transfer_failed",
			"message": "Ledger updated; the processor transfer failed and is queued for retry",
		}
		c.JSON(http.StatusAccepted, body)
		return
	}
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(code, body)
}

// WriteError maps engine errors to HTTP responses.
func WriteError(c *gin.Context, err error) {
	code, kind := ErrorStatus(err)
	if code >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
	}
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.JSON(code, gin.H{
		"error":   kind,
		"message": msg,
	})
}

// ErrorStatus returns the HTTP status and error code for err.
func ErrorStatus(err error) (int, string) {
	switch {
	case ledger.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrNotAuthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ledger.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ledger.ErrAmountExceedsHold):
		return http.StatusConflict, "amount_exceeds_hold"
	case errors.Is(err, ledger.ErrDuplicateHold):
		return http.StatusConflict, "duplicate_hold"
	case errors.Is(err, ledger.ErrDuplicateDispute):
		return http.StatusConflict, "duplicate_dispute"
	case errors.Is(err, ledger.ErrAppealWindowClosed):
		return http.StatusConflict, "appeal_window_closed"
	case errors.Is(err, ledger.ErrDisputeBlocking):
		return http.StatusConflict, "dispute_blocking"
	case errors.Is(err, ledger.ErrHoldNotHeld):
		return http.StatusConflict, "hold_not_held"
	case errors.Is(err, ledger.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ledger.ErrExternalTransferFailed):
		return http.StatusAccepted, "external_transfer_failed"
	case errors.Is(err, ledger.ErrCommitUnknown):
		return http.StatusInternalServerError, "commit_outcome_unknown"
	case ledger.IsRetryable(err):
		return http.StatusServiceUnavailable, "retry_later"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
