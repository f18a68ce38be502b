package dispute

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.FileDispute)
	r.GET("/disputes", h.ListDisputes)
	r.GET("/disputes/:id", validation.IDParamMiddleware(), h.GetDispute)
	r.POST("/disputes/:id/appeal", validation.IDParamMiddleware(), h.Appeal)
	r.GET("/holds/:id/dispute", validation.IDParamMiddleware(), h.HoldDisputeStatus)
}

// RegisterAdminRoutes sets up admin-only dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	g := r.Group("/disputes/:id")
	g.Use(validation.IDParamMiddleware())
	g.POST("/status", h.AdvanceStatus)
	g.POST("/resolve", h.Resolve)
	g.POST("/close", h.Close)
}

// FileDispute handles POST /v1/disputes
func (h *Handler) FileDispute(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		unauthorized(c)
		return
	}
	var req FileRequest
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
		validation.Required("disputeType", string(req.Type)),
		validation.Required("description", req.Description),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)

	d, err := h.service.FileDispute(c.Request.Context(), req, actor)
	if err != nil {
		escrow.WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		unauthorized(c)
		return
	}
	d, err := h.service.Get(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		escrow.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/disputes?status=&priority=&holdId=&cursor=&limit=
func (h *Handler) ListDisputes(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		unauthorized(c)
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
	status := ledger.DisputeStatus(c.Query("status"))
	priority := ledger.Priority(c.Query("priority"))
	if priority != "" && !priority.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "priority: unknown value",
		})
		return
	}

	limit := escrow.QueryLimit(c, 50, 200)
	disputes, err := h.service.List(c.Request.Context(), ledger.DisputeFilter{
		Status:   status,
		Priority: priority,
		HoldID:   c.Query("holdId"),
		Cursor:   cursor,
		Limit:    limit + 1,
	}, actor)
	if err != nil {
		escrow.WriteError(c, err)
		return
	}
	disputes, next, more := pagination.ComputePage(disputes, limit, func(d *ledger.Dispute) (time.Time, string) {
		return d.CreatedAt, d.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"disputes":   disputes,
		"count":      len(disputes),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// HoldDisputeStatus handles GET /v1/holds/:id/dispute
func (h *Handler) HoldDisputeStatus(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		unauthorized(c)
		return
	}
	ctx := c.Request.Context()
	holdID := c.Param("id")
	if _, err := h.service.escrow.Get(ctx, holdID, actor); err != nil {
		escrow.WriteError(c, err)
		return
	}
	active, err := h.service.HasActiveDispute(ctx, holdID)
	if err != nil {
		escrow.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holdId": holdID, "hasActiveDispute": active})
}

type advanceBody struct {
	Status ledger.DisputeStatus `json:"status" binding:"required"`
}

// AdvanceStatus handles POST /v1/admin/disputes/:id/status
func (h *Handler) AdvanceStatus(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		unauthorized(c)
		return
	}
	var body advanceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "status is required",
		})
		return
	}
	d, err := h.service.AdvanceStatus(c.Request.Context(), c.Param("id"), body.Status, actor)
	if err != nil {
		escrow.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Resolve handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		unauthorized(c)
		return
	}
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("resolution", req.Resolution),
		validation.MaxLength("resolution", req.Resolution, validation.MaxStringLength),
		validation.MaxLength("adminNotes", req.AdminNotes, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	req.DisputeID = c.Param("id")

	d, err := h.service.Resolve(c.Request.Context(), req, actor)
	if err != nil && d == nil {
		escrow.WriteError(c, err)
		return
	}
	if err != nil {
		// The dispute is resolved; only a processor transfer failed.
		code, kind := escrow.ErrorStatus(err)
		c.JSON(code, gin.H{
			"dispute": d,
			"warning": gin.H{"error": kind, "message": err.Error()},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Appeal handles POST /v1/disputes/:id/appeal
func (h *Handler) Appeal(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		unauthorized(c)
		return
	}
	d, err := h.service.Appeal(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		escrow.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type closeBody struct {
	Notes string `json:"notes"`
}

// Close handles POST /v1/admin/disputes/:id/close
func (h *Handler) Close(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		unauthorized(c)
		return
	}
	var body closeBody
	_ = c.ShouldBindJSON(&body)

	d, err := h.service.Close(c.Request.Context(), c.Param("id"),
		validation.SanitizeString(body.Notes, validation.MaxStringLength), actor)
	if err != nil {
		escrow.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func unauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": "Bearer token required.",
	})
}
