package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/batchledger/internal/anchor"
	"github.com/jmerrifield20/batchledger/internal/identity"
	"github.com/jmerrifield20/batchledger/internal/ledger/model"
	"github.com/jmerrifield20/batchledger/internal/query"
)

// AnchorHandler exposes anchor receipts, inclusion proofs and explicit
// publish runs.
type AnchorHandler struct {
	projector *query.Projector
	publisher *anchor.Publisher
	roles     identity.Registry
	logger    *zap.Logger
}

// NewAnchorHandler creates a new AnchorHandler.
func NewAnchorHandler(projector *query.Projector, publisher *anchor.Publisher, roles identity.Registry, logger *zap.Logger) *AnchorHandler {
	return &AnchorHandler{projector: projector, publisher: publisher, roles: roles, logger: logger}
}

// Register mounts the anchor routes on the given router group.
func (h *AnchorHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/anchors")
	{
		a.GET("", h.List)
		a.POST("/publish", identity.RequirePrincipal(), h.Publish)
		a.GET("/:id", h.Get)
		a.GET("/:id/proof/:batch", h.Proof)
	}
}

// List handles GET /anchors?status=&limit=: newest receipts first.
func (h *AnchorHandler) List(c *gin.Context) {
	status := model.ReceiptStatus(c.Query("status"))
	switch status {
	case "", model.ReceiptPending, model.ReceiptConfirmed, model.ReceiptUnknown:
	default:
		writeError(c, h.logger, model.Validationf("unknown receipt status %q", status), false)
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > maxPageSize {
		writeError(c, h.logger, model.Validationf("limit must be between 1 and %d", maxPageSize), false)
		return
	}

	receipts, err := h.projector.ListReceipts(c.Request.Context(), status, limit)
	if err != nil {
		writeError(c, h.logger, err, false)
		return
	}
	if receipts == nil {
		receipts = []*model.AnchorReceipt{}
	}
	c.JSON(http.StatusOK, gin.H{"anchors": receipts, "count": len(receipts)})
}

// Get handles GET /anchors/:id.
func (h *AnchorHandler) Get(c *gin.Context) {
	r, err := h.projector.GetReceipt(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err, false)
		return
	}
	c.JSON(http.StatusOK, r)
}

// Proof handles GET /anchors/:id/proof/:batch: Merkle inclusion proof of
// the batch head covered by the anchor.
func (h *AnchorHandler) Proof(c *gin.Context) {
	proof, err := h.publisher.Proof(c.Request.Context(), c.Param("id"), c.Param("batch"))
	if err != nil {
		writeError(c, h.logger, err, false)
		return
	}
	c.JSON(http.StatusOK, proof)
}

// Publish handles POST /anchors/publish: runs the publisher now. Regulator only.
func (h *AnchorHandler) Publish(c *gin.Context) {
	ctx := c.Request.Context()
	p := identity.PrincipalFromCtx(c)
	if !hasRole(ctx, h.roles, p, model.RoleRegulator) {
		writeError(c, h.logger, &model.AuthorizationError{
			Reason:  model.DenyRoleMismatch,
			ActorID: p.ActorID,
			Role:    model.RoleRegulator,
		}, false)
		return
	}

	receipt, err := h.publisher.RunOnce(ctx)
	if err != nil {
		writeError(c, h.logger, err, true)
		return
	}
	if receipt == nil {
		c.JSON(http.StatusOK, gin.H{"anchored": false, "message": "no batch heads changed since the last anchor"})
		return
	}
	h.logger.Info("explicit anchor run",
		zap.String("actor_id", p.ActorID),
		zap.String("anchor_id", receipt.AnchorID),
	)
	c.JSON(http.StatusCreated, gin.H{"anchored": true, "receipt": receipt})
}
