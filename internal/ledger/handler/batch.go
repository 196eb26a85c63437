package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/batchledger/internal/identity"
	"github.com/jmerrifield20/batchledger/internal/ledger/model"
	"github.com/jmerrifield20/batchledger/internal/ledger/service"
	"github.com/jmerrifield20/batchledger/internal/query"
)

const maxPageSize = 500

// BatchHandler handles HTTP requests for batches and their event chains.
type BatchHandler struct {
	recorder  *service.Recorder
	projector *query.Projector
	roles     identity.Registry
	logger    *zap.Logger
}

// NewBatchHandler creates a new BatchHandler. roles is consulted to decide
// whether a caller is a regulator.
func NewBatchHandler(recorder *service.Recorder, projector *query.Projector, roles identity.Registry, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{recorder: recorder, projector: projector, roles: roles, logger: logger}
}

// Register mounts the batch routes on the given router group.
func (h *BatchHandler) Register(rg *gin.RouterGroup) {
	batches := rg.Group("/batches")
	{
		batches.POST("", identity.RequirePrincipal(), h.CreateBatch)
		batches.GET("", h.ListBatches)
		batches.GET("/:id", h.GetBatch)
		batches.POST("/:id/events", identity.RequirePrincipal(), h.AppendEvent)
		batches.GET("/:id/history", h.History)
		batches.GET("/:id/verify", h.Verify)
	}
	rg.GET("/summaries", h.Summaries)
}

// CreateBatch handles POST /batches: opens a batch with its genesis event.
func (h *BatchHandler) CreateBatch(c *gin.Context) {
	var req model.CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, model.Validationf("invalid request body: %v", err), false)
		return
	}
	p := identity.PrincipalFromCtx(c)

	b, genesis, err := h.recorder.CreateBatch(c.Request.Context(), service.CreateRequest{
		BatchID: req.BatchID,
		Product: req.Product,
		ActorID: p.ActorID,
		Role:    req.Role,
		Payload: req.Payload,
	})
	if err != nil {
		writeError(c, h.logger, err, false)
		return
	}
	RecordBatchCreated()

	c.JSON(http.StatusCreated, gin.H{
		"batch":           b,
		"head_hash":       b.HeadHash,
		"sequence_number": b.Sequence,
		"event":           genesis,
	})
}

// AppendEvent handles POST /batches/:id/events: proposes the next stage event.
func (h *BatchHandler) AppendEvent(c *gin.Context) {
	var req model.AppendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		err := model.Validationf("invalid request body: %v", err)
		RecordAppend(err)
		writeError(c, h.logger, err, false)
		return
	}
	p := identity.PrincipalFromCtx(c)
	ctx := c.Request.Context()

	res, err := h.recorder.Append(ctx, service.AppendRequest{
		BatchID:          c.Param("id"),
		ActorID:          p.ActorID,
		Role:             req.Role,
		Stage:            req.ProposedStage,
		SubStage:         req.SubStage,
		Payload:          req.Payload,
		ExpectedHeadHash: req.ExpectedHeadHash,
	})
	RecordAppend(err)
	if err != nil {
		writeError(c, h.logger, err, h.isRegulator(ctx, p))
		return
	}
	c.JSON(http.StatusCreated, res)
}

// GetBatch handles GET /batches/:id.
func (h *BatchHandler) GetBatch(c *gin.Context) {
	b, err := h.projector.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err, false)
		return
	}
	c.JSON(http.StatusOK, b)
}

// History handles GET /batches/:id/history?from=&limit=.
func (h *BatchHandler) History(c *gin.Context) {
	from, err := strconv.ParseInt(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil || from < 0 {
		writeError(c, h.logger, model.Validationf("from must be a non-negative integer"), false)
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	events, err := h.projector.HistoryPage(c.Request.Context(), c.Param("id"), from, limit)
	if err != nil {
		writeError(c, h.logger, err, false)
		return
	}
	resp := gin.H{"batch_id": c.Param("id"), "events": events}
	if len(events) > 0 && len(events) == limit {
		resp["next_from"] = events[len(events)-1].Sequence + 1
	}
	c.JSON(http.StatusOK, resp)
}

// Verify handles GET /batches/:id/verify: re-walks the chain. A failure is
// re-checked under the batch lock; a batch that still fails is quarantined
// and reported as a chain integrity error.
func (h *BatchHandler) Verify(c *gin.Context) {
	ctx := c.Request.Context()
	report, err := h.projector.VerifyIntegrity(ctx, c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err, false)
		return
	}
	if report.Valid {
		c.JSON(http.StatusOK, report)
		return
	}

	if !report.Quarantined {
		id := report.BatchID
		_, err := h.recorder.QuarantineIfBroken(ctx, id, func(ctx context.Context) (bool, int64, string, error) {
			again, err := h.projector.VerifyIntegrity(ctx, id)
			if err != nil {
				return false, 0, "", err
			}
			report = again
			if again.Valid {
				return true, 0, "", nil
			}
			return false, *again.BrokenAt, again.Reason, nil
		})
		if err != nil {
			h.logger.Error("quarantine after failed verify", zap.String("batch_id", id), zap.Error(err))
		}
		if report.Valid {
			c.JSON(http.StatusOK, report)
			return
		}
	}

	RecordIntegrityFailure()
	writeError(c, h.logger, &model.ChainIntegrityError{
		BatchID:  report.BatchID,
		BrokenAt: *report.BrokenAt,
		Reason:   report.Reason,
	}, h.isRegulator(ctx, identity.PrincipalFromCtx(c)))
}

// ListBatches handles GET /batches?stage=&product=&origin=&limit=&offset=.
func (h *BatchHandler) ListBatches(c *gin.Context) {
	f, ok := batchFilter(c)
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		writeError(c, h.logger, model.Validationf("offset must be a non-negative integer"), false)
		return
	}
	f.Limit, f.Offset = limit, offset

	batches, err := h.projector.ListBatches(c.Request.Context(), f)
	if err != nil {
		writeError(c, h.logger, err, false)
		return
	}
	if batches == nil {
		batches = []*model.Batch{}
	}
	c.JSON(http.StatusOK, gin.H{"batches": batches, "count": len(batches)})
}

// Summaries handles GET /summaries?product=&origin=: batch counts per stage.
func (h *BatchHandler) Summaries(c *gin.Context) {
	f, ok := batchFilter(c)
	if !ok {
		return
	}
	s, err := h.projector.Summaries(c.Request.Context(), f)
	if err != nil {
		writeError(c, h.logger, err, false)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *BatchHandler) isRegulator(ctx context.Context, p *identity.Principal) bool {
	return hasRole(ctx, h.roles, p, model.RoleRegulator)
}

// hasRole checks the registry, not the token claims.
func hasRole(ctx context.Context, reg identity.Registry, p *identity.Principal, want model.Role) bool {
	if p == nil || reg == nil {
		return false
	}
	roles, err := reg.Roles(ctx, p.ActorID)
	if err != nil {
		return false
	}
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

func batchFilter(c *gin.Context) (model.BatchFilter, bool) {
	f := model.BatchFilter{
		Product:       c.Query("product"),
		OriginActorID: c.Query("origin"),
		Stage:         model.Stage(c.Query("stage")),
	}
	if f.Stage != "" && !f.Stage.Valid() {
		c.JSON(http.StatusBadRequest, errorBody(model.CodeValidation, "unknown stage "+strconv.Quote(string(f.Stage)), nil))
		return f, false
	}
	return f, true
}

func queryLimit(c *gin.Context) (int, bool) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 || limit > maxPageSize {
		c.JSON(http.StatusBadRequest, errorBody(model.CodeValidation, "limit must be between 1 and "+strconv.Itoa(maxPageSize), nil))
		return 0, false
	}
	return limit, true
}
