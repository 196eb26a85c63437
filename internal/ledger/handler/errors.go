package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/batchledger/internal/ledger/model"
)

// errorBody is the JSON shape of every error response:
//
//	{"error": {"code": "...", "message": "...", ...}}
func errorBody(code, message string, extra gin.H) gin.H {
	body := gin.H{"code": code, "message": message}
	for k, v := range extra {
		body[k] = v
	}
	return gin.H{"error": body}
}

// writeError maps ledger errors onto HTTP responses. showIntegrity controls
// whether chain integrity details reach the caller.
func writeError(c *gin.Context, logger *zap.Logger, err error, showIntegrity bool) {
	var (
		valErr      *model.ValidationError
		authzErr    *model.AuthorizationError
		invalidErr  *model.InvalidTransitionError
		staleErr    *model.StaleHeadError
		terminalErr *model.TerminalStateError
		chainErr    *model.ChainIntegrityError
		sinkErr     *model.SinkUnavailableError
		lockErr     *model.LockTimeoutError
	)

	switch {
	case errors.As(err, &valErr):
		c.JSON(http.StatusBadRequest, errorBody(valErr.Code(), valErr.Msg, nil))
	case errors.As(err, &authzErr):
		c.JSON(http.StatusForbidden, errorBody(authzErr.Code(), authzErr.Error(), gin.H{"reason": authzErr.Reason}))
	case errors.As(err, &invalidErr):
		c.JSON(http.StatusUnprocessableEntity, errorBody(invalidErr.Code(), invalidErr.Error(), gin.H{
			"from": invalidErr.From,
			"to":   invalidErr.To,
		}))
	case errors.As(err, &staleErr):
		c.JSON(http.StatusConflict, errorBody(staleErr.Code(), staleErr.Error(), gin.H{
			"retryable":         true,
			"current_head_hash": staleErr.Current,
			"sequence_number":   staleErr.Sequence,
		}))
	case errors.As(err, &terminalErr):
		c.JSON(http.StatusConflict, errorBody(terminalErr.Code(), terminalErr.Error(), gin.H{
			"retryable": false,
			"stage":     terminalErr.Stage,
		}))
	case errors.As(err, &chainErr):
		logger.Error("chain integrity failure surfaced to caller",
			zap.String("batch_id", chainErr.BatchID),
			zap.Int64("broken_at", chainErr.BrokenAt),
			zap.String("reason", chainErr.Reason),
		)
		if showIntegrity {
			c.JSON(http.StatusInternalServerError, errorBody(chainErr.Code(), chainErr.Error(), gin.H{
				"batch_id":  chainErr.BatchID,
				"broken_at": chainErr.BrokenAt,
				"reason":    chainErr.Reason,
			}))
			return
		}
		c.JSON(http.StatusInternalServerError, errorBody(chainErr.Code(), "batch history failed integrity verification", nil))
	case errors.As(err, &sinkErr):
		c.JSON(http.StatusServiceUnavailable, errorBody(sinkErr.Code(), sinkErr.Error(), gin.H{"retryable": true}))
	case errors.As(err, &lockErr):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, errorBody(lockErr.Code(), lockErr.Error(), gin.H{"retryable": true}))
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody(model.CodeNotFound, "not found", nil))
	default:
		logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("internal", "internal error", nil))
	}
}
