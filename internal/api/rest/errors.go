package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dimagi/casecore/internal/api/shared/errors"
	"github.com/dimagi/casecore/internal/logger"
)

// respondBadRequest responds with a bad request error
func respondBadRequest(c *gin.Context, message string, details ...string) {
	c.JSON(http.StatusBadRequest, errors.NewBadRequestError(message, details...))
}

// respondValidationError responds with a validation error
func respondValidationError(c *gin.Context, message string) {
	c.JSON(http.StatusUnprocessableEntity, errors.NewValidationError(message))
}

// respondError maps an engine error to its status; server side failures are logged
func respondError(c *gin.Context, err error, message string, fields ...zap.Field) {
	status, apiErr := errors.FromDomainError(err, message)
	if status >= http.StatusInternalServerError {
		logger.ErrorCtx(c.Request.Context(), err, fields...)
	} else {
		logger.WarnCtx(c.Request.Context(), message, append(fields, zap.Error(err))...)
	}
	c.JSON(status, apiErr)
}
