// Package handler implements the HTTP endpoints of the sync service.
package handler

import (
	"net/http"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/erp/invoicesync/internal/domain/shared"
	"github.com/erp/invoicesync/internal/infrastructure/logger"
	"github.com/erp/invoicesync/internal/interfaces/http/dto"
	"github.com/erp/invoicesync/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// BaseHandler provides common handler utilities
type BaseHandler struct{}

// Success sends a success response
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// Created sends a 201 created response
func (h *BaseHandler) Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, dto.NewSuccessResponse(data))
}

// NoContent sends a 204 no content response
func (h *BaseHandler) NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Error sends an error response with the status derived from code
func (h *BaseHandler) Error(c *gin.Context, code, message string) {
	c.Set(middleware.ErrorCodeKey, code)
	c.JSON(dto.GetHTTPStatus(code), dto.NewErrorResponseWithRequestID(code, message, middleware.GetRequestID(c)))
}

// HandleError converts a service error into its code and status.
// Unclassified errors are logged and reported without their text.
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}

	de := integration.ToDomainError(err)
	status := dto.GetHTTPStatus(de.Code)

	log := logger.FromGin(c)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", zap.String("code", de.Code), zap.Error(err))
	} else {
		log.Debug("Request rejected", zap.String("code", de.Code), zap.Error(err))
	}
	_ = c.Error(err)

	message := de.Message
	if de.Code == shared.CodeInternalError {
		message = "An unexpected error occurred"
	}
	h.Error(c, de.Code, message)
}
