package handler

import (
	"context"
	"errors"
	"io"

	"github.com/erp/invoicesync/internal/application/invoicing"
	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/erp/invoicesync/internal/interfaces/http/dto"
	"github.com/erp/invoicesync/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
)

// InvoiceService is the invoice creation workflow
type InvoiceService interface {
	CreateInvoice(ctx context.Context, cmd invoicing.CreateInvoiceCommand) (*invoicing.CreateInvoiceResult, error)
	GetSyncLink(ctx context.Context, sourceRecordID string) (*integration.SyncLink, error)
}

// InvoiceHandler exposes invoice creation and sync link lookup
type InvoiceHandler struct {
	BaseHandler
	invoices InvoiceService
}

// NewInvoiceHandler creates a new invoice handler
func NewInvoiceHandler(invoices InvoiceService) *InvoiceHandler {
	return &InvoiceHandler{invoices: invoices}
}

// CreateInvoice godoc
// @Summary      Create an invoice from a CRM record
// @Description  Creates the accounting invoice for a closed CRM record and links it back
// @Tags         invoices
// @Accept       json
// @Produce      json
// @Param        request body dto.CreateInvoiceRequest true "Record and instances"
// @Success      201 {object} dto.Response{data=invoicing.CreateInvoiceResult}
// @Success      200 {object} dto.Response{data=invoicing.CreateInvoiceResult} "An orphaned invoice was adopted"
// @Failure      400 {object} dto.Response{error=dto.ErrorInfo}
// @Failure      409 {object} dto.Response{error=dto.ErrorInfo}
// @Failure      412 {object} dto.Response{error=dto.ErrorInfo}
// @Failure      502 {object} dto.Response{error=dto.ErrorInfo}
// @Router       /api/v1/invoices [post]
func (h *InvoiceHandler) CreateInvoice(c *gin.Context) {
	var req dto.CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		middleware.HandleValidationError(c, err)
		return
	}

	result, err := h.invoices.CreateInvoice(c.Request.Context(), invoicing.CreateInvoiceCommand{
		SourceRecordID:     req.SourceRecordID,
		CRMInstance:        req.CRMInstance,
		AccountingInstance: req.AccountingInstance,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if result.Adopted {
		h.Success(c, result)
		return
	}
	h.Created(c, result)
}

// GetSyncLink godoc
// @Summary      Get the sync link of a CRM record
// @Tags         invoices
// @Produce      json
// @Param        sourceRecordId path string true "CRM record id"
// @Success      200 {object} dto.Response{data=dto.SyncLinkResponse}
// @Failure      404 {object} dto.Response{error=dto.ErrorInfo}
// @Router       /api/v1/sync-links/{sourceRecordId} [get]
func (h *InvoiceHandler) GetSyncLink(c *gin.Context) {
	link, err := h.invoices.GetSyncLink(c.Request.Context(), c.Param("sourceRecordId"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.ToSyncLinkResponse(link))
}
