package handler

import (
	"context"
	"errors"
	"io"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/erp/invoicesync/internal/infrastructure/scheduler"
	"github.com/erp/invoicesync/internal/interfaces/http/dto"
	"github.com/erp/invoicesync/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
)

// ReconciliationTrigger runs reconciliation on demand and reports on the scheduler
type ReconciliationTrigger interface {
	TriggerNow(ctx context.Context, pair scheduler.Pair) (*integration.ReconciliationRunRecord, error)
	Status() scheduler.SchedulerStatus
	History(limit int) []*scheduler.ReconciliationJob
}

// RunHistory returns persisted run records
type RunHistory interface {
	History(ctx context.Context, limit int) ([]integration.ReconciliationRunRecord, error)
}

// ReconciliationHandler exposes manual runs and run history
type ReconciliationHandler struct {
	BaseHandler
	trigger ReconciliationTrigger
	runs    RunHistory
}

// NewReconciliationHandler creates a new reconciliation handler
func NewReconciliationHandler(trigger ReconciliationTrigger, runs RunHistory) *ReconciliationHandler {
	return &ReconciliationHandler{trigger: trigger, runs: runs}
}

// SchedulerStatusResponse is the scheduler state with its recent jobs
type SchedulerStatusResponse struct {
	scheduler.SchedulerStatus
	Jobs []*scheduler.ReconciliationJob `json:"jobs"`
}

// Run godoc
// @Summary      Check payment status now
// @Description  Runs reconciliation for one CRM/accounting pair and waits for the result.
// @Description  A run that overlaps another for the same pair returns a SKIPPED record.
// @Tags         reconciliation
// @Accept       json
// @Produce      json
// @Param        request body dto.RunReconciliationRequest true "Instance pair"
// @Success      200 {object} dto.Response{data=integration.ReconciliationRunRecord}
// @Failure      400 {object} dto.Response{error=dto.ErrorInfo}
// @Failure      412 {object} dto.Response{error=dto.ErrorInfo}
// @Failure      502 {object} dto.Response{error=dto.ErrorInfo}
// @Router       /api/v1/reconciliation/run [post]
func (h *ReconciliationHandler) Run(c *gin.Context) {
	var req dto.RunReconciliationRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		middleware.HandleValidationError(c, err)
		return
	}

	rec, err := h.trigger.TriggerNow(c.Request.Context(), scheduler.Pair{
		CRMInstance:        req.CRMInstance,
		AccountingInstance: req.AccountingInstance,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, rec)
}

// ListRuns godoc
// @Summary      List recent reconciliation runs
// @Tags         reconciliation
// @Produce      json
// @Param        limit query int false "Max records (1-100, default 20)"
// @Success      200 {object} dto.Response{data=[]integration.ReconciliationRunRecord}
// @Router       /api/v1/reconciliation/runs [get]
func (h *ReconciliationHandler) ListRuns(c *gin.Context) {
	var q dto.HistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	runs, err := h.runs.History(c.Request.Context(), q.Limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if runs == nil {
		runs = []integration.ReconciliationRunRecord{}
	}
	h.Success(c, runs)
}

// SchedulerStatus godoc
// @Summary      Reconciliation scheduler state
// @Tags         reconciliation
// @Produce      json
// @Param        limit query int false "Max jobs (1-100, default 20)"
// @Success      200 {object} dto.Response{data=SchedulerStatusResponse}
// @Router       /api/v1/reconciliation/scheduler [get]
func (h *ReconciliationHandler) SchedulerStatus(c *gin.Context) {
	var q dto.HistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	if q.Limit == 0 {
		q.Limit = 20
	}

	h.Success(c, SchedulerStatusResponse{
		SchedulerStatus: h.trigger.Status(),
		Jobs:            h.trigger.History(q.Limit),
	})
}
