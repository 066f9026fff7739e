package handler

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/erp/invoicesync/internal/domain/shared"
	"github.com/erp/invoicesync/internal/infrastructure/scheduler"
	"github.com/erp/invoicesync/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newReconciliationRouter(trigger ReconciliationTrigger, runs RunHistory) *gin.Engine {
	h := NewReconciliationHandler(trigger, runs)
	return newTestRouter(func(r *gin.Engine) {
		r.POST("/api/v1/reconciliation/run", h.Run)
		r.GET("/api/v1/reconciliation/runs", h.ListRuns)
		r.GET("/api/v1/reconciliation/scheduler", h.SchedulerStatus)
	})
}

func TestReconciliationHandler_Run(t *testing.T) {
	pair := scheduler.Pair{CRMInstance: testCRMInstance, AccountingInstance: testAccountingInstance}
	body := `{"crmInstance":"` + testCRMInstance + `","accountingInstance":"` + testAccountingInstance + `"}`

	t.Run("completed run", func(t *testing.T) {
		rec := integration.NewReconciliationRunRecord(testCRMInstance, testAccountingInstance, integration.RunTriggerManual)
		rec.InvoicesProcessed = 1
		rec.PaidInvoicesFound = 1
		rec.InvoicesUpdated = 1
		rec.Complete()

		trigger := new(MockReconciliationTrigger)
		trigger.On("TriggerNow", mock.Anything, pair).Return(rec, nil)

		w := doRequest(newReconciliationRouter(trigger, new(MockRunHistory)), http.MethodPost, "/api/v1/reconciliation/run", body)
		assert.Equal(t, http.StatusOK, w.Code)

		var got integration.ReconciliationRunRecord
		resp := decodeResponse(t, w, &got)
		assert.True(t, resp.Success)
		assert.Equal(t, integration.RunStatusCompleted, got.Status)
		assert.Equal(t, integration.RunTriggerManual, got.Trigger)
		assert.Equal(t, 1, got.InvoicesUpdated)
		trigger.AssertExpectations(t)
	})

	t.Run("skipped run is not an error", func(t *testing.T) {
		rec := integration.NewReconciliationRunRecord(testCRMInstance, testAccountingInstance, integration.RunTriggerManual)
		rec.Skip()

		trigger := new(MockReconciliationTrigger)
		trigger.On("TriggerNow", mock.Anything, pair).Return(rec, nil)

		w := doRequest(newReconciliationRouter(trigger, new(MockRunHistory)), http.MethodPost, "/api/v1/reconciliation/run", body)
		assert.Equal(t, http.StatusOK, w.Code)

		var got integration.ReconciliationRunRecord
		decodeResponse(t, w, &got)
		assert.Equal(t, integration.RunStatusSkipped, got.Status)
	})

	t.Run("aborted for missing connections", func(t *testing.T) {
		rec := integration.NewReconciliationRunRecord(testCRMInstance, testAccountingInstance, integration.RunTriggerManual)
		rec.Abort(integration.ErrNoConnections)

		trigger := new(MockReconciliationTrigger)
		trigger.On("TriggerNow", mock.Anything, pair).Return(rec, integration.ErrNoConnections)

		w := doRequest(newReconciliationRouter(trigger, new(MockRunHistory)), http.MethodPost, "/api/v1/reconciliation/run", body)
		assert.Equal(t, http.StatusPreconditionFailed, w.Code)

		resp := decodeResponse(t, w, nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, shared.CodeNoConnections, resp.Error.Code)
	})

	t.Run("missing pair", func(t *testing.T) {
		trigger := new(MockReconciliationTrigger)
		trigger.On("TriggerNow", mock.Anything, scheduler.Pair{}).Return(nil, integration.ErrMissingParameters)

		w := doRequest(newReconciliationRouter(trigger, new(MockRunHistory)), http.MethodPost, "/api/v1/reconciliation/run", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestReconciliationHandler_ListRuns(t *testing.T) {
	t.Run("default limit", func(t *testing.T) {
		runs := new(MockRunHistory)
		rec := integration.NewReconciliationRunRecord(testCRMInstance, testAccountingInstance, integration.RunTriggerScheduled)
		rec.Complete()
		runs.On("History", mock.Anything, 0).Return([]integration.ReconciliationRunRecord{*rec}, nil)

		w := doRequest(newReconciliationRouter(new(MockReconciliationTrigger), runs), http.MethodGet, "/api/v1/reconciliation/runs", "")
		assert.Equal(t, http.StatusOK, w.Code)

		var got []integration.ReconciliationRunRecord
		decodeResponse(t, w, &got)
		require.Len(t, got, 1)
		assert.Equal(t, rec.ID, got[0].ID)
	})

	t.Run("empty history is an empty list", func(t *testing.T) {
		runs := new(MockRunHistory)
		runs.On("History", mock.Anything, 5).Return(nil, nil)

		w := doRequest(newReconciliationRouter(new(MockReconciliationTrigger), runs), http.MethodGet, "/api/v1/reconciliation/runs?limit=5", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"success":true,"data":[]}`, w.Body.String())
	})

	t.Run("limit above maximum", func(t *testing.T) {
		runs := new(MockRunHistory)

		w := doRequest(newReconciliationRouter(new(MockReconciliationTrigger), runs), http.MethodGet, "/api/v1/reconciliation/runs?limit=500", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)

		resp := decodeResponse(t, w, nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, dto.ErrCodeValidation, resp.Error.Code)
		runs.AssertNotCalled(t, "History", mock.Anything, mock.Anything)
	})

	t.Run("storage failure", func(t *testing.T) {
		runs := new(MockRunHistory)
		runs.On("History", mock.Anything, 0).Return(nil, errors.New("database is locked"))

		w := doRequest(newReconciliationRouter(new(MockReconciliationTrigger), runs), http.MethodGet, "/api/v1/reconciliation/runs", "")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestReconciliationHandler_SchedulerStatus(t *testing.T) {
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := last.Add(time.Hour)
	runID := uuid.New()

	trigger := new(MockReconciliationTrigger)
	trigger.On("Status").Return(scheduler.SchedulerStatus{
		Running:    true,
		Enabled:    true,
		Interval:   time.Hour,
		LastTickAt: &last,
		NextTickAt: &next,
	})
	trigger.On("History", 20).Return([]*scheduler.ReconciliationJob{{
		ID:        uuid.New(),
		Pair:      scheduler.Pair{CRMInstance: testCRMInstance, AccountingInstance: testAccountingInstance},
		Trigger:   integration.RunTriggerScheduled,
		Status:    scheduler.JobStatusSuccess,
		RunID:     &runID,
		RunStatus: integration.RunStatusCompleted,
	}})

	w := doRequest(newReconciliationRouter(trigger, new(MockRunHistory)), http.MethodGet, "/api/v1/reconciliation/scheduler", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var got SchedulerStatusResponse
	decodeResponse(t, w, &got)
	assert.True(t, got.Running)
	assert.Equal(t, time.Hour, got.Interval)
	require.NotNil(t, got.NextTickAt)
	assert.True(t, next.Equal(*got.NextTickAt))
	require.Len(t, got.Jobs, 1)
	assert.Equal(t, runID, *got.Jobs[0].RunID)
	trigger.AssertExpectations(t)
}
