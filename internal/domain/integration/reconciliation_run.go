package integration

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Reconciliation run types
// ---------------------------------------------------------------------------

// RunStatus is the outcome of one reconciliation run
type RunStatus string

const (
	// RunStatusCompleted indicates every candidate was checked without error
	RunStatusCompleted RunStatus = "COMPLETED"
	// RunStatusPartial indicates some candidates failed and some succeeded
	RunStatusPartial RunStatus = "PARTIAL"
	// RunStatusFailed indicates the run aborted or every candidate failed
	RunStatusFailed RunStatus = "FAILED"
	// RunStatusSkipped indicates a run for the same pair was still executing
	RunStatusSkipped RunStatus = "SKIPPED"
)

// String returns the string representation of RunStatus
func (s RunStatus) String() string {
	return string(s)
}

// RunTrigger identifies what started a run
type RunTrigger string

const (
	// RunTriggerScheduled indicates a scheduler tick
	RunTriggerScheduled RunTrigger = "SCHEDULED"
	// RunTriggerManual indicates an explicit checkPaymentStatus call
	RunTriggerManual RunTrigger = "MANUAL"
)

// FailedItem records why one candidate could not be reconciled
type FailedItem struct {
	SourceRecordID  string `json:"sourceRecordId"`
	TargetInvoiceID string `json:"targetInvoiceId"`
	Error           string `json:"error"`
}

// ReconciliationRunRecord is the append-only summary of one run
type ReconciliationRunRecord struct {
	ID                 uuid.UUID     `json:"id"`
	Timestamp          time.Time     `json:"timestamp"`
	CRMInstance        string        `json:"crmInstance"`
	AccountingInstance string        `json:"accountingInstance"`
	Trigger            RunTrigger    `json:"trigger"`
	Status             RunStatus     `json:"status"`
	InvoicesProcessed  int           `json:"invoicesProcessed"`
	PaidInvoicesFound  int           `json:"paidInvoicesFound"`
	InvoicesUpdated    int           `json:"invoicesUpdated"`
	FailedItems        []FailedItem  `json:"failedItems,omitempty"`
	Error              string        `json:"error,omitempty"`
	Duration           time.Duration `json:"duration"`
}

// NewReconciliationRunRecord starts a record for a pair
func NewReconciliationRunRecord(crmInstance, accountingInstance string, trigger RunTrigger) *ReconciliationRunRecord {
	return &ReconciliationRunRecord{
		ID:                 uuid.New(),
		Timestamp:          time.Now(),
		CRMInstance:        crmInstance,
		AccountingInstance: accountingInstance,
		Trigger:            trigger,
	}
}

// Skipped returns true when the run did no work because another run held the pair
func (r *ReconciliationRunRecord) Skipped() bool {
	return r.Status == RunStatusSkipped
}

// Failed returns the number of candidates that errored
func (r *ReconciliationRunRecord) Failed() int {
	return len(r.FailedItems)
}

// RecordFailure appends a per-item failure
func (r *ReconciliationRunRecord) RecordFailure(sourceRecordID, targetInvoiceID string, err error) {
	r.FailedItems = append(r.FailedItems, FailedItem{
		SourceRecordID:  sourceRecordID,
		TargetInvoiceID: targetInvoiceID,
		Error:           err.Error(),
	})
}

// Complete derives the final status from the counters
func (r *ReconciliationRunRecord) Complete() {
	r.Duration = time.Since(r.Timestamp)
	failed := r.Failed()
	switch {
	case failed == 0:
		r.Status = RunStatusCompleted
	case failed >= r.InvoicesProcessed:
		r.Status = RunStatusFailed
	default:
		r.Status = RunStatusPartial
	}
}

// Skip marks the run as skipped by the overlap guard
func (r *ReconciliationRunRecord) Skip() {
	r.Status = RunStatusSkipped
	r.Error = ErrRunInProgress.Error()
	r.Duration = time.Since(r.Timestamp)
}

// Abort marks the whole run as failed before any candidate was processed
func (r *ReconciliationRunRecord) Abort(err error) {
	r.Status = RunStatusFailed
	r.Error = err.Error()
	r.Duration = time.Since(r.Timestamp)
}

// PairKey identifies a (CRM instance, accounting instance) pair
func PairKey(crmInstance, accountingInstance string) string {
	return "crm:" + crmInstance + "|accounting:" + accountingInstance
}

// RunRecordRepository stores run records. Records are never updated.
type RunRecordRepository interface {
	Append(ctx context.Context, record *ReconciliationRunRecord) error
	// Recent returns the newest records first
	Recent(ctx context.Context, limit int) ([]ReconciliationRunRecord, error)
}

// RunArchive copies run records to long-term storage
type RunArchive interface {
	Archive(ctx context.Context, record *ReconciliationRunRecord) error
}
