package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erp/invoicesync/internal/domain/integration"
)

// ---------------------------------------------------------------------------
// Reconciliation Job Types
// ---------------------------------------------------------------------------

// JobStatus represents the status of a scheduled job
type JobStatus string

const (
	JobStatusPending JobStatus = "PENDING"
	JobStatusRunning JobStatus = "RUNNING"
	JobStatusSuccess JobStatus = "SUCCESS"
	JobStatusFailed  JobStatus = "FAILED"
)

// Pair is a CRM instance reconciled against an accounting instance
type Pair struct {
	CRMInstance        string `json:"crmInstance"`
	AccountingInstance string `json:"accountingInstance"`
}

// String returns the pair's guard key
func (p Pair) String() string {
	return integration.PairKey(p.CRMInstance, p.AccountingInstance)
}

// ReconciliationJob is one scheduled or manual run as seen by the scheduler
type ReconciliationJob struct {
	ID          uuid.UUID              `json:"id"`
	Pair        Pair                   `json:"pair"`
	Trigger     integration.RunTrigger `json:"trigger"`
	Status      JobStatus              `json:"status"`
	RunID       *uuid.UUID             `json:"runId,omitempty"`
	RunStatus   integration.RunStatus  `json:"runStatus,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   *time.Time             `json:"startedAt,omitempty"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
}

func newReconciliationJob(pair Pair, trigger integration.RunTrigger) *ReconciliationJob {
	return &ReconciliationJob{
		ID:      uuid.New(),
		Pair:    pair,
		Trigger: trigger,
		Status:  JobStatusPending,
	}
}

func (j *ReconciliationJob) start() {
	now := time.Now()
	j.Status = JobStatusRunning
	j.StartedAt = &now
}

// finish copies the run outcome onto the job. A run that produced a record
// but FAILED, or that returned an error, fails the job.
func (j *ReconciliationJob) finish(rec *integration.ReconciliationRunRecord, err error) {
	now := time.Now()
	j.CompletedAt = &now
	j.Status = JobStatusSuccess
	if rec != nil {
		id := rec.ID
		j.RunID = &id
		j.RunStatus = rec.Status
		if rec.Status == integration.RunStatusFailed {
			j.Status = JobStatusFailed
			j.Error = rec.Error
		}
	}
	if err != nil {
		j.Status = JobStatusFailed
		j.Error = err.Error()
	}
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// Runner executes one reconciliation run for a pair
type Runner interface {
	Run(ctx context.Context, pair Pair, trigger integration.RunTrigger) (*integration.ReconciliationRunRecord, error)
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context, pair Pair, trigger integration.RunTrigger) (*integration.ReconciliationRunRecord, error)

// Run calls f
func (f RunnerFunc) Run(ctx context.Context, pair Pair, trigger integration.RunTrigger) (*integration.ReconciliationRunRecord, error) {
	return f(ctx, pair, trigger)
}

// AbortRecorder stores a run that failed before any pair was resolved
type AbortRecorder interface {
	RecordAborted(ctx context.Context, trigger integration.RunTrigger, cause error) (*integration.ReconciliationRunRecord, error)
}

// ---------------------------------------------------------------------------
// ReconciliationSchedulerConfig
// ---------------------------------------------------------------------------

// ReconciliationSchedulerConfig holds configuration for the reconciliation scheduler
type ReconciliationSchedulerConfig struct {
	// Enabled indicates if scheduled runs happen at all
	Enabled bool
	// Interval between ticks
	Interval time.Duration
	// RunTimeout bounds one run
	RunTimeout time.Duration
	// RunOnStart fires a tick as soon as the scheduler starts
	RunOnStart bool
	// Pairs to reconcile. When empty the first connected CRM and accounting
	// instances are paired on each tick.
	Pairs []Pair
}

// DefaultReconciliationSchedulerConfig returns default configuration
func DefaultReconciliationSchedulerConfig() ReconciliationSchedulerConfig {
	return ReconciliationSchedulerConfig{
		Enabled:    true,
		Interval:   time.Hour,
		RunTimeout: 15 * time.Minute,
	}
}

// Validate validates the configuration
func (c *ReconciliationSchedulerConfig) Validate() error {
	if c.Interval <= 0 || c.RunTimeout <= 0 {
		return ErrInvalidConfig
	}
	for _, p := range c.Pairs {
		if p.CRMInstance == "" || p.AccountingInstance == "" {
			return fmt.Errorf("%w: incomplete pair %q", ErrInvalidConfig, p.String())
		}
	}
	return nil
}

// SchedulerStatus is a point-in-time view of the scheduler
type SchedulerStatus struct {
	Running    bool          `json:"running"`
	Enabled    bool          `json:"enabled"`
	Interval   time.Duration `json:"interval"`
	LastTickAt *time.Time    `json:"lastTickAt,omitempty"`
	NextTickAt *time.Time    `json:"nextTickAt,omitempty"`
	InFlight   int           `json:"inFlight"`
}

// ---------------------------------------------------------------------------
// ReconciliationScheduler
// ---------------------------------------------------------------------------

// ReconciliationScheduler runs reconciliation for every pair on a fixed
// interval. Each run starts in its own goroutine and the runner's guard
// rejects overlap for a pair.
type ReconciliationScheduler struct {
	config      ReconciliationSchedulerConfig
	runner      Runner
	connections integration.ConnectionChecker
	aborts      AbortRecorder
	logger      *zap.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
	lastTick  *time.Time
	nextTick  *time.Time
	inFlight  atomic.Int32

	// Job history for monitoring (in-memory, limited size)
	historyMu  sync.RWMutex
	history    []*ReconciliationJob
	maxHistory int
}

// NewReconciliationScheduler creates a new reconciliation scheduler
func NewReconciliationScheduler(
	config ReconciliationSchedulerConfig,
	runner Runner,
	connections integration.ConnectionChecker,
	logger *zap.Logger,
) (*ReconciliationScheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ReconciliationScheduler{
		config:      config,
		runner:      runner,
		connections: connections,
		logger:      logger,
		history:     make([]*ReconciliationJob, 0, 100),
		maxHistory:  100,
	}, nil
}

// WithAbortRecorder stores a FAILED run record for ticks that cannot resolve
// a pair. Without one such ticks only reach the job history.
func (s *ReconciliationScheduler) WithAbortRecorder(r AbortRecorder) *ReconciliationScheduler {
	s.aborts = r
	return s
}

// Start starts the ticker loop. It is a no-op when scheduling is disabled.
func (s *ReconciliationScheduler) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Reconciliation scheduler disabled")
		return nil
	}

	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	next := time.Now().Add(s.config.Interval)
	s.nextTick = &next
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.runLoop(ctx)

	s.logger.Info("Reconciliation scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("run_timeout", s.config.RunTimeout),
		zap.Bool("run_on_start", s.config.RunOnStart),
		zap.Int("configured_pairs", len(s.config.Pairs)),
	)
	return nil
}

// Stop cancels in-flight runs and waits for them to return
func (s *ReconciliationScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.nextTick = nil
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Reconciliation scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Reconciliation scheduler stop timed out")
		return ctx.Err()
	}
}

// TriggerNow runs reconciliation for pair immediately and waits for it.
// The run is recorded in the scheduler history with a MANUAL trigger.
func (s *ReconciliationScheduler) TriggerNow(ctx context.Context, pair Pair) (*integration.ReconciliationRunRecord, error) {
	job := newReconciliationJob(pair, integration.RunTriggerManual)
	return s.execute(ctx, job)
}

// Status returns the scheduler state
func (s *ReconciliationScheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStatus{
		Running:    s.isRunning,
		Enabled:    s.config.Enabled,
		Interval:   s.config.Interval,
		LastTickAt: s.lastTick,
		NextTickAt: s.nextTick,
		InFlight:   int(s.inFlight.Load()),
	}
}

// History returns recent jobs, newest first
func (s *ReconciliationScheduler) History(limit int) []*ReconciliationJob {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()

	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}

	result := make([]*ReconciliationJob, limit)
	copy(result, s.history[:limit])
	return result
}

func (s *ReconciliationScheduler) runLoop(ctx context.Context) {
	defer s.wg.Done()

	if s.config.RunOnStart {
		s.tick(ctx)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts one run per pair
func (s *ReconciliationScheduler) tick(ctx context.Context) {
	now := time.Now()
	next := now.Add(s.config.Interval)
	s.mu.Lock()
	s.lastTick = &now
	s.nextTick = &next
	s.mu.Unlock()

	pairs, err := s.resolvePairs(ctx)
	if err != nil {
		s.recordAbortedTick(ctx, err)
		return
	}

	for _, pair := range pairs {
		job := newReconciliationJob(pair, integration.RunTriggerScheduled)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_, _ = s.execute(ctx, job)
		}()
	}
}

// errNoPairs is returned when neither configuration nor the credential store
// yields a pair to reconcile
var errNoPairs = errors.New("no connected CRM and accounting instances")

func (s *ReconciliationScheduler) resolvePairs(ctx context.Context) ([]Pair, error) {
	if len(s.config.Pairs) > 0 {
		return s.config.Pairs, nil
	}

	crm, err := s.connections.Instances(ctx, integration.ServiceCRM)
	if err != nil {
		return nil, fmt.Errorf("list crm instances: %w", err)
	}
	acct, err := s.connections.Instances(ctx, integration.ServiceAccounting)
	if err != nil {
		return nil, fmt.Errorf("list accounting instances: %w", err)
	}
	if len(crm) == 0 || len(acct) == 0 {
		return nil, errNoPairs
	}
	return []Pair{{CRMInstance: crm[0], AccountingInstance: acct[0]}}, nil
}

// recordAbortedTick turns a tick without pairs into a failed job and, when
// a recorder is set, a persisted FAILED run record.
func (s *ReconciliationScheduler) recordAbortedTick(ctx context.Context, cause error) {
	job := newReconciliationJob(Pair{}, integration.RunTriggerScheduled)
	job.start()

	var rec *integration.ReconciliationRunRecord
	if s.aborts != nil {
		var err error
		if rec, err = s.aborts.RecordAborted(ctx, job.Trigger, cause); err != nil {
			s.logger.Error("Failed to record aborted reconciliation tick", zap.Error(err))
		}
	}
	job.finish(rec, cause)
	s.addToHistory(job)

	s.logger.Warn("Reconciliation tick aborted",
		zap.String("job_id", job.ID.String()),
		zap.Error(cause),
	)
}

func (s *ReconciliationScheduler) execute(ctx context.Context, job *ReconciliationJob) (*integration.ReconciliationRunRecord, error) {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	job.start()
	runCtx, cancel := context.WithTimeout(ctx, s.config.RunTimeout)
	defer cancel()

	rec, err := s.runner.Run(runCtx, job.Pair, job.Trigger)
	job.finish(rec, err)
	s.addToHistory(job)

	fields := []zap.Field{
		zap.String("job_id", job.ID.String()),
		zap.String("pair", job.Pair.String()),
		zap.String("trigger", string(job.Trigger)),
		zap.String("run_status", string(job.RunStatus)),
	}
	if job.Status == JobStatusFailed {
		s.logger.Error("Reconciliation job failed", append(fields, zap.String("error", job.Error))...)
	} else {
		s.logger.Info("Reconciliation job completed", fields...)
	}
	return rec, err
}

// addToHistory adds a finished job to history
func (s *ReconciliationScheduler) addToHistory(job *ReconciliationJob) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	// Add to front
	s.history = append([]*ReconciliationJob{job}, s.history...)

	// Trim if over limit
	if len(s.history) > s.maxHistory {
		s.history = s.history[:s.maxHistory]
	}
}
