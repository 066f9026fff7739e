package persistence

import (
	"context"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/erp/invoicesync/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
)

const (
	defaultRecentRuns = 20
	maxRecentRuns     = 500
)

// GormRunRecordRepository stores reconciliation run records
type GormRunRecordRepository struct {
	db *gorm.DB
}

// Ensure GormRunRecordRepository implements RunRecordRepository
var _ integration.RunRecordRepository = (*GormRunRecordRepository)(nil)

// NewGormRunRecordRepository creates a new GormRunRecordRepository
func NewGormRunRecordRepository(db *gorm.DB) *GormRunRecordRepository {
	return &GormRunRecordRepository{db: db}
}

// Append inserts a record. Existing rows are never touched.
func (r *GormRunRecordRepository) Append(ctx context.Context, record *integration.ReconciliationRunRecord) error {
	model := &models.ReconciliationRunModel{}
	model.FromDomain(record)
	return r.db.WithContext(ctx).Create(model).Error
}

// Recent returns up to limit records, newest first
func (r *GormRunRecordRepository) Recent(ctx context.Context, limit int) ([]integration.ReconciliationRunRecord, error) {
	if limit <= 0 {
		limit = defaultRecentRuns
	}
	if limit > maxRecentRuns {
		limit = maxRecentRuns
	}

	var rows []models.ReconciliationRunModel
	if err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	records := make([]integration.ReconciliationRunRecord, len(rows))
	for i := range rows {
		records[i] = rows[i].ToDomain()
	}
	return records, nil
}
