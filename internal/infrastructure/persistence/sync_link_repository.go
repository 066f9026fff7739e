package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/erp/invoicesync/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormSyncLinkRepository implements SyncLinkRepository using GORM
type GormSyncLinkRepository struct {
	db *gorm.DB
}

// Ensure GormSyncLinkRepository implements SyncLinkRepository
var _ integration.SyncLinkRepository = (*GormSyncLinkRepository)(nil)

// NewGormSyncLinkRepository creates a new GormSyncLinkRepository
func NewGormSyncLinkRepository(db *gorm.DB) *GormSyncLinkRepository {
	return &GormSyncLinkRepository{db: db}
}

// FindBySourceRecordID finds the link for a CRM record
func (r *GormSyncLinkRepository) FindBySourceRecordID(ctx context.Context, sourceRecordID string) (*integration.SyncLink, error) {
	var model models.SyncLinkModel
	if err := r.db.WithContext(ctx).First(&model, "source_record_id = ?", sourceRecordID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, integration.ErrSyncLinkNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// Save inserts the link or updates the row that already holds its source record id.
// The row's id and created_at are kept on update.
func (r *GormSyncLinkRepository) Save(ctx context.Context, link *integration.SyncLink) error {
	if link.UpdatedAt.IsZero() {
		link.Touch(time.Now())
	}

	model := &models.SyncLinkModel{}
	model.FromDomain(link)

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "source_record_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"target_invoice_id",
			"target_invoice_number",
			"customer_ref",
			"total_amount",
			"crm_instance",
			"accounting_instance",
			"status",
			"payment_date",
			"payment_reference",
			"updated_at",
		}),
	}).Create(model).Error
}

// CountByStatus returns the number of links per status
func (r *GormSyncLinkRepository) CountByStatus(ctx context.Context) (map[integration.SyncStatus]int64, error) {
	var rows []struct {
		Status integration.SyncStatus
		Count  int64
	}
	if err := r.db.WithContext(ctx).
		Model(&models.SyncLinkModel{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[integration.SyncStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
