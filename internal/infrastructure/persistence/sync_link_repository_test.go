package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/erp/invoicesync/internal/infrastructure/persistence/models"
)

func setupSyncTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(&models.SyncLinkModel{}, &models.ReconciliationRunModel{})
	require.NoError(t, err)

	return db
}

func newLink(t *testing.T, sourceID string) *integration.SyncLink {
	link, err := integration.NewSyncLink(sourceID, "https://acme.my.salesforce.com", "9130357")
	require.NoError(t, err)
	return link
}

func TestGormSyncLinkRepository_FindBySourceRecordID(t *testing.T) {
	repo := NewGormSyncLinkRepository(setupSyncTestDB(t))
	ctx := context.Background()

	t.Run("missing link", func(t *testing.T) {
		link, err := repo.FindBySourceRecordID(ctx, "OPP-404")
		assert.Nil(t, link)
		assert.ErrorIs(t, err, integration.ErrSyncLinkNotFound)
	})

	t.Run("link without invoice round trips empty target", func(t *testing.T) {
		link := newLink(t, "OPP-200")
		require.NoError(t, repo.Save(ctx, link))

		found, err := repo.FindBySourceRecordID(ctx, "OPP-200")
		require.NoError(t, err)
		assert.Equal(t, link.ID, found.ID)
		assert.Empty(t, found.TargetInvoiceID)
		assert.False(t, found.HasInvoice())
		assert.Equal(t, integration.SyncStatusCreated, found.Status)
	})
}

func TestGormSyncLinkRepository_Save(t *testing.T) {
	db := setupSyncTestDB(t)
	repo := NewGormSyncLinkRepository(db)
	ctx := context.Background()

	link := newLink(t, "OPP-100")
	require.NoError(t, repo.Save(ctx, link))

	require.NoError(t, link.AttachInvoice("145", "SF-OPP-100", "58", decimal.RequireFromString("100.00")))
	require.NoError(t, repo.Save(ctx, link))

	found, err := repo.FindBySourceRecordID(ctx, "OPP-100")
	require.NoError(t, err)
	assert.Equal(t, "145", found.TargetInvoiceID)
	assert.Equal(t, "SF-OPP-100", found.TargetInvoiceNumber)
	assert.Equal(t, "58", found.CustomerRef)
	assert.True(t, decimal.NewFromInt(100).Equal(found.TotalAmount), "total %s", found.TotalAmount)

	t.Run("paid link keeps payment details", func(t *testing.T) {
		paidAt := time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)
		require.NoError(t, found.MarkPaid(paidAt, "CHK-1001"))
		require.NoError(t, repo.Save(ctx, found))

		paid, err := repo.FindBySourceRecordID(ctx, "OPP-100")
		require.NoError(t, err)
		assert.True(t, paid.IsPaid())
		require.NotNil(t, paid.PaymentDate)
		assert.True(t, paidAt.Equal(*paid.PaymentDate))
		assert.Equal(t, "CHK-1001", paid.PaymentReference)
	})

	t.Run("second link for same source updates the existing row", func(t *testing.T) {
		dup := newLink(t, "OPP-100")
		dup.Status = integration.SyncStatusPaid
		dup.TargetInvoiceID = "145"
		require.NoError(t, repo.Save(ctx, dup))

		var count int64
		require.NoError(t, db.Model(&models.SyncLinkModel{}).Where("source_record_id = ?", "OPP-100").Count(&count).Error)
		assert.Equal(t, int64(1), count)

		stored, err := repo.FindBySourceRecordID(ctx, "OPP-100")
		require.NoError(t, err)
		assert.Equal(t, link.ID, stored.ID)
	})
}

func TestGormSyncLinkRepository_CountByStatus(t *testing.T) {
	repo := NewGormSyncLinkRepository(setupSyncTestDB(t))
	ctx := context.Background()

	for i, status := range []integration.SyncStatus{
		integration.SyncStatusCreated,
		integration.SyncStatusCreated,
		integration.SyncStatusSent,
		integration.SyncStatusPaid,
	} {
		link := newLink(t, "OPP-"+string(rune('A'+i)))
		link.Status = status
		require.NoError(t, repo.Save(ctx, link))
	}

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[integration.SyncStatusCreated])
	assert.Equal(t, int64(1), counts[integration.SyncStatusSent])
	assert.Equal(t, int64(1), counts[integration.SyncStatusPaid])
	assert.Zero(t, counts[integration.SyncStatusViewed])
}

func TestGormSyncLinkRepository_SaveUsesUpsert(t *testing.T) {
	db, mock, mockDB := newMockDatabase(t)
	defer mockDB.Close()
	repo := NewGormSyncLinkRepository(db.DB)

	mock.ExpectExec(`INSERT INTO "sync_links" .* ON CONFLICT \("source_record_id"\) DO UPDATE SET`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.Save(context.Background(), newLink(t, "OPP-100"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormSyncLinkRepository_QueryError(t *testing.T) {
	db, mock, mockDB := newMockDatabase(t)
	defer mockDB.Close()
	repo := NewGormSyncLinkRepository(db.DB)

	mock.ExpectQuery(`SELECT \* FROM "sync_links" WHERE source_record_id = \$1`).
		WillReturnError(assert.AnError)

	_, err := repo.FindBySourceRecordID(context.Background(), "OPP-100")
	assert.ErrorIs(t, err, assert.AnError)
	assert.NotErrorIs(t, err, integration.ErrSyncLinkNotFound)
}
