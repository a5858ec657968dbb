package repositories

import (
	"context"
	"time"

	"rentmeter/internal/adapters/persistence/models"
	"rentmeter/internal/core/authz"
	"rentmeter/internal/core/domain"

	"gorm.io/gorm"
)

// billRepository implements BillRepository interface
type billRepository struct {
	db *gorm.DB
}

// NewBillRepository creates a new bill repository
func NewBillRepository(db *gorm.DB) BillRepository {
	return &billRepository{db: db}
}

// Create creates a new bill at version 1
func (r *billRepository) Create(ctx context.Context, bill *models.Bill) error {
	bill.Version = 1
	return r.db.WithContext(ctx).Create(bill).Error
}

// GetByID gets a bill by ID
func (r *billRepository) GetByID(ctx context.Context, id uint) (*models.Bill, error) {
	var bill models.Bill
	if err := r.db.WithContext(ctx).First(&bill, id).Error; err != nil {
		return nil, err
	}
	return &bill, nil
}

// Update is a compare-and-swap on the version column
func (r *billRepository) Update(ctx context.Context, bill *models.Bill, expectedVersion uint) error {
	bill.Version = expectedVersion + 1
	res := r.db.WithContext(ctx).
		Model(bill).
		Where("version = ?", expectedVersion).
		Select("*").
		Omit("id", "created_at", "created_by").
		Updates(bill)
	if res.Error != nil {
		bill.Version = expectedVersion
		return res.Error
	}
	if res.RowsAffected == 0 {
		bill.Version = expectedVersion
		return domain.ErrStaleBill
	}
	return nil
}

// Delete permanently removes a bill
func (r *billRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&models.Bill{}, id).Error
}

// GetLatestByRoom gets the most recent bill for a room
func (r *billRepository) GetLatestByRoom(ctx context.Context, roomCode string) (*models.Bill, error) {
	var bill models.Bill
	err := r.db.WithContext(ctx).
		Where("room_code = ?", roomCode).
		Order("issue_date DESC, id DESC").
		First(&bill).Error
	if err != nil {
		return nil, err
	}
	return &bill, nil
}

func (r *billRepository) filtered(ctx context.Context, f BillFilter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&models.Bill{})
	if f.Scoped {
		if len(f.RoomCodes) == 0 {
			return q.Where("1 = 0")
		}
		q = q.Where("room_code IN ?", f.RoomCodes)
	}
	if f.RoomCode != "" {
		q = q.Where("room_code = ?", f.RoomCode)
	}
	if f.From != nil {
		q = q.Where("issue_date >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("issue_date < ?", *f.To)
	}
	return q
}

// List lists bills newest first with pagination
func (r *billRepository) List(ctx context.Context, f BillFilter, offset, limit int) ([]*models.Bill, int64, error) {
	var bills []*models.Bill
	var total int64

	if err := r.filtered(ctx, f).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := r.filtered(ctx, f).
		Order("issue_date DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&bills).Error
	if err != nil {
		return nil, 0, err
	}

	return bills, total, nil
}

// ListOverdue lists unconfirmed bills whose due date is before asOf
func (r *billRepository) ListOverdue(ctx context.Context, asOf time.Time) ([]*models.Bill, error) {
	var bills []*models.Bill
	err := r.db.WithContext(ctx).
		Where("payment_confirmed = ? AND due_date < ?", false, asOf).
		Order("due_date ASC, room_code ASC").
		Find(&bills).Error
	return bills, err
}

const summarySelect = `COUNT(*) AS total_bills,
COALESCE(SUM(CASE WHEN payment_confirmed = 0 AND (evidence_url IS NULL OR evidence_url = '') THEN 1 ELSE 0 END), 0) AS recorded_bills,
COALESCE(SUM(CASE WHEN payment_confirmed = 0 AND evidence_url <> '' THEN 1 ELSE 0 END), 0) AS evidence_bills,
COALESCE(SUM(CASE WHEN payment_confirmed = 1 THEN 1 ELSE 0 END), 0) AS confirmed_bills,
COALESCE(SUM(CASE WHEN payment_confirmed = 0 AND due_date < ? THEN 1 ELSE 0 END), 0) AS overdue_bills,
COALESCE(SUM(CASE WHEN payment_confirmed = 0 THEN elec_total + COALESCE(water_total, 0) ELSE 0 END), 0) AS outstanding_amount,
COALESCE(SUM(CASE WHEN payment_confirmed = 1 THEN elec_total + COALESCE(water_total, 0) ELSE 0 END), 0) AS collected_amount`

// Summarize aggregates counts and amounts for the filtered bills
func (r *billRepository) Summarize(ctx context.Context, f BillFilter, asOf time.Time) (*models.BillSummary, error) {
	var summary models.BillSummary
	if err := r.filtered(ctx, f).Select(summarySelect, asOf).Scan(&summary).Error; err != nil {
		return nil, err
	}
	return &summary, nil
}

// RoomRefs returns every billed room with the building code of its latest bill
func (r *billRepository) RoomRefs(ctx context.Context) ([]authz.RoomRef, error) {
	var rows []struct {
		RoomCode     string
		BuildingCode string
	}
	err := r.db.WithContext(ctx).
		Model(&models.Bill{}).
		Select("room_code, building_code").
		Order("issue_date DESC, id DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(rows))
	refs := make([]authz.RoomRef, 0)
	for _, row := range rows {
		if seen[row.RoomCode] {
			continue
		}
		seen[row.RoomCode] = true
		refs = append(refs, authz.RoomRef{Code: row.RoomCode, BuildingCode: row.BuildingCode})
	}
	return refs, nil
}

// billEventRepository implements BillEventRepository interface
type billEventRepository struct {
	db *gorm.DB
}

// NewBillEventRepository creates a new bill event repository
func NewBillEventRepository(db *gorm.DB) BillEventRepository {
	return &billEventRepository{db: db}
}

// Create appends an event
func (r *billEventRepository) Create(ctx context.Context, event *models.BillEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

// ListByBill gets a bill's history, newest first
func (r *billEventRepository) ListByBill(ctx context.Context, billID uint) ([]*models.BillEvent, error) {
	var events []*models.BillEvent
	err := r.db.WithContext(ctx).
		Preload("Performer").
		Where("bill_id = ?", billID).
		Order("created_at DESC, id DESC").
		Find(&events).Error
	return events, err
}
