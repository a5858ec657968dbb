package repositories

import (
	"context"

	"rentmeter/internal/adapters/persistence/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// roomRepository implements RoomRepository interface
type roomRepository struct {
	db *gorm.DB
}

// NewRoomRepository creates a new room repository
func NewRoomRepository(db *gorm.DB) RoomRepository {
	return &roomRepository{db: db}
}

// Create creates a room together with its add-ons
func (r *roomRepository) Create(ctx context.Context, room *models.Room) error {
	return r.db.WithContext(ctx).Create(room).Error
}

// GetByCode gets a room with add-ons by code
func (r *roomRepository) GetByCode(ctx context.Context, code string) (*models.Room, error) {
	var room models.Room
	err := r.db.WithContext(ctx).Preload("AddOns").Where("code = ?", code).First(&room).Error
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// Update saves the room and replaces its add-on list
func (r *roomRepository) Update(ctx context.Context, room *models.Room) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Save(room).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", room.ID).Delete(&models.RoomAddOn{}).Error; err != nil {
			return err
		}
		if len(room.AddOns) == 0 {
			return nil
		}
		for i := range room.AddOns {
			room.AddOns[i].ID = 0
			room.AddOns[i].RoomID = room.ID
		}
		return tx.Create(&room.AddOns).Error
	})
}

// AssignTenant saves the room's tenant fields and links the tenant account
// to it in one transaction. An existing link is kept.
func (r *roomRepository) AssignTenant(ctx context.Context, room *models.Room, accountID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		link := models.AccountRoom{UserID: accountID, RoomCode: room.Code, Relation: models.RelationAccessible}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
			return err
		}
		return tx.Omit(clause.Associations).Save(room).Error
	})
}

// ListAll lists every room ordered by code
func (r *roomRepository) ListAll(ctx context.Context) ([]*models.Room, error) {
	var rooms []*models.Room
	err := r.db.WithContext(ctx).Preload("AddOns").Order("code ASC").Find(&rooms).Error
	return rooms, err
}

// ExistsByCode checks if a room code is taken
func (r *roomRepository) ExistsByCode(ctx context.Context, code string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Room{}).Where("code = ?", code).Count(&count).Error
	return count > 0, err
}
