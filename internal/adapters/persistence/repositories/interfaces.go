package repositories

import (
	"context"
	"time"

	"rentmeter/internal/adapters/persistence/models"
	"rentmeter/internal/core/authz"
)

// UserRepository defines user (account) repository interface
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id uint) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Update(ctx context.Context, user *models.User) error
	Delete(ctx context.Context, id uint) error
	List(ctx context.Context, offset, limit int) ([]*models.User, int64, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	ReplaceRooms(ctx context.Context, userID uint, relation string, roomCodes []string) error
	RemoveRoomLinks(ctx context.Context, roomCode, relation string) error
}

// RefreshTokenRepository defines refresh token repository interface
type RefreshTokenRepository interface {
	Create(ctx context.Context, token *models.RefreshToken) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	RevokeByTokenHash(ctx context.Context, tokenHash string) error
	RevokeAllByUserID(ctx context.Context, userID uint) error
	DeleteExpired(ctx context.Context) (int64, error)
	CountActiveByUserID(ctx context.Context, userID uint) (int64, error)
}

// RoomRepository defines room repository interface
type RoomRepository interface {
	Create(ctx context.Context, room *models.Room) error
	GetByCode(ctx context.Context, code string) (*models.Room, error)
	Update(ctx context.Context, room *models.Room) error
	AssignTenant(ctx context.Context, room *models.Room, accountID uint) error
	ListAll(ctx context.Context) ([]*models.Room, error)
	ExistsByCode(ctx context.Context, code string) (bool, error)
}

// BillFilter narrows bill queries. When Scoped is set only RoomCodes are
// considered, and an empty RoomCodes matches nothing.
type BillFilter struct {
	Scoped    bool
	RoomCodes []string
	RoomCode  string
	From      *time.Time
	To        *time.Time
}

// BillRepository defines bill repository interface
type BillRepository interface {
	Create(ctx context.Context, bill *models.Bill) error
	GetByID(ctx context.Context, id uint) (*models.Bill, error)
	// Update writes every mutable column when the stored version equals
	// expectedVersion and bumps the version; otherwise domain.ErrStaleBill.
	Update(ctx context.Context, bill *models.Bill, expectedVersion uint) error
	Delete(ctx context.Context, id uint) error
	GetLatestByRoom(ctx context.Context, roomCode string) (*models.Bill, error)
	List(ctx context.Context, filter BillFilter, offset, limit int) ([]*models.Bill, int64, error)
	ListOverdue(ctx context.Context, asOf time.Time) ([]*models.Bill, error)
	Summarize(ctx context.Context, filter BillFilter, asOf time.Time) (*models.BillSummary, error)
	RoomRefs(ctx context.Context) ([]authz.RoomRef, error)
}

// BillEventRepository defines the bill audit trail interface
type BillEventRepository interface {
	Create(ctx context.Context, event *models.BillEvent) error
	ListByBill(ctx context.Context, billID uint) ([]*models.BillEvent, error)
}
