package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"rentmeter/internal/adapters/persistence/models"
	"rentmeter/internal/adapters/persistence/repositories"
	"rentmeter/internal/core/authz"
	"rentmeter/internal/core/domain"
	"rentmeter/internal/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AddOnInput is one recurring charge
type AddOnInput struct {
	Name  string  `json:"name" validate:"required,max=100"`
	Price float64 `json:"price" validate:"gte=0"`
}

// CreateRoomInput represents create room input
type CreateRoomInput struct {
	Code         string       `json:"code" validate:"required,max=20"`
	BuildingCode string       `json:"building_code" validate:"max=20"`
	Size         string       `json:"size" validate:"max=50"`
	Rent         float64      `json:"rent" validate:"gte=0"`
	AddOns       []AddOnInput `json:"add_ons" validate:"dive"`
}

// UpdateRoomInput represents update room input. A non-nil AddOns replaces the list.
type UpdateRoomInput struct {
	BuildingCode *string       `json:"building_code" validate:"omitempty,max=20"`
	Size         *string       `json:"size" validate:"omitempty,max=50"`
	Rent         *float64      `json:"rent" validate:"omitempty,gte=0"`
	AddOns       *[]AddOnInput `json:"add_ons"`
}

// AssignTenantInput moves a tenant into a room. AccountID, when set, grants
// that Tenant account access to the room.
type AssignTenantInput struct {
	TenantName string `json:"tenant_name" validate:"required,max=100"`
	AccountID  *uint  `json:"account_id"`
}

// RoomService manages room records and occupancy
type RoomService struct {
	rooms repositories.RoomRepository
	users repositories.UserRepository
	log   *zap.Logger
}

// NewRoomService creates a new room service
func NewRoomService(rooms repositories.RoomRepository, users repositories.UserRepository, log *zap.Logger) *RoomService {
	return &RoomService{
		rooms: rooms,
		users: users,
		log:   logger.OrNop(log),
	}
}

// Create registers a new room
func (s *RoomService) Create(ctx context.Context, auth authz.AuthContext, input *CreateRoomInput) (*models.Room, error) {
	code := strings.TrimSpace(input.Code)
	if code == "" {
		return nil, domain.Invalid("code", "room code is required")
	}
	if !authz.Check(auth, authz.CanManageBuildings, code) {
		return nil, fmt.Errorf("%w: cannot create room %s", domain.ErrPermissionDenied, code)
	}
	if err := checkRent(input.Rent); err != nil {
		return nil, err
	}
	addOns, err := buildAddOns(input.AddOns)
	if err != nil {
		return nil, err
	}

	exists, err := s.rooms.ExistsByCode(ctx, code)
	if err != nil {
		return nil, domain.Transport(domain.StepPersist, err)
	}
	if exists {
		return nil, domain.ErrRoomAlreadyExists
	}

	building := strings.TrimSpace(input.BuildingCode)
	if building == "" {
		building = auth.BuildingCode
	}

	room := &models.Room{
		Code:         code,
		BuildingCode: building,
		Status:       domain.OccupancyVacant,
		Size:         strings.TrimSpace(input.Size),
		Rent:         domain.Round2(input.Rent),
		AddOns:       addOns,
	}
	if err := s.rooms.Create(ctx, room); err != nil {
		return nil, domain.Transport(domain.StepPersist, err)
	}

	s.log.Info("room created", zap.String("room", room.Code), zap.Uint("account_id", auth.AccountID))
	return room, nil
}

// Update edits a room's own record
func (s *RoomService) Update(ctx context.Context, auth authz.AuthContext, code string, input *UpdateRoomInput) (*models.Room, error) {
	room, err := s.load(ctx, code)
	if err != nil {
		return nil, err
	}
	if !authz.CanManageRoom(auth, room.Code) {
		return nil, fmt.Errorf("%w: cannot manage room %s", domain.ErrPermissionDenied, room.Code)
	}

	if input.BuildingCode != nil {
		room.BuildingCode = strings.TrimSpace(*input.BuildingCode)
	}
	if input.Size != nil {
		room.Size = strings.TrimSpace(*input.Size)
	}
	if input.Rent != nil {
		if err := checkRent(*input.Rent); err != nil {
			return nil, err
		}
		room.Rent = domain.Round2(*input.Rent)
	}
	if input.AddOns != nil {
		if room.AddOns, err = buildAddOns(*input.AddOns); err != nil {
			return nil, err
		}
	}

	if err := s.rooms.Update(ctx, room); err != nil {
		return nil, domain.Transport(domain.StepPersist, err)
	}
	return room, nil
}

// Get returns one room the account may view
func (s *RoomService) Get(ctx context.Context, auth authz.AuthContext, code string) (*models.Room, error) {
	room, err := s.load(ctx, code)
	if err != nil {
		return nil, err
	}
	if !authz.Check(auth, authz.CanViewHistory, room.Code) {
		return nil, fmt.Errorf("%w: cannot view room %s", domain.ErrPermissionDenied, room.Code)
	}
	return room, nil
}

// List returns the rooms visible to the account
func (s *RoomService) List(ctx context.Context, auth authz.AuthContext) ([]*models.Room, error) {
	if !authz.Check(auth, authz.CanViewHistory, "") {
		return nil, fmt.Errorf("%w: cannot list rooms", domain.ErrPermissionDenied)
	}
	rooms, err := s.rooms.ListAll(ctx)
	if err != nil {
		return nil, domain.Transport(domain.StepPersist, err)
	}

	refs := make([]authz.RoomRef, len(rooms))
	byCode := make(map[string]*models.Room, len(rooms))
	for i, r := range rooms {
		refs[i] = authz.RoomRef{Code: r.Code, BuildingCode: r.BuildingCode}
		byCode[r.Code] = r
	}
	visible := authz.VisibleRooms(refs, auth)
	out := make([]*models.Room, 0, len(visible))
	for _, r := range visible {
		out = append(out, byCode[r.Code])
	}
	return out, nil
}

// AssignTenant marks the room occupied by a tenant
func (s *RoomService) AssignTenant(ctx context.Context, auth authz.AuthContext, code string, input *AssignTenantInput) (*models.Room, error) {
	room, err := s.load(ctx, code)
	if err != nil {
		return nil, err
	}
	if !authz.Check(auth, authz.CanManageTenants, room.Code) {
		return nil, fmt.Errorf("%w: cannot manage tenants of room %s", domain.ErrPermissionDenied, room.Code)
	}
	name := strings.TrimSpace(input.TenantName)
	if name == "" {
		return nil, domain.Invalid("tenant_name", "tenant name is required")
	}

	var account *models.User
	if input.AccountID != nil {
		account, err = s.users.GetByID(ctx, *input.AccountID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, domain.ErrAccountNotFound
			}
			return nil, domain.Transport(domain.StepPersist, err)
		}
		if role, _ := authz.ParseRole(account.Role); role != authz.RoleTenant {
			return nil, domain.Invalid("account_id", "account %d is not a tenant", account.ID)
		}
	}

	room.TenantName = name
	room.Status = domain.OccupancyOccupied
	if account != nil {
		err = s.rooms.AssignTenant(ctx, room, account.ID)
	} else {
		err = s.rooms.Update(ctx, room)
	}
	if err != nil {
		return nil, domain.Transport(domain.StepPersist, err)
	}

	s.log.Info("tenant assigned", zap.String("room", room.Code), zap.Uint("account_id", auth.AccountID))
	return room, nil
}

// Vacate clears the tenant and revokes every tenant account's access to the room
func (s *RoomService) Vacate(ctx context.Context, auth authz.AuthContext, code string) (*models.Room, error) {
	room, err := s.load(ctx, code)
	if err != nil {
		return nil, err
	}
	if !authz.Check(auth, authz.CanManageTenants, room.Code) {
		return nil, fmt.Errorf("%w: cannot manage tenants of room %s", domain.ErrPermissionDenied, room.Code)
	}

	if err := s.users.RemoveRoomLinks(ctx, room.Code, models.RelationAccessible); err != nil {
		return nil, domain.Transport(domain.StepPersist, err)
	}
	room.TenantName = ""
	room.Status = domain.OccupancyVacant
	if err := s.rooms.Update(ctx, room); err != nil {
		return nil, domain.Transport(domain.StepPersist, err)
	}

	s.log.Info("room vacated", zap.String("room", room.Code), zap.Uint("account_id", auth.AccountID))
	return room, nil
}

func (s *RoomService) load(ctx context.Context, code string) (*models.Room, error) {
	room, err := s.rooms.GetByCode(ctx, strings.TrimSpace(code))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrRoomNotFound
		}
		return nil, domain.Transport(domain.StepPersist, err)
	}
	return room, nil
}

func checkRent(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return domain.Invalid("rent", "rent must be a non-negative number")
	}
	return nil
}

func buildAddOns(in []AddOnInput) ([]models.RoomAddOn, error) {
	out := make([]models.RoomAddOn, 0, len(in))
	for i, a := range in {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			return nil, domain.Invalid(fmt.Sprintf("add_ons[%d].name", i), "add-on name is required")
		}
		if math.IsNaN(a.Price) || math.IsInf(a.Price, 0) || a.Price < 0 {
			return nil, domain.Invalid(fmt.Sprintf("add_ons[%d].price", i), "add-on price must be a non-negative number")
		}
		out = append(out, models.RoomAddOn{Name: name, Price: domain.Round2(a.Price)})
	}
	return out, nil
}
