package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"rentmeter/internal/adapters/persistence/models"
	"rentmeter/internal/adapters/persistence/repositories"
	"rentmeter/internal/core/authz"
	"rentmeter/internal/core/domain"
	"rentmeter/internal/pkg/logger"
	"rentmeter/internal/pkg/pagination"
	"rentmeter/internal/pkg/password"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// User service errors
var (
	ErrEmailAlreadyExists  = fmt.Errorf("%w: email already exists", domain.ErrConflict)
	ErrOldPasswordWrong    = domain.Invalid("old_password", "old password is incorrect")
	ErrCannotDeleteSelf    = fmt.Errorf("%w: cannot delete your own account", domain.ErrConflict)
	ErrCannotChangeOwnRole = fmt.Errorf("%w: cannot change your own role", domain.ErrConflict)
)

// UserService handles account management business logic
type UserService struct {
	userRepo repositories.UserRepository
	log      *zap.Logger
}

// NewUserService creates a new user service
func NewUserService(userRepo repositories.UserRepository, log *zap.Logger) *UserService {
	return &UserService{userRepo: userRepo, log: logger.OrNop(log)}
}

// ListUsersOutput represents list users output
type ListUsersOutput struct {
	Users []*models.UserResponse `json:"users"`
	Meta  *pagination.Meta       `json:"meta"`
}

// UpdateUserByAdminInput represents update user input (for admin)
type UpdateUserByAdminInput struct {
	Email       *string `json:"email" validate:"omitempty,email"`
	DisplayName *string `json:"display_name" validate:"omitempty,max=100"`
	IsActive    *bool   `json:"is_active"`
}

// SetRoleInput assigns a role and its room scopes. Rooms are the managed set
// for an Owner and the accessible set for a Tenant; other roles drop both.
type SetRoleInput struct {
	Role         string   `json:"role" validate:"required"`
	Rooms        []string `json:"rooms" validate:"dive,max=20"`
	BuildingCode *string  `json:"building_code" validate:"omitempty,max=20"`
}

// UpdateProfileInput represents update profile input (for self)
type UpdateProfileInput struct {
	Email       *string `json:"email" validate:"omitempty,email"`
	DisplayName *string `json:"display_name" validate:"omitempty,max=100"`
}

// ChangePasswordInput represents change password input
type ChangePasswordInput struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required"`
}

// ListUsers lists all accounts with pagination
func (s *UserService) ListUsers(ctx context.Context, auth authz.AuthContext, params *pagination.Params) (*ListUsersOutput, error) {
	if !authz.Check(auth, authz.CanManageUsers, "") {
		return nil, fmt.Errorf("%w: cannot list users", domain.ErrPermissionDenied)
	}

	users, total, err := s.userRepo.List(ctx, params.Offset, params.Limit)
	if err != nil {
		return nil, err
	}

	out := make([]*models.UserResponse, len(users))
	for i, user := range users {
		out[i] = user.ToResponse()
	}
	return &ListUsersOutput{Users: out, Meta: pagination.GetMeta(params, total)}, nil
}

// GetUserByID gets an account by ID
func (s *UserService) GetUserByID(ctx context.Context, auth authz.AuthContext, id uint) (*models.UserResponse, error) {
	if auth.AccountID != id && !authz.Check(auth, authz.CanManageUsers, "") {
		return nil, fmt.Errorf("%w: cannot view users", domain.ErrPermissionDenied)
	}
	user, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return user.ToResponse(), nil
}

// UpdateUserByAdmin updates an account's contact details and active flag
func (s *UserService) UpdateUserByAdmin(ctx context.Context, auth authz.AuthContext, id uint, input *UpdateUserByAdminInput) (*models.UserResponse, error) {
	if !authz.Check(auth, authz.CanManageUsers, "") {
		return nil, fmt.Errorf("%w: cannot manage users", domain.ErrPermissionDenied)
	}
	user, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.applyContact(ctx, user, input.Email, input.DisplayName); err != nil {
		return nil, err
	}
	if input.IsActive != nil {
		if id == auth.AccountID && !*input.IsActive {
			return nil, ErrCannotDeleteSelf
		}
		user.IsActive = *input.IsActive
	}

	if err := s.userRepo.Update(ctx, user); err != nil {
		return nil, err
	}
	return user.ToResponse(), nil
}

// SetRole changes an account's role, room scopes and building code
func (s *UserService) SetRole(ctx context.Context, auth authz.AuthContext, id uint, input *SetRoleInput) (*models.UserResponse, error) {
	if !authz.Check(auth, authz.CanManageRoles, "") {
		return nil, fmt.Errorf("%w: cannot manage roles", domain.ErrPermissionDenied)
	}
	if id == auth.AccountID {
		return nil, ErrCannotChangeOwnRole
	}
	role, ok := authz.ParseRole(input.Role)
	if !ok {
		return nil, domain.Invalid("role", "unknown role %q", input.Role)
	}

	user, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	rooms := normalizeCodes(input.Rooms)
	// a building scoped admin can only hand out rooms inside its building
	for _, code := range rooms {
		if !authz.Check(auth, authz.CanManageRoles, code) {
			return nil, fmt.Errorf("%w: cannot grant room %s", domain.ErrPermissionDenied, code)
		}
	}

	managed, accessible := []string{}, []string{}
	switch role {
	case authz.RoleOwner:
		managed = rooms
	case authz.RoleTenant:
		accessible = rooms
	}

	if err := s.userRepo.ReplaceRooms(ctx, user.ID, models.RelationManaged, managed); err != nil {
		return nil, err
	}
	if err := s.userRepo.ReplaceRooms(ctx, user.ID, models.RelationAccessible, accessible); err != nil {
		return nil, err
	}

	user.Role = string(role)
	if input.BuildingCode != nil {
		user.BuildingCode = strings.TrimSpace(*input.BuildingCode)
	}
	if auth.BuildingCode != "" && user.BuildingCode == "" && role == authz.RoleAdministrator {
		// never widen past the granting admin's own building
		user.BuildingCode = auth.BuildingCode
	}
	if err := s.userRepo.Update(ctx, user); err != nil {
		return nil, err
	}

	s.log.Info("role changed",
		zap.Uint("user_id", user.ID),
		zap.String("role", user.Role),
		zap.Strings("rooms", rooms),
		zap.Uint("by", auth.AccountID),
	)

	// reload so the response reflects the new room links
	return s.GetUserByID(ctx, auth, user.ID)
}

// DeleteUser soft deletes an account
func (s *UserService) DeleteUser(ctx context.Context, auth authz.AuthContext, id uint) error {
	if !authz.Check(auth, authz.CanManageUsers, "") {
		return fmt.Errorf("%w: cannot manage users", domain.ErrPermissionDenied)
	}
	if id == auth.AccountID {
		return ErrCannotDeleteSelf
	}
	if _, err := s.load(ctx, id); err != nil {
		return err
	}
	return s.userRepo.Delete(ctx, id)
}

// GetProfile gets own profile
func (s *UserService) GetProfile(ctx context.Context, auth authz.AuthContext) (*models.UserResponse, error) {
	return s.GetUserByID(ctx, auth, auth.AccountID)
}

// UpdateProfile updates own profile
func (s *UserService) UpdateProfile(ctx context.Context, auth authz.AuthContext, input *UpdateProfileInput) (*models.UserResponse, error) {
	user, err := s.load(ctx, auth.AccountID)
	if err != nil {
		return nil, err
	}
	if err := s.applyContact(ctx, user, input.Email, input.DisplayName); err != nil {
		return nil, err
	}
	if err := s.userRepo.Update(ctx, user); err != nil {
		return nil, err
	}
	return user.ToResponse(), nil
}

// ChangePassword changes the caller's password
func (s *UserService) ChangePassword(ctx context.Context, auth authz.AuthContext, input *ChangePasswordInput) error {
	user, err := s.load(ctx, auth.AccountID)
	if err != nil {
		return err
	}

	// Verify old password
	if !password.Verify(input.OldPassword, user.Password) {
		return ErrOldPasswordWrong
	}

	// Validate new password
	if !password.ValidatePassword(input.NewPassword) {
		return domain.Invalid("new_password", "new password must be at least %d characters and contain a letter and a digit", password.MinLength)
	}

	hashedPassword, err := password.Hash(input.NewPassword)
	if err != nil {
		return err
	}

	user.Password = hashedPassword
	return s.userRepo.Update(ctx, user)
}

func (s *UserService) load(ctx context.Context, id uint) (*models.User, error) {
	user, err := s.userRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return user, nil
}

func (s *UserService) applyContact(ctx context.Context, user *models.User, email, displayName *string) error {
	if email != nil {
		e := strings.ToLower(strings.TrimSpace(*email))
		if e != user.Email {
			exists, err := s.userRepo.ExistsByEmail(ctx, e)
			if err != nil {
				return err
			}
			if exists {
				return ErrEmailAlreadyExists
			}
			user.Email = e
		}
	}
	if displayName != nil {
		user.DisplayName = strings.TrimSpace(*displayName)
	}
	return nil
}

// normalizeCodes trims, drops blanks and dedupes room codes, keeping order
func normalizeCodes(codes []string) []string {
	out := make([]string, 0, len(codes))
	seen := make(map[string]bool, len(codes))
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
