// Package authz decides who may act on which room's billing data.
//
// Permissions are an explicit per-role matrix. Roles are ordered only for
// display; a role never inherits another role's grants.
package authz

import "strings"

// Role is the closed set of account roles.
type Role string

const (
	RoleAdministrator Role = "ADMINISTRATOR"
	RoleGeneralUser   Role = "GENERAL_USER"
	RoleOwner         Role = "OWNER"
	RoleTenant        Role = "TENANT"
	RoleLegacyLevel2  Role = "LEGACY_LEVEL2"
)

// Roles lists every known role in hierarchy order.
var Roles = []Role{RoleAdministrator, RoleGeneralUser, RoleOwner, RoleTenant, RoleLegacyLevel2}

// ParseRole accepts canonical names and the legacy tags still stored on
// older accounts. Unknown input yields false.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "administrator", "admin":
		return RoleAdministrator, true
	case "general_user", "user", "generaluser":
		return RoleGeneralUser, true
	case "owner", "level1_owner", "1":
		return RoleOwner, true
	case "tenant", "level1_tenant":
		return RoleTenant, true
	case "legacy_level2", "level2", "2":
		return RoleLegacyLevel2, true
	}
	return "", false
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// Permission names an action.
type Permission string

const (
	CanManageUsers     Permission = "canManageUsers"
	CanManageRoles     Permission = "canManageRoles"
	CanViewAllRooms    Permission = "canViewAllRooms"
	CanEditAllBills    Permission = "canEditAllBills"
	CanDeleteBills     Permission = "canDeleteBills"
	CanUploadEvidence  Permission = "canUploadEvidence"
	CanViewReports     Permission = "canViewReports"
	CanAddNewBills     Permission = "canAddNewBills"
	CanGenerateQRCode  Permission = "canGenerateQRCode"
	CanViewHistory     Permission = "canViewHistory"
	CanManageTenants   Permission = "canManageTenants"
	CanConfirmPayment  Permission = "canConfirmPayment"
	CanManageBuildings Permission = "canManageBuildings"
)

// Permissions lists every known permission.
var Permissions = []Permission{
	CanManageUsers, CanManageRoles, CanViewAllRooms, CanEditAllBills,
	CanDeleteBills, CanUploadEvidence, CanViewReports, CanAddNewBills,
	CanGenerateQRCode, CanViewHistory, CanManageTenants, CanConfirmPayment,
	CanManageBuildings,
}

// Valid reports whether p is one of the known permissions.
func (p Permission) Valid() bool {
	for _, known := range Permissions {
		if p == known {
			return true
		}
	}
	return false
}

// Matrix is the static role -> permission grant table. A missing entry is a deny.
type Matrix map[Role]map[Permission]bool

// DefaultMatrix is the grant table used by the service.
var DefaultMatrix = Matrix{
	RoleGeneralUser: {
		CanViewAllRooms:   true,
		CanGenerateQRCode: true,
		CanViewHistory:    true,
	},
	RoleOwner: {
		CanViewAllRooms:   true,
		CanEditAllBills:   true,
		CanDeleteBills:    true,
		CanUploadEvidence: true,
		CanViewReports:    true,
		CanAddNewBills:    true,
		CanGenerateQRCode: true,
		CanViewHistory:    true,
		CanManageTenants:  true,
		CanConfirmPayment: true,
	},
	RoleTenant: {
		CanUploadEvidence: true,
		CanGenerateQRCode: true,
		CanViewHistory:    true,
	},
	RoleLegacyLevel2: {
		CanViewHistory: true,
	},
}

// AuthContext is the acting account, threaded explicitly through every core call.
type AuthContext struct {
	AccountID       uint
	Email           string
	DisplayName     string
	Role            Role
	ManagedRooms    []string
	AccessibleRooms []string
	BuildingCode    string
}

// Manages reports whether room is in the account's managed set.
func (a AuthContext) Manages(room string) bool { return contains(a.ManagedRooms, room) }

// Accesses reports whether room is in the account's accessible set.
func (a AuthContext) Accesses(room string) bool { return contains(a.AccessibleRooms, room) }

// IsAdminOrOwner reports whether the role may override confirmed-bill deletion.
func (a AuthContext) IsAdminOrOwner() bool {
	return a.Role == RoleAdministrator || a.Role == RoleOwner
}

// Engine evaluates permissions against a Matrix.
type Engine struct {
	matrix Matrix
}

// NewEngine creates an engine. A nil matrix falls back to DefaultMatrix.
func NewEngine(m Matrix) *Engine {
	if m == nil {
		m = DefaultMatrix
	}
	return &Engine{matrix: m}
}

var defaultEngine = NewEngine(DefaultMatrix)

// Check evaluates perm for the account using DefaultMatrix. roomCode may be empty.
func Check(a AuthContext, perm Permission, roomCode string) bool {
	return defaultEngine.Check(a, perm, roomCode)
}

// Check evaluates perm for the account, optionally scoped to roomCode.
func (e *Engine) Check(a AuthContext, perm Permission, roomCode string) bool {
	if !perm.Valid() {
		return false
	}
	if a.Role == RoleAdministrator {
		if roomCode != "" && a.BuildingCode != "" {
			return strings.HasPrefix(roomCode, a.BuildingCode)
		}
		return true
	}

	grants, ok := e.matrix[a.Role]
	if !ok || !grants[perm] {
		return false
	}

	if roomCode != "" {
		switch a.Role {
		case RoleOwner:
			if perm == CanManageTenants {
				return true
			}
			return a.Manages(roomCode)
		case RoleTenant:
			switch perm {
			case CanEditAllBills, CanDeleteBills, CanAddNewBills:
				return false
			}
			return a.Accesses(roomCode)
		default:
			return true
		}
	}

	if perm == CanViewAllRooms && (a.Role == RoleOwner || a.Role == RoleTenant) {
		return false
	}
	return true
}

// Granted lists the permissions the account holds without a room scope.
func Granted(a AuthContext) []Permission {
	out := make([]Permission, 0, len(Permissions))
	for _, p := range Permissions {
		if Check(a, p, "") {
			out = append(out, p)
		}
	}
	return out
}

// CanManageRoom reports whether the account may edit a room's own record:
// a (building scoped) administrator, or an owner who manages the room.
func CanManageRoom(a AuthContext, roomCode string) bool {
	switch a.Role {
	case RoleAdministrator:
		return Check(a, CanManageBuildings, roomCode)
	case RoleOwner:
		return a.Manages(roomCode)
	}
	return false
}

// RoomRef identifies a room for visibility filtering. BuildingCode is the
// room's own building code, or the latest bill's when the room has none.
type RoomRef struct {
	Code         string
	BuildingCode string
}

// VisibleRooms filters rooms down to what the account may see.
func VisibleRooms(rooms []RoomRef, a AuthContext) []RoomRef {
	var keep func(RoomRef) bool
	switch a.Role {
	case RoleAdministrator:
		if a.BuildingCode == "" {
			return rooms
		}
		keep = func(r RoomRef) bool {
			return strings.HasPrefix(r.Code, a.BuildingCode) || r.BuildingCode == a.BuildingCode
		}
	case RoleOwner:
		keep = func(r RoomRef) bool { return a.Manages(r.Code) }
	case RoleTenant:
		keep = func(r RoomRef) bool { return a.Accesses(r.Code) }
	default:
		return rooms
	}

	visible := make([]RoomRef, 0, len(rooms))
	for _, r := range rooms {
		if keep(r) {
			visible = append(visible, r)
		}
	}
	return visible
}

// VisibleRoomCodes is VisibleRooms over bare room codes.
func VisibleRoomCodes(codes []string, a AuthContext) []string {
	refs := make([]RoomRef, len(codes))
	for i, c := range codes {
		refs[i] = RoomRef{Code: c}
	}
	visible := VisibleRooms(refs, a)
	out := make([]string, len(visible))
	for i, r := range visible {
		out[i] = r.Code
	}
	return out
}

// RoomScoped reports whether the account only ever sees a subset of rooms.
func RoomScoped(a AuthContext) bool {
	switch a.Role {
	case RoleOwner, RoleTenant:
		return true
	case RoleAdministrator:
		return a.BuildingCode != ""
	}
	return false
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
