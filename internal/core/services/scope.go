package services

import (
	"context"

	"rentmeter/internal/adapters/persistence/repositories"
	"rentmeter/internal/core/authz"
)

// roomScope resolves which rooms an account may see
type roomScope struct {
	rooms repositories.RoomRepository
	bills repositories.BillRepository
}

// refs merges the rooms table with rooms that only exist on bills. A room
// without its own building code takes the one from its latest bill.
func (s roomScope) refs(ctx context.Context) ([]authz.RoomRef, error) {
	rooms, err := s.rooms.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	billRefs, err := s.bills.RoomRefs(ctx)
	if err != nil {
		return nil, err
	}

	latest := make(map[string]string, len(billRefs))
	for _, r := range billRefs {
		latest[r.Code] = r.BuildingCode
	}

	refs := make([]authz.RoomRef, 0, len(rooms)+len(billRefs))
	seen := make(map[string]bool, len(rooms))
	for _, room := range rooms {
		building := room.BuildingCode
		if building == "" {
			building = latest[room.Code]
		}
		refs = append(refs, authz.RoomRef{Code: room.Code, BuildingCode: building})
		seen[room.Code] = true
	}
	for _, r := range billRefs {
		if !seen[r.Code] {
			refs = append(refs, r)
		}
	}
	return refs, nil
}

// filter returns a bill filter restricted to the account's visible rooms
func (s roomScope) filter(ctx context.Context, auth authz.AuthContext) (repositories.BillFilter, error) {
	switch {
	case !authz.RoomScoped(auth):
		return repositories.BillFilter{}, nil
	case auth.Role == authz.RoleOwner:
		return repositories.BillFilter{Scoped: true, RoomCodes: auth.ManagedRooms}, nil
	case auth.Role == authz.RoleTenant:
		return repositories.BillFilter{Scoped: true, RoomCodes: auth.AccessibleRooms}, nil
	}

	refs, err := s.refs(ctx)
	if err != nil {
		return repositories.BillFilter{}, err
	}
	visible := authz.VisibleRooms(refs, auth)
	codes := make([]string, len(visible))
	for i, r := range visible {
		codes[i] = r.Code
	}
	return repositories.BillFilter{Scoped: true, RoomCodes: codes}, nil
}
