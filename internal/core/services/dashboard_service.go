package services

import (
	"context"
	"fmt"
	"time"

	"rentmeter/internal/adapters/persistence/models"
	"rentmeter/internal/adapters/persistence/repositories"
	"rentmeter/internal/core/authz"
	"rentmeter/internal/core/domain"
)

const recentBillsLimit = 5

// DashboardService aggregates billing figures for the reports page
type DashboardService struct {
	bills repositories.BillRepository
	rooms repositories.RoomRepository
	scope roomScope
	now   func() time.Time
}

// NewDashboardService creates a new dashboard service
func NewDashboardService(bills repositories.BillRepository, rooms repositories.RoomRepository) *DashboardService {
	return &DashboardService{
		bills: bills,
		rooms: rooms,
		scope: roomScope{rooms: rooms, bills: bills},
		now:   time.Now,
	}
}

// RoomStats counts rooms by occupancy
type RoomStats struct {
	Total    int `json:"total"`
	Occupied int `json:"occupied"`
	Vacant   int `json:"vacant"`
}

// DashboardData represents the reports dashboard
type DashboardData struct {
	// Overall
	Bills *models.BillSummary `json:"bills"`

	// Monthly Statistics
	Month     string              `json:"month"`
	ThisMonth *models.BillSummary `json:"this_month"`

	Rooms RoomStats `json:"rooms"`

	// Recent Activity
	RecentBills []*models.BillResponse `json:"recent_bills"`
}

// Summary returns the dashboard over the caller's visible rooms
func (s *DashboardService) Summary(ctx context.Context, auth authz.AuthContext) (*DashboardData, error) {
	if !authz.Check(auth, authz.CanViewReports, "") {
		return nil, fmt.Errorf("%w: cannot view reports", domain.ErrPermissionDenied)
	}

	filter, err := s.scope.filter(ctx, auth)
	if err != nil {
		return nil, domain.Transport(domain.StepPersist, err)
	}

	now := s.now()
	data := &DashboardData{Month: now.Format("2006-01")}

	if data.Bills, err = s.bills.Summarize(ctx, filter, now); err != nil {
		return nil, domain.Transport(domain.StepPersist, err)
	}

	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	monthEnd := monthStart.AddDate(0, 1, 0).Add(-time.Nanosecond)
	monthly := filter
	monthly.From, monthly.To = &monthStart, &monthEnd
	if data.ThisMonth, err = s.bills.Summarize(ctx, monthly, now); err != nil {
		return nil, domain.Transport(domain.StepPersist, err)
	}

	rooms, err := s.rooms.ListAll(ctx)
	if err != nil {
		return nil, domain.Transport(domain.StepPersist, err)
	}
	refs := make([]authz.RoomRef, len(rooms))
	status := make(map[string]string, len(rooms))
	for i, r := range rooms {
		refs[i] = authz.RoomRef{Code: r.Code, BuildingCode: r.BuildingCode}
		status[r.Code] = r.Status
	}
	for _, r := range authz.VisibleRooms(refs, auth) {
		data.Rooms.Total++
		if status[r.Code] == domain.OccupancyOccupied {
			data.Rooms.Occupied++
		} else {
			data.Rooms.Vacant++
		}
	}

	recent, _, err := s.bills.List(ctx, filter, 0, recentBillsLimit)
	if err != nil {
		return nil, domain.Transport(domain.StepPersist, err)
	}
	data.RecentBills = make([]*models.BillResponse, len(recent))
	for i, b := range recent {
		data.RecentBills[i] = b.ToResponse()
	}

	return data, nil
}
