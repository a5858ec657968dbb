package handlers

import (
	"rentmeter/internal/core/services"
	"rentmeter/internal/pkg/logger"
	"rentmeter/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// DashboardHandler handles dashboard endpoints
type DashboardHandler struct {
	dashboardService *services.DashboardService
	log              *zap.Logger
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(dashboardService *services.DashboardService, log *zap.Logger) *DashboardHandler {
	return &DashboardHandler{
		dashboardService: dashboardService,
		log:              logger.OrNop(log),
	}
}

// GetDashboard returns billing figures over the caller's visible rooms
// @Summary Billing dashboard
// @Description Bill counts by state, outstanding and collected amounts, this month's totals and room occupancy (canViewReports)
// @Tags Dashboard
// @Accept json
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Response
// @Failure 401 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /dashboard [get]
func (h *DashboardHandler) GetDashboard(c *fiber.Ctx) error {
	auth, ok := authContext(c)
	if !ok {
		return response.Unauthorized(c, "Unauthorized")
	}

	data, err := h.dashboardService.Summary(c.UserContext(), auth)
	if err != nil {
		return respondError(c, h.log, err, "Failed to get dashboard")
	}

	return response.Success(c, "Dashboard retrieved successfully", data)
}
