package handlers

import (
	"strings"

	"rentmeter/internal/core/services"
	"rentmeter/internal/pkg/logger"
	"rentmeter/internal/pkg/pagination"
	"rentmeter/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// RoomHandler handles room endpoints
type RoomHandler struct {
	roomService *services.RoomService
	billService *services.BillService
	log         *zap.Logger
}

// NewRoomHandler creates a new room handler
func NewRoomHandler(roomService *services.RoomService, billService *services.BillService, log *zap.Logger) *RoomHandler {
	return &RoomHandler{
		roomService: roomService,
		billService: billService,
		log:         logger.OrNop(log),
	}
}

// List returns the rooms the caller may see
// @Summary List rooms
// @Description List rooms visible to the caller
// @Tags Rooms
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Response
// @Failure 401 {object} response.Response
// @Router /rooms [get]
func (h *RoomHandler) List(c *fiber.Ctx) error {
	auth, ok := authContext(c)
	if !ok {
		return response.Unauthorized(c, "Unauthorized")
	}

	rooms, err := h.roomService.List(c.UserContext(), auth)
	if err != nil {
		return respondError(c, h.log, err, "Failed to list rooms")
	}

	return response.Success(c, "Rooms retrieved successfully", fiber.Map{
		"rooms": rooms,
	})
}

// Get returns one room
// @Summary Get room
// @Tags Rooms
// @Produce json
// @Security BearerAuth
// @Param code path string true "Room code"
// @Success 200 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /rooms/{code} [get]
func (h *RoomHandler) Get(c *fiber.Ctx) error {
	auth, ok := authContext(c)
	if !ok {
		return response.Unauthorized(c, "Unauthorized")
	}

	room, err := h.roomService.Get(c.UserContext(), auth, roomCode(c))
	if err != nil {
		return respondError(c, h.log, err, "Failed to get room")
	}

	return response.Success(c, "Room retrieved successfully", fiber.Map{
		"room": room,
	})
}

// Create adds a room
// @Summary Create room
// @Description Create a room with rent and recurring add-ons (canManageBuildings)
// @Tags Rooms
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body services.CreateRoomInput true "Room data"
// @Success 201 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 409 {object} response.Response
// @Router /rooms [post]
func (h *RoomHandler) Create(c *fiber.Ctx) error {
	auth, ok := authContext(c)
	if !ok {
		return response.Unauthorized(c, "Unauthorized")
	}

	var input services.CreateRoomInput
	if err := parseBody(c, &input); err != nil {
		return respondError(c, h.log, err, "Invalid request body")
	}

	room, err := h.roomService.Create(c.UserContext(), auth, &input)
	if err != nil {
		return respondError(c, h.log, err, "Failed to create room")
	}

	return response.Created(c, "Room created successfully", fiber.Map{
		"room": room,
	})
}

// Update changes a room's record
// @Summary Update room
// @Description Update rent, size, building or add-ons (administrator, or an owner managing the room)
// @Tags Rooms
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param code path string true "Room code"
// @Param body body services.UpdateRoomInput true "Room data"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /rooms/{code} [put]
func (h *RoomHandler) Update(c *fiber.Ctx) error {
	auth, ok := authContext(c)
	if !ok {
		return response.Unauthorized(c, "Unauthorized")
	}

	var input services.UpdateRoomInput
	if err := parseBody(c, &input); err != nil {
		return respondError(c, h.log, err, "Invalid request body")
	}

	room, err := h.roomService.Update(c.UserContext(), auth, roomCode(c), &input)
	if err != nil {
		return respondError(c, h.log, err, "Failed to update room")
	}

	return response.Success(c, "Room updated successfully", fiber.Map{
		"room": room,
	})
}

// AssignTenant moves a tenant into a room
// @Summary Assign tenant
// @Description Mark the room occupied and optionally grant a tenant account access (canManageTenants)
// @Tags Rooms
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param code path string true "Room code"
// @Param body body services.AssignTenantInput true "Tenant data"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /rooms/{code}/tenant [put]
func (h *RoomHandler) AssignTenant(c *fiber.Ctx) error {
	auth, ok := authContext(c)
	if !ok {
		return response.Unauthorized(c, "Unauthorized")
	}

	var input services.AssignTenantInput
	if err := parseBody(c, &input); err != nil {
		return respondError(c, h.log, err, "Invalid request body")
	}

	room, err := h.roomService.AssignTenant(c.UserContext(), auth, roomCode(c), &input)
	if err != nil {
		return respondError(c, h.log, err, "Failed to assign tenant")
	}

	return response.Success(c, "Tenant assigned successfully", fiber.Map{
		"room": room,
	})
}

// Vacate clears a room's tenant
// @Summary Vacate room
// @Description Mark the room vacant and revoke tenant access (canManageTenants)
// @Tags Rooms
// @Produce json
// @Security BearerAuth
// @Param code path string true "Room code"
// @Success 200 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /rooms/{code}/tenant [delete]
func (h *RoomHandler) Vacate(c *fiber.Ctx) error {
	auth, ok := authContext(c)
	if !ok {
		return response.Unauthorized(c, "Unauthorized")
	}

	room, err := h.roomService.Vacate(c.UserContext(), auth, roomCode(c))
	if err != nil {
		return respondError(c, h.log, err, "Failed to vacate room")
	}

	return response.Success(c, "Room vacated successfully", fiber.Map{
		"room": room,
	})
}

// History pages through a room's bills
// @Summary Room bill history
// @Description Bills of one room, newest first (canViewHistory for the room)
// @Tags Rooms
// @Produce json
// @Security BearerAuth
// @Param code path string true "Room code"
// @Param page query int false "Page number" default(1)
// @Param limit query int false "Items per page" default(20)
// @Success 200 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /rooms/{code}/bills [get]
func (h *RoomHandler) History(c *fiber.Ctx) error {
	auth, ok := authContext(c)
	if !ok {
		return response.Unauthorized(c, "Unauthorized")
	}

	page, err := h.billService.ListHistory(c.UserContext(), auth, roomCode(c), pagination.GetParams(c))
	if err != nil {
		return respondError(c, h.log, err, "Failed to list bills")
	}

	return response.Success(c, "Bills retrieved successfully", page)
}

func roomCode(c *fiber.Ctx) string {
	return strings.TrimSpace(c.Params("code"))
}
