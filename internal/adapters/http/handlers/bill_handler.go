package handlers

import (
	"rentmeter/internal/core/services"
	"rentmeter/internal/pkg/logger"
	"rentmeter/internal/pkg/pagination"
	"rentmeter/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// BillHandler handles bill recording, editing and history endpoints
type BillHandler struct {
	billService *services.BillService
	log         *zap.Logger
}

// NewBillHandler creates a new bill handler
func NewBillHandler(billService *services.BillService, log *zap.Logger) *BillHandler {
	return &BillHandler{
		billService: billService,
		log:         logger.OrNop(log),
	}
}

// List pages through the bills the caller may see
// @Summary List bills
// @Description Bills across the caller's visible rooms, newest first, optionally bounded by issue date
// @Tags Bills
// @Produce json
// @Security BearerAuth
// @Param from query string false "Issue date from (YYYY-MM-DD)"
// @Param to query string false "Issue date to, inclusive (YYYY-MM-DD)"
// @Param page query int false "Page number" default(1)
// @Param limit query int false "Items per page" default(20)
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /bills [get]
func (h *BillHandler) List(c *fiber.Ctx) error {
	auth, ok := authContext(c)
	if !ok {
		return response.Unauthorized(c, "Unauthorized")
	}
	from, err := queryDate(c, "from", false)
	if err != nil {
		return respondError(c, h.log, err, "Invalid date range")
	}
	to, err := queryDate(c, "to", true)
	if err != nil {
		return respondError(c, h.log, err, "Invalid date range")
	}

	page, err := h.billService.ListVisible(c.UserContext(), auth, from, to, pagination.GetParams(c))
	if err != nil {
		return respondError(c, h.log, err, "Failed to list bills")
	}

	return response.Success(c, "Bills retrieved successfully", page)
}

// Create records a new bill
// @Summary Create bill
// @Description Record meter readings for a room. Missing previous readings default to the room's latest bill or 0. (canAddNewBills)
// @Tags Bills
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body services.CreateBillInput true "Bill data"
// @Success 201 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /bills [post]
func (h *BillHandler) Create(c *fiber.Ctx) error {
	auth, ok := authContext(c)
	if !ok {
		return response.Unauthorized(c, "Unauthorized")
	}

	var input services.CreateBillInput
	if err := parseBody(c, &input); err != nil {
		return respondError(c, h.log, err, "Invalid request body")
	}

	bill, err := h.billService.Create(c.UserContext(), auth, &input)
	if err != nil {
		return respondError(c, h.log, err, "Failed to create bill")
	}

	return response.Created(c, "Bill created successfully", fiber.Map{
		"bill": bill.ToResponse(),
	})
}

// Get returns one bill
// @Summary Get bill
// @Tags Bills
// @Produce json
// @Security BearerAuth
// @Param id path int true "Bill ID"
// @Success 200 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /bills/{id} [get]
func (h *BillHandler) Get(c *fiber.Ctx) error {
	auth, ok := authContext(c)
	if !ok {
		return response.Unauthorized(c, "Unauthorized")
	}
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, h.log, err, "Invalid bill ID")
	}

	bill, err := h.billService.Get(c.UserContext(), auth, id)
	if err != nil {
		return respondError(c, h.log, err, "Failed to get bill")
	}

	return response.Success(c, "Bill retrieved successfully", fiber.Map{
		"bill": bill.ToResponse(),
	})
}

// Edit changes readings or dates and recomputes totals
// @Summary Edit bill
// @Description Partial update; send "version" to fail with 409 when someone else changed the bill (canEditAllBills)
// @Tags Bills
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Bill ID"
// @Param body body services.EditBillInput true "Changes"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 409 {object} response.Response
// @Router /bills/{id} [put]
func (h *BillHandler) Edit(c *fiber.Ctx) error {
	auth, ok := authContext(c)
	if !ok {
		return response.Unauthorized(c, "Unauthorized")
	}
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, h.log, err, "Invalid bill ID")
	}

	var input services.EditBillInput
	if err := parseBody(c, &input); err != nil {
		return respondError(c, h.log, err, "Invalid request body")
	}

	bill, err := h.billService.Edit(c.UserContext(), auth, id, &input)
	if err != nil {
		return respondError(c, h.log, err, "Failed to update bill")
	}

	return response.Success(c, "Bill updated successfully", fiber.Map{
		"bill": bill.ToResponse(),
	})
}

// Delete removes a bill and its evidence
// @Summary Delete bill
// @Description Confirmed bills can only be deleted by an administrator or owner (canDeleteBills)
// @Tags Bills
// @Produce json
// @Security BearerAuth
// @Param id path int true "Bill ID"
// @Success 200 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 409 {object} response.Response
// @Router /bills/{id} [delete]
func (h *BillHandler) Delete(c *fiber.Ctx) error {
	auth, ok := authContext(c)
	if !ok {
		return response.Unauthorized(c, "Unauthorized")
	}
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, h.log, err, "Invalid bill ID")
	}

	if err := h.billService.Delete(c.UserContext(), auth, id); err != nil {
		return respondError(c, h.log, err, "Failed to delete bill")
	}

	return response.Success(c, "Bill deleted successfully", nil)
}

// Events returns a bill's lifecycle history
// @Summary Bill events
// @Tags Bills
// @Produce json
// @Security BearerAuth
// @Param id path int true "Bill ID"
// @Success 200 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /bills/{id}/events [get]
func (h *BillHandler) Events(c *fiber.Ctx) error {
	auth, ok := authContext(c)
	if !ok {
		return response.Unauthorized(c, "Unauthorized")
	}
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, h.log, err, "Invalid bill ID")
	}

	events, err := h.billService.Events(c.UserContext(), auth, id)
	if err != nil {
		return respondError(c, h.log, err, "Failed to get bill events")
	}

	return response.Success(c, "Bill events retrieved successfully", fiber.Map{
		"events": events,
	})
}
