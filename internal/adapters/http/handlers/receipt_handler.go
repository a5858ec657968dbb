package handlers

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"rentmeter/internal/core/services"
	"rentmeter/internal/pkg/logger"
	"rentmeter/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ReceiptHandler handles receipts, invoices, bulk import and export
type ReceiptHandler struct {
	receiptService *services.ReceiptService
	importService  *services.ImportService
	log            *zap.Logger
}

// NewReceiptHandler creates a new receipt handler
func NewReceiptHandler(receiptService *services.ReceiptService, importService *services.ImportService, log *zap.Logger) *ReceiptHandler {
	return &ReceiptHandler{
		receiptService: receiptService,
		importService:  importService,
		log:            logger.OrNop(log),
	}
}

// Receipt returns the utilities receipt with its PromptPay payload
// @Summary Bill receipt
// @Description Utilities-only receipt. The PromptPay payload is present when a merchant is configured and the total is positive. (canGenerateQRCode)
// @Tags Receipts
// @Produce json
// @Security BearerAuth
// @Param id path int true "Bill ID"
// @Success 200 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /bills/{id}/receipt [get]
func (h *ReceiptHandler) Receipt(c *fiber.Ctx) error {
	auth, ok := authContext(c)
	if !ok {
		return response.Unauthorized(c, "Unauthorized")
	}
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, h.log, err, "Invalid bill ID")
	}

	receipt, err := h.receiptService.Receipt(c.UserContext(), auth, id)
	if err != nil {
		return respondError(c, h.log, err, "Failed to build receipt")
	}

	return response.Success(c, "Receipt retrieved successfully", fiber.Map{
		"receipt": receipt,
	})
}

// QRCode renders the PromptPay QR code as PNG
// @Summary Receipt QR code
// @Tags Receipts
// @Produce png
// @Security BearerAuth
// @Param id path int true "Bill ID"
// @Param size query int false "Image size in pixels" default(256)
// @Success 200 {file} binary
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /bills/{id}/receipt/qr.png [get]
func (h *ReceiptHandler) QRCode(c *fiber.Ctx) error {
	auth, ok := authContext(c)
	if !ok {
		return response.Unauthorized(c, "Unauthorized")
	}
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, h.log, err, "Invalid bill ID")
	}

	png, err := h.receiptService.QRCodePNG(c.UserContext(), auth, id, c.QueryInt("size", services.DefaultQRSize))
	if err != nil {
		return respondError(c, h.log, err, "Failed to render QR code")
	}

	c.Set(fiber.HeaderContentType, "image/png")
	return c.Send(png)
}

// Invoice returns the full invoice with rent and add-ons
// @Summary Bill invoice
// @Description Utilities plus the room's rent and add-ons. Rooms without a record are invoiced for utilities only. (canViewHistory)
// @Tags Receipts
// @Produce json
// @Security BearerAuth
// @Param id path int true "Bill ID"
// @Success 200 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /bills/{id}/invoice [get]
func (h *ReceiptHandler) Invoice(c *fiber.Ctx) error {
	auth, ok := authContext(c)
	if !ok {
		return response.Unauthorized(c, "Unauthorized")
	}
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, h.log, err, "Invalid bill ID")
	}

	invoice, err := h.receiptService.Invoice(c.UserContext(), auth, id)
	if err != nil {
		return respondError(c, h.log, err, "Failed to build invoice")
	}

	return response.Success(c, "Invoice retrieved successfully", fiber.Map{
		"invoice": invoice,
	})
}

// Import creates bills from a CSV or XLSX sheet
// @Summary Import bills
// @Description One bill per row. Required columns: room, date, due_date, electricity_current, electricity_previous, electricity_rate. A bad row is reported and does not stop the rest.
// @Tags Bills
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Param file formData file true "CSV or XLSX file"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /bills/import [post]
func (h *ReceiptHandler) Import(c *fiber.Ctx) error {
	auth, ok := authContext(c)
	if !ok {
		return response.Unauthorized(c, "Unauthorized")
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return response.FieldError(c, "file", "import file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return response.FieldError(c, "file", "import file could not be read")
	}
	defer f.Close()

	var result *services.ImportResult
	switch strings.ToLower(filepath.Ext(fh.Filename)) {
	case ".csv":
		result, err = h.importService.ImportCSV(c.UserContext(), auth, f)
	case ".xlsx":
		result, err = h.importService.ImportXLSX(c.UserContext(), auth, f)
	default:
		return response.FieldError(c, "file", "import file must be .csv or .xlsx")
	}
	if err != nil {
		if result != nil {
			h.log.Warn("bill import interrupted",
				zap.Uint("account_id", auth.AccountID),
				zap.Int("total", result.Total),
				zap.Int("succeeded", result.Succeeded),
				zap.Error(err),
			)
		}
		return respondError(c, h.log, err, "Failed to import bills")
	}

	h.log.Info("bills imported",
		zap.Uint("account_id", auth.AccountID),
		zap.Int("total", result.Total),
		zap.Int("failed", result.Failed),
	)
	return response.Success(c, fmt.Sprintf("Imported %d of %d rows", result.Succeeded, result.Total), result)
}

// Export downloads the caller's visible bills as XLSX
// @Summary Export bills
// @Tags Bills
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Security BearerAuth
// @Param from query string false "Issue date from (YYYY-MM-DD)"
// @Param to query string false "Issue date to, inclusive (YYYY-MM-DD)"
// @Success 200 {file} binary
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /bills/export [get]
func (h *ReceiptHandler) Export(c *fiber.Ctx) error {
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

	data, err := h.receiptService.ExportHistory(c.UserContext(), auth, from, to)
	if err != nil {
		return respondError(c, h.log, err, "Failed to export bills")
	}

	c.Set(fiber.HeaderContentType, xlsxContentType)
	c.Attachment(fmt.Sprintf("bills_%s.xlsx", time.Now().Format("20060102")))
	return c.Send(data)
}
