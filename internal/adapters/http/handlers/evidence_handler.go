package handlers

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"rentmeter/internal/core/domain"
	"rentmeter/internal/core/services"
	"rentmeter/internal/pkg/logger"
	"rentmeter/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// EvidenceHandler handles payment evidence and confirmation endpoints
type EvidenceHandler struct {
	evidenceService *services.EvidenceService
	maxSize         int64
	log             *zap.Logger
}

// NewEvidenceHandler creates a new evidence handler
func NewEvidenceHandler(evidenceService *services.EvidenceService, maxSize int64, log *zap.Logger) *EvidenceHandler {
	if maxSize <= 0 || maxSize > services.MaxEvidenceSize {
		maxSize = services.MaxEvidenceSize
	}
	return &EvidenceHandler{
		evidenceService: evidenceService,
		maxSize:         maxSize,
		log:             logger.OrNop(log),
	}
}

// progressMessage is one server-sent event of an evidence upload
type progressMessage struct {
	Percent float64     `json:"percent"`
	Done    bool        `json:"done"`
	Bill    interface{} `json:"bill,omitempty"`
	Error   string      `json:"error,omitempty"`
	Field   string      `json:"field,omitempty"`
}

// Upload attaches a payment proof to a bill
// @Summary Upload payment evidence
// @Description Multipart upload of a JPEG, PNG, GIF or WebP image (max 5 MB). With "Accept: text/event-stream" the response streams progress events and ends with a done event. (canUploadEvidence)
// @Tags Evidence
// @Accept multipart/form-data
// @Produce json
// @Produce text/event-stream
// @Security BearerAuth
// @Param id path int true "Bill ID"
// @Param file formData file true "Evidence image"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 409 {object} response.Response
// @Failure 502 {object} response.Response
// @Router /bills/{id}/evidence [post]
func (h *EvidenceHandler) Upload(c *fiber.Ctx) error {
	auth, ok := authContext(c)
	if !ok {
		return response.Unauthorized(c, "Unauthorized")
	}
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, h.log, err, "Invalid bill ID")
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return response.FieldError(c, "file", "evidence file is required")
	}
	if fh.Size > h.maxSize {
		return response.TooLarge(c, fmt.Sprintf("evidence file must be at most %d MB", h.maxSize>>20))
	}

	// the multipart buffers belong to the request, so the stream path works on a copy
	f, err := fh.Open()
	if err != nil {
		return response.FieldError(c, "file", "evidence file could not be read")
	}
	data, err := io.ReadAll(io.LimitReader(f, h.maxSize+1))
	f.Close()
	if err != nil {
		return response.FieldError(c, "file", "evidence file could not be read")
	}

	file := services.EvidenceFile{
		FileName: fh.Filename,
		Size:     int64(len(data)),
		Content:  bytes.NewReader(data),
	}

	if !strings.Contains(c.Get(fiber.HeaderAccept), "text/event-stream") {
		bill, err := h.evidenceService.AttachEvidence(c.UserContext(), auth, id, file, nil)
		if err != nil {
			return respondError(c, h.log, err, "Failed to upload evidence")
		}
		return response.Success(c, "Evidence uploaded successfully", fiber.Map{
			"bill": bill.ToResponse(),
		})
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.UserContext()))
	events := h.evidenceService.StartEvidenceUpload(ctx, auth, id, file)

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	log := h.log
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		for ev := range events {
			if err := writeProgress(w, log, id, ev); err != nil {
				// client went away; cancel and drain so the upload cleans up
				cancel()
				for range events {
				}
				log.Debug("evidence progress stream closed", zap.Uint("bill_id", id), zap.Error(err))
				return
			}
		}
	})
	return nil
}

func writeProgress(w *bufio.Writer, log *zap.Logger, billID uint, ev services.UploadEvent) error {
	msg := progressMessage{Percent: ev.Percent, Done: ev.Done}
	name := "progress"
	if ev.Done {
		name = "done"
		if ev.Err != nil {
			name = "error"
			msg.Error, msg.Field = progressError(log, billID, ev.Err)
		} else if ev.Bill != nil {
			msg.Bill = ev.Bill.ToResponse()
		}
	}
	return writeEvent(w, name, msg)
}

// progressError turns an upload failure into the message sent to the client.
// Storage and database details stay in the log.
func progressError(log *zap.Logger, billID uint, err error) (string, string) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return verr.Error(), verr.Field
	}
	var terr *domain.TransportError
	if errors.As(err, &terr) {
		log.Error("evidence upload failed", zap.Uint("bill_id", billID), zap.String("step", string(terr.Step)), zap.Error(terr.Err))
		return fmt.Sprintf("evidence upload failed at %s", terr.Step), ""
	}
	switch {
	case errors.Is(err, domain.ErrPermissionDenied),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, context.Canceled):
		return err.Error(), ""
	}
	log.Error("evidence upload failed", zap.Uint("bill_id", billID), zap.Error(err))
	return "Failed to upload evidence", ""
}

// Download streams a bill's stored evidence
// @Summary Download payment evidence
// @Description Returns the stored image to callers who may view the room's history (canViewHistory)
// @Tags Evidence
// @Produce image/jpeg
// @Produce image/png
// @Produce image/gif
// @Produce image/webp
// @Security BearerAuth
// @Param id path int true "Bill ID"
// @Success 200 {file} binary
// @Failure 401 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 502 {object} response.Response
// @Router /bills/{id}/evidence [get]
func (h *EvidenceHandler) Download(c *fiber.Ctx) error {
	auth, ok := authContext(c)
	if !ok {
		return response.Unauthorized(c, "Unauthorized")
	}
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, h.log, err, "Invalid bill ID")
	}

	rc, evidence, err := h.evidenceService.OpenEvidence(c.UserContext(), auth, id)
	if err != nil {
		return respondError(c, h.log, err, "Failed to load evidence")
	}
	data, err := io.ReadAll(io.LimitReader(rc, services.MaxEvidenceSize+1))
	rc.Close()
	if err != nil {
		return respondError(c, h.log, domain.Transport(domain.StepResolveURL, err), "Failed to load evidence")
	}

	if evidence.MimeType != "" {
		c.Set(fiber.HeaderContentType, evidence.MimeType)
	}
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", evidence.FileName))
	c.Set("X-Content-Type-Options", "nosniff")
	return c.Status(fiber.StatusOK).Send(data)
}

// Delete removes a bill's evidence
// @Summary Delete payment evidence
// @Description Not allowed once the payment is confirmed (canUploadEvidence)
// @Tags Evidence
// @Produce json
// @Security BearerAuth
// @Param id path int true "Bill ID"
// @Success 200 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 409 {object} response.Response
// @Router /bills/{id}/evidence [delete]
func (h *EvidenceHandler) Delete(c *fiber.Ctx) error {
	auth, ok := authContext(c)
	if !ok {
		return response.Unauthorized(c, "Unauthorized")
	}
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, h.log, err, "Invalid bill ID")
	}

	bill, err := h.evidenceService.DeleteEvidence(c.UserContext(), auth, id)
	if err != nil {
		return respondError(c, h.log, err, "Failed to delete evidence")
	}

	return response.Success(c, "Evidence deleted successfully", fiber.Map{
		"bill": bill.ToResponse(),
	})
}

// Confirm marks a bill paid
// @Summary Confirm payment
// @Description Requires attached evidence. A second confirmation is a conflict. (canConfirmPayment)
// @Tags Evidence
// @Produce json
// @Security BearerAuth
// @Param id path int true "Bill ID"
// @Success 200 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 409 {object} response.Response
// @Router /bills/{id}/confirm [post]
func (h *EvidenceHandler) Confirm(c *fiber.Ctx) error {
	auth, ok := authContext(c)
	if !ok {
		return response.Unauthorized(c, "Unauthorized")
	}
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, h.log, err, "Invalid bill ID")
	}

	bill, err := h.evidenceService.ConfirmPayment(c.UserContext(), auth, id)
	if err != nil {
		return respondError(c, h.log, err, "Failed to confirm payment")
	}

	return response.Success(c, "Payment confirmed successfully", fiber.Map{
		"bill": bill.ToResponse(),
	})
}
