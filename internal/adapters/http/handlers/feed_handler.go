package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"rentmeter/internal/core/services"
	"rentmeter/internal/pkg/logger"
	"rentmeter/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const feedHeartbeat = 30 * time.Second

// FeedHandler streams bill lifecycle events
type FeedHandler struct {
	feed *services.BillFeed
	log  *zap.Logger
}

// NewFeedHandler creates a new feed handler
func NewFeedHandler(feed *services.BillFeed, log *zap.Logger) *FeedHandler {
	return &FeedHandler{
		feed: feed,
		log:  logger.OrNop(log),
	}
}

// Stream sends bill events for the caller's visible rooms as server-sent events
// @Summary Bill event stream
// @Description Server-sent events for bills in rooms the caller may view: created, edited, evidence, confirmation and deletion
// @Tags Bills
// @Produce text/event-stream
// @Security BearerAuth
// @Success 200 {string} string "event stream"
// @Failure 401 {object} response.Response
// @Router /bills/stream [get]
func (h *FeedHandler) Stream(c *fiber.Ctx) error {
	auth, ok := authContext(c)
	if !ok {
		return response.Unauthorized(c, "Unauthorized")
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	feed, log := h.feed, h.log
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		sub := feed.Subscribe(auth)
		defer feed.Unsubscribe(sub.ID)

		if err := writeEvent(w, "connected", fiber.Map{"subscriber": sub.ID}); err != nil {
			return
		}

		heartbeat := time.NewTicker(feedHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case event, ok := <-sub.Events:
				if !ok {
					return
				}
				if err := writeEvent(w, event.EventType, event); err != nil {
					log.Debug("bill feed client disconnected", zap.String("subscriber", sub.ID), zap.Error(err))
					return
				}
			case <-heartbeat.C:
				fmt.Fprint(w, ": heartbeat\n\n")
				if err := w.Flush(); err != nil {
					log.Debug("bill feed client disconnected", zap.String("subscriber", sub.ID), zap.Error(err))
					return
				}
			}
		}
	})

	return nil
}

// writeEvent writes one server-sent event and flushes it
func writeEvent(w *bufio.Writer, name string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	return w.Flush()
}
