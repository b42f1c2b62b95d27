package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"kds-service/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// feed streams live changes of an establishment as Server-Sent Events.
// The subscription is taken before the client fetches its snapshot, so a
// client that subscribes first and then snapshots misses nothing.
func (h *Handler) feed(c *gin.Context) {
	establishmentID := c.Param("id")
	stationID := c.Query("station")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sub := h.hub.Subscribe(establishmentID, stationID)
	defer h.hub.Unsubscribe(sub)

	w := c.Writer
	fmt.Fprintf(w, ": connected\n\n")
	fmt.Fprintf(w, "retry: 2000\n\n")
	w.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			h.logger.Debug("Feed client disconnected", zap.String("subscriber_id", sub.ID))
			return

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			w.Flush()

		case msg, ok := <-sub.C():
			if !ok {
				// evicted or shutting down; the client reconnects and resyncs
				return
			}
			if err := writeFeedEvent(w, msg); err != nil {
				h.logger.Warn("Failed to write feed event", zap.String("subscriber_id", sub.ID), zap.Error(err))
				return
			}
			w.Flush()
		}
	}
}

func writeFeedEvent(w io.Writer, msg models.FeedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", msg.Type); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
