package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cowritelabs/cowrite/internal/presence"
	"github.com/cowritelabs/cowrite/internal/relay"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	streamQueueSize      = 64
	streamHeartbeatEvery = 15 * time.Second
)

// streamFrame is the data portion of one server-sent event.
type streamFrame struct {
	ClientID string `json:"client_id"`
	Payload  []byte `json:"payload"`
}

// handleEventStream serves the document's relay traffic as server-sent
// events. The roster snapshot goes out first as presence joins, then live
// events follow. Updates published under the caller's own client id are
// skipped so editors never replay their own deltas.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	clientID := strings.TrimSpace(c.Query("client_id"))

	hub, err := h.hubs.acquire(c.Request.Context(), documentID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	ctx := c.Request.Context()
	done := make(chan struct{})
	defer close(done)

	events := make(chan relay.Event, streamQueueSize)
	unsubscribe, err := h.relay.Subscribe(ctx, relay.DocumentChannel(documentID.String()), func(event relay.Event) {
		select {
		case events <- event:
		case <-done:
		}
	})
	if err != nil {
		h.logger.Error("failed to subscribe event stream",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscribe_failed"})
		return
	}
	defer unsubscribe()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	for _, entry := range hub.Peers() {
		payload, encodeErr := presence.EncodeEvent(presence.Event{
			Action:   presence.ActionJoin,
			UserID:   entry.UserID,
			Username: entry.Username,
		})
		if encodeErr != nil {
			continue
		}
		if writeErr := writeServerEvent(c.Writer, relay.EventPresence, streamFrame{ClientID: entry.ClientID, Payload: payload}); writeErr != nil {
			return
		}
	}
	c.Writer.Flush()

	heartbeat := time.NewTicker(streamHeartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			if event.Name == relay.EventUpdate && clientID != "" && event.ClientID == clientID {
				continue
			}
			if err := writeServerEvent(c.Writer, event.Name, streamFrame{ClientID: event.ClientID, Payload: event.Payload}); err != nil {
				return
			}
			c.Writer.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

func writeServerEvent(w io.Writer, name string, frame streamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
