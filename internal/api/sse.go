package api

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/switchboard/internal/chat"
)

// pollInterval is how often the event stream checks the chat for changes.
const pollInterval = 2 * time.Second

// heartbeatInterval keeps intermediaries from dropping idle streams.
const heartbeatInterval = 15 * time.Second

// handleEvents streams chat status changes over SSE. The stream polls the
// store rather than subscribing in-process, so it observes changes made by
// any worker, not just this one.
func handleEvents(facade *chat.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := ownerID(c)
		if !ok {
			return
		}
		chatID := c.Param("id")

		snap, err := facade.Get(c.Request.Context(), owner, chatID)
		if err != nil {
			fail(c, err)
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "snapshot", snap)
		c.Writer.Flush()

		lastUpdated := snap.UpdatedAt
		lastStatus := snap.Status

		ctx := c.Request.Context()
		ticker := time.NewTicker(pollInterval)
		heartbeat := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				snap, err := facade.Get(ctx, owner, chatID)
				if err != nil {
					writeSSE(c.Writer, "error", map[string]string{"error": err.Error()})
					c.Writer.Flush()
					return
				}
				if snap.UpdatedAt.Equal(lastUpdated) && snap.Status == lastStatus {
					continue
				}
				lastUpdated = snap.UpdatedAt
				lastStatus = snap.Status
				writeSSE(c.Writer, "snapshot", snap)
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
