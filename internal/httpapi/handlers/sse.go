package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type sseWriter struct {
	c       *gin.Context
	flusher http.Flusher
}

func startSSE(c *gin.Context) (*sseWriter, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, false
	}
	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx

	// avoid gin writing a JSON response later
	c.Status(http.StatusOK)
	return &sseWriter{c: c, flusher: flusher}, true
}

func (w *sseWriter) writeJSON(event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		// last-resort: send a simple error that won't break SSE framing
		fmt.Fprintf(w.c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
		w.flusher.Flush()
		return
	}
	if event != "" {
		fmt.Fprintf(w.c.Writer, "event: %s\n", event)
	}
	w.writeData(b)
}

func (w *sseWriter) writeData(b []byte) {
	fmt.Fprintf(w.c.Writer, "data: %s\n\n", b)
	w.flusher.Flush()
}

// pump forwards frames until the channel closes, then terminates the stream
// with [DONE]. It returns early when the client goes away.
func (w *sseWriter) pump(frames <-chan []byte, heartbeat time.Duration) {
	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	ctx := w.c.Request.Context()
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				w.writeData([]byte("[DONE]"))
				return
			}
			w.writeData(f)

		case <-ticker.C:
			w.writeJSON("ping", gin.H{
				"type": "ping",
				"ts":   time.Now().Unix(),
			})

		case <-ctx.Done():
			return
		}
	}
}
